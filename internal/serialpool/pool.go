// Package serialpool keeps one open handle per serial port name and
// serializes every operation on that handle.
package serialpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/semaphore"

	"github.com/lzdev42/catalytic-sub000/internal/metrics"
)

const (
	DefaultBaudRate     = 9600
	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

var (
	ErrPoolClosed   = errors.New("serial pool closed")
	ErrPortClosed   = errors.New("serial port closed")
	ErrWriteTimeout = errors.New("serial write timed out")
)

// Port is the subset of serial.Port the pool relies on.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Opener opens a port. Tests replace it with a fake.
type Opener func(name string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real device through go.bug.st/serial.
func OpenSerial(name string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type Config struct {
	// ReadTimeout applies to Query and Read calls that pass a non-positive timeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PollInterval bounds a single blocking read; the read loop re-checks
	// its deadline between slices.
	PollInterval time.Duration
	Opener       Opener
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Opener == nil {
		c.Opener = OpenSerial
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Pool is safe for concurrent use. Once closed it cannot be reused.
type Pool struct {
	cfg    Config
	ports  sync.Map // name -> *Handle
	create *semaphore.Weighted
	closed atomic.Bool
}

func New(cfg Config) *Pool {
	return &Pool{cfg: cfg.withDefaults(), create: semaphore.NewWeighted(1)}
}

// Acquire returns the open handle for name, opening the port at baud if
// there is none. Callers racing on the same name share one handle. A
// cached handle is returned as is even when baud differs.
func (p *Pool) Acquire(ctx context.Context, name string, baud int) (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if h := p.lookup(name); h != nil {
		return h, nil
	}

	if err := p.create.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.create.Release(1)

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if h := p.lookup(name); h != nil {
		return h, nil
	}
	if v, ok := p.ports.LoadAndDelete(name); ok {
		v.(*Handle).close()
	}

	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := p.cfg.Opener(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(p.cfg.PollInterval); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		p.cfg.Logger.Debug("serial reset input failed", "port", name, "error", err)
	}

	h := &Handle{
		name:   name,
		baud:   baud,
		port:   port,
		cfg:    p.cfg,
		access: semaphore.NewWeighted(1),
	}
	p.ports.Store(name, h)
	metrics.AddSerialPorts(1)
	p.cfg.Logger.Info("serial port opened", "port", name, "baud", baud)
	return h, nil
}

func (p *Pool) lookup(name string) *Handle {
	v, ok := p.ports.Load(name)
	if !ok {
		return nil
	}
	h := v.(*Handle)
	if !h.IsOpen() {
		return nil
	}
	return h
}

// Get returns the cached handle without opening anything.
func (p *Pool) Get(name string) (*Handle, bool) {
	h := p.lookup(name)
	return h, h != nil
}

// IsOpen reports whether name has an open handle.
func (p *Pool) IsOpen(name string) bool { return p.lookup(name) != nil }

// Close closes and forgets the handle for name. Unknown names are ignored.
func (p *Pool) Close(name string) {
	if v, ok := p.ports.LoadAndDelete(name); ok {
		v.(*Handle).close()
	}
}

// CloseAll closes every handle and shuts the pool.
func (p *Pool) CloseAll() {
	p.closed.Store(true)
	p.ports.Range(func(k, v any) bool {
		p.ports.Delete(k)
		v.(*Handle).close()
		return true
	})
}

// Names lists ports that currently hold an open handle, sorted.
func (p *Pool) Names() []string {
	var out []string
	p.ports.Range(func(k, v any) bool {
		if v.(*Handle).IsOpen() {
			out = append(out, k.(string))
		}
		return true
	})
	sort.Strings(out)
	return out
}
