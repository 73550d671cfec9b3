// Package reservoir buffers bytes that devices push out-of-band so a later
// synchronous task can collect them.
package reservoir

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/lzdev42/catalytic-sub000/internal/metrics"
)

// DefaultMaxBytes caps a single address buffer.
const DefaultMaxBytes = 50 * 1024 * 1024

type buffer struct {
	mu   sync.Mutex
	data []byte
	// dead is set once the buffer has been detached from the map; writers
	// holding a stale pointer must retry against a fresh buffer.
	dead bool
}

// Reservoir is a set of per-address byte buffers. The zero value is not usable; call New.
type Reservoir struct {
	max     int
	buffers sync.Map // address -> *buffer
	logger  *slog.Logger
}

type Option func(*Reservoir)

// WithMaxBytes overrides DefaultMaxBytes. Non-positive values are ignored.
func WithMaxBytes(n int) Option {
	return func(r *Reservoir) {
		if n > 0 {
			r.max = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reservoir) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(opts ...Option) *Reservoir {
	r := &Reservoir{max: DefaultMaxBytes, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// MaxBytes returns the per-address cap.
func (r *Reservoir) MaxBytes() int { return r.max }

// Write appends data to the buffer for address. If the result would exceed
// the cap the new bytes are dropped and the buffer is left as it was.
func (r *Reservoir) Write(address string, data []byte) {
	if len(data) == 0 {
		return
	}
	for {
		v, _ := r.buffers.LoadOrStore(address, &buffer{})
		b := v.(*buffer)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		if len(b.data)+len(data) > r.max {
			size := len(b.data)
			b.mu.Unlock()
			r.logger.Debug("reservoir full, dropping push",
				"address", address, "buffered", size, "dropped", len(data), "max", r.max)
			metrics.AddReservoirDropped(address, len(data))
			return
		}
		b.data = append(b.data, data...)
		size := len(b.data)
		b.mu.Unlock()
		metrics.SetReservoirBytes(address, size)
		return
	}
}

// Drain removes and returns everything buffered for address. It returns an
// empty, non-nil slice when nothing was buffered.
func (r *Reservoir) Drain(address string) []byte {
	data := r.detach(address)
	if data == nil {
		return []byte{}
	}
	return data
}

// Peek returns a copy of the buffer without removing it.
func (r *Reservoir) Peek(address string) []byte {
	v, ok := r.buffers.Load(address)
	if !ok {
		return []byte{}
	}
	b := v.(*buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Clear discards the buffer for address.
func (r *Reservoir) Clear(address string) {
	r.detach(address)
}

// Len reports the buffered size for address.
func (r *Reservoir) Len(address string) int {
	v, ok := r.buffers.Load(address)
	if !ok {
		return 0
	}
	b := v.(*buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Addresses lists addresses that currently hold a buffer, sorted.
func (r *Reservoir) Addresses() []string {
	var out []string
	r.buffers.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (r *Reservoir) detach(address string) []byte {
	v, ok := r.buffers.LoadAndDelete(address)
	if !ok {
		return nil
	}
	b := v.(*buffer)
	b.mu.Lock()
	data := b.data
	b.data = nil
	b.dead = true
	b.mu.Unlock()
	metrics.SetReservoirBytes(address, 0)
	return data
}
