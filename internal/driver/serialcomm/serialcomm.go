// Package serialcomm is the built-in serial line communicator.
package serialcomm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/serialpool"
)

const (
	ID       = "catalytic.serial"
	Protocol = "serial"
)

var (
	ErrNotActive     = errors.New("serial communicator not active")
	ErrUnknownAction = errors.New("unknown action")
)

// ParseAddress splits "COM3" or "/dev/ttyUSB0:115200" into a port name and
// baud rate. Anything that is not exactly name:number keeps the default baud.
func ParseAddress(address string) (string, int) {
	parts := strings.Split(address, ":")
	if len(parts) == 2 {
		if baud, err := strconv.Atoi(parts[1]); err == nil && baud > 0 {
			return parts[0], baud
		}
	}
	return address, serialpool.DefaultBaudRate
}

type Communicator struct {
	cfg serialpool.Config

	mu     sync.RWMutex
	pool   *serialpool.Pool
	logger *slog.Logger
}

// New returns a communicator whose pool is created on Activate.
func New(cfg serialpool.Config) *Communicator {
	return &Communicator{cfg: cfg, logger: slog.Default()}
}

func (c *Communicator) ID() string       { return ID }
func (c *Communicator) Protocol() string { return Protocol }

func (c *Communicator) Activate(_ context.Context, host driver.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = host.Logger()
	cfg := c.cfg
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	c.pool = serialpool.New(cfg)
	c.logger.Info("serial communicator activated")
	return nil
}

// Deactivate closes every open port.
func (c *Communicator) Deactivate(context.Context) error {
	c.mu.Lock()
	pool := c.pool
	c.pool = nil
	c.mu.Unlock()
	if pool != nil {
		c.logger.Info("serial communicator deactivating, closing all ports")
		pool.CloseAll()
	}
	return nil
}

// Pool exposes the active pool, or nil before Activate.
func (c *Communicator) Pool() *serialpool.Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

func (c *Communicator) Execute(ctx context.Context, address, action string, payload []byte, timeout time.Duration) ([]byte, error) {
	pool := c.Pool()
	if pool == nil {
		return nil, ErrNotActive
	}
	name, baud := ParseAddress(address)
	c.logger.Debug("serial action", "action", action, "port", name, "baud", baud, "timeout", timeout)

	switch driver.NormalizeAction(action) {
	case driver.ActionConnect:
		if _, err := pool.Acquire(ctx, name, baud); err != nil {
			return nil, err
		}
		return []byte{}, nil

	case driver.ActionDisconnect:
		pool.Close(name)
		return []byte{}, nil

	case driver.ActionSend:
		h, err := pool.Acquire(ctx, name, baud)
		if err != nil {
			return nil, err
		}
		if err := h.Send(ctx, payload); err != nil {
			return nil, err
		}
		c.logger.Debug("serial sent", "port", name, "bytes", len(payload))
		return []byte{}, nil

	case driver.ActionQuery:
		h, err := pool.Acquire(ctx, name, baud)
		if err != nil {
			return nil, err
		}
		resp, err := h.Query(ctx, payload, timeout)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("serial query", "port", name, "sent", len(payload), "received", len(resp))
		return resp, nil

	case driver.ActionRead:
		h, err := pool.Acquire(ctx, name, baud)
		if err != nil {
			return nil, err
		}
		return h.Read(ctx, timeout)

	case driver.ActionStatus:
		if pool.IsOpen(name) {
			return []byte("connected"), nil
		}
		return []byte("disconnected"), nil

	case driver.ActionWait:
		return []byte{}, wait(ctx, payload, timeout)
	}
	return nil, fmt.Errorf("%w %q, supported: send, query, read, wait, connect, disconnect, status", ErrUnknownAction, action)
}

// wait sleeps for the delay in payload: ASCII milliseconds, or a 4-byte
// little-endian integer when the payload is binary. An empty payload waits
// for timeout, and a positive timeout caps any longer delay.
func wait(ctx context.Context, payload []byte, timeout time.Duration) error {
	d, err := parseDelay(payload)
	if err != nil {
		return err
	}
	if d <= 0 || (timeout > 0 && d > timeout) {
		d = timeout
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseDelay(payload []byte) (time.Duration, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(string(payload))); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	if len(payload) == 4 && !printable(payload) {
		return time.Duration(int32(binary.LittleEndian.Uint32(payload))) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid wait payload %q", payload)
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
