// Package listencomm is the built-in TCP listener communicator: devices
// dial in and send newline framed records.
package listencomm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/netio"
)

const (
	ID       = "catalytic.listen"
	Protocol = "tcp-listen"
)

var (
	ErrNotActive     = errors.New("listen communicator not active")
	ErrNotListening  = errors.New("not listening")
	ErrUnknownAction = errors.New("unknown action")
)

type Communicator struct {
	mu        sync.Mutex
	listeners map[string]*netio.SessionManager
	host      driver.Context
	logger    *slog.Logger
}

func New() *Communicator {
	return &Communicator{listeners: make(map[string]*netio.SessionManager), logger: slog.Default()}
}

func (c *Communicator) ID() string       { return ID }
func (c *Communicator) Protocol() string { return Protocol }

func (c *Communicator) Activate(_ context.Context, host driver.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = host
	c.logger = host.Logger()
	return nil
}

func (c *Communicator) Deactivate(context.Context) error {
	c.mu.Lock()
	ls := c.listeners
	c.listeners = make(map[string]*netio.SessionManager)
	c.host = nil
	c.mu.Unlock()
	var errs []error
	for addr, m := range ls {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// Listener returns the session manager serving address.
func (c *Communicator) Listener(address string) (*netio.SessionManager, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.listeners[address]
	return m, ok
}

func (c *Communicator) Execute(ctx context.Context, address, action string, payload []byte, _ time.Duration) ([]byte, error) {
	c.mu.Lock()
	active := c.host != nil
	c.mu.Unlock()
	if !active {
		return nil, ErrNotActive
	}

	switch driver.NormalizeAction(action) {
	case driver.ActionConnect, driver.ActionStart:
		return []byte{}, c.listen(ctx, address)

	case driver.ActionDisconnect:
		c.mu.Lock()
		m := c.listeners[address]
		delete(c.listeners, address)
		c.mu.Unlock()
		if m == nil {
			return []byte{}, nil
		}
		c.logger.Info("listener stopped", "address", address)
		return []byte{}, m.Close()

	case driver.ActionSend:
		m, ok := c.Listener(address)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotListening, address)
		}
		var errs []error
		for id, err := range m.Broadcast(ctx, payload) {
			if err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			}
		}
		return []byte{}, errors.Join(errs...)

	case driver.ActionStatus:
		m, ok := c.Listener(address)
		if !ok {
			return []byte("0"), nil
		}
		return []byte(strconv.Itoa(m.Count())), nil
	}
	return nil, fmt.Errorf("%w %q, supported: connect, disconnect, send, status", ErrUnknownAction, action)
}

func (c *Communicator) listen(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.listeners[address]; ok {
		return nil
	}
	var m *netio.SessionManager
	m = netio.NewSessionManager(address, netio.ManagerHandler{
		OnConnect: func(info netio.SessionInfo) {
			c.logger.Info("device dialed in", "address", address, "session", info.ID, "remote", info.RemoteAddr)
		},
		OnData: func(id uuid.UUID, buffered []byte) {
			c.frame(m, address, id, buffered)
		},
		OnDisconnect: func(info netio.SessionInfo) {
			c.logger.Info("device hung up", "address", address, "session", info.ID, "dropped", info.Buffered)
		},
	}, netio.WithLogger(c.logger))
	if err := m.Start(ctx); err != nil {
		return err
	}
	c.listeners[address] = m
	c.logger.Info("listener started", "address", address, "bound", m.Addr().String())
	return nil
}

// frame pushes each complete line, without its terminator, and consumes it
// from the session buffer. A trailing partial line stays buffered.
func (c *Communicator) frame(m *netio.SessionManager, address string, id uuid.UUID, buffered []byte) {
	consumed := 0
	for {
		i := bytes.IndexByte(buffered[consumed:], '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(buffered[consumed:consumed+i], []byte("\r"))
		consumed += i + 1
		if len(line) == 0 {
			continue
		}
		data := append([]byte(nil), line...)
		c.mu.Lock()
		host := c.host
		c.mu.Unlock()
		if host != nil {
			host.PushData(address, data)
		}
	}
	if consumed > 0 {
		_ = m.Consume(id, consumed)
	}
}
