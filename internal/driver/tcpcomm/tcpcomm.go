// Package tcpcomm is the built-in TCP client communicator. Addresses are
// host:port and each address keeps one shared connection.
package tcpcomm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/netio"
)

const (
	ID       = "catalytic.tcp"
	Protocol = "tcp"

	// DefaultReplyTimeout bounds query and read when the task has no timeout.
	DefaultReplyTimeout = 5 * time.Second
)

var (
	ErrNotActive     = errors.New("tcp communicator not active")
	ErrUnknownAction = errors.New("unknown action")
)

type Communicator struct {
	mu     sync.Mutex
	links  map[string]*link
	host   driver.Context
	logger *slog.Logger
	dial   singleflight.Group
}

func New() *Communicator {
	return &Communicator{links: make(map[string]*link), logger: slog.Default()}
}

func (c *Communicator) ID() string       { return ID }
func (c *Communicator) Protocol() string { return Protocol }

func (c *Communicator) Activate(_ context.Context, host driver.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = host
	c.logger = host.Logger()
	c.logger.Info("tcp communicator activated")
	return nil
}

// Deactivate closes every connection.
func (c *Communicator) Deactivate(context.Context) error {
	c.mu.Lock()
	links := c.links
	c.links = make(map[string]*link)
	c.host = nil
	c.mu.Unlock()
	for _, l := range links {
		_ = l.client.Close()
	}
	return nil
}

func (c *Communicator) Execute(ctx context.Context, address, action string, payload []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	active := c.host != nil
	c.mu.Unlock()
	if !active {
		return nil, ErrNotActive
	}
	c.logger.Debug("tcp action", "action", action, "address", address, "timeout", timeout)

	switch driver.NormalizeAction(action) {
	case driver.ActionConnect:
		if _, err := c.connect(ctx, address); err != nil {
			return nil, err
		}
		return []byte{}, nil

	case driver.ActionDisconnect:
		c.close(address)
		return []byte{}, nil

	case driver.ActionSend:
		l, err := c.connect(ctx, address)
		if err != nil {
			return nil, err
		}
		if err := l.client.Send(ctx, payload); err != nil {
			return nil, err
		}
		return []byte{}, nil

	case driver.ActionQuery:
		l, err := c.connect(ctx, address)
		if err != nil {
			return nil, err
		}
		return l.exchange(ctx, payload, timeout)

	case driver.ActionRead:
		l, err := c.connect(ctx, address)
		if err != nil {
			return nil, err
		}
		return l.exchange(ctx, nil, timeout)

	case driver.ActionStatus:
		if l := c.lookup(address); l != nil && l.client.Connected() {
			return []byte("connected"), nil
		}
		return []byte("disconnected"), nil
	}
	return nil, fmt.Errorf("%w %q, supported: connect, disconnect, send, query, read, status", ErrUnknownAction, action)
}

func (c *Communicator) lookup(address string) *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[address]
}

// connect returns the live link for address, dialing once if needed.
func (c *Communicator) connect(ctx context.Context, address string) (*link, error) {
	if l := c.lookup(address); l != nil && l.client.Connected() {
		return l, nil
	}
	v, err, _ := c.dial.Do(address, func() (any, error) {
		if l := c.lookup(address); l != nil && l.client.Connected() {
			return l, nil
		}
		l := &link{address: address, comm: c}
		l.client = netio.NewClient(address, netio.ClientHandler{
			OnData:       l.onData,
			OnDisconnect: l.onDisconnect,
		}, c.logger)
		if err := l.client.Connect(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		old := c.links[address]
		c.links[address] = l
		c.mu.Unlock()
		if old != nil {
			_ = old.client.Close()
		}
		c.logger.Info("tcp connected", "address", address)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*link), nil
}

func (c *Communicator) close(address string) {
	c.mu.Lock()
	l := c.links[address]
	delete(c.links, address)
	c.mu.Unlock()
	if l != nil {
		_ = l.client.Close()
		c.logger.Info("tcp disconnected", "address", address)
	}
}

func (c *Communicator) push(fn func(driver.Context)) {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()
	if host != nil {
		fn(host)
	}
}

// link is one connection. While an exchange is running inbound bytes are
// captured for it; otherwise they are pushed to the host as device data.
type link struct {
	address string
	comm    *Communicator
	client  *netio.Client

	op sync.Mutex // one exchange at a time

	mu      sync.Mutex
	capture *bytes.Buffer
	signal  chan struct{}
	gone    bool
}

func (l *link) onData(chunk []byte) {
	l.mu.Lock()
	if l.capture != nil {
		l.capture.Write(chunk)
		l.mu.Unlock()
		l.wake()
		return
	}
	l.mu.Unlock()
	data := append([]byte(nil), chunk...)
	l.comm.push(func(h driver.Context) { h.PushData(l.address, data) })
}

func (l *link) onDisconnect(err error) {
	l.mu.Lock()
	l.gone = true
	l.mu.Unlock()
	l.wake()

	c := l.comm
	c.mu.Lock()
	if c.links[l.address] == l {
		delete(c.links, l.address)
	}
	c.mu.Unlock()
	c.logger.Warn("tcp connection lost", "address", l.address, "err", err)
	c.push(func(h driver.Context) { h.PushDisconnected(l.address) })
}

func (l *link) wake() {
	l.mu.Lock()
	sig := l.signal
	l.mu.Unlock()
	if sig == nil {
		return
	}
	select {
	case sig <- struct{}{}:
	default:
	}
}

// exchange sends payload, if any, and collects the reply up to the first
// '\n' or '\r'. The timeout yields whatever arrived so far.
func (l *link) exchange(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	l.op.Lock()
	defer l.op.Unlock()

	buf := &bytes.Buffer{}
	sig := make(chan struct{}, 1)
	l.mu.Lock()
	l.capture, l.signal = buf, sig
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.capture, l.signal = nil, nil
		l.mu.Unlock()
	}()

	if len(payload) > 0 {
		if err := l.client.Send(ctx, payload); err != nil {
			return nil, err
		}
	}

	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		l.mu.Lock()
		got := buf.Bytes()
		done := bytes.ContainsAny(got, "\r\n")
		gone := l.gone
		out := append([]byte{}, got...)
		l.mu.Unlock()
		if done {
			return out, nil
		}
		if gone {
			return out, netio.ErrNotConnected
		}
		select {
		case <-sig:
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
