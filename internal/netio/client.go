package netio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// ClientHandler receives client notifications. OnData runs on the receive
// goroutine and chunk is only valid during the call. OnDisconnect fires once
// when the connection ends for any reason other than Close.
type ClientHandler struct {
	OnData       func(chunk []byte)
	OnDisconnect func(err error)
}

// Client is a single-use outbound TCP connection with a receive loop.
type Client struct {
	addr    string
	handler ClientHandler
	logger  *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	closing   atomic.Bool
	used      bool
	done      chan struct{}
}

func NewClient(addr string, h ClientHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{addr: addr, handler: h, logger: logger, done: make(chan struct{})}
}

// Connect dials the remote end, tunes the socket and starts receiving.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing.Load() || c.used {
		return ErrClientClosed
	}
	d := net.Dialer{KeepAlive: KeepAlivePeriod}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if err := Tune(conn); err != nil {
		c.logger.Debug("socket tuning incomplete", "addr", c.addr, "err", err)
	}
	c.used = true
	c.conn = conn
	c.connected.Store(true)
	go c.receive(conn)
	return nil
}

func (c *Client) receive(conn net.Conn) {
	defer close(c.done)
	buf := make([]byte, ReadChunkSize)
	var cause error
	for {
		n, err := conn.Read(buf)
		if n > 0 && c.handler.OnData != nil {
			c.handler.OnData(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break
		}
		if n == 0 {
			break
		}
	}
	c.connected.Store(false)
	_ = conn.Close()
	if c.closing.Load() {
		return
	}
	c.logger.Debug("tcp client disconnected", "addr", c.addr, "err", cause)
	if c.handler.OnDisconnect != nil {
		c.handler.OnDisconnect(cause)
	}
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) Addr() string { return c.addr }

// Send writes data in full.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	return writeAll(ctx, &c.writeMu, conn, data, nil)
}

// Close tears the connection down and waits for the receive loop. It does
// not fire OnDisconnect. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
