package netio

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one accepted connection.
type Session struct {
	id          uuid.UUID
	conn        net.Conn
	remote      string
	connectedAt time.Time

	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
	lastActivity atomic.Int64
}

func newSession(conn net.Conn) *Session {
	now := time.Now()
	s := &Session{
		id:          uuid.New(),
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		connectedAt: now,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *Session) ID() uuid.UUID          { return s.id }
func (s *Session) RemoteAddr() string     { return s.remote }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Send writes data in full. A deadline on ctx becomes the write deadline.
func (s *Session) Send(ctx context.Context, data []byte) error {
	return writeAll(ctx, &s.writeMu, s.conn, data, s.touch)
}

// Close disposes the socket; only the first call has an effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

func writeAll(ctx context.Context, mu *sync.Mutex, conn net.Conn, data []byte, onWrite func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	if onWrite != nil {
		onWrite()
	}
	return nil
}
