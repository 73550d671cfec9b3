package netio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lzdev42/catalytic-sub000/internal/metrics"
)

// Handler receives server notifications. All fields are optional.
// OnData runs on the session's receive goroutine; chunk is only valid for the
// duration of the call.
type Handler struct {
	OnConnect    func(s *Session)
	OnData       func(id uuid.UUID, chunk []byte)
	OnDisconnect func(id uuid.UUID)
	OnError      func(id uuid.UUID, err error)
}

type ServerOption func(*Server)

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBroadcastLimit bounds concurrent writes during Broadcast.
func WithBroadcastLimit(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.fanout = n
		}
	}
}

// Server accepts TCP connections and runs one receive loop per session.
type Server struct {
	addr    string
	handler Handler
	logger  *slog.Logger
	fanout  int

	// mu guards the start/close handoff: ln, ctx, cancel, started, closed.
	mu         sync.Mutex
	ln         net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	closed     bool
	acceptDone chan struct{}
	recvWG     sync.WaitGroup

	sessions sync.Map // uuid.UUID -> *Session
	count    atomic.Int64
}

func NewServer(addr string, h Handler, opts ...ServerOption) *Server {
	s := &Server{
		addr:       addr,
		handler:    h,
		logger:     slog.Default(),
		fanout:     64,
		acceptDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return errors.New("server already started")
	}
	lc := net.ListenConfig{KeepAlive: KeepAlivePeriod}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	s.logger.Info("tcp server listening", "addr", ln.Addr().String())
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer close(s.acceptDone)
	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// transient accept failure (e.g. EMFILE)
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.logger.Warn("accept failed", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-s.ctx.Done():
				return
			}
		}
		backoff = 0
		if err := Tune(conn); err != nil {
			s.logger.Debug("socket tuning incomplete", "remote", conn.RemoteAddr().String(), "err", err)
		}
		sess := newSession(conn)
		s.sessions.Store(sess.id, sess)
		s.count.Add(1)
		metrics.AddSessions(1)
		s.logger.Debug("session opened", "session", sess.id, "remote", sess.remote)
		if s.handler.OnConnect != nil {
			s.handler.OnConnect(sess)
		}
		s.recvWG.Add(1)
		go s.receive(sess)
	}
}

func (s *Server) receive(sess *Session) {
	defer s.recvWG.Done()
	defer s.drop(sess)
	buf := make([]byte, ReadChunkSize)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			sess.touch()
			if s.handler.OnData != nil {
				s.handler.OnData(sess.id, buf[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				s.logger.Debug("session read failed", "session", sess.id, "err", err)
				if s.handler.OnError != nil {
					s.handler.OnError(sess.id, err)
				}
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

// drop removes sess once; the winner closes the socket and notifies.
func (s *Server) drop(sess *Session) {
	if _, loaded := s.sessions.LoadAndDelete(sess.id); !loaded {
		return
	}
	_ = sess.Close()
	s.count.Add(-1)
	metrics.AddSessions(-1)
	s.logger.Debug("session closed", "session", sess.id, "remote", sess.remote)
	if s.handler.OnDisconnect != nil {
		s.handler.OnDisconnect(sess.id)
	}
}

// Session looks up a live session.
func (s *Server) Session(id uuid.UUID) (*Session, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Sessions returns live sessions ordered by connect time.
func (s *Server) Sessions() []*Session {
	var out []*Session
	s.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].connectedAt.Before(out[j].connectedAt) })
	return out
}

func (s *Server) Count() int { return int(s.count.Load()) }

// Send writes data to one session.
func (s *Server) Send(ctx context.Context, id uuid.UUID, data []byte) error {
	sess, ok := s.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Send(ctx, data)
}

// Broadcast writes data to every live session concurrently and returns the
// per-session result once all writes finished. A nil entry means success.
func (s *Server) Broadcast(ctx context.Context, data []byte) map[uuid.UUID]error {
	targets := s.Sessions()
	results := make(map[uuid.UUID]error, len(targets))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.fanout)
	for _, sess := range targets {
		g.Go(func() error {
			err := sess.Send(ctx, data)
			mu.Lock()
			results[sess.id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Disconnect closes one session; its receive loop then reports the disconnect.
func (s *Server) Disconnect(id uuid.UUID) error {
	sess, ok := s.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Close()
}

// Close stops accepting, waits for the accept loop, then closes all
// sessions and waits for their receive loops. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.cancel()
	err := s.ln.Close()
	<-s.acceptDone
	s.sessions.Range(func(_, v any) bool {
		_ = v.(*Session).Close()
		return true
	})
	s.recvWG.Wait()
	s.logger.Info("tcp server stopped", "addr", s.ln.Addr().String())
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
