package netio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionInfo is a snapshot of one managed session.
type SessionInfo struct {
	ID           uuid.UUID `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Buffered     int       `json:"buffered"`
	Tag          string    `json:"tag,omitempty"`
}

// ManagerHandler receives session manager notifications. OnData gets the
// whole accumulated buffer for the session; call Consume once a complete
// message has been parsed. The slice must not be retained.
type ManagerHandler struct {
	OnConnect    func(info SessionInfo)
	OnData       func(id uuid.UUID, buffered []byte)
	OnDisconnect func(info SessionInfo)
}

type sessionState struct {
	sess *Session
	mu   sync.Mutex
	buf  []byte
	tag  string
}

func (st *sessionState) info() SessionInfo {
	st.mu.Lock()
	defer st.mu.Unlock()
	return SessionInfo{
		ID:           st.sess.id,
		RemoteAddr:   st.sess.remote,
		ConnectedAt:  st.sess.connectedAt,
		LastActivity: st.sess.LastActivity(),
		Buffered:     len(st.buf),
		Tag:          st.tag,
	}
}

// SessionManager layers per-session accumulation buffers over a Server.
type SessionManager struct {
	server  *Server
	handler ManagerHandler
	states  sync.Map // uuid.UUID -> *sessionState
}

func NewSessionManager(addr string, h ManagerHandler, opts ...ServerOption) *SessionManager {
	m := &SessionManager{handler: h}
	m.server = NewServer(addr, Handler{
		OnConnect:    m.onConnect,
		OnData:       m.onData,
		OnDisconnect: m.onDisconnect,
	}, opts...)
	return m
}

func (m *SessionManager) Start(ctx context.Context) error { return m.server.Start(ctx) }
func (m *SessionManager) Close() error                    { return m.server.Close() }
func (m *SessionManager) Addr() net.Addr                  { return m.server.Addr() }
func (m *SessionManager) Count() int                      { return m.server.Count() }

func (m *SessionManager) onConnect(s *Session) {
	st := &sessionState{sess: s}
	m.states.Store(s.id, st)
	if m.handler.OnConnect != nil {
		m.handler.OnConnect(st.info())
	}
}

func (m *SessionManager) onData(id uuid.UUID, chunk []byte) {
	st, ok := m.state(id)
	if !ok {
		return
	}
	st.mu.Lock()
	st.buf = append(st.buf, chunk...)
	view := st.buf
	st.mu.Unlock()
	if m.handler.OnData != nil {
		m.handler.OnData(id, view)
	}
}

func (m *SessionManager) onDisconnect(id uuid.UUID) {
	v, ok := m.states.LoadAndDelete(id)
	if !ok {
		return
	}
	st := v.(*sessionState)
	info := st.info()
	st.mu.Lock()
	st.buf = nil
	st.mu.Unlock()
	if m.handler.OnDisconnect != nil {
		m.handler.OnDisconnect(info)
	}
}

func (m *SessionManager) state(id uuid.UUID) (*sessionState, bool) {
	v, ok := m.states.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*sessionState), true
}

// Consume drops the first n buffered bytes of a session and keeps the rest.
// n larger than the buffer empties it.
func (m *SessionManager) Consume(id uuid.UUID, n int) error {
	st, ok := m.state(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if n >= len(st.buf) {
		st.buf = nil
		return nil
	}
	if n > 0 {
		st.buf = st.buf[n:]
	}
	return nil
}

// ClearBuffer discards everything buffered for a session.
func (m *SessionManager) ClearBuffer(id uuid.UUID) error {
	return m.Consume(id, int(^uint(0)>>1))
}

// Buffered returns a copy of the session's pending bytes.
func (m *SessionManager) Buffered(id uuid.UUID) ([]byte, error) {
	st, ok := m.state(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]byte, len(st.buf))
	copy(out, st.buf)
	return out, nil
}

// SetTag attaches a caller-defined label, such as an instrument id learned
// from a hello message.
func (m *SessionManager) SetTag(id uuid.UUID, tag string) error {
	st, ok := m.state(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	st.mu.Lock()
	st.tag = tag
	st.mu.Unlock()
	return nil
}

func (m *SessionManager) Session(id uuid.UUID) (SessionInfo, bool) {
	st, ok := m.state(id)
	if !ok {
		return SessionInfo{}, false
	}
	return st.info(), true
}

// Sessions lists managed sessions ordered by connect time.
func (m *SessionManager) Sessions() []SessionInfo {
	live := m.server.Sessions()
	out := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		if st, ok := m.state(s.id); ok {
			out = append(out, st.info())
		}
	}
	return out
}

func (m *SessionManager) Send(ctx context.Context, id uuid.UUID, data []byte) error {
	return m.server.Send(ctx, id, data)
}

func (m *SessionManager) Broadcast(ctx context.Context, data []byte) map[uuid.UUID]error {
	return m.server.Broadcast(ctx, data)
}

func (m *SessionManager) Disconnect(id uuid.UUID) error { return m.server.Disconnect(id) }
