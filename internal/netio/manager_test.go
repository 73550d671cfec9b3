package netio

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerAccumulatesAndKeepsRemainder(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	var connected, disconnected []SessionInfo
	var m *SessionManager
	m = NewSessionManager("127.0.0.1:0", ManagerHandler{
		OnConnect: func(info SessionInfo) {
			mu.Lock()
			connected = append(connected, info)
			mu.Unlock()
		},
		OnData: func(id uuid.UUID, buffered []byte) {
			for {
				i := bytes.IndexByte(buffered, '\n')
				if i < 0 {
					return
				}
				mu.Lock()
				lines = append(lines, string(buffered[:i]))
				mu.Unlock()
				assert.NoError(t, m.Consume(id, i+1))
				buffered = buffered[i+1:]
			}
		},
		OnDisconnect: func(info SessionInfo) {
			mu.Lock()
			disconnected = append(disconnected, info)
			mu.Unlock()
		},
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	c, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return m.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = c.Write([]byte("AB"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Write([]byte("CD\nEF\nGH"))
	require.NoError(t, err)

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	id := sessions[0].ID
	require.Eventually(t, func() bool {
		b, err := m.Buffered(id)
		return err == nil && string(b) == "GH"
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"ABCD", "EF"}, lines)
	require.Len(t, connected, 1)
	assert.Equal(t, c.LocalAddr().String(), connected[0].RemoteAddr)
	mu.Unlock()

	require.NoError(t, m.SetTag(id, "dmm-01"))
	info, ok := m.Session(id)
	require.True(t, ok)
	assert.Equal(t, "dmm-01", info.Tag)
	assert.Equal(t, 2, info.Buffered)
	assert.False(t, info.LastActivity.Before(info.ConnectedAt))

	require.NoError(t, m.ClearBuffer(id))
	b, err := m.Buffered(id)
	require.NoError(t, err)
	assert.Empty(t, b)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "dmm-01", disconnected[0].Tag)
	mu.Unlock()

	_, ok = m.Session(id)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Consume(id, 1), ErrSessionNotFound)
	assert.ErrorIs(t, m.SetTag(id, "x"), ErrSessionNotFound)
	_, err = m.Buffered(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerConsumeBeyondBuffer(t *testing.T) {
	var m *SessionManager
	seen := make(chan uuid.UUID, 1)
	m = NewSessionManager("127.0.0.1:0", ManagerHandler{
		OnData: func(id uuid.UUID, buffered []byte) {
			if len(buffered) >= 3 {
				_ = m.Consume(id, 100)
				seen <- id
			}
		},
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	c, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("abc"))
	require.NoError(t, err)

	select {
	case id := <-seen:
		b, err := m.Buffered(id)
		require.NoError(t, err)
		assert.Empty(t, b)
	case <-time.After(2 * time.Second):
		t.Fatal("no data")
	}
}

func TestManagerBroadcast(t *testing.T) {
	m := NewSessionManager("127.0.0.1:0", ManagerHandler{})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	a, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer a.Close()
	b, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer b.Close()
	require.Eventually(t, func() bool { return len(m.Sessions()) == 2 }, 2*time.Second, 5*time.Millisecond)

	res := m.Broadcast(context.Background(), []byte("TRIG\n"))
	assert.Len(t, res, 2)
	for _, c := range []net.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 5)
		n, err := c.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "TRIG\n", string(buf[:n]))
	}
}
