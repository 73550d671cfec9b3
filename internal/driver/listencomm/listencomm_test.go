package listencomm

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
)

type pushes struct {
	mu    sync.Mutex
	lines []string
	addrs []string
}

func (p *pushes) add(ev driver.Event) {
	if ev.Kind != driver.KindData {
		return
	}
	p.mu.Lock()
	p.lines = append(p.lines, string(ev.Data))
	p.addrs = append(p.addrs, ev.Address)
	p.mu.Unlock()
}

func (p *pushes) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

const addr = "127.0.0.1:0"

func started(t *testing.T) (*Communicator, *pushes, string) {
	t.Helper()
	reg := driver.NewRegistry(nil)
	p := &pushes{}
	reg.Subscribe(p.add)
	c := New()
	require.NoError(t, c.Activate(context.Background(), reg.NewContext(ID)))
	t.Cleanup(func() { _ = c.Deactivate(context.Background()) })

	_, err := c.Execute(context.Background(), addr, "connect", nil, time.Second)
	require.NoError(t, err)
	m, ok := c.Listener(addr)
	require.True(t, ok)
	return c, p, m.Addr().String()
}

func TestLinesArePushedAndRemainderKept(t *testing.T) {
	c, p, bound := started(t)

	conn, err := net.Dial("tcp", bound)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("T=21.5\r\nT=21"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"T=21.5"}, p.snapshot())

	m, _ := c.Listener(addr)
	require.Eventually(t, func() bool {
		s := m.Sessions()
		return len(s) == 1 && s[0].Buffered == len("T=21")
	}, time.Second, 5*time.Millisecond)

	_, err = conn.Write([]byte(".7\n\nT=22.0\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"T=21.5", "T=21.7", "T=22.0"}, p.snapshot())

	p.mu.Lock()
	assert.Equal(t, addr, p.addrs[0])
	p.mu.Unlock()
}

func TestSendBroadcastsAndStatusCounts(t *testing.T) {
	c, _, bound := started(t)
	ctx := context.Background()

	var readers []*bufio.Reader
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", bound)
		require.NoError(t, err)
		defer conn.Close()
		readers = append(readers, bufio.NewReader(conn))
	}
	require.Eventually(t, func() bool {
		out, _ := c.Execute(ctx, addr, "status", nil, time.Second)
		return string(out) == "2"
	}, time.Second, 5*time.Millisecond)

	_, err := c.Execute(ctx, addr, "send", []byte("ARM\n"), time.Second)
	require.NoError(t, err)
	for _, r := range readers {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "ARM\n", line)
	}
}

func TestDisconnectStopsListener(t *testing.T) {
	c, _, bound := started(t)
	ctx := context.Background()

	// a second connect on the same address is a no-op
	_, err := c.Execute(ctx, addr, "connect", nil, time.Second)
	require.NoError(t, err)

	_, err = c.Execute(ctx, addr, "disconnect", nil, time.Second)
	require.NoError(t, err)
	_, ok := c.Listener(addr)
	assert.False(t, ok)

	_, err = net.DialTimeout("tcp", bound, 200*time.Millisecond)
	assert.Error(t, err)

	out, err := c.Execute(ctx, addr, "status", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "0", string(out))

	_, err = c.Execute(ctx, addr, "send", []byte("x"), time.Second)
	assert.ErrorIs(t, err, ErrNotListening)
	_, err = c.Execute(ctx, addr, "query", nil, time.Second)
	assert.ErrorIs(t, err, ErrUnknownAction)
}
