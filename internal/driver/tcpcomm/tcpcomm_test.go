package tcpcomm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/netio"
)

type events struct {
	mu  sync.Mutex
	evs []driver.Event
}

func (e *events) add(ev driver.Event) {
	e.mu.Lock()
	e.evs = append(e.evs, ev)
	e.mu.Unlock()
}

func (e *events) kinds(k driver.EventKind) []driver.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []driver.Event
	for _, ev := range e.evs {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// instrument answers "MEAS?" with a reading, stays silent on "HUSH" and
// hangs up on "BYE".
func instrument(t *testing.T) *netio.Server {
	t.Helper()
	var srv *netio.Server
	srv = netio.NewServer("127.0.0.1:0", netio.Handler{
		OnData: func(id uuid.UUID, chunk []byte) {
			cmd := strings.TrimSpace(string(chunk))
			switch cmd {
			case "MEAS?":
				_ = srv.Send(context.Background(), id, []byte("3.14159\n"))
			case "PART":
				_ = srv.Send(context.Background(), id, []byte("3.1"))
			case "BYE":
				go func() { _ = srv.Disconnect(id) }()
			}
		},
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func activated(t *testing.T) (*Communicator, *events) {
	t.Helper()
	reg := driver.NewRegistry(nil)
	ev := &events{}
	reg.Subscribe(ev.add)
	c := New()
	require.NoError(t, c.Activate(context.Background(), reg.NewContext(ID)))
	t.Cleanup(func() { _ = c.Deactivate(context.Background()) })
	return c, ev
}

func TestQueryRoundTrip(t *testing.T) {
	srv := instrument(t)
	c, _ := activated(t)
	addr := srv.Addr().String()
	ctx := context.Background()

	out, err := c.Execute(ctx, addr, "status", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "disconnected", string(out))

	_, err = c.Execute(ctx, addr, "connect", nil, time.Second)
	require.NoError(t, err)

	out, err = c.Execute(ctx, addr, "query", []byte("MEAS?\n"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "3.14159\n", string(out))

	out, err = c.Execute(ctx, addr, "status", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "connected", string(out))
}

func TestQueryTimeoutReturnsPartial(t *testing.T) {
	srv := instrument(t)
	c, _ := activated(t)

	start := time.Now()
	out, err := c.Execute(context.Background(), srv.Addr().String(), "query", []byte("PART"), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "3.1", string(out))
	assert.Less(t, time.Since(start), time.Second)
}

func TestUnsolicitedDataIsPushed(t *testing.T) {
	srv := instrument(t)
	c, ev := activated(t)
	addr := srv.Addr().String()

	_, err := c.Execute(context.Background(), addr, "connect", nil, time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Count() == 1 }, time.Second, 5*time.Millisecond)

	srv.Broadcast(context.Background(), []byte("TRIG 1\n"))
	require.Eventually(t, func() bool { return len(ev.kinds(driver.KindData)) == 1 }, time.Second, 5*time.Millisecond)
	got := ev.kinds(driver.KindData)[0]
	assert.Equal(t, addr, got.Address)
	assert.Equal(t, "TRIG 1\n", string(got.Data))
	assert.Equal(t, ID, got.Source)
}

func TestRemoteCloseIsPushed(t *testing.T) {
	srv := instrument(t)
	c, ev := activated(t)
	addr := srv.Addr().String()
	ctx := context.Background()

	_, err := c.Execute(ctx, addr, "send", []byte("BYE\n"), time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ev.kinds(driver.KindDisconnected)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, addr, ev.kinds(driver.KindDisconnected)[0].Address)

	out, err := c.Execute(ctx, addr, "status", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "disconnected", string(out))

	// the next query dials again
	out, err = c.Execute(ctx, addr, "query", []byte("MEAS?\n"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "3.14159\n", string(out))
}

func TestExplicitDisconnectIsQuiet(t *testing.T) {
	srv := instrument(t)
	c, ev := activated(t)
	addr := srv.Addr().String()
	ctx := context.Background()

	_, err := c.Execute(ctx, addr, "connect", nil, time.Second)
	require.NoError(t, err)
	_, err = c.Execute(ctx, addr, "disconnect", nil, time.Second)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ev.kinds(driver.KindDisconnected))
}

func TestErrors(t *testing.T) {
	_, err := New().Execute(context.Background(), "127.0.0.1:1", "status", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotActive)

	c, _ := activated(t)
	_, err = c.Execute(context.Background(), "127.0.0.1:1", "bogus", nil, time.Second)
	assert.ErrorIs(t, err, ErrUnknownAction)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Execute(ctx, "127.0.0.1:1", "connect", nil, time.Second)
	assert.Error(t, err)
}
