package catalytic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzdev42/catalytic-sub000/internal/config"
	"github.com/lzdev42/catalytic-sub000/internal/device"
	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/engine"
	"github.com/lzdev42/catalytic-sub000/internal/history"
)

// benchComm keeps the host context so tests can push events like a real
// driver would.
type benchComm struct {
	mu   sync.Mutex
	host driver.Context
}

func (b *benchComm) ID() string       { return "catalytic.bench" }
func (b *benchComm) Protocol() string { return "bench" }

func (b *benchComm) Activate(_ context.Context, host driver.Context) error {
	b.mu.Lock()
	b.host = host
	b.mu.Unlock()
	return nil
}

func (b *benchComm) Deactivate(context.Context) error { return nil }

func (b *benchComm) Execute(_ context.Context, _, action string, payload []byte, _ time.Duration) ([]byte, error) {
	if action == driver.ActionQuery {
		return append([]byte("re:"), payload...), nil
	}
	return nil, nil
}

func (b *benchComm) ctx() driver.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.host
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) count(t history.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func benchConfig() *Config {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.DeviceTypes = []config.DeviceTypeConfig{{
		ID: "dmm", DriverID: "catalytic.bench",
		Devices: []config.DeviceConfig{{ID: "dmm1", Address: "A1"}},
	}}
	return cfg
}

func run(t *testing.T, h *Host, task DeviceTask) Outcome {
	t.Helper()
	task.TaskID = engine.NextTaskID()
	ch, err := h.Tasks().Register(task.SlotID, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, h.DispatchDeviceTask(task))
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func TestHostEndToEnd(t *testing.T) {
	comm := &benchComm{}
	sink := &memSink{}
	h, err := New(benchConfig(), WithCommunicator(comm), WithHistorySinks(sink))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Start(ctx), "second start is a no-op")

	o := run(t, h, DeviceTask{Address: "A1", Driver: "bench", Action: "query", Payload: []byte("IDN?"), TimeoutMs: 500})
	assert.Equal(t, engine.OutcomeResult, o.Kind)
	assert.Equal(t, "re:IDN?", string(o.Data))

	comm.ctx().PushData("A1", []byte("spont"))
	assert.Equal(t, 5, h.Reservoir().Len("A1"))
	o = run(t, h, DeviceTask{Address: "A1", Driver: "bench", Action: driver.ActionFetchData})
	assert.Equal(t, "spont", string(o.Data))

	require.NoError(t, h.Devices().Connect(ctx, "dmm1"))
	assert.True(t, h.Devices().IsConnected("dmm1"))
	comm.ctx().PushDisconnected("A1")
	assert.False(t, h.Devices().IsConnected("dmm1"))

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))
	assert.Equal(t, 2, sink.count(history.EventTaskResult))
	assert.GreaterOrEqual(t, sink.count(history.EventDeviceTransition), 3)
	assert.Error(t, h.Start(ctx))
}

func TestHostRouterFollowsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalytic.toml")
	write := func(devices string) {
		require.NoError(t, os.WriteFile(path, []byte(`
[metrics]
enabled = false

[[device_types]]
id = "dmm"
driver_id = "catalytic.bench"
`+devices), 0o600))
	}
	write("[[device_types.devices]]\nid = \"dmm1\"\naddress = \"A1\"\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	h, err := New(cfg, WithConfigFile(path), WithCommunicator(&benchComm{}))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	srv := httptest.NewServer(h.Router().Handler())
	t.Cleanup(srv.Close)

	list := func() []device.Connection {
		conns := h.Devices().StatusAll(context.Background())
		resp, err := http.Get(srv.URL + "/api/devices")
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return conns
	}
	require.Len(t, list(), 1)

	write("[[device_types.devices]]\nid = \"dmm1\"\naddress = \"A1\"\n[[device_types.devices]]\nid = \"dmm2\"\naddress = \"A2\"\n")
	conns := list()
	require.Len(t, conns, 2)
	assert.Equal(t, "dmm2", conns[1].DeviceID)
}

func TestNewRejectsBadHistoryDSN(t *testing.T) {
	cfg := benchConfig()
	cfg.History.Enabled = true
	cfg.History.DSN = "invalid://nowhere"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "history sink")
}

func TestCloseWithoutStart(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)
	assert.NoError(t, h.Close(context.Background()))
}
