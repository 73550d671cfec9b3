package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComm struct {
	id, proto string
	host      Context
	failOn    string
	calls     *[]string
}

func (f *fakeComm) ID() string       { return f.id }
func (f *fakeComm) Protocol() string { return f.proto }
func (f *fakeComm) Activate(_ context.Context, h Context) error {
	if f.failOn == "activate" {
		return errors.New("no hardware")
	}
	f.host = h
	if f.calls != nil {
		*f.calls = append(*f.calls, "activate:"+f.id)
	}
	return nil
}
func (f *fakeComm) Deactivate(context.Context) error {
	if f.calls != nil {
		*f.calls = append(*f.calls, "deactivate:"+f.id)
	}
	return nil
}
func (f *fakeComm) Execute(context.Context, string, string, []byte, time.Duration) ([]byte, error) {
	return []byte(f.id), nil
}

type fakeProc struct{ name string }

func (p *fakeProc) ID() string                                          { return "proc." + p.name }
func (p *fakeProc) TaskName() string                                    { return p.name }
func (p *fakeProc) Activate(context.Context, Context) error             { return nil }
func (p *fakeProc) Deactivate(context.Context) error                    { return nil }
func (p *fakeProc) Execute(_ context.Context, b []byte) ([]byte, error) { return b, nil }

func TestResolveByIDThenProtocol(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterCommunicator(&fakeComm{id: "vendor.serial", proto: "serial"}))
	require.NoError(t, r.RegisterCommunicator(&fakeComm{id: "other.serial", proto: "serial"}))

	c, ok := r.Communicator("Vendor.Serial")
	require.True(t, ok)
	assert.Equal(t, "vendor.serial", c.ID())

	// first registration owns the protocol
	c, ok = r.Communicator("SERIAL")
	require.True(t, ok)
	assert.Equal(t, "vendor.serial", c.ID())

	c, ok = r.Communicator("other.serial")
	require.True(t, ok)
	assert.Equal(t, "other.serial", c.ID())

	_, ok = r.Communicator("gpib")
	assert.False(t, ok)
	_, ok = r.Communicator("  ")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterCommunicator(&fakeComm{id: "a", proto: "tcp"}))
	assert.ErrorIs(t, r.RegisterCommunicator(&fakeComm{id: "A"}), ErrDuplicate)
	assert.ErrorIs(t, r.RegisterCommunicator(&fakeComm{}), ErrInvalid)

	require.NoError(t, r.RegisterProcessor(&fakeProc{name: "delay"}))
	assert.ErrorIs(t, r.RegisterProcessor(&fakeProc{name: "Delay"}), ErrDuplicate)
	assert.ErrorIs(t, r.RegisterProcessor(&fakeProc{}), ErrInvalid)

	p, ok := r.Processor("DELAY")
	require.True(t, ok)
	assert.Equal(t, "delay", p.TaskName())

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "communicator", list[0].Kind)
	assert.Equal(t, "processor", list[1].Kind)
}

func TestActivateAndDeactivateOrder(t *testing.T) {
	var calls []string
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterCommunicator(&fakeComm{id: "one", calls: &calls}))
	require.NoError(t, r.RegisterCommunicator(&fakeComm{id: "broken", failOn: "activate", calls: &calls}))
	require.NoError(t, r.RegisterCommunicator(&fakeComm{id: "two", calls: &calls}))

	err := r.ActivateAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	require.NoError(t, r.DeactivateAll(context.Background()))
	assert.Equal(t, []string{"activate:one", "activate:two", "deactivate:two", "deactivate:one"}, calls)

	// second deactivate is a no-op
	require.NoError(t, r.DeactivateAll(context.Background()))
	assert.Len(t, calls, 4)
}

func TestPushEventsReachSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	comm := &fakeComm{id: "catalytic.tcp", proto: "tcp"}
	require.NoError(t, r.RegisterCommunicator(comm))

	var mu sync.Mutex
	var got []Event
	r.Subscribe(func(Event) { panic("bad subscriber") })
	r.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, r.ActivateAll(context.Background()))

	comm.host.PushData("10.0.0.5:5025", []byte("1.23\n"))
	comm.host.PushDisconnected("10.0.0.5:5025")
	comm.host.PushEvent("Custom", []byte("x"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, KindData, got[0].Kind)
	assert.Equal(t, "10.0.0.5:5025", got[0].Address)
	assert.Equal(t, []byte("1.23\n"), got[0].Data)
	assert.Equal(t, "catalytic.tcp", got[0].Source)
	assert.Equal(t, KindDisconnected, got[1].Kind)
	assert.Equal(t, "10.0.0.5:5025", got[1].Address)
	assert.Equal(t, KindCustom, got[2].Kind)
}

func TestContextCanBorrowCommunicator(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterCommunicator(&fakeComm{id: "catalytic.serial", proto: "serial"}))
	h := r.NewContext("proc.x")
	c, ok := h.Communicator("serial")
	require.True(t, ok)
	out, err := c.Execute(context.Background(), "COM3", ActionQuery, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("catalytic.serial"), out)
	assert.NotNil(t, h.Logger())
}

func TestParseEvent(t *testing.T) {
	ev := ParseEvent("DeviceData:COM3", []byte{1, 2})
	assert.Equal(t, KindData, ev.Kind)
	assert.Equal(t, "COM3", ev.Address)

	ev = ParseEvent("DeviceData:/dev/ttyUSB0:115200", nil)
	assert.Equal(t, "/dev/ttyUSB0:115200", ev.Address)

	ev = ParseEvent(EventDeviceDisconnected, []byte("COM4"))
	assert.Equal(t, KindDisconnected, ev.Kind)
	assert.Equal(t, "COM4", ev.Address)
	assert.Nil(t, ev.Data)

	assert.Equal(t, KindCustom, ParseEvent("DeviceData", nil).Kind)
	assert.Equal(t, "DeviceData:x", DataEventType("x"))
}

func TestActionHelpers(t *testing.T) {
	assert.True(t, IsFetchData("FetchData"))
	assert.True(t, IsFetchData(" fetchdata "))
	assert.False(t, IsFetchData("fetch"))
	assert.True(t, StartsSession("Connect"))
	assert.True(t, StartsSession("start"))
	assert.False(t, StartsSession("query"))
	assert.Equal(t, "query", NormalizeAction(" QUERY "))
}
