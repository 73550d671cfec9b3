package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/engine"
)

// CommunicatorResolver finds a communicator by plugin id or protocol.
type CommunicatorResolver interface {
	Communicator(selector string) (driver.Communicator, bool)
}

// Buffer is the reservoir surface the device dispatcher needs.
type Buffer interface {
	Drain(address string) []byte
	Clear(address string)
}

// DeviceDispatcher executes engine tasks against transport drivers.
type DeviceDispatcher struct {
	core    *core
	drivers CommunicatorResolver
	buffer  Buffer
}

func NewDeviceDispatcher(submit engine.Submitter, drivers CommunicatorResolver, buffer Buffer, opts Options) *DeviceDispatcher {
	return &DeviceDispatcher{
		core:    newCore(KindDevice, submit, opts),
		drivers: drivers,
		buffer:  buffer,
	}
}

func (d *DeviceDispatcher) Start(ctx context.Context) error { return d.core.pool.start(ctx) }

// Stop refuses new tasks and waits up to timeout for queued ones to finish.
func (d *DeviceDispatcher) Stop(timeout time.Duration) error { return d.core.pool.stop(timeout) }

func (d *DeviceDispatcher) Stats() Stats { return d.core.pool.stats() }

// Dispatch enqueues t and returns immediately. It is safe to call from the
// engine's callback goroutine.
func (d *DeviceDispatcher) Dispatch(t engine.DeviceTask) (status engine.Status) {
	defer d.core.guardCallback(t.SlotID, t.TaskID, &status)
	j := &job{
		slot:   t.SlotID,
		taskID: t.TaskID,
		target: t.Address,
		action: t.Action,
		run: func(ctx context.Context, j *job, r *reply) {
			d.run(ctx, j, r, t)
		},
	}
	return d.core.enqueue(j, t.TimeoutMs)
}

func (d *DeviceDispatcher) run(ctx context.Context, j *job, r *reply, t engine.DeviceTask) {
	if driver.IsFetchData(t.Action) {
		r.result(d.buffer.Drain(t.Address))
		return
	}
	comm, ok := d.drivers.Communicator(t.Driver)
	if !ok {
		r.fail(fmt.Sprintf("no driver for %s", t.Driver))
		return
	}
	if driver.StartsSession(t.Action) {
		d.buffer.Clear(t.Address)
	}
	action := driver.NormalizeAction(t.Action)
	timeout := time.Until(j.deadline)
	d.core.execute(ctx, j, r, func(ctx context.Context) ([]byte, error) {
		return comm.Execute(ctx, t.Address, action, t.Payload, timeout)
	})
}
