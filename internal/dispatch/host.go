package dispatch

import (
	"context"
	"time"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/engine"
)

// ProcessorResolver finds a host processor by task name.
type ProcessorResolver interface {
	Processor(taskName string) (driver.Processor, bool)
}

// HostDispatcher executes named host tasks.
type HostDispatcher struct {
	core       *core
	processors ProcessorResolver
}

func NewHostDispatcher(submit engine.Submitter, processors ProcessorResolver, opts Options) *HostDispatcher {
	return &HostDispatcher{
		core:       newCore(KindHost, submit, opts),
		processors: processors,
	}
}

func (h *HostDispatcher) Start(ctx context.Context) error { return h.core.pool.start(ctx) }

func (h *HostDispatcher) Stop(timeout time.Duration) error { return h.core.pool.stop(timeout) }

func (h *HostDispatcher) Stats() Stats { return h.core.pool.stats() }

func (h *HostDispatcher) Dispatch(t engine.HostTask) (status engine.Status) {
	defer h.core.guardCallback(t.SlotID, t.TaskID, &status)
	j := &job{
		slot:   t.SlotID,
		taskID: t.TaskID,
		target: t.TaskName,
		run: func(ctx context.Context, j *job, r *reply) {
			p, ok := h.processors.Processor(t.TaskName)
			if !ok {
				r.fail("no processor for task: " + t.TaskName)
				return
			}
			h.core.execute(ctx, j, r, func(ctx context.Context) ([]byte, error) {
				return p.Execute(ctx, t.Params)
			})
		},
	}
	return h.core.enqueue(j, t.TimeoutMs)
}
