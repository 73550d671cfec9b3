// Package dispatch turns engine task callbacks into driver calls. Dispatch
// never blocks: it enqueues the task and returns a status code, and a worker
// later submits exactly one outcome for it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lzdev42/catalytic-sub000/internal/engine"
	"github.com/lzdev42/catalytic-sub000/internal/metrics"
)

// Kind names a dispatcher instance in logs and metrics.
type Kind string

const (
	KindDevice Kind = "device"
	KindHost   Kind = "host"
)

// DefaultTimeout applies to tasks that arrive without a timeout.
const DefaultTimeout = 30 * time.Second

// Options configures a dispatcher.
type Options struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	// Observer is called once per task after its outcome was submitted.
	Observer func(Completion)
}

// Completion describes a finished task.
type Completion struct {
	Kind     Kind
	Slot     uint32
	TaskID   uint64
	Target   string
	Action   string
	Outcome  engine.OutcomeKind
	Message  string
	Duration time.Duration
}

type job struct {
	slot     uint32
	taskID   uint64
	target   string
	action   string
	enqueued time.Time
	deadline time.Time
	run      func(ctx context.Context, j *job, r *reply)
}

type core struct {
	kind     Kind
	submit   engine.Submitter
	pool     *pool[*job]
	timeout  time.Duration
	logger   *slog.Logger
	observer func(Completion)
}

func newCore(kind Kind, submit engine.Submitter, opts Options) *core {
	c := &core{
		kind:     kind,
		submit:   submit,
		timeout:  opts.DefaultTimeout,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("dispatcher", string(kind))
	c.pool = newPool(opts.Workers, opts.QueueSize, c.handle)
	return c
}

// enqueue hands j to a worker. When the queue refuses it the task is failed
// right away so the engine still receives an outcome. Once submit accepts j
// the worker owns its outcome, so nothing may run here after that; the queue
// depth gauge is updated by the worker when it picks the job up.
func (c *core) enqueue(j *job, timeoutMs int64) engine.Status {
	now := time.Now()
	j.enqueued = now
	j.deadline = now.Add(engine.Timeout(timeoutMs, c.timeout))
	if err := c.pool.submit(j); err != nil {
		metrics.IncRejected(string(c.kind))
		metrics.SetQueueDepth(string(c.kind), c.pool.depth())
		c.logger.Warn("task rejected", "slot", j.slot, "task_id", j.taskID, "err", err)
		c.newReply(j).fail("task rejected: " + err.Error())
		return engine.StatusRejected
	}
	return engine.StatusAccepted
}

func (c *core) handle(ctx context.Context, j *job) {
	metrics.SetQueueDepth(string(c.kind), c.pool.depth())
	r := c.newReply(j)
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("dispatch fault",
				"slot", j.slot, "task_id", j.taskID, "panic", rec, "stack", string(debug.Stack()))
			if !r.done {
				r.fail(internalErrorMessage)
			}
		}
	}()
	j.run(ctx, j, r)
}

type execResult struct {
	data []byte
	err  error
}

// execute runs fn under the task deadline. fn runs on its own goroutine so a
// driver that ignores cancellation cannot delay the timeout outcome; its late
// result is discarded.
func (c *core) execute(parent context.Context, j *job, r *reply, fn func(ctx context.Context) ([]byte, error)) {
	ctx, cancel := context.WithDeadline(parent, j.deadline)
	defer cancel()

	ch := make(chan execResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- execResult{err: fmt.Errorf("driver panic: %v", rec)}
			}
		}()
		data, err := fn(ctx)
		ch <- execResult{data: data, err: err}
	}()

	select {
	case out := <-ch:
		switch {
		case out.err == nil:
			r.result(out.data)
		case isTimeout(ctx, out.err):
			r.timeout()
		case errors.Is(ctx.Err(), context.Canceled):
			r.fail(ErrStopped.Error())
		default:
			r.fail(out.err.Error())
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.timeout()
			return
		}
		r.fail(ErrStopped.Error())
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// reply guards the single outcome of one task. It is owned by one worker.
type reply struct {
	c    *core
	j    *job
	done bool
}

func (c *core) newReply(j *job) *reply { return &reply{c: c, j: j} }

func (r *reply) result(data []byte) {
	if data == nil {
		data = []byte{}
	}
	r.finish(engine.OutcomeResult, "", func() error {
		return r.c.submit.SubmitResult(r.j.slot, r.j.taskID, data)
	})
}

func (r *reply) timeout() {
	r.finish(engine.OutcomeTimeout, "", func() error {
		return r.c.submit.SubmitTimeout(r.j.slot, r.j.taskID)
	})
}

func (r *reply) fail(message string) {
	r.finish(engine.OutcomeError, message, func() error {
		return r.c.submit.SubmitError(r.j.slot, r.j.taskID, message)
	})
}

func (r *reply) finish(kind engine.OutcomeKind, message string, send func() error) {
	if r.done {
		r.c.logger.Error("second outcome suppressed", "slot", r.j.slot, "task_id", r.j.taskID, "outcome", kind)
		return
	}
	r.done = true
	if err := send(); err != nil {
		r.c.logger.Warn("outcome submission failed", "slot", r.j.slot, "task_id", r.j.taskID, "outcome", kind, "err", err)
	}

	elapsed := time.Since(r.j.enqueued)
	metrics.IncTask(string(r.c.kind), string(kind))
	metrics.ObserveTaskDuration(string(r.c.kind), elapsed.Seconds())
	r.c.logger.Debug("task finished",
		"slot", r.j.slot, "task_id", r.j.taskID, "target", r.j.target, "action", r.j.action,
		"outcome", kind, "elapsed", elapsed)
	if r.c.observer != nil {
		r.c.observer(Completion{
			Kind:     r.c.kind,
			Slot:     r.j.slot,
			TaskID:   r.j.taskID,
			Target:   r.j.target,
			Action:   r.j.action,
			Outcome:  kind,
			Message:  message,
			Duration: elapsed,
		})
	}
}

// guardCallback keeps a fault in the enqueue path from unwinding into the
// engine's callback goroutine.
func (c *core) guardCallback(slot uint32, taskID uint64, status *engine.Status) {
	rec := recover()
	if rec == nil {
		return
	}
	c.logger.Error("dispatch callback fault", "slot", slot, "task_id", taskID, "panic", rec)
	*status = engine.StatusRejected
	func() {
		defer func() { _ = recover() }()
		_ = c.submit.SubmitError(slot, taskID, internalErrorMessage)
	}()
}
