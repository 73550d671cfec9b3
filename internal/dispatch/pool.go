package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// pool is a fixed set of workers fed by a bounded queue. Workers drain every
// queued item before exiting, so an accepted task always reaches an outcome
// even after ctx is cancelled.
type pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T)

	work chan T
	wg   sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	busy      atomic.Int64
}

// Stats is a point-in-time view of a dispatcher's queue.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Dropped    int64 `json:"dropped"`
}

func newPool[T any](workers, queueSize int, process func(context.Context, T)) *pool[T] {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   process,
		work:      make(chan T, queueSize),
	}
}

// submit enqueues without blocking.
func (p *pool[T]) submit(item T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.work <- item:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

func (p *pool[T]) start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// stop refuses new work and waits for the queue to drain.
func (p *pool[T]) stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for item := range p.work {
		p.busy.Add(1)
		p.process(ctx, item)
		p.busy.Add(-1)
		p.processed.Add(1)
	}
}

func (p *pool[T]) depth() int { return len(p.work) }

func (p *pool[T]) stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.work),
		Busy:       p.busy.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Dropped:    p.dropped.Load(),
	}
}
