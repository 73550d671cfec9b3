package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueue bounds the number of events waiting for the sinks.
const DefaultQueue = 1024

const sendTimeout = 5 * time.Second

// Recorder fans events out to sinks from a single background goroutine so
// that journal latency never reaches the dispatch workers. When the queue is
// full the event is dropped.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	logger  *slog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(queue int, logger *slog.Logger, sinks ...Sink) *Recorder {
	if queue <= 0 {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:  append([]Sink(nil), sinks...),
		queue:  make(chan Event, queue),
		logger: logger.With("component", "history"),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e. It never blocks.
func (r *Recorder) Record(e Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("history queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded on a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Debug("history send failed", "type", string(e.Type), "err", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, drains the queue until ctx expires and
// closes every sink that implements io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
