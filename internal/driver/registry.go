package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicate = errors.New("driver already registered")
	ErrInvalid   = errors.New("invalid driver")
)

type lifecycle interface {
	ID() string
	Activate(ctx context.Context, host Context) error
	Deactivate(ctx context.Context) error
}

// Registry resolves communicators by id or protocol and processors by task
// name, and fans driver push events out to subscribers.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]Communicator
	byProto map[string]Communicator
	procs   map[string]Processor
	order   []lifecycle
	active  []lifecycle

	subMu sync.RWMutex
	subs  []func(Event)

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:    make(map[string]Communicator),
		byProto: make(map[string]Communicator),
		procs:   make(map[string]Processor),
		logger:  logger,
	}
}

func key(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// RegisterCommunicator adds c. The first communicator registered for a
// protocol owns that protocol selector.
func (r *Registry) RegisterCommunicator(c Communicator) error {
	if c == nil || key(c.ID()) == "" {
		return fmt.Errorf("%w: communicator without id", ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := key(c.ID())
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.ID())
	}
	r.byID[id] = c
	if p := key(c.Protocol()); p != "" {
		if _, taken := r.byProto[p]; !taken {
			r.byProto[p] = c
		}
	}
	r.order = append(r.order, c)
	return nil
}

func (r *Registry) RegisterProcessor(p Processor) error {
	if p == nil || key(p.TaskName()) == "" {
		return fmt.Errorf("%w: processor without task name", ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := key(p.TaskName())
	if _, ok := r.procs[name]; ok {
		return fmt.Errorf("%w: task %s", ErrDuplicate, p.TaskName())
	}
	r.procs[name] = p
	r.order = append(r.order, p)
	return nil
}

// Communicator resolves selector against plugin ids first, then protocols.
func (r *Registry) Communicator(selector string) (Communicator, bool) {
	k := key(selector)
	if k == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byID[k]; ok {
		return c, true
	}
	c, ok := r.byProto[k]
	return c, ok
}

func (r *Registry) Processor(taskName string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[key(taskName)]
	return p, ok
}

// List returns every registered driver sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, d := range r.order {
		switch v := d.(type) {
		case Communicator:
			out = append(out, Info{ID: v.ID(), Kind: "communicator", Protocol: v.Protocol()})
		case Processor:
			out = append(out, Info{ID: v.ID(), Kind: "processor", TaskName: v.TaskName()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers fn for every pushed event. Subscribers run on the
// pushing driver's goroutine and must not block.
func (r *Registry) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

// Publish delivers ev to all subscribers. A panicking subscriber is logged
// and does not stop delivery to the rest.
func (r *Registry) Publish(ev Event) {
	r.subMu.RLock()
	subs := r.subs
	r.subMu.RUnlock()
	for _, fn := range subs {
		r.deliver(fn, ev)
	}
}

func (r *Registry) deliver(fn func(Event), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event subscriber panicked", "type", ev.Type, "panic", rec)
		}
	}()
	fn(ev)
}

// ActivateAll activates drivers in registration order. A driver that fails
// to activate is logged and skipped; the joined error is returned.
func (r *Registry) ActivateAll(ctx context.Context) error {
	r.mu.RLock()
	order := append([]lifecycle(nil), r.order...)
	r.mu.RUnlock()

	var errs []error
	var active []lifecycle
	for _, d := range order {
		host := &hostContext{reg: r, id: d.ID(), logger: r.logger.With("driver", d.ID())}
		if err := d.Activate(ctx, host); err != nil {
			r.logger.Error("driver activation failed", "driver", d.ID(), "err", err)
			errs = append(errs, fmt.Errorf("activate %s: %w", d.ID(), err))
			continue
		}
		active = append(active, d)
	}
	r.mu.Lock()
	r.active = active
	r.mu.Unlock()
	return errors.Join(errs...)
}

// DeactivateAll deactivates active drivers in reverse order.
func (r *Registry) DeactivateAll(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.active = nil
	r.mu.Unlock()

	var errs []error
	for i := len(active) - 1; i >= 0; i-- {
		d := active[i]
		if err := d.Deactivate(ctx); err != nil {
			r.logger.Warn("driver deactivation failed", "driver", d.ID(), "err", err)
			errs = append(errs, fmt.Errorf("deactivate %s: %w", d.ID(), err))
		}
	}
	return errors.Join(errs...)
}

type hostContext struct {
	reg    *Registry
	id     string
	logger *slog.Logger
}

func (h *hostContext) Logger() *slog.Logger { return h.logger }

func (h *hostContext) Communicator(selector string) (Communicator, bool) {
	return h.reg.Communicator(selector)
}

func (h *hostContext) PushEvent(eventType string, data []byte) {
	ev := ParseEvent(eventType, data)
	ev.Source = h.id
	h.reg.Publish(ev)
}

func (h *hostContext) PushData(address string, data []byte) {
	h.PushEvent(DataEventType(address), data)
}

func (h *hostContext) PushDisconnected(address string) {
	h.PushEvent(EventDeviceDisconnected, []byte(address))
}

// NewContext returns a Context bound to r for drivers activated outside
// ActivateAll, such as in tests.
func (r *Registry) NewContext(driverID string) Context {
	return &hostContext{reg: r, id: driverID, logger: r.logger.With("driver", driverID)}
}
