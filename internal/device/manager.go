package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/metrics"
)

// Driver calls made by the manager use fixed budgets.
const (
	ConnectTimeout    = 5 * time.Second
	DisconnectTimeout = 3 * time.Second
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDriverNotFound = errors.New("driver not found")
	ErrStateChanged   = errors.New("connection prohibited by concurrent state change")
	ErrConfigured     = errors.New("device still present in the catalog")
)

// DriverResolver finds the communicator named by a device type.
type DriverResolver interface {
	Communicator(selector string) (driver.Communicator, bool)
}

// Manager owns the tracking records. Records are replaced with
// compare-and-swap so a writer holding a stale record never overwrites a
// newer one.
type Manager struct {
	source  Source
	drivers DriverResolver
	logger  *slog.Logger

	conns  sync.Map // device id -> *Connection
	flight singleflight.Group

	subMu sync.RWMutex
	subs  []func(Connection)

	// cleanup tracks background disconnects of connections that lost
	// their tracking record.
	cleanup sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(source Source, drivers DriverResolver, opts ...Option) *Manager {
	m := &Manager{source: source, drivers: drivers, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe registers fn for every committed transition. fn runs on the
// goroutine that made the transition.
func (m *Manager) Subscribe(fn func(Connection)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

// Connect brings id to Connected. Concurrent calls for the same id share a
// single attempt and its result.
func (m *Manager) Connect(ctx context.Context, id string) error {
	_, err, _ := m.flight.Do(id, func() (any, error) {
		return nil, m.connect(ctx, id)
	})
	return err
}

func (m *Manager) connect(ctx context.Context, id string) error {
	cat, err := m.source.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("load device catalog: %w", err)
	}
	entry, ok := cat.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	v, _ := m.conns.LoadOrStore(id, newConnection(entry))
	if rec := v.(*Connection); rec.State == StateConnected {
		m.logger.Debug("device already connected", "device_id", id)
		return nil
	}

	// Not connected, so the record follows the current catalog entry.
	base := newConnection(entry)
	comm, ok := m.drivers.Communicator(entry.DriverID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrDriverNotFound, entry.DriverID)
		m.store(base.with(StateError, err.Error()))
		return err
	}

	connecting := base.with(StateConnecting, "")
	m.store(connecting)
	m.logger.Info("connecting device", "device_id", id, "address", entry.Address, "driver", entry.DriverID)

	cctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if _, err := comm.Execute(cctx, entry.Address, driver.ActionConnect, nil, ConnectTimeout); err != nil {
		if !m.cas(connecting, connecting.with(StateError, err.Error())) {
			m.logger.Debug("state already changed, skipping", "device_id", id)
		}
		m.logger.Error("device connect failed", "device_id", id, "address", entry.Address, "err", err)
		return fmt.Errorf("connect %s: %w", id, err)
	}

	if m.cas(connecting, connecting.with(StateConnected, "")) {
		m.logger.Info("device connected", "device_id", id, "address", entry.Address)
		return nil
	}
	if cur := m.load(id); cur != nil && cur.State == StateConnected && cur.Address == entry.Address {
		return nil
	}
	m.logger.Warn("device state changed during connect, not marking connected", "device_id", id)
	m.releaseOrphan(comm, entry.Address, id)
	return ErrStateChanged
}

// Disconnect always leaves a tracked record Disconnected. A failing driver
// disconnect is logged and not returned.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	rec := m.load(id)
	if rec == nil || rec.State == StateDisconnected {
		return nil
	}

	if comm, ok := m.drivers.Communicator(rec.DriverID); ok {
		m.logger.Info("disconnecting device", "device_id", id, "address", rec.Address)
		dctx, cancel := context.WithTimeout(ctx, DisconnectTimeout)
		_, err := comm.Execute(dctx, rec.Address, driver.ActionDisconnect, nil, DisconnectTimeout)
		cancel()
		if err != nil {
			m.logger.Warn("device disconnect failed", "device_id", id, "address", rec.Address, "err", err)
		}
	} else {
		m.logger.Debug("driver missing, marking disconnected", "device_id", id, "driver", rec.DriverID)
	}

	for {
		cur := m.load(id)
		if cur == nil || cur.State == StateDisconnected {
			return nil
		}
		if m.cas(cur, cur.with(StateDisconnected, "")) {
			return nil
		}
	}
}

// DisconnectAll disconnects every tracked device in parallel and waits for
// background cleanups.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var g errgroup.Group
	m.conns.Range(func(k, _ any) bool {
		id := k.(string)
		g.Go(func() error { return m.Disconnect(ctx, id) })
		return true
	})
	err := g.Wait()
	m.cleanup.Wait()
	m.logger.Info("all devices disconnected")
	return err
}

// Remove handles an explicit device deletion: it disconnects the device if
// connected and then stops tracking it. The catalog is the source of truth,
// so an id it still lists is refused with ErrConfigured; the next
// reconcile would only track it again.
func (m *Manager) Remove(ctx context.Context, id string) error {
	rec := m.load(id)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	cat, err := m.source.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("load device catalog: %w", err)
	}
	if _, ok := cat.Lookup(id); ok {
		return fmt.Errorf("%w: %s", ErrConfigured, id)
	}
	if rec.State == StateConnected {
		if err := m.Disconnect(ctx, id); err != nil {
			return err
		}
	}
	m.conns.Delete(id)
	metrics.ForgetDevice(id)
	m.logger.Info("device removed", "device_id", id)
	return nil
}

// HandleEvent applies a passive disconnect notice: records Connected at the
// event address flip to Disconnected. Other events are ignored.
func (m *Manager) HandleEvent(ev driver.Event) {
	if ev.Kind != driver.KindDisconnected || ev.Address == "" {
		return
	}
	m.conns.Range(func(_, v any) bool {
		rec := v.(*Connection)
		if rec.Address != ev.Address || rec.State != StateConnected {
			return true
		}
		if m.cas(rec, rec.with(StateDisconnected, "")) {
			m.logger.Info("device disconnected by driver", "device_id", rec.DeviceID, "address", ev.Address)
		} else {
			m.logger.Debug("state already changed, skipping", "device_id", rec.DeviceID)
		}
		return true
	})
}

// Reconcile aligns the tracked set with the catalog. New devices start
// Disconnected. Devices gone from the catalog stop being tracked; if one was
// Connected its driver is asked to disconnect in the background, unless
// another connected device shares the address.
func (m *Manager) Reconcile(ctx context.Context) error {
	cat, err := m.source.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("load device catalog: %w", err)
	}

	live := make(map[string]struct{})
	for _, r := range cat.All() {
		live[r.ID] = struct{}{}
		v, loaded := m.conns.LoadOrStore(r.ID, newConnection(r))
		if !loaded {
			continue
		}
		cur := v.(*Connection)
		if cur.State == StateDisconnected && (cur.Address != r.Address || cur.DriverID != r.DriverID || cur.TypeID != r.TypeID) {
			next := newConnection(r)
			m.cas(cur, next)
		}
	}

	var dropped []*Connection
	m.conns.Range(func(k, v any) bool {
		if _, ok := live[k.(string)]; !ok && m.conns.CompareAndDelete(k, v) {
			dropped = append(dropped, v.(*Connection))
		}
		return true
	})
	for _, rec := range dropped {
		metrics.ForgetDevice(rec.DeviceID)
		m.logger.Info("device left the catalog", "device_id", rec.DeviceID, "state", rec.State.String())
		if rec.State != StateConnected {
			continue
		}
		if comm, ok := m.drivers.Communicator(rec.DriverID); ok {
			m.releaseOrphan(comm, rec.Address, rec.DeviceID)
		}
	}
	return nil
}

func (m *Manager) reconcile(ctx context.Context) {
	if err := m.Reconcile(ctx); err != nil {
		m.logger.Error("device reconcile failed", "err", err)
	}
}

// Status reconciles and returns the record for id.
func (m *Manager) Status(ctx context.Context, id string) (Connection, bool) {
	m.reconcile(ctx)
	rec := m.load(id)
	if rec == nil {
		return Connection{}, false
	}
	return *rec, true
}

// StatusAll reconciles and returns every record sorted by device id.
func (m *Manager) StatusAll(ctx context.Context) []Connection {
	m.reconcile(ctx)
	out := []Connection{}
	m.conns.Range(func(_, v any) bool {
		out = append(out, *v.(*Connection))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (m *Manager) IsConnected(id string) bool {
	rec := m.load(id)
	return rec != nil && rec.State == StateConnected
}

// Wait blocks until background cleanups finish.
func (m *Manager) Wait() { m.cleanup.Wait() }

func (m *Manager) load(id string) *Connection {
	v, ok := m.conns.Load(id)
	if !ok {
		return nil
	}
	return v.(*Connection)
}

func (m *Manager) store(c *Connection) {
	m.conns.Store(c.DeviceID, c)
	m.notify(c)
}

func (m *Manager) cas(old, next *Connection) bool {
	if !m.conns.CompareAndSwap(old.DeviceID, old, next) {
		return false
	}
	m.notify(next)
	return true
}

func (m *Manager) notify(c *Connection) {
	metrics.RecordTransition(c.DeviceID, c.State.String())
	m.subMu.RLock()
	subs := append([]func(Connection){}, m.subs...)
	m.subMu.RUnlock()
	for _, fn := range subs {
		m.deliver(fn, *c)
	}
}

func (m *Manager) deliver(fn func(Connection), c Connection) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("device subscriber panicked", "device_id", c.DeviceID, "panic", r)
		}
	}()
	fn(c)
}

func (m *Manager) addressConnected(address, except string) bool {
	found := false
	m.conns.Range(func(_, v any) bool {
		rec := v.(*Connection)
		if rec.DeviceID != except && rec.Address == address && rec.State == StateConnected {
			found = true
			return false
		}
		return true
	})
	return found
}

// releaseOrphan disconnects a physical connection that no record owns any
// more.
func (m *Manager) releaseOrphan(comm driver.Communicator, address, deviceID string) {
	if m.addressConnected(address, deviceID) {
		return
	}
	m.cleanup.Add(1)
	go func() {
		defer m.cleanup.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DisconnectTimeout)
		defer cancel()
		if _, err := comm.Execute(ctx, address, driver.ActionDisconnect, nil, DisconnectTimeout); err != nil {
			m.logger.Warn("orphan disconnect failed", "device_id", deviceID, "address", address, "err", err)
			return
		}
		m.logger.Info("orphan connection released", "device_id", deviceID, "address", address)
	}()
}
