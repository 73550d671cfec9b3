// Package catalytic assembles the bridge between a test-execution engine and
// bench instruments: driver registry, dispatchers, device connections, the
// data reservoir, metrics and the history journal.
package catalytic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lzdev42/catalytic-sub000/internal/config"
	"github.com/lzdev42/catalytic-sub000/internal/device"
	"github.com/lzdev42/catalytic-sub000/internal/dispatch"
	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/driver/builtin"
	"github.com/lzdev42/catalytic-sub000/internal/engine"
	"github.com/lzdev42/catalytic-sub000/internal/history"
	"github.com/lzdev42/catalytic-sub000/internal/history/factory"
	"github.com/lzdev42/catalytic-sub000/internal/metrics"
	"github.com/lzdev42/catalytic-sub000/internal/reservoir"
	"github.com/lzdev42/catalytic-sub000/internal/serialpool"
	iapi "github.com/lzdev42/catalytic-sub000/internal/server"
)

// Re-export the engine boundary for embedders.

type (
	DeviceTask  = engine.DeviceTask
	HostTask    = engine.HostTask
	Status      = engine.Status
	Submitter   = engine.Submitter
	Outcome     = engine.Outcome
	Connection  = device.Connection
	Config      = config.Config
	HistorySink = history.Sink
)

const (
	StatusAccepted = engine.StatusAccepted
	StatusRejected = engine.StatusRejected
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type options struct {
	logger     *slog.Logger
	configPath string
	source     device.Source
	submitter  engine.Submitter
	opener     serialpool.Opener
	comms      []driver.Communicator
	procs      []driver.Processor
	sinks      []history.Sink
	registerer prometheus.Registerer
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithConfigFile makes the device catalog follow edits to path.
func WithConfigFile(path string) Option { return func(o *options) { o.configPath = path } }

// WithCatalogSource replaces the catalog taken from the configuration.
func WithCatalogSource(s device.Source) Option { return func(o *options) { o.source = s } }

// WithSubmitter sends outcomes to an external engine instead of the built-in
// task registry. The control API's task endpoints need the registry.
func WithSubmitter(s engine.Submitter) Option { return func(o *options) { o.submitter = s } }

// WithSerialOpener swaps the serial port opener, mainly for tests.
func WithSerialOpener(fn serialpool.Opener) Option { return func(o *options) { o.opener = fn } }

func WithCommunicator(c driver.Communicator) Option {
	return func(o *options) { o.comms = append(o.comms, c) }
}

func WithProcessor(p driver.Processor) Option {
	return func(o *options) { o.procs = append(o.procs, p) }
}

// WithHistorySinks adds journal sinks next to the one configured by DSN.
func WithHistorySinks(s ...history.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// Host owns every bridge component. Create it with New, then Start it.
type Host struct {
	cfg    *Config
	logger *slog.Logger

	drivers        *driver.Registry
	reservoir      *reservoir.Reservoir
	devices        *device.Manager
	tasks          *engine.Registry
	deviceDispatch *dispatch.DeviceDispatcher
	hostDispatch   *dispatch.HostDispatcher
	recorder       *history.Recorder
	hostMetrics    *metrics.HostCollector

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New wires the components; nothing is opened until Start.
func New(cfg *Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registerer == nil {
		o.registerer = prometheus.DefaultRegisterer
	}

	h := &Host{cfg: cfg, logger: o.logger, tasks: engine.NewRegistry()}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.Host {
			hc, err := metrics.NewHostCollector(metrics.HostConfig{Enabled: true, Interval: cfg.Metrics.HostInterval})
			if err != nil {
				return nil, err
			}
			if err := hc.RegisterMetrics(o.registerer); err != nil {
				return nil, err
			}
			h.hostMetrics = hc
		}
	}

	h.drivers = driver.NewRegistry(o.logger)
	serial := serialpool.Config{
		ReadTimeout:  cfg.Serial.ReadTimeout,
		WriteTimeout: cfg.Serial.WriteTimeout,
		PollInterval: cfg.Serial.PollInterval,
		Opener:       o.opener,
		Logger:       o.logger,
	}
	if err := builtin.RegisterDefaults(h.drivers, serial); err != nil {
		return nil, err
	}
	for _, c := range o.comms {
		if err := h.drivers.RegisterCommunicator(c); err != nil {
			return nil, err
		}
	}
	for _, p := range o.procs {
		if err := h.drivers.RegisterProcessor(p); err != nil {
			return nil, err
		}
	}

	source, err := catalogSource(cfg, o)
	if err != nil {
		return nil, err
	}
	h.reservoir = reservoir.New(reservoir.WithMaxBytes(cfg.Reservoir.MaxBytes), reservoir.WithLogger(o.logger))
	h.devices = device.NewManager(source, h.drivers, device.WithLogger(o.logger))

	sinks := append([]history.Sink(nil), o.sinks...)
	if cfg.History.Enabled {
		s, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) > 0 {
		h.recorder = history.NewRecorder(cfg.History.Queue, o.logger, sinks...)
		h.devices.Subscribe(func(c device.Connection) { h.recorder.Record(history.TransitionEvent(c)) })
	}

	submit := o.submitter
	if submit == nil {
		submit = h.tasks
	}
	observe := func(c dispatch.Completion) {
		if h.recorder != nil {
			h.recorder.Record(history.TaskEvent(c))
		}
	}
	h.deviceDispatch = dispatch.NewDeviceDispatcher(submit, h.drivers, h.reservoir, dispatch.Options{
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		Logger:         o.logger,
		Observer:       observe,
	})
	h.hostDispatch = dispatch.NewHostDispatcher(submit, h.drivers, dispatch.Options{
		Workers:        cfg.Dispatch.HostWorkers,
		QueueSize:      cfg.Dispatch.HostQueueSize,
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		Logger:         o.logger,
		Observer:       observe,
	})

	// Pushed bytes land in the reservoir; remote closes reach the manager.
	h.drivers.Subscribe(func(ev driver.Event) {
		switch ev.Kind {
		case driver.KindData:
			h.reservoir.Write(ev.Address, ev.Data)
		case driver.KindDisconnected:
			h.devices.HandleEvent(ev)
		}
	})
	return h, nil
}

func catalogSource(cfg *Config, o options) (device.Source, error) {
	switch {
	case o.source != nil:
		return o.source, nil
	case o.configPath != "":
		return config.FileSource{Path: o.configPath}, nil
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	return device.NewStaticSource(cat), nil
}

// Start activates the drivers and the dispatcher workers.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("host closed")
	}
	if h.started {
		return nil
	}
	if err := h.drivers.ActivateAll(ctx); err != nil {
		return fmt.Errorf("activate drivers: %w", err)
	}
	// Dispatcher workers outlive the Start caller's ctx.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := h.deviceDispatch.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := h.hostDispatch.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if h.hostMetrics != nil {
		h.hostMetrics.Start(runCtx)
	}
	h.cancel = cancel
	h.started = true
	h.logger.Info("bridge started", "drivers", len(h.drivers.List()))
	return nil
}

// Close disconnects every device, drains the dispatchers, deactivates the
// drivers and flushes the journal. All steps run; errors are joined.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	started := h.started
	h.mu.Unlock()

	stopTimeout := h.cfg.Dispatch.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	var errs []error
	if started {
		if err := h.devices.DisconnectAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := h.deviceDispatch.Stop(stopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("device dispatcher: %w", err))
		}
		if err := h.hostDispatch.Stop(stopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("host dispatcher: %w", err))
		}
		if err := h.drivers.DeactivateAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if h.hostMetrics != nil {
			h.hostMetrics.Stop()
		}
		h.cancel()
	}
	if h.recorder != nil {
		if err := h.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	h.logger.Info("bridge stopped")
	return errors.Join(errs...)
}

// DispatchDeviceTask is the engine's device-task callback.
func (h *Host) DispatchDeviceTask(t DeviceTask) Status { return h.deviceDispatch.Dispatch(t) }

// DispatchHostTask is the engine's host-task callback.
func (h *Host) DispatchHostTask(t HostTask) Status { return h.hostDispatch.Dispatch(t) }

func (h *Host) Devices() *device.Manager            { return h.devices }
func (h *Host) Reservoir() *reservoir.Reservoir     { return h.reservoir }
func (h *Host) Drivers() *driver.Registry           { return h.drivers }
func (h *Host) Tasks() *engine.Registry             { return h.tasks }
func (h *Host) Logger() *slog.Logger                { return h.logger }
func (h *Host) Configuration() *Config              { return h.cfg }
func (h *Host) HostMetrics() *metrics.HostCollector { return h.hostMetrics }

// APIBackend exposes the components to the control API.
func (h *Host) APIBackend() iapi.Backend {
	return iapi.Backend{
		Devices:        h.devices,
		Tasks:          h.tasks,
		DeviceDispatch: h.deviceDispatch,
		HostDispatch:   h.hostDispatch,
		Reservoir:      h.reservoir,
		Drivers:        h.drivers,
		DefaultTimeout: h.cfg.Dispatch.DefaultTimeout,
		Metrics:        h.cfg.Metrics.Enabled,
		Logger:         h.logger,
	}
}

// Router builds the embeddable control API handler.
func (h *Host) Router() *iapi.Router { return iapi.NewRouter(h.APIBackend(), h.cfg.Server.BasePath) }
