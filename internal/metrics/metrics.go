package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	dispatchTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catalytic",
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Number of submitted task outcomes by dispatcher kind and outcome.",
		}, []string{"kind", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "catalytic",
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Time from dispatch to outcome submission.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"},
	)
	dispatchRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catalytic",
			Subsystem: "dispatch",
			Name:      "rejected_total",
			Help:      "Number of tasks rejected because the work queue was full or stopped.",
		}, []string{"kind"},
	)
	dispatchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "catalytic",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		}, []string{"kind"},
	)

	deviceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catalytic",
			Subsystem: "device",
			Name:      "transitions_total",
			Help:      "Number of committed device connection transitions by target state.",
		}, []string{"state"},
	)
	deviceConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "catalytic",
			Subsystem: "device",
			Name:      "connected",
			Help:      "1 when the device is connected, 0 otherwise.",
		}, []string{"device"},
	)

	reservoirBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "catalytic",
			Subsystem: "reservoir",
			Name:      "bytes",
			Help:      "Bytes buffered per device address.",
		}, []string{"address"},
	)
	reservoirDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catalytic",
			Subsystem: "reservoir",
			Name:      "dropped_bytes_total",
			Help:      "Pushed bytes dropped because the address buffer was at capacity.",
		}, []string{"address"},
	)

	netioSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "catalytic",
			Subsystem: "netio",
			Name:      "sessions",
			Help:      "Open TCP server sessions across all listeners.",
		},
	)
	serialPortsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "catalytic",
			Subsystem: "serial",
			Name:      "ports_open",
			Help:      "Serial ports currently held open by the pool.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		dispatchTasks, dispatchDuration, dispatchRejected, dispatchQueueDepth,
		deviceTransitions, deviceConnected,
		reservoirBytes, reservoirDropped,
		netioSessions, serialPortsOpen,
	}
	for _, c := range cs {
		if err := register(r, c); err != nil {
			return err
		}
	}
	regOK.Store(true)
	return nil
}

func register(r prometheus.Registerer, c prometheus.Collector) error {
	if err := r.Register(c); err != nil {
		// If already registered, ignore (allows double Register with default registry)
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTask(kind, outcome string) {
	if regOK.Load() {
		dispatchTasks.WithLabelValues(kind, outcome).Inc()
	}
}

func ObserveTaskDuration(kind string, seconds float64) {
	if regOK.Load() {
		dispatchDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func IncRejected(kind string) {
	if regOK.Load() {
		dispatchRejected.WithLabelValues(kind).Inc()
	}
}

func SetQueueDepth(kind string, n int) {
	if regOK.Load() {
		dispatchQueueDepth.WithLabelValues(kind).Set(float64(n))
	}
}

func RecordTransition(device, state string) {
	if regOK.Load() {
		deviceTransitions.WithLabelValues(state).Inc()
		var v float64
		if state == "connected" {
			v = 1
		}
		deviceConnected.WithLabelValues(device).Set(v)
	}
}

// ForgetDevice removes the per-device gauge once the device is no longer tracked.
func ForgetDevice(device string) {
	if regOK.Load() {
		deviceConnected.DeleteLabelValues(device)
	}
}

func SetReservoirBytes(address string, n int) {
	if regOK.Load() {
		reservoirBytes.WithLabelValues(address).Set(float64(n))
	}
}

func AddReservoirDropped(address string, n int) {
	if regOK.Load() {
		reservoirDropped.WithLabelValues(address).Add(float64(n))
	}
}

func AddSessions(delta int) {
	if regOK.Load() {
		netioSessions.Add(float64(delta))
	}
}

func AddSerialPorts(delta int) {
	if regOK.Load() {
		serialPortsOpen.Add(float64(delta))
	}
}
