package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// HostSample is one resource snapshot of the bridge process itself.
type HostSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// HostConfig holds configuration for self resource sampling.
type HostConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// HostCollector periodically samples CPU and memory of the current process.
// Long-running bench stations leak file descriptors when a transport driver
// misbehaves; num_fds is the signal to watch.
type HostCollector struct {
	enabled  bool
	interval time.Duration
	proc     *process.Process

	mu   sync.RWMutex
	last HostSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryRSS  prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

func NewHostCollector(cfg HostConfig) (*HostCollector, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "catalytic",
			Subsystem: "host",
			Name:      name,
			Help:      help,
		})
	}
	return &HostCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		proc:       proc,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the bridge process."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the bridge process."),
		numThreads: gauge("num_threads", "OS threads of the bridge process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the bridge process (Unix only)."),
	}, nil
}

// RegisterMetrics registers the host gauges with the provided registerer.
func (c *HostCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := register(r, collector); err != nil {
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (c *HostCollector) Start(ctx context.Context) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
}

func (c *HostCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample and updates the gauges.
func (c *HostCollector) Collect() {
	s := HostSample{PID: c.proc.Pid, Timestamp: time.Now()}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	} else {
		slog.Debug("host cpu sample failed", "err", err)
	}
	if mem, err := c.proc.MemoryInfo(); err == nil {
		s.MemoryRSS = mem.RSS
	} else {
		slog.Debug("host memory sample failed", "err", err)
	}
	if n, err := c.proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := c.proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}

	c.cpuPercent.Set(s.CPUPercent)
	c.memoryRSS.Set(float64(s.MemoryRSS))
	c.numThreads.Set(float64(s.NumThreads))
	if s.NumFDs > 0 {
		c.numFDs.Set(float64(s.NumFDs))
	}

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
}

// Last returns the most recent sample; ok is false before the first one.
func (c *HostCollector) Last() (HostSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, !c.last.Timestamp.IsZero()
}
