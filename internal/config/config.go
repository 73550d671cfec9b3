// Package config loads the catalytic TOML configuration through viper.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lzdev42/catalytic-sub000/internal/device"
	"github.com/lzdev42/catalytic-sub000/internal/env"
	"github.com/lzdev42/catalytic-sub000/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. CATALYTIC_SERVER_LISTEN.
const EnvPrefix = "CATALYTIC"

// Config is the top-level TOML structure.
type Config struct {
	Env       []string        `mapstructure:"env"`
	EnvFiles  []string        `mapstructure:"env_files"`
	UseOSEnv  bool            `mapstructure:"use_os_env"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       logger.Config   `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Reservoir ReservoirConfig `mapstructure:"reservoir"`
	Serial    SerialConfig    `mapstructure:"serial"`
	History   HistoryConfig   `mapstructure:"history"`

	DeviceTypes []DeviceTypeConfig `mapstructure:"device_types"`
}

type ServerConfig struct {
	Listen        string     `mapstructure:"listen"`
	BasePath      string     `mapstructure:"base_path"`
	TLS           *TLSConfig `mapstructure:"tls"`
	TLSMinVersion string     `mapstructure:"tls_min_version"`
	TLSMaxVersion string     `mapstructure:"tls_max_version"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS tunes the self-signed certificate generated for Dir.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Host adds CPU and memory gauges for the service process.
	Host         bool          `mapstructure:"host"`
	HostInterval time.Duration `mapstructure:"host_interval"`
}

type DispatchConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	HostWorkers    int           `mapstructure:"host_workers"`
	HostQueueSize  int           `mapstructure:"host_queue_size"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

type ReservoirConfig struct {
	MaxBytes int `mapstructure:"max_bytes"`
}

type SerialConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	// Queue bounds events waiting for the sink; overflow is dropped.
	Queue int `mapstructure:"queue"`
}

type DeviceTypeConfig struct {
	ID       string         `mapstructure:"id"`
	DriverID string         `mapstructure:"driver_id"`
	PluginID string         `mapstructure:"plugin_id"`
	Devices  []DeviceConfig `mapstructure:"devices"`
}

type DeviceConfig struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8470")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", false)
	v.SetDefault("metrics.host_interval", 10*time.Second)
	v.SetDefault("dispatch.workers", 16)
	v.SetDefault("dispatch.queue_size", 1024)
	v.SetDefault("dispatch.host_workers", 4)
	v.SetDefault("dispatch.host_queue_size", 256)
	v.SetDefault("dispatch.default_timeout", 30*time.Second)
	v.SetDefault("dispatch.stop_timeout", 5*time.Second)
	v.SetDefault("reservoir.max_bytes", 50*1024*1024)
	v.SetDefault("serial.read_timeout", 5*time.Second)
	v.SetDefault("serial.write_timeout", 5*time.Second)
	v.SetDefault("serial.poll_interval", 50*time.Millisecond)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.queue", 1024)
}

// Default returns the configuration used when no file is given.
// Environment overrides are not applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads path, applies CATALYTIC_* environment overrides and validates
// the result. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with /: %q", c.Server.BasePath))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	d := c.Dispatch
	if d.Workers < 0 || d.QueueSize < 0 || d.HostWorkers < 0 || d.HostQueueSize < 0 {
		errs = append(errs, errors.New("dispatch sizes must not be negative"))
	}
	if c.Reservoir.MaxBytes < 0 {
		errs = append(errs, errors.New("reservoir.max_bytes must not be negative"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.enabled requires history.dsn"))
	}

	types := make(map[string]bool)
	devices := make(map[string]string)
	for i, t := range c.DeviceTypes {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("device_types[%d] requires id", i))
		} else if types[t.ID] {
			errs = append(errs, fmt.Errorf("duplicate device type %q", t.ID))
		}
		types[t.ID] = true
		if t.driver() == "" {
			errs = append(errs, fmt.Errorf("device type %q requires driver_id", t.ID))
		}
		for j, dev := range t.Devices {
			if dev.ID == "" {
				errs = append(errs, fmt.Errorf("device type %q device[%d] requires id", t.ID, j))
				continue
			}
			if prev, dup := devices[dev.ID]; dup {
				errs = append(errs, fmt.Errorf("device %q defined in %q and %q", dev.ID, prev, t.ID))
			}
			devices[dev.ID] = t.ID
			if dev.Address == "" {
				errs = append(errs, fmt.Errorf("device %q requires address", dev.ID))
			}
		}
	}
	return errors.Join(errs...)
}

func (t DeviceTypeConfig) driver() string {
	if t.DriverID != "" {
		return t.DriverID
	}
	return t.PluginID
}

// Environment composes the variables used to expand device addresses: the
// OS environment when use_os_env is set, then env_files in order, then the
// env list.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}

// Catalog converts the device sections to a device catalog with addresses
// expanded.
func (c *Config) Catalog() (device.Catalog, error) {
	e, err := c.Environment()
	if err != nil {
		return device.Catalog{}, err
	}
	cat := device.Catalog{DeviceTypes: make([]device.Type, 0, len(c.DeviceTypes))}
	for _, t := range c.DeviceTypes {
		dt := device.Type{ID: t.ID, DriverID: t.driver()}
		for _, d := range t.Devices {
			dt.Devices = append(dt.Devices, device.Entry{ID: d.ID, Address: e.Expand(d.Address)})
		}
		cat.DeviceTypes = append(cat.DeviceTypes, dt)
	}
	return cat, nil
}

// FileSource re-reads the configuration file on every snapshot so catalog
// edits are seen by the next status query.
type FileSource struct {
	Path string
}

func (s FileSource) Catalog(context.Context) (device.Catalog, error) {
	if _, err := os.Stat(s.Path); err != nil {
		return device.Catalog{}, fmt.Errorf("device catalog: %w", err)
	}
	cfg, err := Load(s.Path)
	if err != nil {
		return device.Catalog{}, err
	}
	return cfg.Catalog()
}
