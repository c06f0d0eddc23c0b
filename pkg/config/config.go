// Package config loads the monitor's YAML configuration, applies
// INSTANCEHUB_* environment overrides and converts the result into the
// structures the engine is built from.
package config

import (
	"fmt"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/health"
	"github.com/instancehub/instancehub/pkg/types"
)

// Config holds all configuration for the monitor
type Config struct {
	Refresh        time.Duration   `mapstructure:"refresh" yaml:"refresh"`
	GracePeriod    time.Duration   `mapstructure:"grace_period" yaml:"grace_period"`
	HealthInterval time.Duration   `mapstructure:"health_interval" yaml:"health_interval"`
	Metrics        []MetricConfig  `mapstructure:"metrics" yaml:"metrics"`
	Services       []ServiceConfig `mapstructure:"services" yaml:"services"`
	Export         ExportConfig    `mapstructure:"export" yaml:"export"`
	Log            LogConfig       `mapstructure:"log" yaml:"log"`
}

// MetricConfig describes one probe registration
type MetricConfig struct {
	ID        string          `mapstructure:"id" yaml:"id"`
	Kind      types.ProbeKind `mapstructure:"kind" yaml:"kind"`
	Interval  time.Duration   `mapstructure:"interval" yaml:"interval"`
	Timeout   time.Duration   `mapstructure:"timeout" yaml:"timeout,omitempty"`
	CatchUp   bool            `mapstructure:"catch_up" yaml:"catch_up,omitempty"`
	Path      string          `mapstructure:"path" yaml:"path,omitempty"`           // disk
	Interface string          `mapstructure:"interface" yaml:"interface,omitempty"` // network; empty sums all
	Service   string          `mapstructure:"service" yaml:"service,omitempty"`     // service probes
	Threshold *ThresholdSpec  `mapstructure:"threshold" yaml:"threshold,omitempty"`
}

// ThresholdSpec is the YAML shape of a threshold
type ThresholdSpec struct {
	Warn       float64         `mapstructure:"warn" yaml:"warn"`
	Crit       float64         `mapstructure:"crit" yaml:"crit"`
	Direction  types.Direction `mapstructure:"direction" yaml:"direction,omitempty"`
	Hysteresis uint            `mapstructure:"hysteresis" yaml:"hysteresis,omitempty"`
	Clear      uint            `mapstructure:"clear" yaml:"clear,omitempty"`
}

// ServiceConfig describes one health-checked dependency
type ServiceConfig struct {
	ID       string        `mapstructure:"id" yaml:"id"`
	Kind     string        `mapstructure:"kind" yaml:"kind"`
	Host     string        `mapstructure:"host" yaml:"host,omitempty"`
	Port     int           `mapstructure:"port" yaml:"port,omitempty"`
	User     string        `mapstructure:"user" yaml:"user,omitempty"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	Database string        `mapstructure:"database" yaml:"database,omitempty"`
	URL      string        `mapstructure:"url" yaml:"url,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Retries  int           `mapstructure:"retries" yaml:"retries,omitempty"`
}

// ExportConfig enables the optional snapshot exporters
type ExportConfig struct {
	RedisURL    string        `mapstructure:"redis_url" yaml:"redis_url"`
	RedisKey    string        `mapstructure:"redis_key" yaml:"redis_key"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MetricsAddr string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// Defaults
const (
	DefaultRefresh        = 2 * time.Second
	DefaultGracePeriod    = 3 * time.Second
	DefaultHealthInterval = 10 * time.Second
	DefaultMetricInterval = 2 * time.Second
	DefaultRedisKey       = "instancehub:snapshot"
	DefaultTTL            = 30 * time.Second
)

// DefaultConfig returns a config with sensible defaults: CPU, memory and
// root disk usage with warn 80 / crit 90 thresholds plus network throughput.
func DefaultConfig() *Config {
	threshold := func() *ThresholdSpec {
		return &ThresholdSpec{Warn: 80, Crit: 90, Direction: types.DirectionAbove, Hysteresis: 3, Clear: 2}
	}
	return &Config{
		Refresh:        DefaultRefresh,
		GracePeriod:    DefaultGracePeriod,
		HealthInterval: DefaultHealthInterval,
		Metrics: []MetricConfig{
			{ID: "cpu", Kind: types.KindCPU, Interval: DefaultMetricInterval, Threshold: threshold()},
			{ID: "memory", Kind: types.KindMemory, Interval: DefaultMetricInterval, Threshold: threshold()},
			{ID: "disk", Kind: types.KindDisk, Interval: 10 * time.Second, Path: "/", Threshold: threshold()},
			{ID: "network", Kind: types.KindNetwork, Interval: DefaultMetricInterval},
		},
		Services: []ServiceConfig{},
		Export: ExportConfig{
			RedisKey: DefaultRedisKey,
			TTL:      DefaultTTL,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// ThresholdConfig converts the metric's threshold, or returns nil when it
// has none.
func (m MetricConfig) ThresholdConfig() *types.ThresholdConfig {
	if m.Threshold == nil {
		return nil
	}
	dir := m.Threshold.Direction
	if dir == "" {
		dir = types.DirectionAbove
	}
	return &types.ThresholdConfig{
		MetricID:           m.ID,
		WarnLevel:          m.Threshold.Warn,
		CritLevel:          m.Threshold.Crit,
		Direction:          dir,
		HysteresisBreaches: m.Threshold.Hysteresis,
		ClearBreaches:      m.Threshold.Clear,
	}
}

// HealthConfig converts to the orchestrator's service settings.
func (s ServiceConfig) HealthConfig() health.ServiceConfig {
	return health.ServiceConfig{
		ID:       s.ID,
		Kind:     health.NormalizeKind(s.Kind),
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		Database: s.Database,
		URL:      s.URL,
		Timeout:  s.Timeout,
		Retries:  s.Retries,
	}
}

var knownProbeKinds = map[types.ProbeKind]bool{
	types.KindCPU: true, types.KindMemory: true, types.KindSwap: true, types.KindDisk: true,
	types.KindDiskIO: true, types.KindNetwork: true, types.KindService: true,
	types.KindLoad: true, types.KindProcs: true, types.KindUptime: true,
}

var percentKinds = map[types.ProbeKind]bool{
	types.KindCPU: true, types.KindMemory: true, types.KindSwap: true, types.KindDisk: true,
}

// Validate checks configuration-wide problems. Problems confined to a single
// metric's threshold are left to engine construction, which rejects only
// that metric.
func (c *Config) Validate() error {
	if c.Refresh <= 0 {
		return configError("refresh", "must be positive")
	}
	if c.GracePeriod < 0 {
		return configError("grace_period", "must not be negative")
	}
	if c.HealthInterval < 0 {
		return configError("health_interval", "must not be negative")
	}

	services := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		field := fmt.Sprintf("services[%d]", i)
		if s.ID == "" {
			return configError(field, "id is required")
		}
		if services[s.ID] {
			return configError(field, "duplicate service id "+s.ID)
		}
		services[s.ID] = true
		if s.Port < 0 || s.Port > 65535 {
			return configError(field, fmt.Sprintf("port %d outside 1..65535", s.Port))
		}
		if err := s.HealthConfig().Validate(); err != nil {
			return err
		}
	}

	metrics := make(map[string]bool, len(c.Metrics))
	for i, m := range c.Metrics {
		field := fmt.Sprintf("metrics[%d]", i)
		if m.ID == "" {
			return configError(field, "id is required")
		}
		if metrics[m.ID] {
			return configError(field, "duplicate metric id "+m.ID)
		}
		metrics[m.ID] = true
		if !knownProbeKinds[m.Kind] {
			return configError(field, fmt.Sprintf("unknown kind %q", m.Kind))
		}
		if m.Kind == types.KindService && !services[m.Service] {
			return configError(field, fmt.Sprintf("service probe %s references unknown service %q", m.ID, m.Service))
		}
		if t := m.Threshold; t != nil && percentKinds[m.Kind] {
			if t.Warn < 0 || t.Warn > 100 || t.Crit < 0 || t.Crit > 100 {
				return configError(field, "percent thresholds must be within 0..100")
			}
		}
	}

	return nil
}

func configError(field, message string) error {
	return hubErrors.New(hubErrors.ErrConfig,
		fmt.Sprintf("config error: %s: %s", field, message),
		"Fix the value in the config file or the INSTANCEHUB_* environment")
}
