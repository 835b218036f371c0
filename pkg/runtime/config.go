// Package runtime exposes the component runtime coordinator: the
// facade aggregating the event bus, component registry, hibernation
// cache, snapshot store, health recorder, and migration coordinator
// behind one external contract.
package runtime

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/srediag/component-runtime/pkg/bus"
	"github.com/srediag/component-runtime/pkg/health"
	"github.com/srediag/component-runtime/pkg/hibernate"
)

// Config holds every runtime knob. Build it from DefaultConfig and
// override fields, or load a YAML file with LoadConfig.
type Config struct {
	// SnapshotPath is the SQLite database for durable snapshots.
	// Empty selects the in-memory store (no crash recovery).
	SnapshotPath string

	// SnapshotInterval drives periodic snapshots of every Active
	// component. 0 disables the timer (hibernation and cutover still
	// snapshot).
	SnapshotInterval time.Duration

	// SnapshotRetention is the rolling window of versions kept per
	// component; pruning runs after each periodic pass. 0 keeps
	// everything.
	SnapshotRetention int

	// SnapshotRetryBudget bounds the exponential backoff spent on one
	// failing snapshot write before it escalates as health
	// degradation.
	SnapshotRetryBudget time.Duration

	// HealthInterval drives threshold evaluation and automated
	// rollback checks.
	HealthInterval time.Duration

	// EvictionInterval drives the hibernation cache's idle scan.
	EvictionInterval time.Duration

	// Bus tunes the event dispatcher. Logger and Gate are overwritten
	// by the runtime at wire time.
	Bus bus.Config

	// Hibernation tunes eviction and restore behavior.
	Hibernation hibernate.Policy

	// Health tunes the sliding window and breach thresholds. Logger is
	// overwritten at wire time.
	Health health.Config

	Logger zerolog.Logger

	// Registerer receives all prometheus collectors when non-nil.
	Registerer prometheus.Registerer

	// Meter and Tracer enable OpenTelemetry instrumentation of
	// coordinator operations when non-nil.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval:    30 * time.Second,
		SnapshotRetention:   8,
		SnapshotRetryBudget: 5 * time.Second,
		HealthInterval:      10 * time.Second,
		EvictionInterval:    15 * time.Second,
		Bus:                 bus.DefaultConfig(),
		Hibernation:         hibernate.DefaultPolicy(),
		Health:              health.DefaultConfig(),
		Logger:              zerolog.Nop(),
	}
}

// VerifyConfig validates cfg before New uses it.
func VerifyConfig(cfg Config) error {
	if cfg.SnapshotInterval < 0 {
		return fmt.Errorf("runtime: SnapshotInterval must be >= 0, got %v", cfg.SnapshotInterval)
	}
	if cfg.SnapshotRetention < 0 {
		return fmt.Errorf("runtime: SnapshotRetention must be >= 0, got %d", cfg.SnapshotRetention)
	}
	if cfg.SnapshotRetryBudget <= 0 {
		return fmt.Errorf("runtime: SnapshotRetryBudget must be positive, got %v", cfg.SnapshotRetryBudget)
	}
	if cfg.HealthInterval <= 0 {
		return fmt.Errorf("runtime: HealthInterval must be positive, got %v", cfg.HealthInterval)
	}
	if cfg.EvictionInterval <= 0 {
		return fmt.Errorf("runtime: EvictionInterval must be positive, got %v", cfg.EvictionInterval)
	}
	if err := bus.VerifyConfig(cfg.Bus); err != nil {
		return err
	}
	if err := hibernate.VerifyPolicy(cfg.Hibernation); err != nil {
		return err
	}
	return health.VerifyConfig(cfg.Health)
}

// fileConfig is the YAML shape of a config file. Durations are
// strings in time.ParseDuration syntax; zero values fall back to the
// defaults.
type fileConfig struct {
	SnapshotPath        string `yaml:"snapshot_path"`
	SnapshotInterval    string `yaml:"snapshot_interval"`
	SnapshotRetention   *int   `yaml:"snapshot_retention"`
	SnapshotRetryBudget string `yaml:"snapshot_retry_budget"`
	HealthInterval      string `yaml:"health_interval"`
	EvictionInterval    string `yaml:"eviction_interval"`

	DispatcherPoolSize int `yaml:"dispatcher_pool_size"`
	DrainBatch         int `yaml:"drain_batch"`

	MinIdle           string `yaml:"min_idle"`
	MaxResident       *int   `yaml:"max_resident"`
	MemoryHighWaterMB uint64 `yaml:"memory_high_water_mb"`
	RestoreTimeout    string `yaml:"restore_timeout"`

	HealthWindow string `yaml:"health_window"`
	Thresholds   map[string]struct {
		Max        float64 `yaml:"max"`
		MinSamples int     `yaml:"min_samples"`
	} `yaml:"thresholds"`
}

// LoadConfig reads a YAML config file and overlays it onto
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("runtime: read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("runtime: parse config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	cfg.SnapshotPath = fc.SnapshotPath
	if fc.SnapshotRetention != nil {
		cfg.SnapshotRetention = *fc.SnapshotRetention
	}
	if fc.DispatcherPoolSize > 0 {
		cfg.Bus.DispatcherPoolSize = fc.DispatcherPoolSize
	}
	if fc.DrainBatch > 0 {
		cfg.Bus.DrainBatch = fc.DrainBatch
	}
	if fc.MaxResident != nil {
		cfg.Hibernation.MaxResident = *fc.MaxResident
	}
	if fc.MemoryHighWaterMB > 0 {
		cfg.Hibernation.MemoryHighWaterMB = fc.MemoryHighWaterMB
	}
	for name, th := range fc.Thresholds {
		cfg.Health.Thresholds[name] = health.Threshold{Max: th.Max, MinSamples: th.MinSamples}
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.SnapshotInterval, &cfg.SnapshotInterval},
		{fc.SnapshotRetryBudget, &cfg.SnapshotRetryBudget},
		{fc.HealthInterval, &cfg.HealthInterval},
		{fc.EvictionInterval, &cfg.EvictionInterval},
		{fc.MinIdle, &cfg.Hibernation.MinIdle},
		{fc.RestoreTimeout, &cfg.Hibernation.RestoreTimeout},
		{fc.HealthWindow, &cfg.Health.Window},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("runtime: parse config %s: %w", path, err)
		}
		*d.dst = v
	}

	if err := VerifyConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
