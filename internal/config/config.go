// Package config holds the engine configuration surface: value types,
// validation, defaults and YAML loading.
package config

import (
	"fmt"
	"os"
	"time"

	"logward/pkg/types"

	"gopkg.in/yaml.v2"
)

// DurabilityConfig controls the crash-safety subsystem.
type DurabilityConfig struct {
	Enabled bool `yaml:"enabled"`

	// RingPath is the memory-mapped circular buffer file. Empty
	// disables the ring while keeping the emergency buffer.
	RingPath string `yaml:"ring_path"`
	RingSize int    `yaml:"ring_size"`

	// EmergencyBufferSize bounds the in-memory buffer of recent
	// events flushed from signal context.
	EmergencyBufferSize int `yaml:"emergency_buffer_size"`

	// EmergencyPath is the append-only file the emergency buffer is
	// written to on abnormal termination. Empty uses
	// <tempdir>/logward_emergency_<pid>.log.
	EmergencyPath string `yaml:"emergency_path"`
}

// MetricsConfig controls the optional metrics/health HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// EngineConfig configures a single engine instance. All parameters are
// plain values; nothing is read from the environment.
type EngineConfig struct {
	Name     string      `yaml:"name"`
	MinLevel types.Level `yaml:"min_level"`
	Async    bool        `yaml:"async"`

	QueueCapacity int           `yaml:"queue_capacity"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	// FlushTimeout bounds Flush when the caller's context carries no
	// deadline; ShutdownTimeout bounds the worker join on Shutdown.
	FlushTimeout    time.Duration `yaml:"flush_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Durability DurabilityConfig `yaml:"durability"`

	// WALPath is the write-ahead log used by the critical writer when
	// one is attached through the builder.
	WALPath string `yaml:"wal_path"`

	// ForceFlushLevels are synced to stable media immediately.
	// Empty means {ERROR, CRITICAL}.
	ForceFlushLevels []types.Level `yaml:"force_flush_levels"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// Default returns the baseline configuration.
func Default() EngineConfig {
	return EngineConfig{
		Name:            "logward",
		MinLevel:        types.LevelInfo,
		Async:           true,
		QueueCapacity:   10000,
		BatchSize:       100,
		FlushInterval:   100 * time.Millisecond,
		FlushTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Durability: DurabilityConfig{
			EmergencyBufferSize: 100,
			RingSize:            1 << 20,
		},
		Metrics: MetricsConfig{Addr: ":9090", Path: "/metrics"},
	}
}

// Debug returns a synchronous configuration suited to debugging.
func Debug() EngineConfig {
	cfg := Default()
	cfg.MinLevel = types.LevelDebug
	cfg.Async = false
	return cfg
}

// Production returns a configuration tuned for throughput.
func Production() EngineConfig {
	cfg := Default()
	cfg.MinLevel = types.LevelWarn
	cfg.QueueCapacity = 50000
	cfg.BatchSize = 500
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.Durability.Enabled = true
	return cfg
}

// ApplyDefaults fills zero values in place so partially specified
// configurations behave sensibly.
func (c *EngineConfig) ApplyDefaults() {
	def := Default()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = def.FlushTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Durability.EmergencyBufferSize == 0 {
		c.Durability.EmergencyBufferSize = def.Durability.EmergencyBufferSize
	}
	if c.Durability.RingSize == 0 {
		c.Durability.RingSize = def.Durability.RingSize
	}
}

// ringHeaderSize mirrors ringbuf.HeaderSize without importing the
// package; validated here so misconfiguration fails at construction.
const ringHeaderSize = 32

// Validate reports the first configuration error. Configuration errors
// are the only errors raised synchronously by the engine.
func (c *EngineConfig) Validate() error {
	if !c.MinLevel.Valid() {
		return fmt.Errorf("min_level: invalid level %d", c.MinLevel)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BatchSize > c.QueueCapacity {
		return fmt.Errorf("batch_size %d cannot exceed queue_capacity %d", c.BatchSize, c.QueueCapacity)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush_interval cannot be negative")
	}
	if c.Durability.Enabled && c.Durability.RingPath != "" && c.Durability.RingSize <= ringHeaderSize {
		return fmt.Errorf("durability.ring_size must exceed %d bytes, got %d", ringHeaderSize, c.Durability.RingSize)
	}
	for _, l := range c.ForceFlushLevels {
		if !l.Valid() {
			return fmt.Errorf("force_flush_levels: invalid level %d", l)
		}
	}
	return nil
}

// rawEngineConfig is the YAML shape of EngineConfig. Durations are
// strings ("250ms", "5s") parsed with time.ParseDuration; pointer
// fields distinguish "absent" from zero so loading on top of Default()
// keeps defaults for anything the file leaves out.
type rawEngineConfig struct {
	Name             *string           `yaml:"name"`
	MinLevel         *types.Level      `yaml:"min_level"`
	Async            *bool             `yaml:"async"`
	QueueCapacity    *int              `yaml:"queue_capacity"`
	BatchSize        *int              `yaml:"batch_size"`
	FlushInterval    *string           `yaml:"flush_interval"`
	FlushTimeout     *string           `yaml:"flush_timeout"`
	ShutdownTimeout  *string           `yaml:"shutdown_timeout"`
	Durability       *DurabilityConfig `yaml:"durability"`
	WALPath          *string           `yaml:"wal_path"`
	ForceFlushLevels []types.Level     `yaml:"force_flush_levels"`
	Metrics          *MetricsConfig    `yaml:"metrics"`
}

// UnmarshalYAML merges a YAML document into the config, leaving
// fields the document does not mention untouched.
func (c *EngineConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw rawEngineConfig
	if err := unmarshal(&raw); err != nil {
		return err
	}

	if raw.Name != nil {
		c.Name = *raw.Name
	}
	if raw.MinLevel != nil {
		c.MinLevel = *raw.MinLevel
	}
	if raw.Async != nil {
		c.Async = *raw.Async
	}
	if raw.QueueCapacity != nil {
		c.QueueCapacity = *raw.QueueCapacity
	}
	if raw.BatchSize != nil {
		c.BatchSize = *raw.BatchSize
	}
	if raw.Durability != nil {
		c.Durability = *raw.Durability
	}
	if raw.WALPath != nil {
		c.WALPath = *raw.WALPath
	}
	if raw.ForceFlushLevels != nil {
		c.ForceFlushLevels = raw.ForceFlushLevels
	}
	if raw.Metrics != nil {
		c.Metrics = *raw.Metrics
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"flush_interval", raw.FlushInterval, &c.FlushInterval},
		{"flush_timeout", raw.FlushTimeout, &c.FlushTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// LoadFile reads, defaults and validates a YAML configuration file.
func LoadFile(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
