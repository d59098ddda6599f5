// Package config provides configuration management for the reconciliation
// service. Unknown keys are rejected at load so a typo cannot silently
// change matching behavior.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Matching tolerance defaults, applied when the corresponding key is unset.
const (
	defaultPriceTolerancePct = 0.01
	defaultPriceToleranceAbs = 0.01
	defaultQuantityTolPct    = 0.001
	defaultTimeWindowHours   = 24
	defaultMinMatchScore     = 0.85
	defaultMLMinConfidence   = 0.90

	defaultWorkerPoolSize = 5
	defaultFeedTimeout    = 5 * time.Minute
	// defaultLateBookingTZ is the timezone in which the "booked after 16:00"
	// root-cause cutoff is evaluated. The cutoff hour is venue-local by
	// convention; US equities is the primary venue here.
	defaultLateBookingTZ = "America/New_York"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Matching    MatchingConfig    `yaml:"matching"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Feeds       FeedsConfig       `yaml:"feeds"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Storage     StorageConfig     `yaml:"storage"`
	// MLModelPath optionally points at a JSON weights file for the pluggable
	// match scorer. Empty disables the scorer.
	MLModelPath string `yaml:"ml_model_path"`
}

// EnvironmentConfig defines runtime environment settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// MatchingConfig defines the matching engine tolerances.
type MatchingConfig struct {
	PriceTolerancePercent  float64 `yaml:"price_tolerance_percent"`
	PriceToleranceAbsolute float64 `yaml:"price_tolerance_absolute"`
	QuantityTolerancePct   float64 `yaml:"quantity_tolerance_percent"`
	TimeWindowHours        float64 `yaml:"time_window_hours"`
	MinMatchScore          float64 `yaml:"min_match_score"`
	MLMinConfidence        float64 `yaml:"ml_min_confidence"`
}

// IngestionConfig defines ingestion concurrency and timeout settings.
type IngestionConfig struct {
	WorkerPoolSize int `yaml:"worker_pool_size"`
	// FeedTimeout bounds a single adapter fetch, e.g. "5m".
	FeedTimeout string `yaml:"feed_timeout"`
	// LateBookingTimezone is the IANA zone for the late-booking cutoff.
	LateBookingTimezone string `yaml:"late_booking_timezone"`
}

// FeedsConfig enumerates the configured trade feeds.
type FeedsConfig struct {
	Internal  InternalFeedConfig   `yaml:"internal"`
	Externals []ExternalFeedConfig `yaml:"externals"`
}

// InternalFeedConfig defines the internal trading system query feed.
type InternalFeedConfig struct {
	Driver string `yaml:"driver"` // e.g. postgres
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// ExternalFeedConfig defines one external counterparty feed.
type ExternalFeedConfig struct {
	Source string `yaml:"source"` // broker_a | broker_b | custodian
	Kind   string `yaml:"kind"`   // csv | tagvalue
	Path   string `yaml:"path"`
	// Delimiter separates tag=value pairs for tagvalue feeds; default "|".
	Delimiter string `yaml:"delimiter"`
	// ColumnMapping renames source CSV headers to canonical field names.
	ColumnMapping map[string]string `yaml:"column_mapping"`
}

// ResolverConfig defines auto-resolver inputs.
type ResolverConfig struct {
	// AliasTable maps counterparty names to known aliases; lookups are
	// symmetric and case-insensitive.
	AliasTable map[string]string `yaml:"alias_table"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory | postgres
	DSN     string `yaml:"dsn"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so DSNs can reference secrets
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Matching.PriceTolerancePercent == 0 {
		c.Matching.PriceTolerancePercent = defaultPriceTolerancePct
	}
	if c.Matching.PriceToleranceAbsolute == 0 {
		c.Matching.PriceToleranceAbsolute = defaultPriceToleranceAbs
	}
	if c.Matching.QuantityTolerancePct == 0 {
		c.Matching.QuantityTolerancePct = defaultQuantityTolPct
	}
	if c.Matching.TimeWindowHours == 0 {
		c.Matching.TimeWindowHours = defaultTimeWindowHours
	}
	if c.Matching.MinMatchScore == 0 {
		c.Matching.MinMatchScore = defaultMinMatchScore
	}
	if c.Matching.MLMinConfidence == 0 {
		c.Matching.MLMinConfidence = defaultMLMinConfidence
	}
	if c.Ingestion.WorkerPoolSize == 0 {
		c.Ingestion.WorkerPoolSize = defaultWorkerPoolSize
	}
	if c.Ingestion.LateBookingTimezone == "" {
		c.Ingestion.LateBookingTimezone = defaultLateBookingTZ
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	m := c.Matching
	if m.PriceTolerancePercent <= 0 || m.PriceTolerancePercent >= 1 {
		return fmt.Errorf("matching.price_tolerance_percent must be in (0, 1)")
	}
	if m.PriceToleranceAbsolute <= 0 {
		return fmt.Errorf("matching.price_tolerance_absolute must be > 0")
	}
	if m.QuantityTolerancePct <= 0 || m.QuantityTolerancePct >= 1 {
		return fmt.Errorf("matching.quantity_tolerance_percent must be in (0, 1)")
	}
	if m.TimeWindowHours <= 0 {
		return fmt.Errorf("matching.time_window_hours must be > 0")
	}
	if m.MinMatchScore <= 0 || m.MinMatchScore > 1 {
		return fmt.Errorf("matching.min_match_score must be in (0, 1]")
	}
	if m.MLMinConfidence <= 0 || m.MLMinConfidence > 1 {
		return fmt.Errorf("matching.ml_min_confidence must be in (0, 1]")
	}

	if c.Ingestion.WorkerPoolSize < 1 {
		return fmt.Errorf("ingestion.worker_pool_size must be >= 1")
	}
	if _, err := c.FeedTimeout(); err != nil {
		return fmt.Errorf("ingestion.feed_timeout: %w", err)
	}
	if _, err := c.LateBookingLocation(); err != nil {
		return fmt.Errorf("ingestion.late_booking_timezone: %w", err)
	}

	seen := make(map[string]bool)
	for i, f := range c.Feeds.Externals {
		if f.Source == "" {
			return fmt.Errorf("feeds.externals[%d].source is required", i)
		}
		if seen[f.Source] {
			return fmt.Errorf("feeds.externals[%d]: duplicate source %q", i, f.Source)
		}
		seen[f.Source] = true
		switch f.Kind {
		case "csv", "tagvalue":
		default:
			return fmt.Errorf("feeds.externals[%d].kind must be csv or tagvalue", i)
		}
		if f.Path == "" {
			return fmt.Errorf("feeds.externals[%d].path is required", i)
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres")
	}

	return nil
}

// FeedTimeout returns the per-feed ingestion timeout, defaulting to 5m.
func (c *Config) FeedTimeout() (time.Duration, error) {
	if c.Ingestion.FeedTimeout == "" {
		return defaultFeedTimeout, nil
	}
	d, err := time.ParseDuration(c.Ingestion.FeedTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", c.Ingestion.FeedTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %q", c.Ingestion.FeedTimeout)
	}
	return d, nil
}

// LateBookingLocation resolves the configured late-booking timezone.
func (c *Config) LateBookingLocation() (*time.Location, error) {
	return time.LoadLocation(c.Ingestion.LateBookingTimezone)
}
