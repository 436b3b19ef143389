package duplication

import (
	"time"

	"github.com/dd0wney/cluso-replication/pkg/validation"
)

// Config tunes one duplication pipeline.
type Config struct {
	// BatchSize is the maximum number of mutations loaded per pipeline pass.
	BatchSize int `yaml:"batch_size"`

	// MaxInFlight bounds the number of shipped-but-unacknowledged batches.
	// The pipeline blocks at the ship stage when the window is full, so
	// LastDecree can never run ahead of what the remote is absorbing.
	MaxInFlight int `yaml:"max_in_flight"`

	// ShipTimeout bounds a single ship RPC.
	ShipTimeout time.Duration `yaml:"ship_timeout"`

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff applied
	// to transient ship failures.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// IdleDelay is how long the pipeline sleeps when nothing new is
	// committed locally.
	IdleDelay time.Duration `yaml:"idle_delay"`

	// MetricsInterval is the period of the observability timer that
	// recomputes pending-duplication and confirmed-decree-delta gauges.
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       128,
		MaxInFlight:     4,
		ShipTimeout:     10 * time.Second,
		RetryBaseDelay:  100 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		IdleDelay:       50 * time.Millisecond,
		MetricsInterval: 10 * time.Second,
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	c.BatchSize = validation.DefaultOrInt(c.BatchSize, def.BatchSize)
	c.MaxInFlight = validation.DefaultOrInt(c.MaxInFlight, def.MaxInFlight)
	c.ShipTimeout = validation.DefaultOrDuration(c.ShipTimeout, def.ShipTimeout)
	c.RetryBaseDelay = validation.DefaultOrDuration(c.RetryBaseDelay, def.RetryBaseDelay)
	c.RetryMaxDelay = validation.DefaultOrDuration(c.RetryMaxDelay, def.RetryMaxDelay)
	c.IdleDelay = validation.DefaultOrDuration(c.IdleDelay, def.IdleDelay)
	c.MetricsInterval = validation.DefaultOrDuration(c.MetricsInterval, def.MetricsInterval)
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	return validation.NewConfigValidator("duplication").
		Positive("batch_size", c.BatchSize).
		Positive("max_in_flight", c.MaxInFlight).
		MinDuration("ship_timeout", c.ShipTimeout, time.Millisecond).
		MinDuration("retry_base_delay", c.RetryBaseDelay, time.Millisecond).
		MinDuration("retry_max_delay", c.RetryMaxDelay, c.RetryBaseDelay).
		MinDuration("metrics_interval", c.MetricsInterval, time.Second).
		Validate()
}
