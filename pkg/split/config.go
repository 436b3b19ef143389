package split

import (
	"time"

	"github.com/dd0wney/cluso-replication/pkg/validation"
)

// Config tunes the split protocol's batching and retry cadence.
type Config struct {
	// CatchUpBatch is the number of mutations a child absorbs per catch-up
	// read.
	CatchUpBatch int `yaml:"catch_up_batch"`

	// NotifyRetryDelay paces the child's catch-up notifications while the
	// sync point is still uncommitted.
	NotifyRetryDelay time.Duration `yaml:"notify_retry_delay"`

	// RegisterRetryDelay and RegisterMaxDelay bound the backoff applied to
	// coordinator registration failures.
	RegisterRetryDelay time.Duration `yaml:"register_retry_delay"`
	RegisterMaxDelay   time.Duration `yaml:"register_max_delay"`

	// RPCTimeout bounds one notify or register round trip.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CatchUpBatch:       128,
		NotifyRetryDelay:   100 * time.Millisecond,
		RegisterRetryDelay: 100 * time.Millisecond,
		RegisterMaxDelay:   10 * time.Second,
		RPCTimeout:         10 * time.Second,
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	c.CatchUpBatch = validation.DefaultOrInt(c.CatchUpBatch, def.CatchUpBatch)
	c.NotifyRetryDelay = validation.DefaultOrDuration(c.NotifyRetryDelay, def.NotifyRetryDelay)
	c.RegisterRetryDelay = validation.DefaultOrDuration(c.RegisterRetryDelay, def.RegisterRetryDelay)
	c.RegisterMaxDelay = validation.DefaultOrDuration(c.RegisterMaxDelay, def.RegisterMaxDelay)
	c.RPCTimeout = validation.DefaultOrDuration(c.RPCTimeout, def.RPCTimeout)
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	return validation.NewConfigValidator("split").
		Positive("catch_up_batch", c.CatchUpBatch).
		MinDuration("notify_retry_delay", c.NotifyRetryDelay, time.Millisecond).
		MinDuration("register_retry_delay", c.RegisterRetryDelay, time.Millisecond).
		MinDuration("register_max_delay", c.RegisterMaxDelay, c.RegisterRetryDelay).
		MinDuration("rpc_timeout", c.RPCTimeout, time.Millisecond).
		Validate()
}
