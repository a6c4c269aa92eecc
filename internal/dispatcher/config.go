package dispatcher

import (
	"fmt"
	"time"
)

// Config defines the dispatcher's tick, retry and lease settings
type Config struct {
	// How often due entries are looked up
	TickInterval time.Duration `toml:"tick_interval" yaml:"tick_interval" env:"HERALD_DISPATCHER_TICK_INTERVAL"`

	// Retry backoff: BackoffBase doubled per attempt, capped at BackoffMax
	BackoffBase time.Duration `toml:"backoff_base" yaml:"backoff_base" env:"HERALD_DISPATCHER_BACKOFF_BASE"`
	BackoffMax  time.Duration `toml:"backoff_max" yaml:"backoff_max" env:"HERALD_DISPATCHER_BACKOFF_MAX"`

	// Attempts per occurrence before it is marked failed
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts" env:"HERALD_DISPATCHER_MAX_ATTEMPTS"`

	// How long a claim protects an entry from other dispatchers
	LeaseTimeout time.Duration `toml:"lease_timeout" yaml:"lease_timeout" env:"HERALD_DISPATCHER_LEASE_TIMEOUT"`

	// Deadline for a single publisher call. Must be shorter than LeaseTimeout
	PublishTimeout time.Duration `toml:"publish_timeout" yaml:"publish_timeout" env:"HERALD_DISPATCHER_PUBLISH_TIMEOUT"`

	// Publisher calls per second across the instance, 0 for unlimited
	PublishRatePerSec float64 `toml:"publish_rate_per_sec" yaml:"publish_rate_per_sec" env:"HERALD_DISPATCHER_PUBLISH_RATE"`
	PublishBurst      int     `toml:"publish_burst" yaml:"publish_burst" env:"HERALD_DISPATCHER_PUBLISH_BURST"`

	// Resolution writes retried after a version conflict
	MaxConflictRetries int `toml:"max_conflict_retries" yaml:"max_conflict_retries" env:"HERALD_DISPATCHER_MAX_CONFLICT_RETRIES"`

	// Consecutive persistence failures before operators are alerted
	PersistenceAlertThreshold int `toml:"persistence_alert_threshold" yaml:"persistence_alert_threshold" env:"HERALD_DISPATCHER_PERSISTENCE_ALERT_THRESHOLD"`

	// Lease owner name. Defaults to a random UUID
	InstanceID string `toml:"instance_id" yaml:"instance_id" env:"HERALD_DISPATCHER_INSTANCE_ID"`
}

// DefaultConfig returns the dispatcher defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:              10 * time.Second,
		BackoffBase:               30 * time.Second,
		BackoffMax:                30 * time.Minute,
		MaxAttempts:               5,
		LeaseTimeout:              2 * time.Minute,
		PublishTimeout:            30 * time.Second,
		PublishRatePerSec:         0,
		PublishBurst:              1,
		MaxConflictRetries:        3,
		PersistenceAlertThreshold: 3,
	}
}

// Validate returns an error describing the first invalid setting
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive, got %v", c.TickInterval)
	}

	if c.BackoffBase <= 0 {
		return fmt.Errorf("BackoffBase must be positive, got %v", c.BackoffBase)
	}

	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BackoffMax (%v) must not be less than BackoffBase (%v)", c.BackoffMax, c.BackoffBase)
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", c.MaxAttempts)
	}

	if c.PublishTimeout <= 0 {
		return fmt.Errorf("PublishTimeout must be positive, got %v", c.PublishTimeout)
	}

	if c.LeaseTimeout <= c.PublishTimeout {
		return fmt.Errorf("LeaseTimeout (%v) must be greater than PublishTimeout (%v)", c.LeaseTimeout, c.PublishTimeout)
	}

	if c.PublishRatePerSec < 0 {
		return fmt.Errorf("PublishRatePerSec must not be negative, got %v", c.PublishRatePerSec)
	}

	if c.PublishRatePerSec > 0 && c.PublishBurst <= 0 {
		return fmt.Errorf("PublishBurst must be positive when a rate is set, got %d", c.PublishBurst)
	}

	if c.MaxConflictRetries < 1 {
		return fmt.Errorf("MaxConflictRetries must be at least 1, got %d", c.MaxConflictRetries)
	}

	if c.PersistenceAlertThreshold <= 0 {
		return fmt.Errorf("PersistenceAlertThreshold must be positive, got %d", c.PersistenceAlertThreshold)
	}

	return nil
}

// Backoff returns the delay after the n-th failed attempt:
// BackoffBase * 2^(n-1), capped at BackoffMax.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		if d >= c.BackoffMax/2 {
			return c.BackoffMax
		}
		d *= 2
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}
