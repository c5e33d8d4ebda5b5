package hooks

import (
	"fmt"
	"time"
)

// Config controls hook scheduling and time bounds.
type Config struct {
	// PollInterval is how often running input hooks are polled.
	PollInterval time.Duration

	// OutputTimeout bounds each output hook Send.
	OutputTimeout time.Duration

	// StartTimeout bounds Start and Stop.
	StartTimeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:  2 * time.Second,
		OutputTimeout: 5 * time.Second,
		StartTimeout:  10 * time.Second,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.OutputTimeout <= 0 {
		return fmt.Errorf("output timeout must be positive, got %s", c.OutputTimeout)
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("start timeout must be positive, got %s", c.StartTimeout)
	}
	return nil
}
