package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines reconnecting socket session defaults.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
	Backoff          BackoffConfig
	// InteractiveThreshold is the outstanding-call count at or above which
	// interactive calls are coalesced instead of sent.
	InteractiveThreshold int
	// FailPendingOnClose fails outstanding calls with a transport-closed
	// error whenever the channel closes. Off by default: calls survive
	// reconnects and shutdown unanswered.
	FailPendingOnClose bool
}

// DefaultConfig returns the session defaults: 1s reopen floor doubling to a
// 5s cap, interactive threshold 3.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		MaxMessageBytes:  32 * 1024 * 1024,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       false,
		},
		InteractiveThreshold: 3,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.InteractiveThreshold <= 0 {
		c.InteractiveThreshold = def.InteractiveThreshold
	}
	return c
}

func (c Config) Validate() error {
	if c.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("%w: backoff initial delay must be positive", ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("%w: backoff max delay %v below initial delay %v", ErrInvalidConfig, c.Backoff.MaxDelay, c.Backoff.InitialDelay)
	}
	if c.Backoff.Multiplier < 1.0 {
		return fmt.Errorf("%w: backoff multiplier %v below 1", ErrInvalidConfig, c.Backoff.Multiplier)
	}
	if c.InteractiveThreshold <= 0 {
		return fmt.Errorf("%w: interactive threshold must be positive", ErrInvalidConfig)
	}
	return nil
}
