package pool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/duplexrpc/internal/protocol/codec"
)

var ErrInvalidConfig = errors.New("pool: invalid config")

// Config is the spawn configuration for a worker pool. Only Workers changes
// dispatch behavior; the rest is handed to the Spawner and the logs.
type Config struct {
	Name         string
	Command      string
	Args         []string
	Env          []string
	Dir          string
	Workers      int
	Verbosity    int
	MaxLineBytes int
}

func DefaultConfig() Config {
	return Config{
		Name:         "worker",
		Workers:      1,
		Verbosity:    1,
		MaxLineBytes: codec.DefaultMaxLineBytes,
	}
}

// WithDefaults fills zero fields from DefaultConfig. The diagnostic name
// falls back to the command.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = strings.TrimSpace(c.Command)
		if c.Name == "" {
			c.Name = def.Name
		}
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = def.MaxLineBytes
	}
	return c
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.MaxLineBytes <= 0 {
		return fmt.Errorf("%w: max line bytes must be positive", ErrInvalidConfig)
	}
	return nil
}
