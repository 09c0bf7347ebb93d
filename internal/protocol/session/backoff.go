package session

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return jitter(cfg, cfg.InitialDelay, rng)
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return jitter(cfg, time.Duration(delay), rng)
}

func jitter(cfg BackoffConfig, d time.Duration, rng *rand.Rand) time.Duration {
	if !cfg.Jitter {
		return d
	}
	f := 0.5
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(float64(d) * f)
}

// Backoff tracks the reopen delay across consecutive failed episodes. Each
// Next returns the current delay and advances toward MaxDelay; Reset returns
// to InitialDelay after a successful open.
type Backoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	mu      sync.Mutex
	attempt int
}

func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	return &Backoff{cfg: cfg, rng: rng}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt++
	return NextBackoffDelay(b.cfg, b.attempt, b.rng)
}

// Current returns the delay the next failure would use, without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg := b.cfg
	cfg.Jitter = false
	return NextBackoffDelay(cfg, b.attempt+1, nil)
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
