// Package retry decides what happens after each delivery attempt of a batch.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/szibis/logship/internal/metrics"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = 0.5
)

// Config controls the retry budget and backoff.
type Config struct {
	// MaxAttempts is the total number of attempts per batch, first included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the uniform random spread as a fraction of the delay:
	// 0.5 means ±50%. Zero selects the default, negative disables jitter.
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	switch {
	case c.Jitter == 0:
		c.Jitter = DefaultJitter
	case c.Jitter < 0:
		c.Jitter = 0
	case c.Jitter > 1:
		c.Jitter = 1
	}
	return c
}

// Policy computes backoff delays and creates per-batch trackers. It is safe
// for concurrent use.
type Policy struct {
	cfg  Config
	rec  metrics.Recorder
	rand func() float64
	now  func() time.Time
}

// NewPolicy creates a policy.
func NewPolicy(cfg Config, rec metrics.Recorder) *Policy {
	return &Policy{
		cfg:  cfg.withDefaults(),
		rec:  metrics.OrNop(rec),
		rand: rand.Float64,
		now:  time.Now,
	}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Backoff returns BaseDelay·2^(attempt-1) capped at MaxDelay, without jitter.
// It is non-decreasing in attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Pow(2, float64(attempt-1))
	d := float64(p.cfg.BaseDelay) * exp
	if d >= float64(p.cfg.MaxDelay) || math.IsInf(d, 0) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns the jittered backoff for attempt, capped at MaxDelay. A
// larger server supplied retryAfter wins.
func (p *Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	d := p.Backoff(attempt)
	if p.cfg.Jitter > 0 {
		spread := float64(d) * p.cfg.Jitter * (2*p.rand() - 1)
		d += time.Duration(spread)
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	if d <= 0 {
		d = time.Millisecond
	}
	if retryAfter > d {
		return retryAfter
	}
	return d
}
