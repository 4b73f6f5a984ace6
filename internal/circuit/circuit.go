// Package circuit suspends delivery attempts after sustained failure and
// probes for recovery with a growing cooldown.
package circuit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/metrics"
)

// State is the breaker state.
type State int32

const (
	Closed   State = 0
	Open     State = 1
	HalfOpen State = 2
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Defaults applied to zero Config fields.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 5 * time.Second
	DefaultMaxCooldown      = 5 * time.Minute
	DefaultMultiplier       = 2.0
)

// Config controls when the breaker opens and for how long.
type Config struct {
	// FailureThreshold consecutive failures open the breaker. Negative
	// disables the breaker.
	FailureThreshold int
	// Cooldown is the first open period. Each failed probe multiplies it by
	// Multiplier, up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
	Multiplier  float64
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	return c
}

// Tracker is the breaker of one stream. State reads are lock free;
// transitions happen under mu.
type Tracker struct {
	name string
	cfg  Config
	rec  metrics.Recorder
	now  func() time.Time

	state atomic.Int32

	mu       sync.Mutex
	failures int
	cooldown time.Duration
	openedAt time.Time
	probing  bool
	// changed is closed and replaced on every transition and probe release.
	changed chan struct{}
}

// New creates a closed breaker. name is used in logs.
func New(name string, cfg Config, rec metrics.Recorder) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		name:     name,
		cfg:      cfg,
		rec:      metrics.OrNop(rec),
		now:      time.Now,
		cooldown: cfg.Cooldown,
		changed:  make(chan struct{}),
	}
	t.state.Store(int32(Closed))
	t.rec.SetGauge(metrics.CircuitState, float64(Closed))
	return t
}

// State returns the current state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// OpenSince returns when the breaker last opened, zero when closed.
func (t *Tracker) OpenSince() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() == Closed {
		return time.Time{}
	}
	return t.openedAt
}

// ConsecutiveFailures returns the current failure count.
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// Cooldown returns the cooldown applied to the current or next open period.
func (t *Tracker) Cooldown() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cooldown
}

// Allow reports whether an attempt may start now. When the cooldown has
// elapsed exactly one caller is granted the half-open probe; it must report
// the outcome with RecordSuccess, RecordFailure or Release.
func (t *Tracker) Allow() bool {
	ok, _ := t.allow()
	return ok
}

// allow also returns how long to wait before asking again; zero means wait
// for the next state change.
func (t *Tracker) allow() (bool, time.Duration) {
	if t.cfg.FailureThreshold < 0 || t.State() == Closed {
		return true, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case Closed:
		return true, 0
	case Open:
		remaining := t.cooldown - t.now().Sub(t.openedAt)
		if remaining > 0 {
			return false, remaining
		}
		t.transition(HalfOpen)
		t.probing = true
		return true, 0
	default:
		if !t.probing {
			t.probing = true
			return true, 0
		}
		return false, 0
	}
}

// Wait blocks until an attempt is allowed or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		changed := t.changed
		t.mu.Unlock()

		ok, wait := t.allow()
		if ok {
			return nil
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-timeout:
		case <-changed:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// RecordSuccess closes the breaker and resets the cooldown.
func (t *Tracker) RecordSuccess() {
	if t.cfg.FailureThreshold < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.probing = false
	t.cooldown = t.cfg.Cooldown
	if t.State() != Closed {
		t.transition(Closed)
	}
}

// RecordFailure counts a failed attempt. It opens the breaker after
// FailureThreshold consecutive failures, or immediately when the half-open
// probe failed, growing the cooldown.
func (t *Tracker) RecordFailure() {
	if t.cfg.FailureThreshold < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++

	switch t.State() {
	case Closed:
		if t.failures >= t.cfg.FailureThreshold {
			t.cooldown = t.cfg.Cooldown
			t.open()
		}
	case HalfOpen:
		next := time.Duration(float64(t.cooldown) * t.cfg.Multiplier)
		if next > t.cfg.MaxCooldown || next <= 0 {
			next = t.cfg.MaxCooldown
		}
		t.cooldown = next
		t.probing = false
		t.open()
	}
}

// Release gives back a granted probe without an outcome, for attempts that
// were abandoned before completing.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.probing {
		t.probing = false
		t.notify()
	}
}

// open must be called under mu.
func (t *Tracker) open() {
	t.openedAt = t.now()
	t.transition(Open)
}

// transition changes the state (must be called under mu).
func (t *Tracker) transition(to State) {
	from := t.State()
	if from == to {
		return
	}
	t.state.Store(int32(to))
	t.notify()

	t.rec.AddCounter(metrics.CircuitTransitions, 1, from.String(), to.String())
	t.rec.SetGauge(metrics.CircuitState, float64(to))

	fields := logging.F(
		"stream", t.name,
		"from", from.String(),
		"to", to.String(),
		"consecutive_failures", t.failures,
	)
	switch to {
	case Open:
		fields["cooldown"] = t.cooldown.String()
		logging.Warn("circuit breaker opened", fields)
	case HalfOpen:
		logging.Info("circuit breaker half-open, probing", fields)
	default:
		logging.Info("circuit breaker closed", fields)
	}
}

func (t *Tracker) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}
