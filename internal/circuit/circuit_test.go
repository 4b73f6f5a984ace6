package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szibis/logship/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTracker(cfg Config) (*Tracker, *fakeClock, *metrics.Memory) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := metrics.NewMemory()
	tr := New("test", cfg, m)
	tr.now = clock.Now
	return tr, clock, m
}

func TestOpensAfterThreshold(t *testing.T) {
	tr, _, m := newTracker(Config{FailureThreshold: 3, Cooldown: time.Second})

	for i := 0; i < 2; i++ {
		tr.RecordFailure()
		if tr.State() != Closed || !tr.Allow() {
			t.Fatalf("breaker must stay closed after %d failures", i+1)
		}
	}
	tr.RecordFailure()
	if tr.State() != Open {
		t.Fatalf("state = %s, want open", tr.State())
	}
	if tr.Allow() {
		t.Error("open breaker must not allow attempts")
	}
	if got := m.Counter(metrics.CircuitTransitions, "closed", "open"); got != 1 {
		t.Errorf("transitions{closed,open} = %v", got)
	}
	if got := m.Gauge(metrics.CircuitState); got != float64(Open) {
		t.Errorf("circuit_state = %v", got)
	}
	if tr.OpenSince().IsZero() {
		t.Error("OpenSince must be set while open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	tr, _, _ := newTracker(Config{FailureThreshold: 3})
	tr.RecordFailure()
	tr.RecordFailure()
	tr.RecordSuccess()
	tr.RecordFailure()
	tr.RecordFailure()
	if tr.State() != Closed {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
	if tr.ConsecutiveFailures() != 2 {
		t.Errorf("ConsecutiveFailures = %d", tr.ConsecutiveFailures())
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	tr, clock, m := newTracker(Config{FailureThreshold: 1, Cooldown: time.Second})
	tr.RecordFailure()

	clock.Advance(999 * time.Millisecond)
	if tr.Allow() {
		t.Fatal("attempt allowed before the cooldown elapsed")
	}
	clock.Advance(time.Millisecond)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Allow() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 {
		t.Fatalf("granted %d probes, want exactly 1", granted.Load())
	}
	if tr.State() != HalfOpen {
		t.Fatalf("state = %s", tr.State())
	}

	tr.RecordSuccess()
	if tr.State() != Closed || !tr.Allow() {
		t.Fatal("probe success must close the breaker")
	}
	if got := m.Counter(metrics.CircuitTransitions, "half_open", "closed"); got != 1 {
		t.Errorf("transitions{half_open,closed} = %v", got)
	}
}

func TestProbeFailureGrowsCooldown(t *testing.T) {
	tr, clock, _ := newTracker(Config{FailureThreshold: 1, Cooldown: time.Second, MaxCooldown: 3 * time.Second, Multiplier: 2})
	tr.RecordFailure()

	want := []time.Duration{2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		clock.Advance(tr.Cooldown())
		if !tr.Allow() {
			t.Fatalf("round %d: probe not granted", i)
		}
		tr.RecordFailure()
		if tr.State() != Open {
			t.Fatalf("round %d: state = %s", i, tr.State())
		}
		if tr.Cooldown() != w {
			t.Fatalf("round %d: cooldown = %v, want %v", i, tr.Cooldown(), w)
		}
		clock.Advance(w - time.Millisecond)
		if tr.Allow() {
			t.Fatalf("round %d: allowed before grown cooldown", i)
		}
		clock.Advance(time.Millisecond)
	}

	if !tr.Allow() {
		t.Fatal("probe not granted")
	}
	tr.RecordSuccess()
	if tr.Cooldown() != time.Second {
		t.Errorf("cooldown after recovery = %v, want reset to 1s", tr.Cooldown())
	}
}

func TestReleaseReturnsProbe(t *testing.T) {
	tr, clock, _ := newTracker(Config{FailureThreshold: 1, Cooldown: time.Second})
	tr.RecordFailure()
	clock.Advance(time.Second)

	if !tr.Allow() {
		t.Fatal("probe not granted")
	}
	if tr.Allow() {
		t.Fatal("second probe granted")
	}
	tr.Release()
	if !tr.Allow() {
		t.Fatal("probe must be grantable again after Release")
	}
}

func TestWaitBlocksUntilCooldown(t *testing.T) {
	tr := New("wait", Config{FailureThreshold: 1, Cooldown: 60 * time.Millisecond}, nil)
	tr.RecordFailure()

	start := time.Now()
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Wait returned after %v, before the cooldown", elapsed)
	}
	if tr.State() != HalfOpen {
		t.Errorf("state = %s, want half_open", tr.State())
	}
}

func TestWaitWakesWhenProbeResolves(t *testing.T) {
	tr, clock, _ := newTracker(Config{FailureThreshold: 1, Cooldown: time.Second})
	tr.RecordFailure()
	clock.Advance(time.Second)
	if !tr.Allow() {
		t.Fatal("probe not granted")
	}

	done := make(chan error, 1)
	go func() { done <- tr.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned while the probe is outstanding")
	case <-time.After(30 * time.Millisecond):
	}
	tr.RecordSuccess()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after the probe succeeded")
	}
}

func TestWaitContextCanceled(t *testing.T) {
	tr := New("cancel", Config{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	tr.RecordFailure()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want DeadlineExceeded", err)
	}
}

func TestDisabled(t *testing.T) {
	tr := New("off", Config{FailureThreshold: -1}, nil)
	for i := 0; i < 100; i++ {
		tr.RecordFailure()
	}
	if tr.State() != Closed || !tr.Allow() {
		t.Fatal("disabled breaker must always allow")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half_open", State(7): "unknown"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
