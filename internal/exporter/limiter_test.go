package exporter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewConcurrencyLimiter(t *testing.T) {
	if l := NewConcurrencyLimiter(3); l.Limit() != 3 {
		t.Errorf("expected limit 3, got %d", l.Limit())
	}
	for _, n := range []int{0, -5} {
		if l := NewConcurrencyLimiter(n); l.Limit() != 1 {
			t.Errorf("NewConcurrencyLimiter(%d).Limit() = %d, want 1", n, l.Limit())
		}
	}
}

func TestConcurrencyLimiter_TryAcquire(t *testing.T) {
	l := NewConcurrencyLimiter(1)
	if !l.TryAcquire() {
		t.Fatal("first TryAcquire must succeed")
	}
	if l.TryAcquire() {
		t.Fatal("second TryAcquire must fail while the slot is held")
	}
	if l.InUse() != 1 {
		t.Errorf("InUse = %d", l.InUse())
	}
	l.Release()
	if !l.TryAcquire() {
		t.Fatal("TryAcquire must succeed after Release")
	}
	l.Release()
}

func TestConcurrencyLimiter_AcquireContext(t *testing.T) {
	l := NewConcurrencyLimiter(1)
	l.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.AcquireContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Release()
	}()
	if err := l.AcquireContext(context.Background()); err != nil {
		t.Fatalf("AcquireContext failed: %v", err)
	}
	l.Release()
}

func TestConcurrencyLimiter_NeverExceedsLimit(t *testing.T) {
	l := NewConcurrencyLimiter(2)
	var current, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.AcquireContext(context.Background()); err != nil {
				return
			}
			defer l.Release()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak.Load())
	}
}
