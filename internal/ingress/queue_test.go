package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/szibis/logship/internal/metrics"
	"github.com/szibis/logship/internal/record"
)

// rec builds a record whose accounted size is exactly size bytes.
func rec(origin string, size int) record.Record {
	n := size - len(origin) - record.Overhead
	if n < 0 {
		n = 0
	}
	return record.Record{Origin: origin, Payload: make([]byte, n)}
}

func TestQueue_FIFO(t *testing.T) {
	q := New(Config{CapacityBytes: 1 << 20}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := q.Enqueue(ctx, rec(fmt.Sprintf("o%d", i), 100)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if q.Len() != 10 || q.Bytes() != 1000 {
		t.Fatalf("Len/Bytes = %d/%d, want 10/1000", q.Len(), q.Bytes())
	}
	for i := 0; i < 10; i++ {
		r, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if want := fmt.Sprintf("o%d", i); r.Origin != want {
			t.Errorf("Dequeue order: got %s, want %s", r.Origin, want)
		}
	}
	if q.Bytes() != 0 {
		t.Errorf("Bytes after drain = %d, want 0", q.Bytes())
	}
}

func TestQueue_RejectPolicy(t *testing.T) {
	m := metrics.NewMemory()
	q := New(Config{CapacityBytes: 250, FullPolicy: Reject}, m)
	ctx := context.Background()

	if err := q.Enqueue(ctx, rec("a", 100)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, rec("b", 100)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, rec("c", 100)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Bytes() > q.Capacity() {
		t.Errorf("queue exceeded capacity: %d > %d", q.Bytes(), q.Capacity())
	}
	if m.Counter(metrics.QueueRejected, "full") != 1 {
		t.Errorf("expected one full rejection, got %v", m.Counter(metrics.QueueRejected, "full"))
	}
	if m.Gauge(metrics.QueueBytes) != 200 || m.Gauge(metrics.QueueDepth) != 2 {
		t.Errorf("gauges = %v bytes / %v depth", m.Gauge(metrics.QueueBytes), m.Gauge(metrics.QueueDepth))
	}
}

func TestQueue_BlockUntilSpaceFreed(t *testing.T) {
	q := New(Config{CapacityBytes: 200}, nil)
	ctx := context.Background()

	_ = q.Enqueue(ctx, rec("a", 100))
	_ = q.Enqueue(ctx, rec("b", 100))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, rec("c", 100)) }()

	select {
	case err := <-done:
		t.Fatalf("Enqueue should block while full, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := q.TryDequeue(); !ok {
		t.Fatal("TryDequeue failed")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Enqueue returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not unblock after space was freed")
	}
	if q.Bytes() != 200 {
		t.Errorf("Bytes = %d, want 200", q.Bytes())
	}
}

func TestQueue_BlockTimeout(t *testing.T) {
	q := New(Config{CapacityBytes: 100, BlockTimeout: 30 * time.Millisecond}, nil)
	_ = q.Enqueue(context.Background(), rec("a", 100))

	start := time.Now()
	err := q.Enqueue(context.Background(), rec("b", 100))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull after timeout, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Enqueue returned before the block timeout")
	}
}

func TestQueue_BlockContextCancel(t *testing.T) {
	q := New(Config{CapacityBytes: 100}, nil)
	_ = q.Enqueue(context.Background(), rec("a", 100))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, rec("b", 100)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestQueue_OversizedRecordAdmittedWhenEmpty(t *testing.T) {
	q := New(Config{CapacityBytes: 100, FullPolicy: Reject}, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, rec("big", 500)); err != nil {
		t.Fatalf("oversized record must be admitted into an empty queue: %v", err)
	}
	if err := q.Enqueue(ctx, rec("small", 20)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull while oversized record is queued, got %v", err)
	}
	q.TryDequeue()
	if err := q.Enqueue(ctx, rec("small", 20)); err != nil {
		t.Fatalf("Enqueue after drain failed: %v", err)
	}
}

func TestQueue_CloseWakesProducersAndDrains(t *testing.T) {
	q := New(Config{CapacityBytes: 100}, nil)
	ctx := context.Background()
	_ = q.Enqueue(ctx, rec("a", 100))

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(ctx, rec("b", 100)) }()
	time.Sleep(20 * time.Millisecond)

	q.Close()
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("expected ErrShutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked producer")
	}

	if err := q.Enqueue(ctx, rec("c", 1)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after close, got %v", err)
	}
	if r, err := q.Dequeue(ctx); err != nil || r.Origin != "a" {
		t.Fatalf("queued record must survive close: %v %v", r.Origin, err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueue_DequeueWaitsForProducer(t *testing.T) {
	q := New(Config{}, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(context.Background(), rec("late", 50))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := q.Dequeue(ctx)
	if err != nil || r.Origin != "late" {
		t.Fatalf("Dequeue = %v, %v", r.Origin, err)
	}
}

func TestQueue_ConcurrentProducersNeverExceedCapacity(t *testing.T) {
	const (
		producers = 8
		perProd   = 500
		capacity  = 2000
	)
	q := New(Config{CapacityBytes: capacity}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				if err := q.Enqueue(ctx, rec(fmt.Sprintf("p%d", p), 100)); err != nil {
					t.Errorf("Enqueue failed: %v", err)
					return
				}
			}
		}(p)
	}

	received := 0
	for received < producers*perProd {
		if b := q.Bytes(); b > capacity {
			t.Fatalf("queue exceeded capacity: %d", b)
		}
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		received++
	}
	wg.Wait()
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestParseFullPolicy(t *testing.T) {
	if p, err := ParseFullPolicy(""); err != nil || p != Block {
		t.Errorf("default policy = %v, %v", p, err)
	}
	if p, err := ParseFullPolicy("REJECT"); err != nil || p != Reject {
		t.Errorf("reject policy = %v, %v", p, err)
	}
	if _, err := ParseFullPolicy("drop"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
