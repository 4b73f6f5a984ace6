package exporter

import (
	"context"
)

// ConcurrencyLimiter is a channel semaphore bounding concurrent requests.
// The exporter uses a limit of one to keep a single request in flight.
type ConcurrencyLimiter struct {
	sem chan struct{}
}

// NewConcurrencyLimiter creates a limiter. A limit <= 0 means 1.
func NewConcurrencyLimiter(limit int) *ConcurrencyLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &ConcurrencyLimiter{
		sem: make(chan struct{}, limit),
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (l *ConcurrencyLimiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// AcquireContext blocks until a slot is available or ctx is done.
func (l *ConcurrencyLimiter) AcquireContext(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Must follow a successful acquire.
func (l *ConcurrencyLimiter) Release() {
	<-l.sem
}

// InUse returns the number of slots currently held (a snapshot).
func (l *ConcurrencyLimiter) InUse() int {
	return len(l.sem)
}

// Limit returns the maximum number of concurrent holders.
func (l *ConcurrencyLimiter) Limit() int {
	return cap(l.sem)
}
