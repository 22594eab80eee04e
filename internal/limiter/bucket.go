package limiter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket shared by all workload workers.
// Tokens refill continuously at a fixed rate up to a burst capacity; refill is
// computed lazily on each acquisition attempt from the elapsed monotonic time.
// A single shared bucket is used instead of per-worker partitions so that slow
// workers do not strand their share of the rate.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	capacity float64 // burst ceiling
	tokens   float64
	last     time.Time
	stopped  bool
	stopCh   chan struct{}
}

// NewTokenBucket creates a bucket that refills at ratePerSecond up to burst
// tokens. The bucket starts full so an initial burst up to capacity is
// allowed. Rate and burst must both be positive.
func NewTokenBucket(ratePerSecond, burst float64) (*TokenBucket, error) {
	if ratePerSecond <= 0 {
		return nil, fmt.Errorf("token bucket rate must be positive, got %g", ratePerSecond)
	}
	if burst <= 0 {
		return nil, fmt.Errorf("token bucket burst must be positive, got %g", burst)
	}
	return &TokenBucket{
		rate:     ratePerSecond,
		capacity: burst,
		tokens:   burst,
		last:     time.Now(),
		stopCh:   make(chan struct{}),
	}, nil
}

// Acquire blocks until n tokens are available and consumes them, returning
// true. It returns false when the context is cancelled or its deadline
// expires before the grant, or when the bucket is stopped. Waiters sleep for
// the computed refill time and re-check on wake, since concurrent acquirers
// may have consumed the refilled tokens first.
func (b *TokenBucket) Acquire(ctx context.Context, n float64) bool {
	if n <= 0 {
		return true
	}
	for {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return false
		}
		b.refillLocked()
		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return true
		}
		wait := time.Duration((n - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-b.stopCh:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

// TryAcquire consumes n tokens if they are immediately available, without
// blocking.
func (b *TokenBucket) TryAcquire(n float64) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.refillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// refillLocked applies the lazy refill. Callers must hold b.mu.
func (b *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
}

// Stop wakes all waiters; pending and future Acquire calls return false.
func (b *TokenBucket) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.stopped = true
		close(b.stopCh)
	}
}

// Stopped reports whether Stop has been called.
func (b *TokenBucket) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Rate returns the configured refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 {
	return b.rate
}

// Capacity returns the configured burst ceiling.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

// Tokens returns the current token balance after applying the lazy refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}
