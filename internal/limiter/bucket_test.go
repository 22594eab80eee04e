package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenBucket_RejectsInvalidConfig(t *testing.T) {
	_, err := NewTokenBucket(0, 10)
	assert.Error(t, err)

	_, err = NewTokenBucket(-5, 10)
	assert.Error(t, err)

	_, err = NewTokenBucket(10, 0)
	assert.Error(t, err)

	_, err = NewTokenBucket(10, -1)
	assert.Error(t, err)
}

func TestTokenBucket_StartsFull(t *testing.T) {
	b, err := NewTokenBucket(1, 10)
	require.NoError(t, err)

	// The initial burst allows capacity tokens without waiting.
	for i := 0; i < 10; i++ {
		assert.True(t, b.TryAcquire(1), "token %d should be granted from the initial burst", i)
	}
	assert.False(t, b.TryAcquire(1), "burst exhausted, refill at 1/s cannot cover an immediate 11th token")
}

func TestTokenBucket_AcquireBlocksUntilRefill(t *testing.T) {
	b, err := NewTokenBucket(100, 1)
	require.NoError(t, err)
	require.True(t, b.TryAcquire(1))

	start := time.Now()
	granted := b.Acquire(context.Background(), 1)
	elapsed := time.Since(start)

	assert.True(t, granted)
	// One token at 100/s refills in 10ms; the wait must be real, not a spin.
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}

func TestTokenBucket_AcquireTimesOut(t *testing.T) {
	b, err := NewTokenBucket(0.5, 1)
	require.NoError(t, err)
	require.True(t, b.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	granted := b.Acquire(ctx, 1)
	elapsed := time.Since(start)

	assert.False(t, granted, "deadline elapses long before the 2s refill")
	assert.Less(t, elapsed, time.Second)
}

func TestTokenBucket_StopWakesWaiters(t *testing.T) {
	b, err := NewTokenBucket(0.1, 1)
	require.NoError(t, err)
	require.True(t, b.TryAcquire(1))

	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- b.Acquire(context.Background(), 1)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	b.Stop()

	for i := 0; i < 3; i++ {
		select {
		case granted := <-results:
			assert.False(t, granted, "stopped bucket must fail pending waiters")
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not wake after Stop")
		}
	}

	assert.True(t, b.Stopped())
	assert.False(t, b.Acquire(context.Background(), 1), "acquire after stop fails immediately")
}

func TestTokenBucket_AggregateRateConvergence(t *testing.T) {
	const (
		rate    = 500.0
		burst   = 50.0
		workers = 4
	)
	b, err := NewTokenBucket(rate, burst)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var granted atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b.Acquire(ctx, 1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()

	total := granted.Load()
	// Hard invariant: grants can never exceed the burst plus refill for the
	// observed window.
	maxGrants := int64(burst + rate*elapsed + 1)
	assert.LessOrEqual(t, total, maxGrants)
	// Generous lower bound; the achieved rate converges far closer than this
	// on an idle machine but CI schedulers add noise.
	assert.Greater(t, total, int64(rate*elapsed/2),
		"achieved rate collapsed: %d grants in %.2fs at configured %g/s", total, elapsed, rate)
}

func TestTokenBucket_NoOversubscriptionUnderContention(t *testing.T) {
	const (
		rate    = 1000.0
		burst   = 100.0
		workers = 20
	)
	b, err := NewTokenBucket(rate, burst)
	require.NoError(t, err)

	var consumed atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})
	start := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if b.TryAcquire(1) {
					consumed.Add(1)
				}
			}
		}()
	}

	time.Sleep(300 * time.Millisecond)
	close(stop)
	wg.Wait()
	elapsed := time.Since(start).Seconds()

	limit := int64(burst + rate*elapsed + 1)
	assert.LessOrEqual(t, consumed.Load(), limit,
		"consumed %d tokens, limit for %.2fs window is %d", consumed.Load(), elapsed, limit)
}

func TestTokenBucket_TokensCappedAtCapacity(t *testing.T) {
	b, err := NewTokenBucket(1000, 5)
	require.NoError(t, err)

	// Far more than 5 tokens worth of refill accumulates while idle.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, b.Tokens(), 5.0)
	assert.Equal(t, 5.0, b.Capacity())
	assert.Equal(t, 1000.0, b.Rate())
}

func TestTokenBucket_ZeroTokenRequest(t *testing.T) {
	b, err := NewTokenBucket(1, 1)
	require.NoError(t, err)

	assert.True(t, b.Acquire(context.Background(), 0))
	assert.True(t, b.TryAcquire(0))
}
