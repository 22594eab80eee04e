package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cluster-load-driver/cld/internal/events"
	"github.com/cluster-load-driver/cld/internal/limiter"
	"github.com/cluster-load-driver/cld/internal/storage"
	"github.com/cluster-load-driver/cld/internal/workload"
)

// recordingSink captures published events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *recordingSink) Publish(ctx context.Context, event *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) PublishAsync(ctx context.Context, event *events.Event) error {
	return s.Publish(ctx, event)
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) byType(eventType events.EventType) []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*events.Event
	for _, event := range s.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// slowStore delays reads to keep workers busy across the drain deadline.
type slowStore struct {
	*storage.MemoryStore
	delay time.Duration
}

func (s *slowStore) FindOne(ctx context.Context, key workload.DocumentKey) (bool, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.FindOne(ctx, key)
}

func testBucket(t *testing.T, ratePerSecond, burst float64) *limiter.TokenBucket {
	t.Helper()
	bucket, err := limiter.NewTokenBucket(ratePerSecond, burst)
	require.NoError(t, err)
	return bucket
}

func testSelector(t *testing.T, spec string) *workload.Selector {
	t.Helper()
	mix, err := workload.ParseMix(spec)
	require.NoError(t, err)
	selector, err := workload.NewSelector(mix)
	require.NoError(t, err)
	return selector
}

func testRouter(t *testing.T) *workload.KeyRouter {
	t.Helper()
	router, err := workload.NewKeyRouter(workload.TopologyReplicaSet)
	require.NoError(t, err)
	return router
}

func testEngineConfig(t *testing.T, store storage.Store) Config {
	t.Helper()
	return Config{
		Workers:        4,
		AcquireTimeout: 100 * time.Millisecond,
		ErrorBackoff:   time.Millisecond,
		ShutdownGrace:  5 * time.Second,
		Bucket:         testBucket(t, 5000, 5000),
		Selector:       testSelector(t, "find=70,insert=20,update=10"),
		Router:         testRouter(t),
		Store:          store,
		Logger:         zaptest.NewLogger(t),
	}
}

// runFor starts the engine, lets it run for the given duration, stops it, and
// returns Run's error.
func runFor(t *testing.T, e *Engine, d time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	time.Sleep(d)
	e.Stop()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func TestNewEngine_RequiresCoreComponents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing bucket", func(c *Config) { c.Bucket = nil }},
		{"missing selector", func(c *Config) { c.Selector = nil }},
		{"missing router", func(c *Config) { c.Router = nil }},
		{"missing store", func(c *Config) { c.Store = nil }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"negative dataset size", func(c *Config) { c.DatasetSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testEngineConfig(t, storage.NewMemoryStore())
			tt.mutate(&config)
			_, err := NewEngine(config)
			assert.Error(t, err)
		})
	}
}

func TestNewEngine_AppliesDefaults(t *testing.T) {
	config := Config{
		Workers:  2,
		Bucket:   testBucket(t, 100, 100),
		Selector: testSelector(t, "find=100"),
		Router:   testRouter(t),
		Store:    storage.NewMemoryStore(),
	}

	e, err := NewEngine(config)
	require.NoError(t, err)

	assert.Equal(t, time.Second, e.acquireTimeout)
	assert.Equal(t, 10*time.Second, e.shutdownGrace)
	assert.Equal(t, 10*time.Second, e.progressInterval)
	assert.NotNil(t, e.sink)
	assert.NotNil(t, e.metrics)
	assert.NotNil(t, e.tracer)
	assert.NotNil(t, e.logger)
}

func TestEngine_RunProcessesOperations(t *testing.T) {
	store := storage.NewMemoryStore()
	e, err := NewEngine(testEngineConfig(t, store))
	require.NoError(t, err)

	require.NoError(t, runFor(t, e, 300*time.Millisecond))

	snap := e.Snapshot()
	assert.Greater(t, snap.Operations, int64(0))
	assert.Greater(t, snap.TotalSuccesses, int64(0))
	assert.Zero(t, snap.TotalFailures)
	assert.Zero(t, snap.ErrorRate)
	assert.Zero(t, snap.AbandonedWorkers)
}

func TestEngine_InsertsUseUniqueSequences(t *testing.T) {
	store := storage.NewMemoryStore()
	config := testEngineConfig(t, store)
	config.Selector = testSelector(t, "insert=100")

	e, err := NewEngine(config)
	require.NoError(t, err)

	require.NoError(t, runFor(t, e, 200*time.Millisecond))

	snap := e.Snapshot()
	require.Greater(t, snap.Successes["insert"], int64(0))

	// Every insert landed on a fresh document id.
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Successes["insert"], count)
}

func TestEngine_UpdatesStayWithinDataset(t *testing.T) {
	store := storage.NewMemoryStore()
	router := testRouter(t)

	// Seed the dataset the engine will draw from.
	const seeded = 50
	ctx := context.Background()
	docs := make([]*workload.Document, 0, seeded)
	for seq := int64(0); seq < seeded; seq++ {
		docs = append(docs, &workload.Document{Key: router.BuildKey(seq)})
	}
	require.NoError(t, store.InsertBatch(ctx, docs))

	config := testEngineConfig(t, store)
	config.Selector = testSelector(t, "update=100")
	config.Router = router
	config.DatasetSize = seeded

	e, err := NewEngine(config)
	require.NoError(t, err)

	require.NoError(t, runFor(t, e, 200*time.Millisecond))

	snap := e.Snapshot()
	assert.Greater(t, snap.Successes["update"], int64(0))

	// Updates target existing sequences only, so the dataset never grows.
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(seeded), count)
}

func TestEngine_OperationErrorsDoNotStopPool(t *testing.T) {
	store := storage.NewMemoryStore()
	store.FailWith("find", assert.AnError)
	sink := &recordingSink{}

	config := testEngineConfig(t, store)
	config.Selector = testSelector(t, "find=100")
	config.Sink = sink

	e, err := NewEngine(config)
	require.NoError(t, err)

	require.NoError(t, runFor(t, e, 200*time.Millisecond))

	snap := e.Snapshot()
	assert.Greater(t, snap.TotalFailures, int64(1), "pool must keep dispatching after failures")
	assert.Zero(t, snap.TotalSuccesses)
	assert.InDelta(t, 1.0, snap.ErrorRate, 0.001)

	failed := sink.byType(events.EventTypeOperationFailed)
	require.NotEmpty(t, failed)
	assert.Equal(t, "find", failed[0].Data["kind"])
	assert.NotEmpty(t, failed[0].Subject)
}

func TestEngine_RateWaitsAreRetriedNotCounted(t *testing.T) {
	store := storage.NewMemoryStore()
	config := testEngineConfig(t, store)
	// One token up front, then a trickle no worker will see in this window.
	config.Bucket = testBucket(t, 1, 1)
	config.AcquireTimeout = 20 * time.Millisecond

	e, err := NewEngine(config)
	require.NoError(t, err)

	require.NoError(t, runFor(t, e, 250*time.Millisecond))

	snap := e.Snapshot()
	assert.Greater(t, snap.RateWaits, int64(0))
	assert.Zero(t, snap.TotalFailures)
	assert.LessOrEqual(t, snap.Operations, int64(5), "rate gate must hold operations near the refill rate")
}

func TestEngine_GracefulDrainCompletesQuickly(t *testing.T) {
	store := storage.NewMemoryStore()
	e, err := NewEngine(testEngineConfig(t, store))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	stopAt := time.Now()
	e.Stop()
	require.NoError(t, <-done)

	assert.Less(t, time.Since(stopAt), time.Second, "fast in-flight calls must drain well inside the grace period")
	assert.Zero(t, e.Snapshot().AbandonedWorkers)
}

func TestEngine_AbandonsBusyWorkersAtGraceDeadline(t *testing.T) {
	store := &slowStore{MemoryStore: storage.NewMemoryStore(), delay: 2 * time.Second}

	config := testEngineConfig(t, store)
	config.Workers = 2
	config.Selector = testSelector(t, "find=100")
	config.ShutdownGrace = 150 * time.Millisecond

	e, err := NewEngine(config)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	// Let both workers enter their slow storage call.
	time.Sleep(50 * time.Millisecond)

	stopAt := time.Now()
	e.Stop()
	require.NoError(t, <-done)
	elapsed := time.Since(stopAt)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "drain must hold until the grace deadline")
	assert.Less(t, elapsed, time.Second, "drain must give up at the deadline, not wait for busy workers")
	assert.Equal(t, int64(2), e.Snapshot().AbandonedWorkers)
}

func TestEngine_StopBeforeRunDrainsImmediately(t *testing.T) {
	store := storage.NewMemoryStore()
	e, err := NewEngine(testEngineConfig(t, store))
	require.NoError(t, err)

	e.Stop()

	start := time.Now()
	require.NoError(t, e.Run(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, e.Snapshot().Operations)
}

func TestEngine_ContextCancellationStopsRun(t *testing.T) {
	store := storage.NewMemoryStore()
	e, err := NewEngine(testEngineConfig(t, store))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop on context cancellation")
	}
}
