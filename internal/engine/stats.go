package engine

import (
	"sync/atomic"
	"time"

	"github.com/cluster-load-driver/cld/internal/workload"
)

// workerCounters is written only by its owning worker. The aggregator reads
// the fields atomically, so no lock is shared between workers.
type workerCounters struct {
	operations atomic.Int64
	rateWaits  atomic.Int64
	successes  [3]atomic.Int64
	failures   [3]atomic.Int64
}

// kindIndex maps an operation kind onto the fixed counter slots.
func kindIndex(kind workload.OpKind) int {
	switch kind {
	case workload.OpFind:
		return 0
	case workload.OpInsert:
		return 1
	default:
		return 2
	}
}

func (w *workerCounters) recordSuccess(kind workload.OpKind) {
	w.operations.Add(1)
	w.successes[kindIndex(kind)].Add(1)
}

func (w *workerCounters) recordFailure(kind workload.OpKind) {
	w.operations.Add(1)
	w.failures[kindIndex(kind)].Add(1)
}

// Stats aggregates per-worker counters into run-level totals.
type Stats struct {
	started   time.Time
	workers   []workerCounters
	abandoned atomic.Int64
}

func newStats(workers int) *Stats {
	return &Stats{
		started: time.Now(),
		workers: make([]workerCounters, workers),
	}
}

func (s *Stats) worker(i int) *workerCounters {
	return &s.workers[i]
}

// Snapshot is a point-in-time aggregation of the run counters.
type Snapshot struct {
	UptimeSeconds    float64          `json:"uptime_seconds"`
	Operations       int64            `json:"operations"`
	RateWaits        int64            `json:"rate_waits"`
	Successes        map[string]int64 `json:"successes"`
	Failures         map[string]int64 `json:"failures"`
	TotalSuccesses   int64            `json:"total_successes"`
	TotalFailures    int64            `json:"total_failures"`
	ErrorRate        float64          `json:"error_rate"`
	AchievedRate     float64          `json:"achieved_ops_per_second"`
	AbandonedWorkers int64            `json:"abandoned_workers"`
}

// Snapshot aggregates all worker counters. Workers keep running while it is
// taken; the result is a consistent-enough view for progress reporting, not
// an atomic cut.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:    time.Since(s.started).Seconds(),
		Successes:        make(map[string]int64, len(workload.Kinds())),
		Failures:         make(map[string]int64, len(workload.Kinds())),
		AbandonedWorkers: s.abandoned.Load(),
	}

	for i := range s.workers {
		w := &s.workers[i]
		snap.Operations += w.operations.Load()
		snap.RateWaits += w.rateWaits.Load()
		for _, kind := range workload.Kinds() {
			idx := kindIndex(kind)
			snap.Successes[string(kind)] += w.successes[idx].Load()
			snap.Failures[string(kind)] += w.failures[idx].Load()
		}
	}

	for _, kind := range workload.Kinds() {
		snap.TotalSuccesses += snap.Successes[string(kind)]
		snap.TotalFailures += snap.Failures[string(kind)]
	}

	if snap.Operations > 0 {
		snap.ErrorRate = float64(snap.TotalFailures) / float64(snap.Operations)
	}
	if snap.UptimeSeconds > 0 {
		snap.AchievedRate = float64(snap.Operations) / snap.UptimeSeconds
	}

	return snap
}
