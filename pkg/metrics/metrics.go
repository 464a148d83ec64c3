// Package metrics exposes Prometheus instrumentation for the storage
// engine. A nil *Registry is a valid no-op so core logic stays testable
// without standing up a Prometheus registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/histogram the engine reports.
type Registry struct {
	BufferHits        prometheus.Counter
	BufferMisses      prometheus.Counter
	BufferEvictions   prometheus.Counter
	WALFlushSeconds   prometheus.Histogram
	LockWaitSeconds   prometheus.Histogram
	VacuumRuns        prometheus.Counter
	CheckpointSeconds prometheus.Histogram
	DeadlocksDetected prometheus.Counter
	TxnCommits        prometheus.Counter
	TxnAborts         prometheus.Counter
	TxnConflicts      prometheus.Counter
}

// NewRegistry builds a Registry and registers every metric with reg.
// Passing prometheus.NewRegistry() keeps tests isolated from the
// global DefaultRegisterer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BufferHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxidb_buffer_pool_hits_total",
			Help: "Buffer pool fetches satisfied without a disk read.",
		}),
		BufferMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxidb_buffer_pool_misses_total",
			Help: "Buffer pool fetches that required a disk read.",
		}),
		BufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxidb_buffer_pool_evictions_total",
			Help: "Frames evicted from the buffer pool.",
		}),
		WALFlushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oxidb_wal_flush_seconds",
			Help:    "Latency of WAL fsync calls.",
			Buckets: prometheus.DefBuckets,
		}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oxidb_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a row/predicate lock.",
			Buckets: prometheus.DefBuckets,
		}),
		VacuumRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxidb_vacuum_runs_total",
			Help: "Completed heap vacuum/compaction passes.",
		}),
		CheckpointSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oxidb_checkpoint_seconds",
			Help:    "Duration of CreateCheckpoint calls.",
			Buckets: prometheus.DefBuckets,
		}),
		DeadlocksDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxidb_deadlocks_detected_total",
			Help: "Wait-for cycles detected by the lock manager.",
		}),
		TxnCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxidb_txn_commits_total",
			Help: "Transactions that committed successfully.",
		}),
		TxnAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxidb_txn_aborts_total",
			Help: "Transactions that aborted, for any reason.",
		}),
		TxnConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxidb_txn_conflicts_total",
			Help: "Transactions aborted due to a write-write, deadlock, or serialization conflict.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.BufferHits, r.BufferMisses, r.BufferEvictions,
			r.WALFlushSeconds, r.LockWaitSeconds, r.VacuumRuns,
			r.CheckpointSeconds, r.DeadlocksDetected,
			r.TxnCommits, r.TxnAborts, r.TxnConflicts,
		)
	}
	return r
}

// BufferHit and friends are nil-safe so call sites don't need to branch
// on whether a Registry was configured.

func (r *Registry) IncBufferHit() {
	if r != nil {
		r.BufferHits.Inc()
	}
}

func (r *Registry) IncBufferMiss() {
	if r != nil {
		r.BufferMisses.Inc()
	}
}

func (r *Registry) IncBufferEviction() {
	if r != nil {
		r.BufferEvictions.Inc()
	}
}

func (r *Registry) ObserveWALFlush(seconds float64) {
	if r != nil {
		r.WALFlushSeconds.Observe(seconds)
	}
}

func (r *Registry) ObserveLockWait(seconds float64) {
	if r != nil {
		r.LockWaitSeconds.Observe(seconds)
	}
}

func (r *Registry) IncVacuumRun() {
	if r != nil {
		r.VacuumRuns.Inc()
	}
}

func (r *Registry) ObserveCheckpoint(seconds float64) {
	if r != nil {
		r.CheckpointSeconds.Observe(seconds)
	}
}

func (r *Registry) IncDeadlockDetected() {
	if r != nil {
		r.DeadlocksDetected.Inc()
	}
}

func (r *Registry) IncTxnCommit() {
	if r != nil {
		r.TxnCommits.Inc()
	}
}

func (r *Registry) IncTxnAbort() {
	if r != nil {
		r.TxnAborts.Inc()
	}
}

func (r *Registry) IncTxnConflict() {
	if r != nil {
		r.TxnConflicts.Inc()
	}
}
