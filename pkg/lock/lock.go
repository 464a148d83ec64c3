// Package lock implements the LockManager: shared/exclusive row- and
// predicate-level locks, granted FIFO, with deadline-bounded waits and
// background deadlock detection.
package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/fifo"

	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/logging"
	"github.com/bobboyms/oxidb/pkg/metrics"
	"github.com/bobboyms/oxidb/pkg/types"
)

// Mode is a lock's access mode. Compatibility is S×S only.
type Mode int

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	if m == Shared {
		return "S"
	}
	return "X"
}

func (m Mode) compatibleWith(held Mode) bool {
	return m == Shared && held == Shared
}

// ResourceKind distinguishes the two resource families the lock table
// manages.
type ResourceKind int

const (
	ResourceRow ResourceKind = iota + 1
	ResourcePredicate
)

// Resource identifies what is being locked: either a concrete row
// (RecordId, or a synthesized stand-in keyed by table/index/key for
// rows that don't have a physical RecordId yet — see pkg/txn) or a
// predicate/index-range, given as an opaque string so pkg/lock itself
// never has to understand index semantics.
type Resource struct {
	Kind ResourceKind
	Row  types.RecordId
	Key  string
}

func RowResource(rid types.RecordId) Resource {
	return Resource{Kind: ResourceRow, Row: rid}
}

func PredicateResource(key string) Resource {
	return Resource{Kind: ResourcePredicate, Key: key}
}

func (r Resource) String() string {
	if r.Kind == ResourceRow {
		return fmt.Sprintf("row:%s", r.Row)
	}
	return fmt.Sprintf("pred:%s", r.Key)
}

// waiter is one pending Acquire call queued on a resource.
type waiter struct {
	txID    types.TxId
	mode    Mode
	grant   chan error // receives nil on grant, an error on abort/timeout
	aborted bool        // set by the deadlock detector; dequeue skips it
}

var waiterQueuePool = fifo.MakeQueueBackingPool[*waiter]()

// waiterQueue is a thin FIFO wrapper over fifo.Queue giving it the
// Enqueue/Dequeue naming used throughout this package.
type waiterQueue struct {
	q fifo.Queue[*waiter]
}

func newWaiterQueue() *waiterQueue {
	return &waiterQueue{q: fifo.MakeQueue(&waiterQueuePool)}
}

func (wq *waiterQueue) Len() int {
	return wq.q.Len()
}

func (wq *waiterQueue) Enqueue(w *waiter) {
	wq.q.PushBack(w)
}

func (wq *waiterQueue) Dequeue() (*waiter, bool) {
	if wq.q.Len() == 0 {
		return nil, false
	}
	w := *wq.q.PeekFront()
	wq.q.PopFront()
	return w, true
}

// lockState is the grant state for a single resource.
type lockState struct {
	mode    Mode // meaningful only when holders is non-empty
	holders map[types.TxId]struct{}
	waiters *waiterQueue
}

func newLockState() *lockState {
	return &lockState{
		holders: make(map[types.TxId]struct{}),
		waiters: newWaiterQueue(),
	}
}

// held records, per transaction, every resource it currently holds and
// in which mode — used by ReleaseAll and by the deadlock detector's
// wait-for graph construction.
type held struct {
	resource Resource
	mode     Mode
}

// Manager is the LockManager. Zero value is not usable; build with New.
type Manager struct {
	mu      sync.Mutex
	table   map[Resource]*lockState
	heldBy  map[types.TxId][]held
	metrics *metrics.Registry
	log     *logging.Logger

	detectInterval time.Duration
	stopDetector   chan struct{}
	detectorDone   chan struct{}
}

// Options configures a Manager.
type Options struct {
	DetectInterval time.Duration // deadlock-detector tick
	Metrics        *metrics.Registry
	Log            *logging.Logger
}

// New builds a Manager and starts its background deadlock detector.
// Call Close to stop it.
func New(opts Options) *Manager {
	if opts.DetectInterval <= 0 {
		opts.DetectInterval = 50 * time.Millisecond
	}
	m := &Manager{
		table:          make(map[Resource]*lockState),
		heldBy:         make(map[types.TxId][]held),
		metrics:        opts.Metrics,
		log:            opts.Log,
		detectInterval: opts.DetectInterval,
		stopDetector:   make(chan struct{}),
		detectorDone:   make(chan struct{}),
	}
	go m.runDetector()
	return m
}

// Close stops the background deadlock detector. Safe to call once.
func (m *Manager) Close() {
	close(m.stopDetector)
	<-m.detectorDone
}

// Acquire grants resource/mode to tx immediately if compatible with the
// currently held mode, else enqueues the caller and blocks until
// granted, aborted by the deadlock detector, or deadline elapses
// (returning Conflict(Timeout)). A zero deadline means wait forever.
func (m *Manager) Acquire(resource Resource, mode Mode, tx types.TxId, deadline time.Time) error {
	m.mu.Lock()
	st, ok := m.table[resource]
	if !ok {
		st = newLockState()
		m.table[resource] = st
	}

	if _, already := st.holders[tx]; already && st.mode == mode {
		m.mu.Unlock()
		return nil
	}

	if len(st.holders) == 0 || (mode.compatibleWith(st.mode) && st.waiters.Len() == 0) {
		st.holders[tx] = struct{}{}
		st.mode = mode
		m.heldBy[tx] = append(m.heldBy[tx], held{resource: resource, mode: mode})
		m.mu.Unlock()
		return nil
	}

	w := &waiter{txID: tx, mode: mode, grant: make(chan error, 1)}
	st.waiters.Enqueue(w)
	m.mu.Unlock()

	start := time.Now()
	var err error
	if deadline.IsZero() {
		err = <-w.grant
	} else {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case err = <-w.grant:
		case <-timer.C:
			m.mu.Lock()
			w.aborted = true
			m.mu.Unlock()
			err = errors.NewConflict(errors.ConflictTimeout, nil, fmt.Sprintf("acquiring %s %s for tx %d", mode, resource, tx))
		}
	}
	m.metrics.ObserveLockWait(time.Since(start).Seconds())
	if err == nil {
		m.mu.Lock()
		m.heldBy[tx] = append(m.heldBy[tx], held{resource: resource, mode: mode})
		m.mu.Unlock()
	}
	return err
}

// AcquireWithBackoff retries Acquire with exponential backoff up to
// maxElapsed, for callers that prefer bounded polling over being woken
// by a single precise deadline (e.g. optimistic retry loops above the
// executor façade). Each attempt gives Acquire a short slice of the
// backoff's own interval as its deadline, so a stuck waiter is retried
// (and re-queued FIFO) rather than left blocked indefinitely.
func (m *Manager) AcquireWithBackoff(resource Resource, mode Mode, tx types.TxId, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	var lastErr error
	err := backoff.Retry(func() error {
		slice := b.NextBackOff()
		if slice <= 0 {
			slice = b.InitialInterval
		}
		lastErr = m.Acquire(resource, mode, tx, time.Now().Add(slice))
		return lastErr
	}, b)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

// ReleaseAll releases every resource tx holds, atomically waking
// compatible waiters in FIFO order per resource.
func (m *Manager) ReleaseAll(tx types.TxId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resources := m.heldBy[tx]
	delete(m.heldBy, tx)

	for _, h := range resources {
		st, ok := m.table[h.resource]
		if !ok {
			continue
		}
		delete(st.holders, tx)
		if len(st.holders) == 0 {
			m.wakeWaitersLocked(h.resource, st)
		}
		if len(st.holders) == 0 && st.waiters.Len() == 0 {
			delete(m.table, h.resource)
		}
	}
}

// Release drops tx's hold on a single resource, waking compatible
// waiters on that resource in FIFO order. Used for Read Committed's "S
// locks released per statement" — ReleaseAll would also drop the
// transaction's X locks, which must survive to end of transaction.
// No-op if tx does not hold resource.
func (m *Manager) Release(resource Resource, tx types.TxId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.table[resource]
	if !ok {
		return
	}
	if _, held := st.holders[tx]; !held {
		return
	}
	delete(st.holders, tx)

	held := m.heldBy[tx]
	for i, h := range held {
		if h.resource == resource {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(m.heldBy, tx)
	} else {
		m.heldBy[tx] = held
	}

	if len(st.holders) == 0 {
		m.wakeWaitersLocked(resource, st)
	}
	if len(st.holders) == 0 && st.waiters.Len() == 0 {
		delete(m.table, resource)
	}
}

// wakeWaitersLocked grants the resource to the longest compatible
// prefix of its waiter queue. Called with m.mu held and st.holders
// already empty.
func (m *Manager) wakeWaitersLocked(resource Resource, st *lockState) {
	for {
		w, ok := st.waiters.Dequeue()
		if !ok {
			return
		}
		if w.aborted {
			continue // deadlock victim; its Acquire caller already returned
		}
		if len(st.holders) > 0 && !w.mode.compatibleWith(st.mode) {
			// Can't grant yet; put back at the front and stop.
			requeue := newWaiterQueue()
			requeue.Enqueue(w)
			for {
				next, ok := st.waiters.Dequeue()
				if !ok {
					break
				}
				requeue.Enqueue(next)
			}
			st.waiters = requeue
			return
		}
		st.holders[w.txID] = struct{}{}
		st.mode = w.mode
		m.heldBy[w.txID] = append(m.heldBy[w.txID], held{resource: resource, mode: w.mode})
		w.grant <- nil
		if w.mode == Exclusive {
			return // an X holder can't coexist with anything else
		}
	}
}
