// Package txn is the TransactionManager, layering isolation levels,
// row-lock coordination, and MVCC visibility on top of
// the storage engine's log-structured write-transaction and read-snapshot
// primitives (pkg/storage) and the row/predicate lock table (pkg/lock).
//
// States: Active -> Committing -> Committed | Aborted.
package txn

import (
	"sync"
	"time"

	"github.com/bobboyms/oxidb/pkg/config"
	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/lock"
	"github.com/bobboyms/oxidb/pkg/logging"
	"github.com/bobboyms/oxidb/pkg/metrics"
	"github.com/bobboyms/oxidb/pkg/storage"
	"github.com/bobboyms/oxidb/pkg/types"
)

// Isolation mirrors config.IsolationLevel so callers building a Config
// for the engine and callers starting a transaction speak the same
// vocabulary without pkg/txn importing anything config doesn't already
// export.
type Isolation = config.IsolationLevel

const (
	ReadCommitted     = config.ReadCommitted
	SnapshotIsolation = config.SnapshotIsolation
	Serializable      = config.Serializable
)

// State is a transaction's position in the state machine above.
type State int

const (
	StateActive State = iota + 1
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Manager is the process-wide TransactionManager: one per open database,
// coordinating the storage engine and the lock table explicitly — no
// ambient/singleton access. Manager is constructed at open and passed
// to every caller that needs to begin a transaction.
type Manager struct {
	engine *storage.StorageEngine
	locks  *lock.Manager
	log    *logging.Logger
	metric *metrics.Registry

	mu        sync.Mutex
	active    map[types.TxId]*Tx // for SSI rw-antidependency bookkeeping
	ownsLocks bool               // true when NewManager built its own lock.Manager (see Close)
}

// Options configures a Manager.
type Options struct {
	Locks   *lock.Manager
	Log     *logging.Logger
	Metrics *metrics.Registry
}

// NewManager builds a TransactionManager over engine. If opts.Locks is
// nil, a Manager with default options is created and owned here (Close
// tears it down too).
func NewManager(engine *storage.StorageEngine, opts Options) *Manager {
	locks := opts.Locks
	ownsLocks := false
	if locks == nil {
		locks = lock.New(lock.Options{Metrics: opts.Metrics, Log: opts.Log})
		ownsLocks = true
	}
	m := &Manager{
		engine:    engine,
		locks:     locks,
		log:       opts.Log,
		metric:    opts.Metrics,
		active:    make(map[types.TxId]*Tx),
		ownsLocks: ownsLocks,
	}
	return m
}

// Close stops the owned lock.Manager's deadlock detector, if Manager
// created one itself.
func (m *Manager) Close() {
	if m.ownsLocks {
		m.locks.Close()
	}
}

// Locks exposes the underlying LockManager, e.g. so the executor façade
// can report lock-wait metrics or build admin tooling.
func (m *Manager) Locks() *lock.Manager { return m.locks }

// Begin starts a new transaction at the given isolation level:
// assigns a TxId, captures a snapshot, and emits BeginTx to the WAL (via
// the underlying storage.WriteTransaction, which writes BeginTx lazily
// at Commit time once it knows it has at least one operation — see
// pkg/storage's WriteTransaction.Commit).
func (m *Manager) Begin(isolation Isolation) *Tx {
	write := m.engine.BeginWriteTransaction()
	id := types.TxId(write.TxId())

	level := storage.RepeatableRead
	if isolation == ReadCommitted {
		level = storage.ReadCommitted
	}
	read := m.engine.BeginTransaction(level)

	tx := &Tx{
		id:        id,
		isolation: isolation,
		state:     StateActive,
		manager:   m,
		read:      read,
		write:     write,
		shadow:    make(map[shadowKey]*shadowEntry),
		readSet:   make(map[shadowKey]struct{}),
		writeSet:  make(map[shadowKey]struct{}),
	}

	if isolation == Serializable {
		m.mu.Lock()
		m.active[id] = tx
		m.mu.Unlock()
	}

	m.log.With("tx", uint64(id)).With("isolation", isolationName(isolation)).Debug("begin")
	return tx
}

func isolationName(i Isolation) string {
	switch i {
	case ReadCommitted:
		return "ReadCommitted"
	case SnapshotIsolation:
		return "SnapshotIsolation"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// shadowKey identifies one logical row by table/index/key, the
// granularity at which this engine's buffer-then-apply-at-commit model
// (pkg/storage's WriteTransaction) and its B+-tree indices address rows.
type shadowKey struct {
	table string
	index string
	key   string
}

// shadowEntry is a transaction's own uncommitted write to a row, kept
// so reads within the same transaction observe their own writes before
// commit applies anything to the live heap/index.
type shadowEntry struct {
	deleted  bool
	document string
}

// Tx is one transaction, from Begin through Commit or Abort.
type Tx struct {
	mu        sync.Mutex
	id        types.TxId
	isolation Isolation
	state     State
	manager   *Manager

	read  *storage.Transaction
	write *storage.WriteTransaction

	shadow   map[shadowKey]*shadowEntry
	readSet  map[shadowKey]struct{} // Serializable only: rows read, for SSI edges
	writeSet map[shadowKey]struct{}

	inConflict  bool // Serializable: some other tx read a row this tx overwrote
	outConflict bool // Serializable: this tx read a row some other tx overwrote
}

// ID returns the transaction's TxId.
func (tx *Tx) ID() types.TxId { return tx.id }

// State returns the transaction's current position in the state
// machine.
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Isolation returns the isolation level the transaction was started
// with.
func (tx *Tx) Isolation() Isolation { return tx.isolation }

// acquireRowLock acquires mode on resource, held until the transaction
// ends — applied uniformly here; Read Committed's per-statement S-lock
// release is handled by the caller releasing immediately after a read
// instead of never acquiring one.
func (tx *Tx) acquireRowLock(resource lock.Resource, mode lock.Mode, deadline time.Time) error {
	return tx.manager.locks.Acquire(resource, mode, tx.id, deadline)
}

func rowResourceForKey(table, index, key string) lock.Resource {
	return lock.PredicateResource(table + "\x00" + index + "\x00" + key)
}

// defaultDeadline bounds how long a statement waits for a lock before
// surfacing Conflict(Timeout); zero means wait forever (deadlock
// detection still applies and will eventually free a cyclic waiter).
var defaultDeadline = 5 * time.Second

// finish tears down shared state common to both Commit and Abort:
// releases every lock the transaction holds and unregisters it from
// the Manager's SSI bookkeeping and the storage-level snapshot
// registry.
func (tx *Tx) finish() {
	tx.manager.locks.ReleaseAll(tx.id)
	tx.read.Close()
	if tx.isolation == Serializable {
		tx.manager.mu.Lock()
		delete(tx.manager.active, tx.id)
		tx.manager.mu.Unlock()
	}
}

// Commit assigns a commit timestamp, durably writes CommitTx (Contract
// C2, inside WriteTransaction.Commit), applies the buffered write set to
// the live heap/index, releases every lock, and transitions to
// Committed. A Serializable transaction incident to a dangerous
// structure
// is aborted instead with Conflict(WriteWrite).
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	if tx.state != StateActive {
		tx.mu.Unlock()
		if tx.state == StateCommitted {
			return nil
		}
		return errors.NewConflict(errors.ConflictWriteWrite, nil, "commit called on a finished transaction")
	}
	tx.state = StateCommitting

	if tx.isolation == Serializable && tx.inConflict && tx.outConflict {
		tx.state = StateAborted
		tx.mu.Unlock()
		tx.write.Rollback()
		tx.finish()
		tx.manager.metric.IncTxnConflict()
		tx.manager.metric.IncTxnAbort()
		tx.manager.log.With("tx", uint64(tx.id)).Warn("aborted: SSI dangerous structure")
		return errors.NewConflict(errors.ConflictWriteWrite, nil, "serializable transaction in a dangerous rw-antidependency structure")
	}
	tx.mu.Unlock()

	if err := tx.write.Commit(); err != nil {
		tx.mu.Lock()
		tx.state = StateAborted
		tx.mu.Unlock()
		tx.finish()
		tx.manager.metric.IncTxnAbort()
		return err
	}

	tx.mu.Lock()
	tx.state = StateCommitted
	tx.mu.Unlock()
	tx.finish()
	tx.manager.metric.IncTxnCommit()
	tx.manager.log.With("tx", uint64(tx.id)).Debug("commit")
	return nil
}

// Abort discards every buffered operation and releases every lock,
// transitioning to Aborted. No index entry is written before commit
// succeeds, and a heap version pinned before commit keeps
// CreateLSN = PendingCreateLSN and stays invisible, so there is no
// before-image to restore: abort drops the buffer and the locks and
// writes no WAL record. CLRs and AbortTx are written only by the
// recovery undo pass for transactions a crash left unfinished.
func (tx *Tx) Abort() error {
	tx.mu.Lock()
	if tx.state != StateActive && tx.state != StateCommitting {
		tx.mu.Unlock()
		if tx.state == StateAborted {
			return nil
		}
		return errors.NewConflict(errors.ConflictWriteWrite, nil, "abort called on a finished transaction")
	}
	tx.state = StateAborted
	tx.mu.Unlock()

	tx.write.Rollback()
	tx.finish()
	tx.manager.metric.IncTxnAbort()
	tx.manager.log.With("tx", uint64(tx.id)).Debug("abort")
	return nil
}

// AbortDeadline aborts tx and reports whether the abort actually ran
// (false if the transaction had already finished), for callers (e.g.
// the deadlock detector's victim notification path) that need to know
// whether they were the one to finish it.
func (tx *Tx) AbortDeadline() bool {
	tx.mu.Lock()
	already := tx.state != StateActive && tx.state != StateCommitting
	tx.mu.Unlock()
	if already {
		return false
	}
	return tx.Abort() == nil
}
