// Package executor is the Executor API façade: the thin surface an
// (out-of-scope) SQL planner calls to run transactions and statements
// against the storage core, translating every failure into the error
// taxonomy and never leaking pkg/storage's internal log-structured
// write model or pkg/btree's node shapes.
package executor

import (
	"fmt"
	"time"

	"github.com/bobboyms/oxidb/pkg/disk"
	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/hnsw"
	"github.com/bobboyms/oxidb/pkg/logging"
	"github.com/bobboyms/oxidb/pkg/metrics"
	"github.com/bobboyms/oxidb/pkg/query"
	"github.com/bobboyms/oxidb/pkg/storage"
	"github.com/bobboyms/oxidb/pkg/txn"
	"github.com/bobboyms/oxidb/pkg/types"
)

// Executor is the façade. Construct with New, passing the engine and
// transaction manager the caller already opened — Executor holds
// explicit references, nothing global or ambient.
type Executor struct {
	engine           *storage.StorageEngine
	txns             *txn.Manager
	vec              map[string]*hnsw.Index
	log              *logging.Logger
	metric           *metrics.Registry
	stopCheckpoint   func()
	defaultIsolation txn.Isolation
	// ownedTxns is set when Open built the transaction manager itself,
	// so Close tears it down along with the engine.
	ownedTxns *txn.Manager
}

// Options configures an Executor.
type Options struct {
	Log     *logging.Logger
	Metrics *metrics.Registry
	// CheckpointInterval drives the background checkpoint cadence;
	// zero disables it.
	CheckpointInterval time.Duration
}

// New builds an Executor over an already-open engine and transaction
// manager.
func New(engine *storage.StorageEngine, txns *txn.Manager, opts Options) *Executor {
	return &Executor{
		engine:           engine,
		txns:             txns,
		vec:              make(map[string]*hnsw.Index),
		log:              opts.Log,
		metric:           opts.Metrics,
		stopCheckpoint:   engine.StartBackgroundCheckpoint(opts.CheckpointInterval),
		defaultIsolation: txn.SnapshotIsolation,
	}
}

// Close stops the background checkpoint scheduler and closes the
// underlying engine; `open`/`close` are the only lifecycle calls the
// embedding API exposes.
func (e *Executor) Close() error {
	if e.stopCheckpoint != nil {
		e.stopCheckpoint()
	}
	if e.ownedTxns != nil {
		e.ownedTxns.Close()
	}
	return e.engine.Close()
}

// Begin starts a new transaction at the given isolation level.
func (e *Executor) Begin(isolation txn.Isolation) *txn.Tx {
	return e.txns.Begin(isolation)
}

// Commit commits tx.
func (e *Executor) Commit(tx *txn.Tx) error {
	return tx.Commit()
}

// Abort aborts tx.
func (e *Executor) Abort(tx *txn.Tx) error {
	return tx.Abort()
}

// RegisterVectorIndex makes an HNSW index available to VectorSearch
// under name. Vector indexes are non-transactional:
// they live outside the Executor's table/tx bookkeeping entirely.
func (e *Executor) RegisterVectorIndex(name string, idx *hnsw.Index) {
	e.vec[name] = idx
}

// SaveVectorIndex persists the registered index through the paged
// store, returning the snapshot chain's head page id for the caller to
// record (e.g. in the disk header's catalog root).
func (e *Executor) SaveVectorIndex(name string, store *hnsw.PagedStore) (disk.PageId, error) {
	idx, ok := e.vec[name]
	if !ok {
		return 0, errors.NewNotFound(nil, fmt.Sprintf("vector index %q", name))
	}
	return store.Save(idx)
}

// LoadVectorIndex reads a snapshot chain from the paged store and
// registers the rebuilt index under name.
func (e *Executor) LoadVectorIndex(name string, store *hnsw.PagedStore, root disk.PageId) error {
	idx, err := store.Load(root, e.log)
	if err != nil {
		return err
	}
	e.vec[name] = idx
	return nil
}

// primaryIndex returns the table's primary-key index, the one
// TableScan/Insert/Update/Delete address rows by (the heap has no
// notion of "the" row order independent of an index).
func (e *Executor) primaryIndex(table string) (*storage.Table, *storage.Index, error) {
	t, err := e.engine.TableMetaData.GetTableByName(table)
	if err != nil {
		return nil, nil, err
	}
	for _, idx := range t.GetIndices() {
		if idx.Primary {
			return t, idx, nil
		}
	}
	return nil, nil, errors.NewConstraint(nil, fmt.Sprintf("table %q has no primary index", table))
}

// resolveByRecordId maps a RecordId back to the primary-key value of the
// row it names, by reading the row's current document out of the heap
// and pulling the primary key's field out of it — the inverse of how
// Insert/Update key the B+-tree, since the heap itself is addressed by
// flat offset rather than by key.
func (e *Executor) resolveByRecordId(table string, rid types.RecordId) (*storage.Table, *storage.Index, types.Comparable, error) {
	t, primary, err := e.primaryIndex(table)
	if err != nil {
		return nil, nil, nil, err
	}
	offset := storage.OffsetFromRecordId(rid)
	doc, header, err := t.Heap.Read(offset)
	if err != nil {
		return nil, nil, nil, errors.NewNotFound(err, fmt.Sprintf("record %s in table %q", rid, table))
	}
	if !header.Valid {
		return nil, nil, nil, errors.NewNotFound(nil, fmt.Sprintf("record %s in table %q is deleted", rid, table))
	}
	bsonDoc, err := storage.UnmarshalBson(doc)
	if err != nil {
		return nil, nil, nil, errors.NewSerialization(err, "decoding record to resolve its primary key")
	}
	key, err := storage.GetValueFromBson(bsonDoc, primary.Name)
	if err != nil {
		return nil, nil, nil, errors.NewSerialization(err, "record is missing its primary key field")
	}
	return t, primary, key, nil
}

// Insert appends document to table under its primary key and returns
// the new row's RecordId.
func (e *Executor) Insert(table string, document string, tx *txn.Tx) (types.RecordId, error) {
	_, primary, err := e.primaryIndex(table)
	if err != nil {
		return types.RecordId{}, err
	}

	bsonDoc, err := storage.JsonToBson(document)
	if err != nil {
		return types.RecordId{}, errors.NewSerialization(err, "decoding insert document")
	}
	key, err := storage.GetValueFromBson(bsonDoc, primary.Name)
	if err != nil {
		return types.RecordId{}, errors.NewConstraint(err, fmt.Sprintf("document is missing primary key %q", primary.Name))
	}

	if _, found, _ := tx.Get(table, primary.Name, key); found {
		return types.RecordId{}, errors.NewConstraint(nil, fmt.Sprintf("duplicate primary key %v in table %q", key, table))
	}

	// InsertPinned appends the version to the heap now (invisible until
	// commit), so the row's address is known before the transaction ends.
	offset, err := tx.InsertPinned(table, primary.Name, key, document)
	if err != nil {
		e.log.ErrorErr(err, "insert into %q failed", table)
		return types.RecordId{}, err
	}
	return storage.RecordIdFromOffset(offset), nil
}

// Update overwrites the document at rid. Since this
// engine's heap is offset-addressed rather than key-addressed, Update
// first resolves rid back to its primary key via resolveByRecordId,
// then buffers a normal keyed write — the B+-tree slot for that key is
// what actually moves to the new heap offset at commit.
func (e *Executor) Update(table string, rid types.RecordId, document string, tx *txn.Tx) error {
	_, primary, key, err := e.resolveByRecordId(table, rid)
	if err != nil {
		return err
	}
	return tx.Put(table, primary.Name, key, document)
}

// Delete tombstones the row at rid.
func (e *Executor) Delete(table string, rid types.RecordId, tx *txn.Tx) error {
	_, primary, key, err := e.resolveByRecordId(table, rid)
	if err != nil {
		return err
	}
	return tx.Delete(table, primary.Name, key)
}

// TableScan iterates every row of table visible to tx, in primary-key
// order.
func (e *Executor) TableScan(table string, tx *txn.Tx) ([]Row, error) {
	_, primary, err := e.primaryIndex(table)
	if err != nil {
		return nil, err
	}
	return e.rows(table, primary.Name, nil, tx)
}

// IndexSeek returns the row(s) whose key in index equals key.
func (e *Executor) IndexSeek(table, index string, key types.Comparable, tx *txn.Tx) ([]Row, error) {
	return e.rows(table, index, query.Equal(key), tx)
}

// IndexRange returns every row whose key in index falls within
// [low, high].
func (e *Executor) IndexRange(table, index string, low, high types.Comparable, tx *txn.Tx) ([]Row, error) {
	return e.rows(table, index, query.Between(low, high), tx)
}

// Row is one record returned by a scan/seek: its RecordId plus its
// document, JSON-rendered.
type Row struct {
	RecordId types.RecordId
	Document string
}

func (e *Executor) rows(table, index string, condition *query.ScanCondition, tx *txn.Tx) ([]Row, error) {
	results, err := tx.ScanWithIds(table, index, condition)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(results))
	for i, r := range results {
		rows[i] = Row{RecordId: r.RecordId, Document: r.Document}
	}
	return rows, nil
}

// VectorResult is one hit from VectorSearch.
type VectorResult struct {
	RecordId types.RecordId
	Distance float32
}

// VectorSearch runs an approximate nearest-neighbor query against a
// registered HNSW index. Non-transactional:
// it takes no *txn.Tx and is not affected by MVCC snapshots.
func (e *Executor) VectorSearch(index string, queryVec []float32, k int, ef int) ([]VectorResult, error) {
	idx, ok := e.vec[index]
	if !ok {
		return nil, errors.NewNotFound(nil, fmt.Sprintf("vector index %q", index))
	}
	hits, err := idx.Search(hnsw.Vector(queryVec), k, ef)
	if err != nil {
		return nil, errors.NewConstraint(err, "vector_search")
	}
	out := make([]VectorResult, 0, len(hits))
	for _, h := range hits {
		rid, ok := idx.RecordID(h.VectorID)
		if !ok {
			continue
		}
		out = append(out, VectorResult{RecordId: rid, Distance: h.Distance})
	}
	return out, nil
}
