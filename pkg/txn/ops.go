package txn

import (
	"fmt"
	"time"

	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/lock"
	"github.com/bobboyms/oxidb/pkg/query"
	"github.com/bobboyms/oxidb/pkg/storage"
	"github.com/bobboyms/oxidb/pkg/types"
)

func shadowKeyFor(table, index string, key types.Comparable) shadowKey {
	return shadowKey{table: table, index: index, key: fmt.Sprintf("%v", key)}
}

func (tx *Tx) checkActive() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return errors.NewConflict(errors.ConflictWriteWrite, nil, fmt.Sprintf("transaction %d is %s, not Active", tx.id, tx.state))
	}
	return nil
}

// Get resolves key in table/index, honoring MVCC visibility and
// read-your-own-writes (a transaction's own uncommitted writes are
// always visible to itself). Read Committed acquires a fresh snapshot and a
// per-statement S lock (released immediately after); Snapshot Isolation
// and Serializable read the transaction's fixed snapshot lock-free, with
// Serializable additionally recording the read for SSI.
func (tx *Tx) Get(table, index string, key types.Comparable) (string, bool, error) {
	if err := tx.checkActive(); err != nil {
		return "", false, err
	}

	sk := shadowKeyFor(table, index, key)
	tx.mu.Lock()
	entry, shadowed := tx.shadow[sk]
	tx.mu.Unlock()
	if shadowed {
		if entry.deleted {
			return "", false, nil
		}
		return entry.document, true, nil
	}

	if tx.isolation == ReadCommitted {
		res := rowResourceForKey(table, index, sk.key)
		if err := tx.acquireRowLock(res, lock.Shared, time.Now().Add(defaultDeadline)); err != nil {
			return "", false, err
		}
		defer tx.manager.locks.Release(res, tx.id)
	}

	if tx.isolation == Serializable {
		tx.mu.Lock()
		tx.readSet[sk] = struct{}{}
		tx.mu.Unlock()
		tx.manager.recordRead(tx, sk)
	}

	return tx.read.Get(table, index, key)
}

// Scan runs a range/predicate scan over index, returning every document
// currently visible to tx.
func (tx *Tx) Scan(table, index string, condition *query.ScanCondition) ([]string, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	return tx.read.Scan(table, index, condition)
}

// currentVersion returns the live heap offset and header for key, or
// (-1, nil, nil) if the key has no entry in the index yet.
func (tx *Tx) currentVersion(table, index string, key types.Comparable) (int64, *storage.Table, error) {
	t, err := tx.manager.engine.TableMetaData.GetTableByName(table)
	if err != nil {
		return -1, nil, err
	}
	idx, err := t.GetIndex(index)
	if err != nil {
		return -1, nil, err
	}
	offset, found := idx.Tree.Get(key)
	if !found {
		return -1, t, nil
	}
	return offset, t, nil
}

// checkWriteConflict implements the Snapshot Isolation write-write rule:
// if the row's live version was created by a
// transaction that committed after this transaction's snapshot, the
// second writer aborts with Conflict(WriteWrite) ("first committer
// wins"). Read Committed never conflicts this way, since each of its
// statements works off the latest committed value by construction.
func (tx *Tx) checkWriteConflict(table, index string, key types.Comparable) error {
	if tx.isolation == ReadCommitted {
		return nil
	}
	offset, t, err := tx.currentVersion(table, index, key)
	if err != nil {
		return err
	}
	if offset < 0 {
		return nil
	}
	_, header, err := t.Heap.Read(offset)
	if err != nil {
		return errors.NewIO(err, "reading current version for write-write check")
	}
	if header.CreateLSN > tx.read.SnapshotLSN {
		tx.manager.metric.IncTxnConflict()
		return errors.NewConflict(errors.ConflictWriteWrite, nil,
			fmt.Sprintf("row %s.%s=%v was updated by a transaction that committed after this snapshot", table, index, key))
	}
	return nil
}

// Put buffers an insert-or-update of key in table/index. The row is
// X-locked for the rest of the transaction and the
// write is only applied to the live heap/index at Commit.
func (tx *Tx) Put(table, index string, key types.Comparable, document string) error {
	if err := tx.checkActive(); err != nil {
		return err
	}

	sk := shadowKeyFor(table, index, key)
	res := rowResourceForKey(table, index, sk.key)
	if err := tx.acquireRowLock(res, lock.Exclusive, time.Now().Add(defaultDeadline)); err != nil {
		return err
	}

	if err := tx.checkWriteConflict(table, index, key); err != nil {
		return err
	}

	if err := tx.write.Put(table, index, key, document); err != nil {
		return err
	}

	tx.mu.Lock()
	tx.shadow[sk] = &shadowEntry{document: document}
	tx.writeSet[sk] = struct{}{}
	tx.mu.Unlock()

	if tx.isolation == Serializable {
		tx.manager.recordWrite(tx, sk)
	}
	return nil
}

// InsertPinned is Put for callers that need the row's heap address at
// statement time (the executor façade returns a RecordId from insert).
// The version is appended to the heap immediately, under the row's X
// lock, carrying the PendingCreateLSN sentinel so no snapshot can see
// it; commit re-stamps it and swings the index head (see
// storage.WriteTransaction.PutAt). Returns the heap offset the row will
// live at once committed.
func (tx *Tx) InsertPinned(table, index string, key types.Comparable, document string) (int64, error) {
	if err := tx.checkActive(); err != nil {
		return -1, err
	}

	sk := shadowKeyFor(table, index, key)
	res := rowResourceForKey(table, index, sk.key)
	if err := tx.acquireRowLock(res, lock.Exclusive, time.Now().Add(defaultDeadline)); err != nil {
		return -1, err
	}

	if err := tx.checkWriteConflict(table, index, key); err != nil {
		return -1, err
	}

	prevOffset, t, err := tx.currentVersion(table, index, key)
	if err != nil {
		return -1, err
	}

	bsonDoc, errBson := storage.JsonToBson(document)
	var bsonData []byte
	if errBson == nil {
		bsonData, _ = storage.MarshalBson(bsonDoc)
	} else {
		bsonData = []byte(document)
	}

	offset, err := t.Heap.Write(bsonData, storage.PendingCreateLSN, prevOffset)
	if err != nil {
		return -1, errors.NewIO(err, "appending pinned version to heap")
	}

	if err := tx.write.PutAt(table, index, key, document, offset); err != nil {
		return -1, err
	}

	tx.mu.Lock()
	tx.shadow[sk] = &shadowEntry{document: document}
	tx.writeSet[sk] = struct{}{}
	tx.mu.Unlock()

	if tx.isolation == Serializable {
		tx.manager.recordWrite(tx, sk)
	}
	return offset, nil
}

// Delete buffers a tombstone delete of key in table/index. Idempotent
// deletes of an already-absent key surface NotFound to the caller —
// treating that as a no-op is a caller-side decision, not a
// storage-layer one.
func (tx *Tx) Delete(table, index string, key types.Comparable) error {
	if err := tx.checkActive(); err != nil {
		return err
	}

	sk := shadowKeyFor(table, index, key)
	res := rowResourceForKey(table, index, sk.key)
	if err := tx.acquireRowLock(res, lock.Exclusive, time.Now().Add(defaultDeadline)); err != nil {
		return err
	}

	if err := tx.checkWriteConflict(table, index, key); err != nil {
		return err
	}

	offset, _, err := tx.currentVersion(table, index, key)
	if err != nil {
		return err
	}
	if offset < 0 {
		tx.mu.Lock()
		_, shadowed := tx.shadow[sk]
		tx.mu.Unlock()
		if !shadowed {
			return errors.NewNotFound(nil, fmt.Sprintf("%s.%s=%v", table, index, key))
		}
	}

	if err := tx.write.Del(table, index, key); err != nil {
		return err
	}

	tx.mu.Lock()
	tx.shadow[sk] = &shadowEntry{deleted: true}
	tx.writeSet[sk] = struct{}{}
	tx.mu.Unlock()

	if tx.isolation == Serializable {
		tx.manager.recordWrite(tx, sk)
	}
	return nil
}
