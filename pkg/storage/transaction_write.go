package storage

import (
	"fmt"
	"sync"

	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/types"
	"github.com/bobboyms/oxidb/pkg/wal"
)

// WriteTransaction accumulates operations for atomic commit
type WriteTransaction struct {
	engine    *StorageEngine
	txId      uint64
	writeSet  []writeOp
	committed bool
	aborted   bool
	mu        sync.Mutex
}

type writeOp struct {
	opType    uint8 // wal.EntryType
	tableName string
	indexName string
	key       types.Comparable
	document  string

	// pinned marks an operation whose heap version was already written
	// at statement time (see PutAt): commit only has to re-stamp the
	// version's CreateLSN and swing the index head, instead of writing
	// the document again.
	pinned       bool
	pinnedOffset int64
}

// PendingCreateLSN is the sentinel CreateLSN a pre-commit heap version
// carries: greater than every possible snapshot, so the version stays
// invisible to every reader until commit re-stamps it with the real LSN.
const PendingCreateLSN = ^uint64(0)

// BeginWriteTransaction starts a new write transaction
func (se *StorageEngine) BeginWriteTransaction() *WriteTransaction {
	return &WriteTransaction{
		engine:   se,
		txId:     se.NextTxId(),
		writeSet: make([]writeOp, 0),
	}
}

// TxId returns the TxId assigned to this write transaction at Begin, the
// id pkg/txn uses to key lock ownership and SSI bookkeeping.
func (tx *WriteTransaction) TxId() uint64 { return tx.txId }

// Pending reports whether tx has any buffered, uncommitted operations.
func (tx *WriteTransaction) Pending() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.writeSet) > 0
}

// Put adds a put operation to the transaction buffer
func (tx *WriteTransaction) Put(tableName string, indexName string, key types.Comparable, document string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed || tx.aborted {
		return fmt.Errorf("transaction already finished")
	}

	// Validate metadata immediately to fail fast
	table, err := tx.engine.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return err
	}
	index, err := table.GetIndex(indexName)
	if err != nil {
		return err
	}

	// Validate types
	// Using generic check here, full validation happens at commit or we duplicate logic?
	// Better to duplicate critical checks or reuse existing private methods
	// We will validate basically here
	if index.Type != getTypeFromKey(key) {
		return &errors.InvalidKeyTypeError{
			Name:     indexName,
			TypeName: index.Type.String(),
		}
	}

	tx.writeSet = append(tx.writeSet, writeOp{
		opType:    wal.EntryInsert, // We treat updates as inserts (log-structured)
		tableName: tableName,
		indexName: indexName,
		key:       key,
		document:  document,
	})
	return nil
}

// PutAt buffers a put whose heap version was already appended by the
// caller (under the row's X lock) at pinnedOffset, with CreateLSN =
// PendingCreateLSN. The caller learns the row's final address at
// statement time; commit re-stamps the version's LSN and points the
// index at it. On abort the orphan version stays invisible forever;
// Vacuum drops only old tombstones, so it copies the orphan forward.
func (tx *WriteTransaction) PutAt(tableName string, indexName string, key types.Comparable, document string, pinnedOffset int64) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed || tx.aborted {
		return fmt.Errorf("transaction already finished")
	}

	table, err := tx.engine.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return err
	}
	index, err := table.GetIndex(indexName)
	if err != nil {
		return err
	}
	if index.Type != getTypeFromKey(key) {
		return &errors.InvalidKeyTypeError{
			Name:     indexName,
			TypeName: index.Type.String(),
		}
	}

	tx.writeSet = append(tx.writeSet, writeOp{
		opType:       wal.EntryInsert,
		tableName:    tableName,
		indexName:    indexName,
		key:          key,
		document:     document,
		pinned:       true,
		pinnedOffset: pinnedOffset,
	})
	return nil
}

// Del adds a delete operation to the transaction buffer
func (tx *WriteTransaction) Del(tableName string, indexName string, key types.Comparable) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed || tx.aborted {
		return fmt.Errorf("transaction already finished")
	}

	// Validate metadata
	table, err := tx.engine.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return err
	}
	if _, err := table.GetIndex(indexName); err != nil {
		return err
	}

	tx.writeSet = append(tx.writeSet, writeOp{
		opType:    wal.EntryDelete,
		tableName: tableName,
		indexName: indexName,
		key:       key,
	})
	return nil
}

// Commit persists all operations atomically
func (tx *WriteTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed || tx.aborted {
		return fmt.Errorf("transaction already finished")
	}

	if len(tx.writeSet) == 0 {
		tx.committed = true
		return nil
	}

	se := tx.engine
	lsn := se.lsnTracker.Next() // BEGIN marker LSN
	opLSNs := make([]uint64, len(tx.writeSet)) // LSN assigned to each op during the WAL phase, reused during apply
	prevLSN := lsn                             // walks forward to build each record's prev_lsn_of_tx

	// 1. WAL Writing (Phase 1: Persistence)
	if se.WAL != nil {
		// Write BEGIN
		if err := tx.writeWALMarkerChained(wal.EntryBegin, lsn, 0); err != nil {
			return err
		}

		// Write Ops
		for i, op := range tx.writeSet {
			opLSN := se.lsnTracker.Next() // Assign unique LSN for each op
			opLSNs[i] = opLSN

			var payload []byte
			var err error

			if op.opType == wal.EntryDelete {
				payload, err = SerializeDocumentEntry(op.tableName, op.indexName, op.key, nil)
			} else {
				// Convert doc to bytes (BSON conversion logic duplicated from Put)
				bsonDoc, errBson := JsonToBson(op.document)
				var bsonData []byte
				if errBson == nil {
					bsonData, _ = MarshalBson(bsonDoc)
				} else {
					bsonData = []byte(op.document)
				}
				payload, err = SerializeDocumentEntry(op.tableName, op.indexName, op.key, bsonData)
			}

			if err != nil {
				tx.rollbackWAL(lsn)
				return err
			}

			entry := wal.AcquireEntry()
			entry.Header.Magic = wal.WALMagic
			entry.Header.Version = wal.WALVersion
			entry.Header.EntryType = op.opType
			entry.Header.LSN = opLSN
			entry.Header.TxId = tx.txId
			entry.Header.PrevLSN = prevLSN
			entry.Header.PayloadLen = uint32(len(payload))
			entry.Header.CRC32 = wal.CalculateCRC32(payload)
			entry.Payload = append(entry.Payload, payload...)
			prevLSN = opLSN

			if err := se.WAL.WriteEntry(entry); err != nil {
				wal.ReleaseEntry(entry)
				tx.rollbackWAL(lsn)
				return fmt.Errorf("wal write failed: %w", err)
			}
			wal.ReleaseEntry(entry)
		}

		// Write COMMIT; must be durable before Commit returns to the caller
		commitLSN := se.lsnTracker.Next()
		if err := tx.writeWALMarkerChained(wal.EntryCommit, commitLSN, prevLSN); err != nil {
			return err
		}
		if err := se.WAL.FlushThrough(commitLSN); err != nil {
			return fmt.Errorf("commit flush failed: %w", err)
		}
	} else {
		for i := range tx.writeSet {
			opLSNs[i] = se.lsnTracker.Next()
		}
	}

	// 2. Memory Application (Phase 2: Visibility)
	// Apply all changes to Heap and Trees, reusing the LSN each op was logged
	// under so a page's LSN always matches the WAL record that produced it.
	for i, op := range tx.writeSet {
		table, _ := se.TableMetaData.GetTableByName(op.tableName)
		index, _ := table.GetIndex(op.indexName)
		opLSN := opLSNs[i]

		// Apply Logic
		if op.opType == wal.EntryDelete {
			// Delete logic
			index.Tree.Upsert(op.key, func(oldOffset int64, exists bool) (int64, error) {
				if !exists {
					return 0, nil
				}
				if err := table.Heap.Delete(oldOffset, opLSN); err != nil {
					return 0, fmt.Errorf("heap delete failed: %w", err)
				}
				return oldOffset, nil
			})
		} else if op.pinned {
			// A versão já está no heap (escrita na hora do statement, sob
			// o X lock da linha, com LSN sentinela): basta carimbar o LSN
			// real e apontar o índice para ela.
			index.Tree.Upsert(op.key, func(oldOffset int64, exists bool) (int64, error) {
				if err := table.Heap.SetCreateLSN(op.pinnedOffset, opLSN); err != nil {
					return 0, err
				}
				return op.pinnedOffset, nil
			})
		} else {
			// Insert/Update logic
			bsonDoc, errBson := JsonToBson(op.document)
			var bsonData []byte
			if errBson == nil {
				bsonData, _ = MarshalBson(bsonDoc)
			} else {
				bsonData = []byte(op.document)
			}

			index.Tree.Upsert(op.key, func(oldOffset int64, exists bool) (int64, error) {
				var prevOffset int64 = -1
				if exists {
					prevOffset = oldOffset
				}
				offset, err := table.Heap.Write(bsonData, opLSN, prevOffset)
				if err != nil {
					return 0, err
				}
				return offset, nil
			})
		}
	}

	tx.committed = true
	return nil
}

// Rollback discards all pending operations
func (tx *WriteTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed || tx.aborted {
		return nil
	}

	tx.writeSet = nil
	tx.aborted = true
	return nil
}

func (tx *WriteTransaction) writeWALMarker(typeID uint8, lsn uint64) error {
	return tx.writeWALMarkerChained(typeID, lsn, 0)
}

// writeWALMarkerChained writes a zero-payload marker (BeginTx/CommitTx/
// AbortTx) carrying this transaction's TxId and the prev_lsn_of_tx chain
// link, so recovery's Analysis phase can reconstruct the per-tx undo chain.
func (tx *WriteTransaction) writeWALMarkerChained(typeID uint8, lsn uint64, prevLSN uint64) error {
	entry := wal.AcquireEntry()
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = wal.WALVersion
	entry.Header.EntryType = typeID
	entry.Header.LSN = lsn
	entry.Header.TxId = tx.txId
	entry.Header.PrevLSN = prevLSN
	entry.Header.PayloadLen = 0
	entry.Header.CRC32 = 0

	if tx.engine.WAL == nil {
		wal.ReleaseEntry(entry)
		return nil
	}

	err := tx.engine.WAL.WriteEntry(entry)
	wal.ReleaseEntry(entry)
	return err
}

func (tx *WriteTransaction) rollbackWAL(lsn uint64) {
	tx.writeWALMarker(wal.EntryAbort, lsn)
}

func getTypeFromKey(k types.Comparable) DataType {
	// Helper to match Key type to DataType enum
	// In table.go DataTypeInt matches TypeInt, etc.
	// We need to implement this switch or use common util
	// For now, minimal implementation:
	switch k.(type) {
	case types.IntKey:
		return TypeInt
	case types.VarcharKey:
		return TypeVarchar
	case types.BoolKey:
		return TypeBoolean
	case types.FloatKey:
		return TypeFloat
	case types.DateKey:
		return TypeDate
	default:
		return TypeVarchar // Fallback
	}
}
