// Package recovery implements the ARIES Analysis/Redo/Undo passes used to
// bring a storage engine back to a consistent state after a crash.
//
// It only depends on pkg/wal: it knows how to walk the log and group
// records by owning transaction, but nothing about heaps, B-trees, or BSON
// documents. A caller (pkg/storage) supplies a KeyExtractor to let the
// Dirty Page Table track resources by name, and a Logger to let Undo append
// compensating records, so recovery never needs to import its caller.
package recovery

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/btree"

	"github.com/bobboyms/oxidb/pkg/wal"
)

// TxStatus is a transaction's disposition as seen by the Analysis pass.
type TxStatus int

const (
	StatusActive TxStatus = iota
	StatusCommitted
	StatusAborted
)

func (s TxStatus) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusCommitted:
		return "Committed"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// TxInfo is one row of the Active Transaction Table: what Analyze learned
// about a single TxId by the time it reached end-of-log.
type TxInfo struct {
	TxId     uint64
	Status   TxStatus
	FirstLSN uint64   // LSN of the BeginTx record
	LastLSN  uint64   // LSN of the last record seen for this tx
	OpLSNs   []uint64 // data-modification record LSNs, in WAL (ascending) order
}

// dirtyEntry is one row of the Dirty Page Table, ordered by FirstLSN so Redo
// can start scanning from the earliest LSN any tracked resource needs.
type dirtyEntry struct {
	FirstLSN uint64
	Key      string
}

func (a dirtyEntry) Less(than btree.Item) bool {
	b := than.(dirtyEntry)
	if a.FirstLSN != b.FirstLSN {
		return a.FirstLSN < b.FirstLSN
	}
	return a.Key < b.Key
}

// DirtyPageTable tracks, per resource key, the earliest LSN that dirtied it
// — the ARIES invariant that bounds how far back Redo needs to scan.
type DirtyPageTable struct {
	tree *btree.BTree
	seen map[string]uint64
}

func newDirtyPageTable() *DirtyPageTable {
	return &DirtyPageTable{tree: btree.New(32), seen: make(map[string]uint64)}
}

func (d *DirtyPageTable) markDirty(key string, lsn uint64) {
	if _, ok := d.seen[key]; ok {
		return // only the first LSN that dirtied a resource matters
	}
	d.seen[key] = lsn
	d.tree.ReplaceOrInsert(dirtyEntry{FirstLSN: lsn, Key: key})
}

// MinLSN returns the lowest FirstLSN tracked, or 0 if nothing is dirty.
func (d *DirtyPageTable) MinLSN() uint64 {
	if d.tree.Len() == 0 {
		return 0
	}
	return d.tree.Min().(dirtyEntry).FirstLSN
}

// Len reports how many distinct resources were observed dirty.
func (d *DirtyPageTable) Len() int { return d.tree.Len() }

// KeyExtractor decodes a data-modification record's payload into the
// resource key(s) it touches (e.g. "table.index"). Analyze calls it once per
// EntryInsert/EntryUpdate/EntryDelete/EntryMultiInsert record so the Dirty
// Page Table can track them without recovery knowing what a table or index
// is. May be nil, in which case the Dirty Page Table stays empty.
type KeyExtractor func(entryType uint8, payload []byte) []string

// Analysis is the result of scanning a WAL file once: which transactions
// committed, which were left active (uncommitted) when the log ends, and
// the Dirty Page Table built along the way.
type Analysis struct {
	Transactions map[uint64]*TxInfo
	Dirty        *DirtyPageTable
	MaxLSN       uint64
}

// Committed reports whether txId has a CommitTx record. TxId 0 (autocommit,
// never wrapped in an explicit BeginTx/CommitTx pair) is always committed.
func (a *Analysis) Committed(txId uint64) bool {
	if txId == 0 {
		return true
	}
	info, ok := a.Transactions[txId]
	return ok && info.Status == StatusCommitted
}

// ActiveTransactions returns the transactions that reached end-of-log
// without a CommitTx or AbortTx record, ordered by TxId ascending so Undo
// runs deterministically.
func (a *Analysis) ActiveTransactions() []*TxInfo {
	out := make([]*TxInfo, 0)
	for _, info := range a.Transactions {
		if info.Status == StatusActive {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxId < out[j].TxId })
	return out
}

// Analyze scans a WAL file once, building the Active Transaction Table and
// Dirty Page Table. It never mutates anything; Redo and Undo are driven by
// the caller using the returned Analysis.
func Analyze(path string, extractKeys KeyExtractor) (*Analysis, error) {
	reader, err := wal.NewWALReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	a := &Analysis{
		Transactions: make(map[uint64]*TxInfo),
		Dirty:        newDirtyPageTable(),
	}

	txInfo := func(txId uint64) *TxInfo {
		info, ok := a.Transactions[txId]
		if !ok {
			info = &TxInfo{TxId: txId, Status: StatusActive}
			a.Transactions[txId] = info
		}
		return info
	}

	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A corrupt record mid-file is indistinguishable from a torn
			// tail: every record past this offset was never durably
			// written, so analysis treats the remainder as absent rather
			// than failing recovery outright.
			break
		}

		if entry.Header.LSN > a.MaxLSN {
			a.MaxLSN = entry.Header.LSN
		}

		switch entry.Header.EntryType {
		case wal.EntryBegin:
			if entry.Header.TxId != 0 {
				info := txInfo(entry.Header.TxId)
				info.FirstLSN = entry.Header.LSN
				info.LastLSN = entry.Header.LSN
			}
		case wal.EntryCommit:
			if entry.Header.TxId != 0 {
				info := txInfo(entry.Header.TxId)
				info.Status = StatusCommitted
				info.LastLSN = entry.Header.LSN
			}
		case wal.EntryAbort:
			if entry.Header.TxId != 0 {
				info := txInfo(entry.Header.TxId)
				info.Status = StatusAborted
				info.LastLSN = entry.Header.LSN
			}
		case wal.EntryInsert, wal.EntryUpdate, wal.EntryDelete, wal.EntryMultiInsert:
			if entry.Header.TxId != 0 {
				info := txInfo(entry.Header.TxId)
				info.OpLSNs = append(info.OpLSNs, entry.Header.LSN)
				info.LastLSN = entry.Header.LSN
			}
			if extractKeys != nil {
				for _, key := range extractKeys(entry.Header.EntryType, entry.Payload) {
					a.Dirty.markDirty(key, entry.Header.LSN)
				}
			}
		}

		wal.ReleaseEntry(entry)
	}

	return a, nil
}

// Logger appends the records Undo needs to make a second crash during
// recovery itself safe to replay: one Compensation Log Record per undone
// operation, followed by an AbortTx that closes the transaction out.
type Logger interface {
	WriteCLR(txId, undoneLSN, undoNextLSN uint64) error
	WriteAbort(txId uint64, prevLSN uint64) error
}

// Undo writes CLRs and a closing AbortTx for every transaction Analyze found
// still active at end-of-log, walking each one's OpLSNs from the most
// recent backward. It reports how many CLRs were written.
//
// This engine only applies a write transaction's operations to the live
// heap/index state after its CommitTx record is durable (see
// WriteTransaction.Commit), so an uncommitted transaction never left a
// trace to physically undo — Undo's job here is purely to make the log
// idempotent and the transaction's disposition final, not to restore a
// before-image.
func (a *Analysis) Undo(logger Logger) (int, error) {
	written := 0
	for _, info := range a.ActiveTransactions() {
		for i := len(info.OpLSNs) - 1; i >= 0; i-- {
			undoneLSN := info.OpLSNs[i]
			var undoNext uint64
			if i > 0 {
				undoNext = info.OpLSNs[i-1]
			}
			if err := logger.WriteCLR(info.TxId, undoneLSN, undoNext); err != nil {
				return written, fmt.Errorf("undo: writing CLR for tx %d: %w", info.TxId, err)
			}
			written++
		}
		if err := logger.WriteAbort(info.TxId, info.LastLSN); err != nil {
			return written, fmt.Errorf("undo: writing AbortTx for tx %d: %w", info.TxId, err)
		}
	}
	return written, nil
}
