package recovery

import (
	"path/filepath"
	"testing"

	"github.com/bobboyms/oxidb/pkg/wal"
)

func writeEntry(t *testing.T, w *wal.WALWriter, entryType uint8, lsn, txId, prevLSN uint64, payload []byte) {
	t.Helper()
	entry := wal.AcquireEntry()
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = wal.WALVersion
	entry.Header.EntryType = entryType
	entry.Header.LSN = lsn
	entry.Header.TxId = txId
	entry.Header.PrevLSN = prevLSN
	entry.Header.PayloadLen = uint32(len(payload))
	entry.Header.CRC32 = wal.CalculateCRC32(payload)
	entry.Payload = append(entry.Payload, payload...)
	if err := w.WriteEntry(entry); err != nil {
		t.Fatalf("failed to write entry: %v", err)
	}
	wal.ReleaseEntry(entry)
}

func openWAL(t *testing.T) (*wal.WALWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := wal.NewWALWriter(path, wal.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to create wal: %v", err)
	}
	return w, path
}

func TestAnalyze_CommittedAndActiveTransactions(t *testing.T) {
	w, path := openWAL(t)

	// tx 1: Begin, Insert, Commit -> fully committed.
	writeEntry(t, w, wal.EntryBegin, 1, 1, 0, nil)
	writeEntry(t, w, wal.EntryInsert, 2, 1, 1, []byte("row-a"))
	writeEntry(t, w, wal.EntryCommit, 3, 1, 2, nil)

	// tx 2: Begin, Insert -> crash, never commits.
	writeEntry(t, w, wal.EntryBegin, 4, 2, 0, nil)
	writeEntry(t, w, wal.EntryInsert, 5, 2, 4, []byte("row-b"))

	if err := w.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	w.Close()

	analysis, err := Analyze(path, nil)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if !analysis.Committed(1) {
		t.Errorf("tx 1 should be committed")
	}
	if analysis.Committed(2) {
		t.Errorf("tx 2 should not be committed")
	}
	if !analysis.Committed(0) {
		t.Errorf("TxId 0 (autocommit) should always be committed")
	}

	active := analysis.ActiveTransactions()
	if len(active) != 1 || active[0].TxId != 2 {
		t.Fatalf("expected exactly tx 2 active, got %+v", active)
	}
	if len(active[0].OpLSNs) != 1 || active[0].OpLSNs[0] != 5 {
		t.Errorf("expected tx 2's op LSNs to be [5], got %v", active[0].OpLSNs)
	}

	if analysis.MaxLSN != 5 {
		t.Errorf("expected MaxLSN 5, got %d", analysis.MaxLSN)
	}
}

type fakeLogger struct {
	clrs    []uint64
	aborted []uint64
}

func (f *fakeLogger) WriteCLR(txId, undoneLSN, undoNextLSN uint64) error {
	f.clrs = append(f.clrs, undoneLSN)
	return nil
}

func (f *fakeLogger) WriteAbort(txId uint64, prevLSN uint64) error {
	f.aborted = append(f.aborted, txId)
	return nil
}

func TestUndo_WritesCLRPerOpThenAbort(t *testing.T) {
	w, path := openWAL(t)

	writeEntry(t, w, wal.EntryBegin, 1, 7, 0, nil)
	writeEntry(t, w, wal.EntryInsert, 2, 7, 1, []byte("row-a"))
	writeEntry(t, w, wal.EntryInsert, 3, 7, 2, []byte("row-b"))
	if err := w.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	w.Close()

	analysis, err := Analyze(path, nil)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	logger := &fakeLogger{}
	written, err := analysis.Undo(logger)
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if written != 2 {
		t.Errorf("expected 2 CLRs written, got %d", written)
	}
	if len(logger.clrs) != 2 || logger.clrs[0] != 3 || logger.clrs[1] != 2 {
		t.Errorf("expected CLRs for LSN 3 then 2 (reverse order), got %v", logger.clrs)
	}
	if len(logger.aborted) != 1 || logger.aborted[0] != 7 {
		t.Errorf("expected AbortTx written for tx 7, got %v", logger.aborted)
	}
}

func TestDirtyPageTable_TracksEarliestLSN(t *testing.T) {
	w, path := openWAL(t)

	extract := func(entryType uint8, payload []byte) []string {
		return []string{string(payload)}
	}

	writeEntry(t, w, wal.EntryInsert, 1, 0, 0, []byte("orders.id"))
	writeEntry(t, w, wal.EntryInsert, 2, 0, 0, []byte("orders.id"))
	writeEntry(t, w, wal.EntryInsert, 3, 0, 0, []byte("orders.name"))
	if err := w.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	w.Close()

	analysis, err := Analyze(path, extract)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if analysis.Dirty.Len() != 2 {
		t.Errorf("expected 2 distinct dirty resources, got %d", analysis.Dirty.Len())
	}
	if analysis.Dirty.MinLSN() != 1 {
		t.Errorf("expected MinLSN 1, got %d", analysis.Dirty.MinLSN())
	}
}
