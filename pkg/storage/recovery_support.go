package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/bobboyms/oxidb/pkg/wal"
)

// extractDirtyKeys adapts this package's wire formats to
// recovery.KeyExtractor, letting the Analysis pass' Dirty Page Table track
// "table.index" resources without recovery importing this package.
func (se *StorageEngine) extractDirtyKeys(entryType uint8, payload []byte) []string {
	switch entryType {
	case wal.EntryInsert, wal.EntryUpdate, wal.EntryDelete:
		tableName, indexName, _, _, err := DeserializeDocumentEntry(payload)
		if err != nil {
			return nil
		}
		return []string{fmt.Sprintf("%s.%s", tableName, indexName)}
	case wal.EntryMultiInsert:
		tableName, keys, _, err := DeserializeMultiIndexEntry(payload)
		if err != nil {
			return nil
		}
		out := make([]string, 0, len(keys))
		for indexName := range keys {
			out = append(out, fmt.Sprintf("%s.%s", tableName, indexName))
		}
		return out
	default:
		return nil
	}
}

// recoveryLogger implements recovery.Logger by appending CLR/AbortTx
// records straight to this engine's WAL, using fresh LSNs from the same
// lsnTracker redo just caught up to.
type recoveryLogger struct {
	se *StorageEngine
}

// encodeCLRPayload packs the single LSN a CLR needs to record: the LSN of
// the operation it compensates for.
func encodeCLRPayload(undoneLSN uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, undoneLSN)
	return buf
}

func decodeCLRPayload(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("clr payload too short: %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint64(payload), nil
}

func (l *recoveryLogger) WriteCLR(txId, undoneLSN, undoNextLSN uint64) error {
	se := l.se
	lsn := se.lsnTracker.Next()
	payload := encodeCLRPayload(undoneLSN)

	entry := wal.AcquireEntry()
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = wal.WALVersion
	entry.Header.EntryType = wal.EntryCLR
	entry.Header.LSN = lsn
	entry.Header.TxId = txId
	entry.Header.PrevLSN = undoNextLSN
	entry.Header.PayloadLen = uint32(len(payload))
	entry.Header.CRC32 = wal.CalculateCRC32(payload)
	entry.Payload = append(entry.Payload, payload...)

	err := se.WAL.WriteEntry(entry)
	wal.ReleaseEntry(entry)
	return err
}

func (l *recoveryLogger) WriteAbort(txId uint64, prevLSN uint64) error {
	se := l.se
	lsn := se.lsnTracker.Next()

	entry := wal.AcquireEntry()
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = wal.WALVersion
	entry.Header.EntryType = wal.EntryAbort
	entry.Header.LSN = lsn
	entry.Header.TxId = txId
	entry.Header.PrevLSN = prevLSN

	err := se.WAL.WriteEntry(entry)
	wal.ReleaseEntry(entry)
	return err
}
