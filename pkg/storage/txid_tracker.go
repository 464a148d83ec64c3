package storage

import "sync/atomic"

// TxIdTracker hands out monotonically increasing TxIds, unique for the
// lifetime of the process.
type TxIdTracker struct {
	current uint64
}

func NewTxIdTracker(start uint64) *TxIdTracker {
	return &TxIdTracker{current: start}
}

// Next returns the next TxId. 0 is reserved to mean "autocommit / no
// explicit BeginTx record", so the first real TxId handed out is 1.
func (t *TxIdTracker) Next() uint64 {
	return atomic.AddUint64(&t.current, 1)
}
