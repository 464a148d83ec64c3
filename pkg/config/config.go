// Package config holds the single Config struct the engine accepts.
// No environment variables are read by the core; whatever the caller
// builds here is the only input the rest of the packages see.
package config

import (
	"time"

	"github.com/bobboyms/oxidb/pkg/wal"
)

// IsolationLevel mirrors storage.IsolationLevel without importing it,
// so pkg/config stays a leaf dependency.
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	SnapshotIsolation
	Serializable
)

// BufferEvictionPolicy selects the frame-replacement strategy for pkg/buffer.
type BufferEvictionPolicy int

const (
	// EvictFIFO is the baseline ring-buffer candidate policy.
	EvictFIFO BufferEvictionPolicy = iota
	// EvictLRUK refines FIFO with an LRU-K recency tracker.
	EvictLRUK
)

// Config is the single configuration surface for the storage engine.
// Every field has a zero-value-safe default via Default().
type Config struct {
	DatabaseFilePath     string
	WALEnabled           bool
	WALPath              string
	WALOptions           wal.Options
	BufferPoolFrames     int
	BufferEviction       BufferEvictionPolicy
	LRUKRecency          int
	CheckpointIntervalMS int
	DefaultIsolation     IsolationLevel
	HeapSegmentSizeBytes int64
	VacuumDeadRatio      float64
	HNSWSeed             int64
	HNSWM                int
	HNSWEfConstruction   int
	HNSWEfSearch         int
	SentryDSN            string
}

// Default returns a Config with the same defaults wal.DefaultOptions()
// and heap segment sizing already use.
func Default() Config {
	return Config{
		WALEnabled:           true,
		BufferPoolFrames:     1024,
		BufferEviction:       EvictFIFO,
		LRUKRecency:          2,
		CheckpointIntervalMS: 30_000,
		DefaultIsolation:     SnapshotIsolation,
		HeapSegmentSizeBytes: 64 << 20,
		VacuumDeadRatio:      0.5,
		HNSWSeed:             1,
		HNSWM:                16,
		HNSWEfConstruction:   200,
		HNSWEfSearch:         64,
		WALOptions:           wal.DefaultOptions(),
	}
}

// CheckpointInterval returns the configured interval as a time.Duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalMS) * time.Millisecond
}

// EffectiveWALOptions returns WALOptions adjusted for the WALEnabled
// switch: when disabled, the log is still appended but never fsynced
// (test-only mode), which maps to wal.SyncNever.
func (c Config) EffectiveWALOptions() wal.Options {
	opts := c.WALOptions
	if !c.WALEnabled {
		opts.SyncPolicy = wal.SyncNever
	}
	return opts
}
