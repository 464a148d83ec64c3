package executor

import (
	"os"

	"github.com/bobboyms/oxidb/pkg/config"
	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/heap"
	"github.com/bobboyms/oxidb/pkg/storage"
	"github.com/bobboyms/oxidb/pkg/txn"
	"github.com/bobboyms/oxidb/pkg/wal"
)

// TableSpec declares one table for Open: its name, its indices (exactly
// one marked Primary), and the B+-tree minimum degree its indices use
// (0 means the default of 3). Schema is supplied by the embedding
// caller at open time; there is no catalog persistence at this layer.
type TableSpec struct {
	Name      string
	Indices   []storage.Index
	TreeOrder int
}

// Open is the embedding API's entry point: it builds the WAL writer,
// storage engine, transaction manager, and façade from a single Config,
// registers the caller's tables, and runs crash recovery when a WAL
// file already exists on disk. Everything Open creates is owned by the
// returned Executor and torn down by Close; no globals are involved.
func Open(cfg config.Config, tables []TableSpec, opts Options) (*Executor, error) {
	base := cfg.DatabaseFilePath
	if base == "" {
		return nil, errors.NewConstraint(nil, "config: DatabaseFilePath is required")
	}
	walPath := cfg.WALPath
	if walPath == "" {
		walPath = base + ".wal"
	}

	_, statErr := os.Stat(walPath)
	walExisted := statErr == nil

	walWriter, err := wal.NewWALWriter(walPath, cfg.EffectiveWALOptions())
	if err != nil {
		return nil, errors.NewIO(err, "opening WAL")
	}

	tableMgr := storage.NewTableMenager()
	for _, spec := range tables {
		order := spec.TreeOrder
		if order == 0 {
			order = 3
		}
		hm, err := heap.NewHeapManager(base + "." + spec.Name + ".heap")
		if err != nil {
			walWriter.Close()
			return nil, errors.NewIO(err, "opening table heap")
		}
		if err := tableMgr.NewTable(spec.Name, spec.Indices, order, hm); err != nil {
			walWriter.Close()
			return nil, err
		}
	}

	engine, err := storage.NewStorageEngine(tableMgr, walWriter)
	if err != nil {
		walWriter.Close()
		return nil, err
	}
	engine.SetLogger(opts.Log)

	// An existing WAL file is replayed before accepting work, so anything
	// the previous process left past its last checkpoint is recovered.
	if walExisted {
		if err := engine.Recover(walPath); err != nil {
			engine.Close()
			return nil, errors.NewCorruption(err, "crash recovery")
		}
	}

	txns := txn.NewManager(engine, txn.Options{
		Log:     opts.Log,
		Metrics: opts.Metrics,
	})

	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = cfg.CheckpointInterval()
	}

	e := New(engine, txns, opts)
	e.defaultIsolation = cfg.DefaultIsolation
	e.ownedTxns = txns
	return e, nil
}

// BeginDefault starts a transaction at the configured default isolation
// level (SnapshotIsolation unless the Config said otherwise).
func (e *Executor) BeginDefault() *txn.Tx {
	return e.Begin(e.defaultIsolation)
}
