package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/bobboyms/oxidb/pkg/heap"
	"github.com/bobboyms/oxidb/pkg/storage"
	"github.com/bobboyms/oxidb/pkg/types"
)

func newMvccEngine(t *testing.T, tableName string) *storage.StorageEngine {
	t.Helper()
	tmpDir := t.TempDir()
	hm, err := heap.NewHeapManager(filepath.Join(tmpDir, "heap.data"))
	if err != nil {
		t.Fatalf("NewHeapManager failed: %v", err)
	}
	tableMgr := storage.NewTableMenager()
	if err := tableMgr.NewTable(tableName, []storage.Index{
		{Name: "id", Primary: true, Type: storage.TypeInt},
	}, 3, hm); err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	se, err := storage.NewStorageEngine(tableMgr, nil)
	if err != nil {
		t.Fatalf("NewStorageEngine failed: %v", err)
	}
	return se
}

// A snapshot started before a write must not observe that write.
func TestMVCC_SnapshotDoesNotSeeLaterWrites(t *testing.T) {
	se := newMvccEngine(t, "mvcc_test")

	if err := se.Put("mvcc_test", "id", types.IntKey(1), "v1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	tx := se.BeginRead()
	defer tx.Close()

	if err := se.Put("mvcc_test", "id", types.IntKey(2), "v2"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, found, err := tx.Get("mvcc_test", "id", types.IntKey(1)); err != nil || !found {
		t.Fatalf("snapshot should still see key 1, found=%v err=%v", found, err)
	}
	if _, found, err := tx.Get("mvcc_test", "id", types.IntKey(2)); err != nil || found {
		t.Fatalf("snapshot should not see key 2 written after it began, found=%v err=%v", found, err)
	}
}

func TestMVCC_UpdateVisibleToNewSnapshot(t *testing.T) {
	se := newMvccEngine(t, "mvcc_update")

	if err := se.Put("mvcc_update", "id", types.IntKey(1), "v1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := se.Put("mvcc_update", "id", types.IntKey(1), "v2"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	doc, found, err := se.Get("mvcc_update", "id", types.IntKey(1))
	if err != nil || !found {
		t.Fatalf("expected to find updated row, found=%v err=%v", found, err)
	}
	if doc != "v2" {
		t.Fatalf("expected latest version v2, got %s", doc)
	}
}

func TestMVCC_DeleteHidesRowFromNewSnapshot(t *testing.T) {
	se := newMvccEngine(t, "mvcc_del")

	if err := se.Put("mvcc_del", "id", types.IntKey(1), "v1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := se.Del("mvcc_del", "id", types.IntKey(1)); err != nil {
		t.Fatalf("Del failed: %v", err)
	}

	_, found, err := se.Get("mvcc_del", "id", types.IntKey(1))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("deleted row should not be visible")
	}
}

func TestMVCC_ReadCommittedSeesNewerCommits(t *testing.T) {
	se := newMvccEngine(t, "iso_test")

	if err := se.Put("iso_test", "id", types.IntKey(1), "v1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	tx := se.BeginTransaction(storage.ReadCommitted)
	defer tx.Close()

	if err := se.Put("iso_test", "id", types.IntKey(1), "v2"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Read Committed re-snapshots per statement, so it must observe v2.
	doc, found, err := tx.Get("iso_test", "id", types.IntKey(1))
	if err != nil || !found {
		t.Fatalf("expected to find row, found=%v err=%v", found, err)
	}
	if doc != "v2" {
		t.Fatalf("read committed should observe latest commit, got %s", doc)
	}
}
