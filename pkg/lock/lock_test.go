package lock

import (
	"testing"
	"time"

	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/types"
)

func row(page uint32, slot uint16) Resource {
	return RowResource(types.RecordId{Page: types.PageId(page), Slot: types.SlotId(slot)})
}

func TestAcquireSharedCompatible(t *testing.T) {
	m := New(Options{DetectInterval: time.Hour})
	defer m.Close()

	r := row(1, 0)
	if err := m.Acquire(r, Shared, 1, time.Time{}); err != nil {
		t.Fatalf("tx1 S: %v", err)
	}
	if err := m.Acquire(r, Shared, 2, time.Time{}); err != nil {
		t.Fatalf("tx2 S: %v", err)
	}
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := New(Options{DetectInterval: time.Hour})
	defer m.Close()

	r := row(1, 0)
	if err := m.Acquire(r, Exclusive, 1, time.Time{}); err != nil {
		t.Fatalf("tx1 X: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(r, Shared, 2, time.Time{})
	}()

	select {
	case <-done:
		t.Fatal("tx2 should have blocked behind tx1's X lock")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseAll(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tx2 should have been granted after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("tx2 never woke after release")
	}
}

func TestAcquireTimeout(t *testing.T) {
	m := New(Options{DetectInterval: time.Hour})
	defer m.Close()

	r := row(1, 0)
	if err := m.Acquire(r, Exclusive, 1, time.Time{}); err != nil {
		t.Fatalf("tx1 X: %v", err)
	}

	err := m.Acquire(r, Exclusive, 2, time.Now().Add(20*time.Millisecond))
	if err == nil {
		t.Fatal("expected Conflict(Timeout)")
	}
	kind, ok := errors.KindOf(err)
	if !ok || kind != errors.KindConflict {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestReleaseAllWakesFIFO(t *testing.T) {
	m := New(Options{DetectInterval: time.Hour})
	defer m.Close()

	r := row(2, 0)
	if err := m.Acquire(r, Exclusive, 1, time.Time{}); err != nil {
		t.Fatal(err)
	}

	order := make(chan types.TxId, 2)
	for _, tx := range []types.TxId{2, 3} {
		tx := tx
		go func() {
			if err := m.Acquire(r, Shared, tx, time.Time{}); err == nil {
				order <- tx
			}
		}()
		time.Sleep(10 * time.Millisecond) // keep enqueue order deterministic
	}

	m.ReleaseAll(1)

	first := <-order
	second := <-order
	if first != 2 || second != 3 {
		t.Fatalf("expected FIFO wake order [2,3], got [%d,%d]", first, second)
	}
}

func TestDeadlockDetectionAbortsYoungest(t *testing.T) {
	m := New(Options{DetectInterval: time.Hour}) // manual detection in this test
	defer m.Close()

	rowA := row(1, 0)
	rowB := row(2, 0)

	if err := m.Acquire(rowA, Exclusive, 1, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(rowB, Exclusive, 2, time.Time{}); err != nil {
		t.Fatal(err)
	}

	result1 := make(chan error, 1)
	result2 := make(chan error, 1)
	go func() { result1 <- m.Acquire(rowB, Exclusive, 1, time.Time{}) }()
	go func() { result2 <- m.Acquire(rowA, Exclusive, 2, time.Time{}) }()

	// Give both goroutines time to enqueue as waiters.
	time.Sleep(50 * time.Millisecond)

	victims := m.DetectDeadlock()
	if len(victims) != 1 || victims[0] != 2 {
		t.Fatalf("expected tx2 (youngest) as sole victim, got %v", victims)
	}

	select {
	case err := <-result2:
		kind, ok := errors.KindOf(err)
		if !ok || kind != errors.KindConflict {
			t.Fatalf("expected tx2 Conflict(Deadlock), got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("tx2 never aborted")
	}

	m.ReleaseAll(2)
	select {
	case err := <-result1:
		if err != nil {
			t.Fatalf("tx1 should have been granted rowB after tx2's abort: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("tx1 never granted rowB")
	}
}

func TestPredicateResourceDistinctFromRow(t *testing.T) {
	m := New(Options{DetectInterval: time.Hour})
	defer m.Close()

	pred := PredicateResource("users:email:alice@example.com")
	r := row(0, 0)

	if err := m.Acquire(pred, Exclusive, 1, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(r, Exclusive, 2, time.Time{}); err != nil {
		t.Fatalf("a predicate lock must not block an unrelated row lock: %v", err)
	}
}
