package lock

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/types"
)

// runDetector is the background goroutine started by New: every
// detectInterval it builds the wait-for graph and aborts one victim
// per cycle found.
func (m *Manager) runDetector() {
	defer close(m.detectorDone)
	ticker := time.NewTicker(m.detectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopDetector:
			return
		case <-ticker.C:
			m.detectAndBreak()
		}
	}
}

// DetectDeadlock runs one detection pass synchronously and returns the
// set of TxIds aborted as deadlock victims, for tests and for callers
// that want an on-demand check instead of waiting for the timer.
func (m *Manager) DetectDeadlock() []types.TxId {
	return m.detectAndBreak()
}

// buildWaitForGraph returns, for each blocked transaction, the set of
// transactions it is waiting on: an edge w -> h exists whenever w
// holds a pending waiter on a resource that h currently holds.
func (m *Manager) buildWaitForGraph() map[types.TxId]mapset.Set[types.TxId] {
	graph := make(map[types.TxId]mapset.Set[types.TxId])
	for _, st := range m.table {
		if st.waiters.Len() == 0 {
			continue
		}
		holders := make([]types.TxId, 0, len(st.holders))
		for h := range st.holders {
			holders = append(holders, h)
		}
		// Walk the waiter queue without consuming it: Dequeue/Enqueue
		// round-trip preserves FIFO order while letting us inspect it.
		n := st.waiters.Len()
		seen := make([]*waiter, 0, n)
		for i := 0; i < n; i++ {
			w, ok := st.waiters.Dequeue()
			if !ok {
				break
			}
			seen = append(seen, w)
			if w.aborted {
				continue
			}
			edges, ok := graph[w.txID]
			if !ok {
				edges = mapset.NewSet[types.TxId]()
				graph[w.txID] = edges
			}
			for _, h := range holders {
				if h != w.txID {
					edges.Add(h)
				}
			}
			// A waiter also waits behind any earlier, still-pending
			// incompatible waiter on the same resource.
			for _, earlier := range seen[:len(seen)-1] {
				if earlier.aborted {
					continue
				}
				if !w.mode.compatibleWith(earlier.mode) {
					edges.Add(earlier.txID)
				}
			}
		}
		for _, w := range seen {
			st.waiters.Enqueue(w)
		}
	}
	return graph
}

// detectAndBreak finds one cycle (if any) per call and aborts its
// youngest-TxId member, the chosen victim-selection rule. It keeps
// breaking cycles until the graph is acyclic, so a single detection
// pass clears every deadlock present at that instant.
func (m *Manager) detectAndBreak() []types.TxId {
	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []types.TxId
	for {
		graph := m.buildWaitForGraph()
		cycle := findCycle(graph)
		if cycle == nil {
			return victims
		}

		victim := cycle[0]
		for _, tx := range cycle[1:] {
			if tx > victim {
				victim = tx
			}
		}

		m.abortWaiterLocked(victim)
		victims = append(victims, victim)
		m.metrics.IncDeadlockDetected()
	}
}

// abortWaiterLocked marks every pending waiter belonging to tx as
// aborted and wakes it with a Conflict(Deadlock) error. Called with
// m.mu held.
func (m *Manager) abortWaiterLocked(tx types.TxId) {
	for resource, st := range m.table {
		n := st.waiters.Len()
		for i := 0; i < n; i++ {
			w, ok := st.waiters.Dequeue()
			if !ok {
				break
			}
			if w.txID == tx && !w.aborted {
				w.aborted = true
				w.grant <- errors.NewConflict(errors.ConflictDeadlock, nil, "deadlock victim "+resource.String())
			} else {
				st.waiters.Enqueue(w)
			}
		}
	}
}

// findCycle runs a DFS over graph and returns the TxIds forming the
// first cycle it encounters, or nil if the graph is acyclic.
func findCycle(graph map[types.TxId]mapset.Set[types.TxId]) []types.TxId {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[types.TxId]int)
	var stack []types.TxId
	var cycle []types.TxId

	var visit func(types.TxId) bool
	visit = func(n types.TxId) bool {
		color[n] = gray
		stack = append(stack, n)
		edges := graph[n]
		if edges != nil {
			for _, next := range edges.ToSlice() {
				switch color[next] {
				case white:
					if visit(next) {
						return true
					}
				case gray:
					// Found the back edge; extract the cycle from the stack.
					for i := len(stack) - 1; i >= 0; i-- {
						cycle = append(cycle, stack[i])
						if stack[i] == next {
							break
						}
					}
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	// Deterministic iteration isn't required for correctness here (any
	// cycle is broken eventually across repeated detectAndBreak calls),
	// but Go's map order is randomized, which is fine for liveness.
	for n := range graph {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}
