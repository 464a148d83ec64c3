package txn

// recordWrite and recordRead implement the rw-antidependency tracking
// the Serializable isolation level relies on: a transaction incident to
// two adjacent antidependencies forming a dangerous structure is
// aborted. An rw-antidependency edge always
// points reader -> writer (the writer's commit obsoletes the version
// the reader's snapshot saw), independent of which of the two calls
// happens first in wall-clock time — a writer can clobber a row another
// transaction reads later in its lifetime just as easily as one it
// already read.
//
// The "dangerous structure" this engine detects is the textbook one: a
// transaction with both an incoming and an outgoing rw-antidependency
// edge is unsafe to commit (Cahill/Röhm/Fekete's Serializable Snapshot
// Isolation). Detecting it needs only two booleans per transaction
// (Tx.inConflict / Tx.outConflict), checked at Commit.

// recordWrite is called when tx writes sk: every other active
// Serializable transaction that has already read sk gains an outgoing
// edge to tx, and tx gains an incoming edge from it.
func (m *Manager) recordWrite(writer *Tx, sk shadowKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.active {
		if id == writer.id {
			continue
		}
		other.mu.Lock()
		_, read := other.readSet[sk]
		other.mu.Unlock()
		if !read {
			continue
		}
		other.mu.Lock()
		other.outConflict = true
		other.mu.Unlock()
		writer.mu.Lock()
		writer.inConflict = true
		writer.mu.Unlock()
	}
}

// recordRead is called when tx reads sk: every other active Serializable
// transaction that has already buffered a write to sk gains an incoming
// edge from tx, and tx gains an outgoing edge to it (same rule, the
// write simply happened first in wall-clock time).
func (m *Manager) recordRead(reader *Tx, sk shadowKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.active {
		if id == reader.id {
			continue
		}
		other.mu.Lock()
		_, written := other.writeSet[sk]
		other.mu.Unlock()
		if !written {
			continue
		}
		other.mu.Lock()
		other.inConflict = true
		other.mu.Unlock()
		reader.mu.Lock()
		reader.outConflict = true
		reader.mu.Unlock()
	}
}
