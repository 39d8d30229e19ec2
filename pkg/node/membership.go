package node

import "sync"

// membership implements C3: the guarded dead_nodes set. Grounded on
// original_source/src/node.py's ThreadSafeSet; a plain mutex-guarded map is
// the idiomatic Go shape for a receipt/timeout-driven view this small.
type membership struct {
	mu   sync.RWMutex
	dead map[int]struct{}
}

func newMembership() *membership {
	return &membership{dead: make(map[int]struct{})}
}

// MarkDead adds peerID to the dead set. Idempotent.
func (m *membership) MarkDead(peerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[peerID] = struct{}{}
}

// MarkAlive removes peerID from the dead set. Called unconditionally on
// every successfully decoded frame, regardless of type.
func (m *membership) MarkAlive(peerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dead, peerID)
}

func (m *membership) IsDead(peerID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, dead := m.dead[peerID]
	return dead
}

func (m *membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dead)
}

// Snapshot returns a copy of the dead set, the only way components may
// iterate over membership without holding the lock.
func (m *membership) Snapshot() map[int]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[int]struct{}, len(m.dead))
	for id := range m.dead {
		cp[id] = struct{}{}
	}
	return cp
}
