package hotstuff

import (
	"sync"
	"sync/atomic"
)

// snapshotMirror is the cached-state mirror §4.8 calls for: a
// reader-writer lock protecting a read-only copy of (b_leaf, b_lock,
// b_exec) plus a version counter, so the RPC layer can read finalizer
// state without contending with the consensus mutex — the "Arc<RwLock
// <Snapshot>>" redesign of §9.
type snapshotMirror struct {
	mu      sync.RWMutex
	version atomic.Uint64
	current FinalizerStateSnapshot
}

func newSnapshotMirror() *snapshotMirror {
	return &snapshotMirror{}
}

// publish overwrites the cached snapshot and bumps the version counter.
// Called only by the goroutine holding Pacemaker.mu, after a state
// transition.
func (m *snapshotMirror) publish(s FinalizerStateSnapshot) {
	v := m.version.Add(1)
	s.Version = v
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

// load returns the most recently published snapshot. Safe to call from
// any goroutine, including the consensus thread itself.
func (m *snapshotMirror) load() FinalizerStateSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
