package ingest

import "sync"

// registryEntry pairs a series' append tree with its ownership gate. The
// owner field holds the id of the session that acquired the tree, or zero
// when the tree is available. Acquire and release are serialized by the
// entry lock; appends to an acquired tree are serialized by the owning
// session.
type registryEntry struct {
	mu    sync.Mutex
	tree  Tree
	owner uint64
}

// isAvailable reports whether the tree can currently be acquired.
func (e *registryEntry) isAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner == 0
}

// tryAcquire transfers exclusive ownership of the tree to session. Any
// current owner, including session itself, makes the entry busy.
func (e *registryEntry) tryAcquire(session uint64) (Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner != 0 {
		return nil, ErrSeriesBusy
	}
	e.owner = session
	return e.tree, nil
}

// release returns the tree to the available state if session is the owner.
func (e *registryEntry) release(session uint64) {
	e.mu.Lock()
	if e.owner == session {
		e.owner = 0
	}
	e.mu.Unlock()
}
