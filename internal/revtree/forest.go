package revtree

import "sync"

// Forest is the replica-wide "documents" map: one revision tree per
// logical object (uuid), guarded by a many-reader / one-writer lock at
// the top level, with each object's own Tree providing finer-grained
// locking underneath.
type Forest struct {
	mu    sync.RWMutex
	trees map[string]*Tree
}

// NewForest returns an empty forest.
func NewForest() *Forest {
	return &Forest{trees: make(map[string]*Tree)}
}

// GetOrCreate returns the tree for uuid, creating an empty one under
// the writer lock if absent.
func (f *Forest) GetOrCreate(uuid string) *Tree {
	f.mu.RLock()
	t, ok := f.trees[uuid]
	f.mu.RUnlock()
	if ok {
		return t
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.trees[uuid]; ok {
		return t
	}
	t = New()
	f.trees[uuid] = t
	return t
}

// Get returns the tree for uuid, if one exists.
func (f *Forest) Get(uuid string) (*Tree, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.trees[uuid]
	return t, ok
}

// Drop removes uuid's tree entirely, e.g. after remove_object empties it.
func (f *Forest) Drop(uuid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trees, uuid)
}

// UUIDs returns every known object identifier.
func (f *Forest) UUIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.trees))
	for uuid := range f.trees {
		out = append(out, uuid)
	}
	return out
}

// Clear removes every tree, as performed at the start of a full reload.
func (f *Forest) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees = make(map[string]*Tree)
}

// Len reports the number of known objects.
func (f *Forest) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees)
}
