// Package revtree implements the per-object revision tree: an edge
// forest where each edge names a revision and (optionally) its parent,
// tagged with a staging bit. It plays the role a mutex-guarded map from
// key hash to an ordered version chain plays in a multi-version store,
// generalized from "newest version wins" to a deterministic total
// order over revision tags, and from a single chain per key to a tree
// of concurrent edges, since a CRDT object can legitimately have more
// than one leaf (a conflict) until resolved.
package revtree

import (
	"sort"
	"sync"

	"deltacrdt/internal/revision"
)

// edge is one node of the tree: a revision and the bit that says
// whether it's still uncommitted.
type edge struct {
	rev     revision.Revision
	parent  revision.Revision
	hasPar  bool
	staging bool
}

// Tree is the revision tree for a single logical object. The zero value
// is not usable; construct with New.
type Tree struct {
	mu    sync.RWMutex
	edges map[string]*edge  // revision text -> edge
	kids  map[string][]string // parent text -> child revision texts
}

// New returns an empty revision tree.
func New() *Tree {
	return &Tree{
		edges: make(map[string]*edge),
		kids:  make(map[string][]string),
	}
}

// Add inserts revision rev with optional parent, tagged staged or not.
// It reports whether the edge was newly created; re-adding an existing
// revision text is a no-op and returns false, matching the idempotence
// content-addressed writes need throughout the replica.
func (t *Tree) Add(rev revision.Revision, parent *revision.Revision, staged bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := rev.Text()
	if _, exists := t.edges[key]; exists {
		return false
	}

	e := &edge{rev: rev, staging: staged}
	if parent != nil {
		e.parent = *parent
		e.hasPar = true
		pkey := parent.Text()
		t.kids[pkey] = append(t.kids[pkey], key)
	}
	t.edges[key] = e
	return true
}

// Unstage drops every edge still tagged staged, // Staged -> (not present) transition.
func (t *Tree) Unstage() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.edges {
		if !e.staging {
			continue
		}
		delete(t.edges, key)
		if e.hasPar {
			pkey := e.parent.Text()
			t.kids[pkey] = removeString(t.kids[pkey], key)
			if len(t.kids[pkey]) == 0 {
				delete(t.kids, pkey)
			}
		}
	}
}

// Commit clears the staging bit on every edge, // Staged -> Committed transition.
func (t *Tree) Commit() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.edges {
		e.staging = false
	}
}

// IsEmpty reports whether the tree has no edges at all.
func (t *Tree) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.edges) == 0
}

// Leaves returns every revision that is not the parent of any other
// revision and is not a "resolved" sentinel.
func (t *Tree) Leaves() []revision.Revision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaves := make([]revision.Revision, 0, len(t.edges))
	for key, e := range t.edges {
		if e.rev.IsResolved() {
			continue
		}
		if len(t.kids[key]) > 0 {
			continue
		}
		leaves = append(leaves, e.rev)
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Text() < leaves[j].Text() })
	return leaves
}

// Winner returns the maximum leaf under revision.Less, the current
// dominant state of the object. The zero Revision and false are
// returned for an empty tree.
func (t *Tree) Winner() (revision.Revision, bool) {
	leaves := t.Leaves()
	if len(leaves) == 0 {
		return revision.Revision{}, false
	}
	best := leaves[0]
	for _, l := range leaves[1:] {
		best = revision.Max(best, l)
	}
	return best, true
}

// Conflicting returns every leaf other than the winner, i.e. the set
// an object must be resolved among before it stops being "in conflict".
func (t *Tree) Conflicting() []revision.Revision {
	leaves := t.Leaves()
	if len(leaves) <= 1 {
		return nil
	}
	winner, _ := t.Winner()
	out := make([]revision.Revision, 0, len(leaves)-1)
	for _, l := range leaves {
		if !l.Equal(winner) {
			out = append(out, l)
		}
	}
	return out
}

// InConflict reports whether the object has more than one leaf.
func (t *Tree) InConflict() bool {
	return len(t.Leaves()) > 1
}

// GetParent returns rev's unique parent, if any.
func (t *Tree) GetParent(rev revision.Revision) (revision.Revision, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.edges[rev.Text()]
	if !ok || !e.hasPar {
		return revision.Revision{}, false
	}
	return e.parent, true
}

// Has reports whether rev is present in the tree (staged or committed).
func (t *Tree) Has(rev revision.Revision) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.edges[rev.Text()]
	return ok
}

// IsStaged reports whether rev is present and still staged.
func (t *Tree) IsStaged(rev revision.Revision) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.edges[rev.Text()]
	return ok && e.staging
}

// StagedEdges returns every edge currently tagged staged, in the
// (revision, parent, hasParent) shape the delta block engine needs to
// assemble a changeset (step (c)).
type StagedEdge struct {
	Revision  revision.Revision
	Parent    revision.Revision
	HasParent bool
}

func (t *Tree) StagedEdges() []StagedEdge {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []StagedEdge
	for _, e := range t.edges {
		if !e.staging {
			continue
		}
		out = append(out, StagedEdge{Revision: e.rev, Parent: e.parent, HasParent: e.hasPar})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision.Text() < out[j].Revision.Text() })
	return out
}

func removeString(s []string, v string) []string {
	for i, e := range s {
		if e == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
