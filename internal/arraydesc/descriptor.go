package arraydesc

import (
	"deltacrdt/internal/common"
	"deltacrdt/internal/ojson"
	"deltacrdt/internal/revision"
	"deltacrdt/internal/revtree"
	"deltacrdt/internal/store"
)

// Descriptor is the decoded form of an array-descriptor object: either
// a full order or a delta patch against the parent revision's order,
// never both.
type Descriptor struct {
	Order []any // set when this descriptor carries a full order
	Patch []any // set when this descriptor carries a delta against its parent
}

// IsDiff reports whether d carries a delta patch rather than a full order.
func (d Descriptor) IsDiff() bool { return d.Patch != nil }

// FromOrder wraps a full order as a Descriptor.
func FromOrder(order []any) Descriptor {
	return Descriptor{Order: order}
}

// FromPatch wraps a delta patch as a Descriptor.
func FromPatch(patch []any) Descriptor {
	return Descriptor{Patch: patch}
}

// FromObject decodes a stored array-descriptor object. A deleted or
// resolved revision synthesizes to {"_deleted": true} / {"_resolved":
// true} (see internal/store.ReadObject); both are treated as an empty
// order, matching the reference implementation's handling of a
// tombstoned array.
func FromObject(obj *ojson.Map) (Descriptor, error) {
	if raw, ok := obj.Get(common.ArrayDescOrderField); ok {
		arr, ok := raw.([]any)
		if !ok {
			return Descriptor{}, common.NewError(common.ErrMalformedInput, "order_field_is_not_an_array")
		}
		return FromOrder(arr), nil
	}
	if raw, ok := obj.Get(common.ArrayDescDeltaOrderField); ok {
		arr, ok := raw.([]any)
		if !ok {
			return Descriptor{}, common.NewError(common.ErrMalformedInput, "delta_order_field_is_not_an_array")
		}
		return FromPatch(arr), nil
	}
	if v, ok := obj.Get("_deleted"); ok {
		if b, ok := v.(bool); ok && b {
			return FromOrder([]any{}), nil
		}
		return Descriptor{}, common.NewError(common.ErrMalformedInput, "malformed_deleted_array_descriptor")
	}
	if v, ok := obj.Get("_resolved"); ok {
		if b, ok := v.(bool); ok && b {
			return FromOrder([]any{}), nil
		}
		return Descriptor{}, common.NewError(common.ErrMalformedInput, "malformed_resolved_array_descriptor")
	}
	return Descriptor{}, common.NewError(common.ErrMalformedInput, "malformed_array_descriptor")
}

// ToObject renders d as the stored object form.
func (d Descriptor) ToObject() *ojson.Map {
	m := ojson.NewMap()
	if d.IsDiff() {
		m.Set(common.ArrayDescDeltaOrderField, d.Patch)
	} else {
		m.Set(common.ArrayDescOrderField, d.Order)
	}
	return m
}

// Cache memoizes the rebuilt full order for a revision, so repeatedly
// reading the same array field doesn't replay its entire delta chain
// each time. Keyed by revision text; only full (non-diff) orders are
// cached, matching the reference implementation.
type Cache struct {
	lru *store.LRU[[]any]
}

// NewCache returns a descriptor order cache with the given capacity; a
// capacity of zero or less leaves it unbounded (see store.NewLRU).
func NewCache(capacity int) *Cache {
	return &Cache{lru: store.NewLRU[[]any](capacity)}
}

// Engine rebuilds and merges array orders against a revision tree and
// object store: walking a chain of delta patches back to a full order,
// computing the delta patch for a new order against its parent, and
// resolving the order at an arbitrary (possibly conflicted) revision.
type Engine struct {
	objects *store.Store
	cache   *Cache
}

// NewEngine returns an Engine reading objects from objects and caching
// rebuilt orders in cache.
func NewEngine(objects *store.Store, cache *Cache) *Engine {
	return &Engine{objects: objects, cache: cache}
}

func (e *Engine) readDescriptor(rev revision.Revision) (Descriptor, error) {
	obj, err := e.objects.ReadObject(rev)
	if err != nil {
		return Descriptor{}, err
	}
	return FromObject(obj)
}

// RebuildOrder returns the full element order for the array field
// whose array-descriptor revision is baseRevision, resolving any chain
// of delta patches back to the nearest full order by walking tree's
// parent edges.
func (e *Engine) RebuildOrder(baseRevision revision.Revision, tree *revtree.Tree) ([]any, error) {
	if order, ok := e.cache.lru.Get(baseRevision.Text()); ok {
		return order, nil
	}

	base, err := e.readDescriptor(baseRevision)
	if err != nil {
		return nil, err
	}
	if !base.IsDiff() {
		e.cache.lru.Put(baseRevision.Text(), base.Order)
		return base.Order, nil
	}

	// Walk parents collecting delta descriptors until we hit a cached
	// or full-order descriptor.
	var chain []Descriptor
	chain = append(chain, base)

	order, ok, err := e.walkToFullOrder(baseRevision, tree, &chain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.NewError(common.ErrConsistencyViolation, "array_descriptor_chain_has_no_full_order")
	}

	// Apply edits its input in place; work on a copy so the cached or
	// stored order of an ancestor revision is left intact.
	order = append([]any(nil), order...)
	for i := len(chain) - 1; i >= 0; i-- {
		order, err = Apply(order, chain[i].Patch)
		if err != nil {
			return nil, err
		}
	}

	e.cache.lru.Put(baseRevision.Text(), order)
	return order, nil
}

// walkToFullOrder walks up the parent chain from current, appending
// each delta descriptor to chain, until it finds (and returns) a full
// order — from the LRU cache if one is hit along the way, or from the
// stored descriptor once the chain bottoms out.
func (e *Engine) walkToFullOrder(current revision.Revision, tree *revtree.Tree, chain *[]Descriptor) ([]any, bool, error) {
	for {
		parent, ok := tree.GetParent(current)
		if !ok {
			return nil, false, nil
		}
		if order, ok := e.cache.lru.Get(parent.Text()); ok {
			return order, true, nil
		}
		descriptor, err := e.readDescriptor(parent)
		if err != nil {
			return nil, false, err
		}
		if !descriptor.IsDiff() {
			return descriptor.Order, true, nil
		}
		*chain = append(*chain, descriptor)
		current = parent
	}
}

// CreateDeltaDescriptor computes the stored object a new full array
// order should be written as: nil if it is identical to the current
// winner's rebuilt order (nothing to store), otherwise an object
// carrying the delta patch from the winner's order to newOrder.
func (e *Engine) CreateDeltaDescriptor(newOrder []any, tree *revtree.Tree) (*ojson.Map, error) {
	winner, ok := tree.Winner()
	if !ok {
		return nil, common.NewError(common.ErrNoWinner, "no_winner")
	}
	winningOrder, err := e.RebuildOrder(winner, tree)
	if err != nil {
		return nil, err
	}
	patch := Diff(winningOrder, newOrder)
	if len(patch) == 0 {
		return nil, nil
	}
	return FromPatch(patch).ToObject(), nil
}

// MergedOrderAtRevision returns the order for baseRevision, merged
// with every other current leaf's order when the tree is in conflict,
// three-way array merge.
func (e *Engine) MergedOrderAtRevision(tree *revtree.Tree, baseRevision revision.Revision) ([]any, error) {
	leaves := tree.Leaves()
	if len(leaves) <= 1 {
		return e.RebuildOrder(baseRevision, tree)
	}

	baseOrder, err := e.RebuildOrder(baseRevision, tree)
	if err != nil {
		return nil, err
	}
	for _, l := range leaves {
		leafOrder, err := e.RebuildOrder(l, tree)
		if err != nil {
			return nil, err
		}
		baseOrder = MergeArrays(leafOrder, baseOrder)
	}
	return baseOrder, nil
}
