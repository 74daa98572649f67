package arraydesc

import (
	"testing"

	"deltacrdt/internal/digest"
	"deltacrdt/internal/ojson"
	"deltacrdt/internal/revision"
	"deltacrdt/internal/revtree"
	"deltacrdt/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDescriptor(t *testing.T, objects *store.Store, tree *revtree.Tree, obj *ojson.Map, parent *revision.Revision) revision.Revision {
	t.Helper()
	d, err := digest.Object(obj)
	require.NoError(t, err)

	var rev revision.Revision
	if parent == nil {
		rev = revision.New(1, d, nil)
		tree.Add(rev, nil, false)
	} else {
		rev = revision.NewUpdated(d, *parent)
		tree.Add(rev, parent, false)
	}
	require.NoError(t, objects.WriteObject(rev, obj))
	return rev
}

func TestDescriptorFromObjectOrder(t *testing.T) {
	obj := ojson.NewMap()
	obj.Set("o", []any{"a", "b"})

	d, err := FromObject(obj)
	require.NoError(t, err)
	assert.False(t, d.IsDiff())
	assert.Equal(t, []any{"a", "b"}, d.Order)
}

func TestDescriptorFromObjectDeltaOrder(t *testing.T) {
	obj := ojson.NewMap()
	obj.Set("do", []any{[]any{"i", 0, []any{"x"}}})

	d, err := FromObject(obj)
	require.NoError(t, err)
	assert.True(t, d.IsDiff())
}

func TestDescriptorFromObjectDeletedSynthesizesEmptyOrder(t *testing.T) {
	obj := ojson.NewMap()
	obj.Set("_deleted", true)

	d, err := FromObject(obj)
	require.NoError(t, err)
	assert.Empty(t, d.Order)
	assert.False(t, d.IsDiff())
}

func TestDescriptorFromObjectMalformed(t *testing.T) {
	obj := ojson.NewMap()
	obj.Set("unrelated", "field")

	_, err := FromObject(obj)
	assert.Error(t, err)
}

func TestDescriptorToObjectRoundTrip(t *testing.T) {
	d := FromOrder([]any{"a", "b"})
	restored, err := FromObject(d.ToObject())
	require.NoError(t, err)
	assert.Equal(t, d.Order, restored.Order)
}

func TestEngineRebuildOrderFromFullDescriptor(t *testing.T) {
	objects := store.New(store.NewMemoryAdapter(), 16)
	tree := revtree.New()
	engine := NewEngine(objects, NewCache(16))

	full := FromOrder([]any{"x", "y", "z"}).ToObject()
	rev := writeDescriptor(t, objects, tree, full, nil)

	order, err := engine.RebuildOrder(rev, tree)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y", "z"}, order)
}

func TestEngineRebuildOrderAppliesDeltaChain(t *testing.T) {
	objects := store.New(store.NewMemoryAdapter(), 16)
	tree := revtree.New()
	engine := NewEngine(objects, NewCache(16))

	base := FromOrder([]any{"x", "y"}).ToObject()
	baseRev := writeDescriptor(t, objects, tree, base, nil)

	patch := Diff([]any{"x", "y"}, []any{"x", "y", "z"})
	delta := FromPatch(patch).ToObject()
	deltaRev := writeDescriptor(t, objects, tree, delta, &baseRev)

	order, err := engine.RebuildOrder(deltaRev, tree)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y", "z"}, order)
}

func TestEngineRebuildOrderCachesResult(t *testing.T) {
	objects := store.New(store.NewMemoryAdapter(), 16)
	tree := revtree.New()
	cache := NewCache(16)
	engine := NewEngine(objects, cache)

	full := FromOrder([]any{"p"}).ToObject()
	rev := writeDescriptor(t, objects, tree, full, nil)

	_, err := engine.RebuildOrder(rev, tree)
	require.NoError(t, err)

	cached, ok := cache.lru.Get(rev.Text())
	assert.True(t, ok)
	assert.Equal(t, []any{"p"}, cached)
}

func TestEngineCreateDeltaDescriptorNilWhenUnchanged(t *testing.T) {
	objects := store.New(store.NewMemoryAdapter(), 16)
	tree := revtree.New()
	engine := NewEngine(objects, NewCache(16))

	full := FromOrder([]any{"a", "b"}).ToObject()
	rev := writeDescriptor(t, objects, tree, full, nil)
	tree.Commit()
	_ = rev

	obj, err := engine.CreateDeltaDescriptor([]any{"a", "b"}, tree)
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestEngineCreateDeltaDescriptorReturnsPatchWhenChanged(t *testing.T) {
	objects := store.New(store.NewMemoryAdapter(), 16)
	tree := revtree.New()
	engine := NewEngine(objects, NewCache(16))

	full := FromOrder([]any{"a", "b"}).ToObject()
	writeDescriptor(t, objects, tree, full, nil)
	tree.Commit()

	obj, err := engine.CreateDeltaDescriptor([]any{"a", "b", "c"}, tree)
	require.NoError(t, err)
	require.NotNil(t, obj)
	_, hasDelta := obj.Get("do")
	assert.True(t, hasDelta)
}

func TestEngineMergedOrderAtRevisionSingleLeaf(t *testing.T) {
	objects := store.New(store.NewMemoryAdapter(), 16)
	tree := revtree.New()
	engine := NewEngine(objects, NewCache(16))

	full := FromOrder([]any{"a", "b"}).ToObject()
	rev := writeDescriptor(t, objects, tree, full, nil)
	tree.Commit()

	order, err := engine.MergedOrderAtRevision(tree, rev)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, order)
}

func TestEngineMergedOrderAtRevisionMergesConflictingLeaves(t *testing.T) {
	objects := store.New(store.NewMemoryAdapter(), 16)
	tree := revtree.New()
	engine := NewEngine(objects, NewCache(16))

	base := FromOrder([]any{"a", "c"}).ToObject()
	baseRev := writeDescriptor(t, objects, tree, base, nil)
	tree.Commit()

	leaf1 := FromOrder([]any{"a", "b", "c"}).ToObject()
	leaf1Rev := writeDescriptor(t, objects, tree, leaf1, &baseRev)

	leaf2 := FromOrder([]any{"a", "c", "d"}).ToObject()
	writeDescriptor(t, objects, tree, leaf2, &baseRev)
	tree.Commit()

	order, err := engine.MergedOrderAtRevision(tree, leaf1Rev)
	require.NoError(t, err)
	assert.Contains(t, order, "b")
	assert.Contains(t, order, "d")
}
