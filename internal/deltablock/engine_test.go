package deltablock

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

func stageObject(t *testing.T, objects *store.Store, tree *revtree.Tree, obj *ojson.Map, parent *revision.Revision) revision.Revision {
	t.Helper()
	d, err := digest.Object(obj)
	require.NoError(t, err)

	var rev revision.Revision
	if parent == nil {
		rev = revision.New(1, d, nil)
		tree.Add(rev, nil, true)
	} else {
		rev = revision.NewUpdated(d, *parent)
		tree.Add(rev, parent, true)
	}
	require.NoError(t, objects.WriteObject(rev, obj))
	return rev
}

func TestCommitWritesBlockAndPromotesStagedEdges(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	objects := store.New(adapter, 16)
	forest := revtree.NewForest()
	tree := forest.GetOrCreate("doc-1")
	engine := NewEngine(adapter)

	obj := ojson.NewMap()
	obj.Set("name", "alice")
	rev := stageObject(t, objects, tree, obj, nil)

	blockID, err := engine.Commit(forest, objects, nil)
	require.NoError(t, err)
	require.NotEmpty(t, blockID)

	assert.Empty(t, tree.StagedEdges())
	assert.True(t, tree.Has(rev))

	b, ok := engine.GetBlock(blockID)
	require.True(t, ok)
	assert.Equal(t, StatusValidAndApplied, b.Status)
	assert.Nil(t, b.Changes)

	raw, err := adapter.ReadObject(blockID+".delta", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, blockID, digest.Bytes(raw))
}

func TestCommitRecordsAnchorsAsParentsOfNextBlock(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	objects := store.New(adapter, 16)
	forest := revtree.NewForest()
	tree := forest.GetOrCreate("doc-1")
	engine := NewEngine(adapter)

	first := ojson.NewMap()
	first.Set("v", 1)
	rev1 := stageObject(t, objects, tree, first, nil)
	firstBlock, err := engine.Commit(forest, objects, nil)
	require.NoError(t, err)

	second := ojson.NewMap()
	second.Set("v", 2)
	stageObject(t, objects, tree, second, &rev1)
	secondBlock, err := engine.Commit(forest, objects, nil)
	require.NoError(t, err)

	anchors := engine.GetAnchors()
	assert.Equal(t, []string{secondBlock}, anchors)
	assert.NotEqual(t, firstBlock, secondBlock)
}

func TestReloadReplaysBlocksIntoFreshForest(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	objects := store.New(adapter, 16)
	writerForest := revtree.NewForest()
	writerTree := writerForest.GetOrCreate("doc-1")
	writerEngine := NewEngine(adapter)

	obj := ojson.NewMap()
	obj.Set("name", "bob")
	rev := stageObject(t, objects, writerTree, obj, nil)
	_, err := writerEngine.Commit(writerForest, objects, nil)
	require.NoError(t, err)

	readerObjects := store.New(adapter, 16)
	readerForest := revtree.NewForest()
	readerEngine := NewEngine(adapter)

	err = readerEngine.Reload(readerForest, readerObjects)
	require.NoError(t, err)

	readerTree, ok := readerForest.Get("doc-1")
	require.True(t, ok)
	assert.True(t, readerTree.Has(rev))

	anchors := readerEngine.GetAnchors()
	assert.Len(t, anchors, 1)
	b, ok := readerEngine.GetBlock(anchors[0])
	require.True(t, ok)
	assert.Equal(t, StatusValidAndApplied, b.Status)
}

func TestReloadFailsWhenForestHasStagedEdges(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	objects := store.New(adapter, 16)
	forest := revtree.NewForest()
	tree := forest.GetOrCreate("doc-1")
	engine := NewEngine(adapter)

	obj := ojson.NewMap()
	obj.Set("v", 1)
	stageObject(t, objects, tree, obj, nil)

	err := engine.Reload(forest, objects)
	assert.Error(t, err)
}

func TestRefreshOnlyLoadsNewBlocks(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	objects := store.New(adapter, 16)
	forest := revtree.NewForest()
	tree := forest.GetOrCreate("doc-1")
	engine := NewEngine(adapter)

	first := ojson.NewMap()
	first.Set("v", 1)
	rev1 := stageObject(t, objects, tree, first, nil)
	_, err := engine.Commit(forest, objects, nil)
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(forest, objects))
	assert.Len(t, engine.GetAnchors(), 1)

	second := ojson.NewMap()
	second.Set("v", 2)
	stageObject(t, objects, tree, second, &rev1)
	_, err = engine.Commit(forest, objects, nil)
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(forest, objects))
	assert.Len(t, engine.GetAnchors(), 1)
}

func TestMeldCopiesMissingItemsWithoutChangingState(t *testing.T) {
	sourceAdapter := store.NewMemoryAdapter()
	sourceObjects := store.New(sourceAdapter, 16)
	sourceForest := revtree.NewForest()
	sourceTree := sourceForest.GetOrCreate("doc-1")
	sourceEngine := NewEngine(sourceAdapter)

	obj := ojson.NewMap()
	obj.Set("v", 1)
	stageObject(t, sourceObjects, sourceTree, obj, nil)
	_, err := sourceEngine.Commit(sourceForest, sourceObjects, nil)
	require.NoError(t, err)

	destAdapter := store.NewMemoryAdapter()
	destObjects := store.New(destAdapter, 16)
	destForest := revtree.NewForest()
	destEngine := NewEngine(destAdapter)

	copied, err := destEngine.Meld(sourceAdapter)
	require.NoError(t, err)
	assert.NotEmpty(t, copied)
	assert.Empty(t, destEngine.GetAnchors())

	require.NoError(t, destEngine.Reload(destForest, destObjects))
	assert.Len(t, destEngine.GetAnchors(), 1)
}

func TestHasStagingReportsUncommittedEdits(t *testing.T) {
	objects := store.New(store.NewMemoryAdapter(), 16)
	forest := revtree.NewForest()
	tree := forest.GetOrCreate("doc-1")

	assert.False(t, HasStaging(forest))

	obj := ojson.NewMap()
	obj.Set("v", 1)
	stageObject(t, objects, tree, obj, nil)

	assert.True(t, HasStaging(forest))

	tree.Commit()
	assert.False(t, HasStaging(forest))
}
