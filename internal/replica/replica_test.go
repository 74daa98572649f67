package replica

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deltacrdt/internal/ojson"
	"deltacrdt/internal/store"
)

func newTestReplica(t *testing.T) *Replica {
	t.Helper()
	return New(store.NewMemoryAdapter(), Config{ObjectCacheSize: 8, OrderCacheSize: 8})
}

func mustObj(t *testing.T, pairs ...any) *ojson.Map {
	t.Helper()
	m := ojson.NewMap()
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		require.True(t, ok)
		m.Set(key, pairs[i+1])
	}
	return m
}

func TestCreateObjectIsIdempotent(t *testing.T) {
	r := newTestReplica(t)

	rev1, created1, err := r.CreateObject("widget", mustObj(t, "x", float64(1)))
	require.NoError(t, err)
	assert.True(t, created1)
	assert.NotEmpty(t, rev1)

	rev2, created2, err := r.CreateObject("widget", mustObj(t, "x", float64(1)))
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Empty(t, rev2)
}

func TestUpdateObjectNoopOnIdenticalContent(t *testing.T) {
	r := newTestReplica(t)

	_, _, err := r.CreateObject("widget", mustObj(t, "x", float64(1)))
	require.NoError(t, err)

	rev, changed, err := r.UpdateObject("widget", mustObj(t, "x", float64(1)))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, rev)

	rev, changed, err = r.UpdateObject("widget", mustObj(t, "x", float64(2)))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEmpty(t, rev)
}

func TestUpdateObjectOnUnknownIDCreates(t *testing.T) {
	r := newTestReplica(t)

	rev, created, err := r.UpdateObject("fresh", mustObj(t, "x", float64(1)))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, rev)
}

func TestDeleteObjectThenDeleteAgainIsNoop(t *testing.T) {
	r := newTestReplica(t)

	require.NoError(t, r.Update(mustObj(t,
		"_id", "@",
		"child", mustObj(t, "_id", "kid", "x", float64(1)),
	)))
	_, err := r.Commit(nil)
	require.NoError(t, err)

	rev, deleted, err := r.DeleteObject("kid")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NotEmpty(t, rev)

	// Deleting an already-dead object is a no-op.
	rev, deleted, err = r.DeleteObject("kid")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Empty(t, rev)
}

func TestRemoveObjectDropsNeverCommittedTree(t *testing.T) {
	r := newTestReplica(t)

	_, created, err := r.CreateObject("ephemeral", mustObj(t, "x", float64(1)))
	require.NoError(t, err)
	require.True(t, created)

	rev, changed, err := r.RemoveObject("ephemeral")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, rev)

	_, err = r.GetWinner("ephemeral")
	assert.Error(t, err)
}

func TestCommitWithNoStagedChangesWritesEmptyBlock(t *testing.T) {
	r := newTestReplica(t)
	blockID, err := r.Commit(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, blockID)
	assert.Equal(t, []string{blockID}, r.GetAnchors())
}

func TestReadReflectsRootFields(t *testing.T) {
	r := newTestReplica(t)

	require.NoError(t, r.Update(mustObj(t, "_id", "@", "name", "alpha")))
	_, err := r.Commit(nil)
	require.NoError(t, err)

	doc, err := r.Read()
	require.NoError(t, err)
	v, ok := doc.Get("name")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)
}

func TestResolveAsPicksNamedRevision(t *testing.T) {
	a := newTestReplica(t)
	_, _, err := a.CreateObject("foo", mustObj(t, "a", float64(1)))
	require.NoError(t, err)
	_, err = a.Commit(nil)
	require.NoError(t, err)

	bAdapter := store.NewMemoryAdapter()
	b := New(bAdapter, Config{ObjectCacheSize: 8, OrderCacheSize: 8})
	_, _, err = b.CreateObject("foo", mustObj(t, "b", float64(2)))
	require.NoError(t, err)
	_, err = b.Commit(nil)
	require.NoError(t, err)

	_, err = a.Meld(bAdapter)
	require.NoError(t, err)
	require.NoError(t, a.Refresh())
	require.Contains(t, a.InConflict(), "foo")

	leaves, err := a.GetConflicting("foo")
	require.NoError(t, err)
	require.Len(t, leaves, 1)

	resolved, err := a.ResolveAs("foo", leaves[0])
	require.NoError(t, err)
	assert.NotEmpty(t, resolved)
	assert.Empty(t, a.InConflict())
}

func TestReloadUntilDiscardsLaterCommit(t *testing.T) {
	r := newTestReplica(t)

	require.NoError(t, r.Update(mustObj(t, "_id", "@", "x", float64(1))))
	anchor1, err := r.Commit(nil)
	require.NoError(t, err)

	require.NoError(t, r.Update(mustObj(t, "_id", "@", "x", float64(2))))
	_, err = r.Commit(nil)
	require.NoError(t, err)

	require.NoError(t, r.ReloadUntil([]string{anchor1}))
	doc, err := r.Read()
	require.NoError(t, err)
	v, ok := doc.Get("x")
	require.True(t, ok)
	assert.Equal(t, json.Number("1"), v)
}

func TestStageAndReplayStageRoundTrip(t *testing.T) {
	r := newTestReplica(t)
	require.NoError(t, r.Update(mustObj(t, "_id", "@", "x", float64(1))))
	require.True(t, r.HasStage())

	staged, err := r.Stage()
	require.NoError(t, err)
	require.NotNil(t, staged)

	fresh := newTestReplica(t)
	require.NoError(t, fresh.ReplayStage(staged))
	assert.True(t, fresh.HasStage())

	_, err = fresh.Commit(nil)
	require.NoError(t, err)
	doc, err := fresh.Read()
	require.NoError(t, err)
	v, ok := doc.Get("x")
	require.True(t, ok)
	assert.Equal(t, json.Number("1"), v)
}

func TestGCKeepsReachablePacks(t *testing.T) {
	r := newTestReplica(t)

	require.NoError(t, r.Update(mustObj(t, "_id", "@", "x", float64(1))))
	_, err := r.Commit(nil)
	require.NoError(t, err)

	removed, err := r.GC()
	require.NoError(t, err)
	assert.Empty(t, removed)
}
