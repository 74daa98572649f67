package revtree

import (
	"testing"

	"deltacrdt/internal/revision"

	"github.com/stretchr/testify/assert"
)

func TestAddIsIdempotent(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)

	assert.True(t, tr.Add(r1, nil, true))
	assert.False(t, tr.Add(r1, nil, true))
}

func TestLeavesExcludesParents(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)
	r2 := revision.NewUpdated("bbb", r1)

	tr.Add(r1, nil, true)
	tr.Add(r2, &r1, true)

	leaves := tr.Leaves()
	assert.Len(t, leaves, 1)
	assert.True(t, leaves[0].Equal(r2))
}

func TestLeavesExcludesResolvedSentinels(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)
	resolved := revision.NewResolved(r1)

	tr.Add(r1, nil, true)
	tr.Add(resolved, &r1, true)

	// r1 is now resolved's parent so it's excluded on that basis too;
	// add a second, competing leaf from r1 to prove resolved doesn't
	// count as a leaf in its own right.
	r2 := revision.NewUpdated("bbb", r1)
	tr.Add(r2, &r1, true)

	leaves := tr.Leaves()
	assert.Len(t, leaves, 1)
	assert.True(t, leaves[0].Equal(r2))
}

func TestWinnerPicksMaxUnderTotalOrder(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)
	r2a := revision.NewUpdated("bbb", r1)
	r2b := revision.NewUpdated("ccc", r1)

	tr.Add(r1, nil, true)
	tr.Add(r2a, &r1, true)
	tr.Add(r2b, &r1, true)

	winner, ok := tr.Winner()
	assert.True(t, ok)
	assert.True(t, winner.Equal(revision.Max(r2a, r2b)))
}

func TestInConflictRequiresMultipleLeaves(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)
	tr.Add(r1, nil, true)
	assert.False(t, tr.InConflict())

	r2a := revision.NewUpdated("bbb", r1)
	r2b := revision.NewUpdated("ccc", r1)
	tr.Add(r2a, &r1, true)
	tr.Add(r2b, &r1, true)
	assert.True(t, tr.InConflict())

	conflicting := tr.Conflicting()
	assert.Len(t, conflicting, 1)
}

func TestUnstageDropsOnlyStagedEdges(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)
	tr.Add(r1, nil, false) // committed
	r2 := revision.NewUpdated("bbb", r1)
	tr.Add(r2, &r1, true) // staged

	tr.Unstage()

	assert.True(t, tr.Has(r1))
	assert.False(t, tr.Has(r2))
}

func TestCommitClearsStagingBits(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)
	tr.Add(r1, nil, true)

	assert.True(t, tr.IsStaged(r1))
	tr.Commit()
	assert.False(t, tr.IsStaged(r1))

	tr.Unstage() // should no longer drop r1
	assert.True(t, tr.Has(r1))
}

func TestGetParent(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)
	r2 := revision.NewUpdated("bbb", r1)
	tr.Add(r1, nil, true)
	tr.Add(r2, &r1, true)

	parent, ok := tr.GetParent(r2)
	assert.True(t, ok)
	assert.True(t, parent.Equal(r1))

	_, ok = tr.GetParent(r1)
	assert.False(t, ok)
}

func TestStagedEdgesReflectsShape(t *testing.T) {
	tr := New()
	r1 := revision.New(1, "aaa", nil)
	r2 := revision.NewUpdated("bbb", r1)
	tr.Add(r1, nil, true)
	tr.Add(r2, &r1, true)

	edges := tr.StagedEdges()
	assert.Len(t, edges, 2)
	for _, e := range edges {
		if e.Revision.Equal(r1) {
			assert.False(t, e.HasParent)
		} else {
			assert.True(t, e.HasParent)
			assert.True(t, e.Parent.Equal(r1))
		}
	}
}

func TestForestGetOrCreate(t *testing.T) {
	f := NewForest()
	t1 := f.GetOrCreate("obj-a")
	t2 := f.GetOrCreate("obj-a")
	assert.Same(t, t1, t2)

	assert.Equal(t, 1, f.Len())
	f.Drop("obj-a")
	assert.Equal(t, 0, f.Len())
}
