package revision

import (
	"testing"

	"deltacrdt/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextRoundTrip(t *testing.T) {
	root := New(1, "abc123", nil)
	assert.Equal(t, "1-abc123", root.Text())

	child := NewUpdated("def456", root)
	assert.Equal(t, uint32(2), child.Index())
	assert.NotEmpty(t, child.Tail())

	parsed, err := From(child.Text())
	require.NoError(t, err)
	assert.True(t, child.Equal(parsed))
	assert.Equal(t, child.Digest(), parsed.Digest())
	assert.Equal(t, child.Tail(), parsed.Tail())
}

func TestFromRejectsMalformed(t *testing.T) {
	_, err := From("not-a-revision")
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrMalformedInput))
}

func TestSentinelConstructors(t *testing.T) {
	root := New(1, "abc123", nil)

	deleted := NewDeleted(root)
	assert.True(t, deleted.IsDeleted())
	assert.False(t, deleted.IsResolved())
	assert.False(t, deleted.IsEmpty())

	resolved := NewResolved(root)
	assert.True(t, resolved.IsResolved())

	empty := NewEmpty(root)
	assert.True(t, empty.IsEmpty())
}

func TestLessOrdersByIndexThenText(t *testing.T) {
	r1 := New(1, "aaa", nil)
	r2a := NewUpdated("bbb", r1)
	r2b := NewUpdated("ccc", r1)

	assert.True(t, r1.Less(r2a))
	assert.False(t, r2a.Less(r1))

	if r2a.Text() < r2b.Text() {
		assert.True(t, r2a.Less(r2b))
	} else {
		assert.True(t, r2b.Less(r2a))
	}
}

func TestResolvedSentinelAlwaysLoses(t *testing.T) {
	root := New(1, "aaa", nil)
	resolved := NewResolved(root)
	// The resolved sentinel loses to an ordinary revision on the same chain.
	hi := root
	for i := 0; i < 5; i++ {
		hi = NewUpdated("x", hi)
	}

	assert.True(t, resolved.Less(hi))
	assert.False(t, hi.Less(resolved))
}

func TestTwoResolvedRevisionsCompareLexicographically(t *testing.T) {
	root := New(1, "aaa", nil)
	a := NewResolved(root)
	b := NewResolved(NewUpdated("zzz", root))

	less := a.Less(b)
	assert.Equal(t, a.Text() < b.Text(), less)
}

func TestMaxReturnsGreater(t *testing.T) {
	root := New(1, "aaa", nil)
	child := NewUpdated("bbb", root)

	assert.True(t, Max(root, child).Equal(child))
	assert.True(t, Max(child, root).Equal(child))
}

func TestIsCharcode(t *testing.T) {
	assert.True(t, New(1, "1f", nil).IsCharcode())
	assert.True(t, New(1, "abcdef12", nil).IsCharcode())
	assert.False(t, New(1, "zzzzzzzzzzzzzz", nil).IsCharcode())
	assert.False(t, New(1, common.SentinelDeleted, nil).IsCharcode())
	assert.False(t, New(1, common.SentinelResolved, nil).IsCharcode())
	assert.False(t, New(1, common.SentinelEmpty, nil).IsCharcode())
}

func TestIsZero(t *testing.T) {
	var r Revision
	assert.True(t, r.IsZero())
	assert.False(t, New(1, "aaa", nil).IsZero())
}
