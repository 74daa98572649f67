package flatten

import (
	"testing"

	"deltacrdt/internal/common"
	"deltacrdt/internal/ojson"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenScalarFieldsPassThroughWithoutRecursion(t *testing.T) {
	root := ojson.NewMap()
	root.Set("name", "alice")
	root.Set("age", float64(30)) // plain scalar, no ♭ suffix

	c := Accumulator{}
	id, err := Flatten(c, root, nil)
	require.NoError(t, err)
	assert.Equal(t, common.RootID, id)

	stored := c[common.RootID]
	nameVal, _ := stored.Get("name")
	assert.Equal(t, common.StringEscapePrefix+"alice", nameVal)
	ageVal, _ := stored.Get("age")
	assert.Equal(t, float64(30), ageVal) // untouched, not escaped
}

func TestFlattenPromotesNestedObjectOnlyThroughFlattenSuffix(t *testing.T) {
	child := ojson.NewMap()
	child.Set("x", "y")

	root := ojson.NewMap()
	root.Set("child"+common.FlattenSuffix, child)

	c := Accumulator{}
	_, err := Flatten(c, root, nil)
	require.NoError(t, err)

	// The child object must have been promoted into its own entry in c,
	// addressed by identifier, and the root's field replaced by that id.
	stored := c[common.RootID]
	fieldVal, ok := stored.Get("child" + common.FlattenSuffix)
	assert.True(t, ok)
	childID, ok := fieldVal.(string)
	assert.True(t, ok)
	assert.Contains(t, c, childID)
}

func TestFlattenArrayFieldBuildsDescriptor(t *testing.T) {
	root := ojson.NewMap()
	root.Set("items"+common.FlattenSuffix, []any{"a", "b"})

	c := Accumulator{}
	_, err := Flatten(c, root, nil)
	require.NoError(t, err)

	stored := c[common.RootID]
	descID, _ := stored.Get("items" + common.FlattenSuffix)
	descIDStr, ok := descID.(string)
	require.True(t, ok)
	assert.True(t, len(descIDStr) > 0 && descIDStr[:len(common.ArrayDescPrefix)] == common.ArrayDescPrefix)

	desc, ok := c[descIDStr]
	require.True(t, ok)
	order, ok := desc.Get(common.ArrayDescOrderField)
	require.True(t, ok)
	arr, ok := order.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	child := ojson.NewMap()
	child.Set("greeting", "hi")

	root := ojson.NewMap()
	root.Set("name", "alice")
	root.Set("friend"+common.FlattenSuffix, child)

	c := Accumulator{}
	id, err := Flatten(c, root, nil)
	require.NoError(t, err)

	restored := Unflatten(c, id)
	restoredMap, ok := restored.(*ojson.Map)
	require.True(t, ok)

	name, _ := restoredMap.Get("name")
	assert.Equal(t, "alice", name)

	friend, _ := restoredMap.Get("friend" + common.FlattenSuffix)
	friendMap, ok := friend.(*ojson.Map)
	require.True(t, ok)
	greeting, _ := friendMap.Get("greeting")
	assert.Equal(t, "hi", greeting)
}

func TestExplicitIdentifierMustNotUseArrayDescriptorPrefix(t *testing.T) {
	obj := ojson.NewMap()
	obj.Set(common.IdentifierFieldKey, common.ArrayDescPrefix+"bad")

	c := Accumulator{}
	_, err := Flatten(c, obj, nil)
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrMalformedInput))
}

func TestExplicitIdentifierIsHonored(t *testing.T) {
	obj := ojson.NewMap()
	obj.Set(common.IdentifierFieldKey, "custom-id")
	obj.Set("x", "y")

	c := Accumulator{}
	id, err := Flatten(c, obj, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom-id", id)
	_, ok := c["custom-id"].Get(common.IdentifierFieldKey)
	assert.False(t, ok) // identifier field is never copied into stored map
}
