package relkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEncodeDecodeRoundTrip(t *testing.T) {
	keys := []*Key{
		IDKey("customer", 42, nil),
		NameKey("customer", "alice", nil),
		IDKey("order", 7, NameKey("customer", "alice", nil)),
		NameKey("viur-relations", "row", IDKey("order", 7, IDKey("customer", 1, nil))),
		NameKey("doc", "weird!name:with%chars#here", nil),
		NameKey("doc", "#42", nil), // a name that looks like a numeric id
	}
	for _, key := range keys {
		decoded, err := DecodeKey(key.Encode())
		require.NoError(t, err, "key %v", key)
		assert.True(t, key.Equal(decoded), "round trip of %v gave %v", key, decoded)
	}
}

func TestKeyEncodeDistinguishesIDFromName(t *testing.T) {
	byID := IDKey("thing", 42, nil)
	byName := NameKey("thing", "42", nil)
	assert.NotEqual(t, byID.Encode(), byName.Encode())
	assert.False(t, byID.Equal(byName))
}

func TestDecodeKeyRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "nocolon", "kind:#notanumber", ":noname", "kind:a!bad"} {
		_, err := DecodeKey(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestKeyGroupsAndAncestry(t *testing.T) {
	root := NameKey("customer", "alice", nil)
	child := IDKey("order", 1, root)
	grandchild := IDKey("viur-relations", 2, child)

	assert.True(t, grandchild.Root().Equal(root))
	assert.True(t, child.SameGroup(grandchild))
	assert.False(t, child.SameGroup(NameKey("customer", "bob", nil)))

	assert.True(t, grandchild.HasAncestor(root))
	assert.True(t, grandchild.HasAncestor(grandchild))
	assert.False(t, root.HasAncestor(child))
}

func TestIncompleteKey(t *testing.T) {
	key := IncompleteKey("customer", nil)
	assert.True(t, key.Incomplete())
	assert.False(t, IDKey("customer", 1, nil).Incomplete())
	assert.False(t, NameKey("customer", "x", nil).Incomplete())
}
