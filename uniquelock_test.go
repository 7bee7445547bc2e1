package relkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var handleKind = AddKind(testReg, "handle",
	F("nick", &StringField{BaseField: BaseField{
		Unique: &UniqueSpec{LockEmpty: true, Message: "nick taken"},
	}}),
)

func TestUniqueValueConflict(t *testing.T) {
	env := newTestEnv(t)
	env.create(customerKind, map[string]any{"name": "First", "email": "shared@example.com"})

	inst := customerKind.NewInstance()
	require.True(t, inst.FromInput(map[string]any{"name": "Second", "email": "shared@example.com"}, false))
	_, err := env.engine.Put(env.ctx, inst)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "email already registered")
	assert.Equal(t, int64(1), env.engine.Stats().LockConflicts)
}

func TestUniqueLockRecordShape(t *testing.T) {
	env := newTestEnv(t)
	key := env.create(customerKind, map[string]any{"name": "Holder", "email": "holder@example.com"})

	hashes := uniqueLockHashes(&UniqueSpec{}, "holder@example.com")
	require.Len(t, hashes, 1)
	lock, err := env.store.Get(env.ctx, NameKey("customer_email_uniquePropertyIndex", hashes[0], nil))
	require.NoError(t, err)
	ref, _ := lock.Get("references")
	assert.Equal(t, key.IDOrName(), ref)
}

func TestUniqueLockReleasedOnEdit(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(customerKind, map[string]any{"name": "First", "email": "was@example.com"})

	_, err := env.engine.Patch(env.ctx, first, func(inst *Instance) error {
		inst.SetRaw("email", "now@example.com")
		return nil
	})
	require.NoError(t, err)

	// The old value is free again.
	env.create(customerKind, map[string]any{"name": "Second", "email": "was@example.com"})

	// The new value is held.
	inst := customerKind.NewInstance()
	require.True(t, inst.FromInput(map[string]any{"name": "Third", "email": "now@example.com"}, false))
	_, err = env.engine.Put(env.ctx, inst)
	assert.True(t, IsConflict(err))
}

func TestUniqueLockReleasedOnDelete(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(customerKind, map[string]any{"name": "First", "email": "gone@example.com"})
	require.NoError(t, env.engine.Delete(env.ctx, first))
	env.drain()

	env.create(customerKind, map[string]any{"name": "Second", "email": "gone@example.com"})
}

func TestRewriteKeepsOwnLock(t *testing.T) {
	env := newTestEnv(t)
	key := env.create(customerKind, map[string]any{"name": "Same", "email": "same@example.com"})

	// Rewriting the entity with an unchanged unique value must not
	// conflict with itself.
	_, err := env.engine.Patch(env.ctx, key, func(inst *Instance) error {
		inst.SetRaw("name", "Same Renamed")
		return nil
	})
	require.NoError(t, err)
}

func TestSameSetLockIgnoresOrder(t *testing.T) {
	env := newTestEnv(t)
	env.create(teamKind, map[string]any{"label": "one", "members": []any{"ada", "bob"}})

	inst := teamKind.NewInstance()
	require.True(t, inst.FromInput(map[string]any{"label": "two", "members": []any{"bob", "ada"}}, false))
	_, err := env.engine.Put(env.ctx, inst)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "member set already exists")

	// A different set is fine.
	env.create(teamKind, map[string]any{"label": "three", "members": []any{"ada"}})
}

func TestLockEmptyGuardsEmptyValue(t *testing.T) {
	env := newTestEnv(t)
	env.create(handleKind, map[string]any{})

	inst := handleKind.NewInstance()
	require.True(t, inst.FromInput(map[string]any{}, false))
	_, err := env.engine.Put(env.ctx, inst)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestCorruptedLockSkippedOnRelease(t *testing.T) {
	env := newTestEnv(t)
	key := env.create(customerKind, map[string]any{"name": "Victim", "email": "victim@example.com"})

	hashes := uniqueLockHashes(&UniqueSpec{}, "victim@example.com")
	require.NoError(t, env.store.Delete(env.ctx, NameKey("customer_email_uniquePropertyIndex", hashes[0], nil)))

	// Releasing a vanished lock is logged, not fatal.
	_, err := env.engine.Patch(env.ctx, key, func(inst *Instance) error {
		inst.SetRaw("email", "fresh@example.com")
		return nil
	})
	require.NoError(t, err)
}

func TestUniqueHashesTypePrefixed(t *testing.T) {
	assert.NotEqual(t, hashUniqueValue("1"), hashUniqueValue(int64(1)))
	assert.NotEqual(t, hashUniqueValue("true"), hashUniqueValue(true))
	assert.Equal(t, hashUniqueValue(int64(7)), hashUniqueValue(7))

	parent := NameKey("folder", "docs", nil)
	assert.NotEqual(t,
		hashUniqueValue(NameKey("file", "a", parent)),
		hashUniqueValue(NameKey("file", "a", nil)))
	assert.Equal(t,
		hashUniqueValue(NameKey("file", "a", parent)),
		hashUniqueValue(NameKey("file", "a", NameKey("folder", "docs", nil))))
}

func TestSameSetHashes(t *testing.T) {
	spec := &UniqueSpec{Method: SameSet}
	a := uniqueLockHashes(spec, []any{"x", "y", "y"})
	b := uniqueLockHashes(spec, []any{"y", "x"})
	require.Len(t, a, 1)
	assert.Equal(t, a, b)

	listSpec := &UniqueSpec{Method: SameList}
	c := uniqueLockHashes(listSpec, []any{"x", "y"})
	d := uniqueLockHashes(listSpec, []any{"y", "x"})
	assert.NotEqual(t, c, d)
}
