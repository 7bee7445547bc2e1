package relkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blobLockOf(t *testing.T, env *testEnv, owner *Key) *Record {
	t.Helper()
	lock, err := env.store.Get(env.ctx, blobLockKey(owner))
	require.NoError(t, err)
	return lock
}

func TestBlobLockLifecycle(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(docKind, map[string]any{
		"title":       "manual",
		"attachments": []any{"a.png", "b.png"},
	})

	lock := blobLockOf(t, env, doc)
	assert.Equal(t, []string{"a.png", "b.png"}, stringListValue(lock, "active_blob_references"))
	assert.Empty(t, stringListValue(lock, "old_blob_references"))
	stale, _ := lock.Get("is_stale")
	assert.Equal(t, false, stale)

	// Dropping a reference moves it to the old set for the vacuum pass.
	_, err := env.engine.Patch(env.ctx, doc, func(inst *Instance) error {
		inst.SetRaw("attachments", []any{"b.png", "c.png"})
		return nil
	})
	require.NoError(t, err)

	lock = blobLockOf(t, env, doc)
	assert.Equal(t, []string{"b.png", "c.png"}, stringListValue(lock, "active_blob_references"))
	assert.Equal(t, []string{"a.png"}, stringListValue(lock, "old_blob_references"))
	hasOld, _ := lock.Get("has_old_blob_references")
	assert.Equal(t, true, hasOld)

	// Deletion marks the lock stale with everything queued for release.
	require.NoError(t, env.engine.Delete(env.ctx, doc))
	env.drain()

	lock = blobLockOf(t, env, doc)
	assert.Empty(t, stringListValue(lock, "active_blob_references"))
	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, stringListValue(lock, "old_blob_references"))
	stale, _ = lock.Get("is_stale")
	assert.Equal(t, true, stale)
}

func TestNoBlobLockWithoutReferences(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(docKind, map[string]any{"title": "plain"})
	_, err := env.store.Get(env.ctx, blobLockKey(doc))
	assert.True(t, IsNotFound(err))
}

func TestVacuumReleasesOnlyUnreferencedBlobs(t *testing.T) {
	env := newTestEnv(t)
	doc1 := env.create(docKind, map[string]any{
		"title":       "one",
		"attachments": []any{"shared.png", "solo.png"},
	})
	env.create(docKind, map[string]any{
		"title":       "two",
		"attachments": []any{"shared.png"},
	})

	_, err := env.engine.Patch(env.ctx, doc1, func(inst *Instance) error {
		inst.SetRaw("attachments", nil)
		return nil
	})
	require.NoError(t, err)

	env.engine.ScheduleVacuumBlobLocks(env.ctx)
	env.drain()

	// shared.png is still active on the second document.
	assert.ElementsMatch(t, []string{"solo.png"}, env.releasedBlobs())

	lock := blobLockOf(t, env, doc1)
	assert.Empty(t, stringListValue(lock, "old_blob_references"))
	hasOld, _ := lock.Get("has_old_blob_references")
	assert.Equal(t, false, hasOld)
}

func TestVacuumDeletesStaleLocks(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(docKind, map[string]any{
		"title":       "short lived",
		"attachments": []any{"gone.png"},
	})
	require.NoError(t, env.engine.Delete(env.ctx, doc))
	env.drain()

	env.engine.ScheduleVacuumBlobLocks(env.ctx)
	env.drain()

	assert.ElementsMatch(t, []string{"gone.png"}, env.releasedBlobs())
	_, err := env.store.Get(env.ctx, blobLockKey(doc))
	assert.True(t, IsNotFound(err))
}
