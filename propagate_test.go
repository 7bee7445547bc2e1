package relkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ledgerKind = AddKind(testReg, "ledger",
	F("entry", &StringField{}),
	F("customer", &RelationField{
		Kind:        "customer",
		RefKeys:     []string{"name"},
		Consistency: RelationalIgnore,
		UpdateLevel: UpdateOnRebuild,
	}),
)

func TestRebuildRefreshesStaleSnapshots(t *testing.T) {
	env := newTestEnv(t)
	cust := env.create(customerKind, map[string]any{"name": "Before"})
	ledger := env.create(ledgerKind, map[string]any{"entry": "opening", "customer": cust})
	env.drain()

	_, err := env.engine.Patch(env.ctx, cust, func(inst *Instance) error {
		inst.SetRaw("name", "After")
		return nil
	})
	require.NoError(t, err)
	env.drain()

	// Destination writes leave update-on-rebuild snapshots alone.
	rel, ok := env.get(ledger).Value("customer").(*Relation)
	require.True(t, ok)
	name, _ := rel.Dest.Get("name")
	assert.Equal(t, "Before", name)

	require.NoError(t, env.engine.ScheduleRebuild(env.ctx, "ledger"))
	env.drain()

	rel, ok = env.get(ledger).Value("customer").(*Relation)
	require.True(t, ok)
	name, _ = rel.Dest.Get("name")
	assert.Equal(t, "After", name)
}

func TestRebuildLeavesAssignmentSnapshotsFrozen(t *testing.T) {
	env := newTestEnv(t)
	cust := env.create(customerKind, map[string]any{"name": "Before"})
	arch := env.create(archiveKind, map[string]any{"customer": cust})
	env.drain()

	_, err := env.engine.Patch(env.ctx, cust, func(inst *Instance) error {
		inst.SetRaw("name", "After")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, env.engine.ScheduleRebuild(env.ctx, "archive"))
	env.drain()

	rel, ok := env.get(arch).Value("customer").(*Relation)
	require.True(t, ok)
	name, _ := rel.Dest.Get("name")
	assert.Equal(t, "Before", name)
}

func TestVacuumRelationsDropsOrphanedRows(t *testing.T) {
	env := newTestEnv(t)
	cust := env.create(customerKind, map[string]any{"name": "Alice"})
	order := env.create(orderKind, map[string]any{"title": "Widgets", "customer": cust})
	env.drain()

	// A leftover row from a kind that is no longer declared anywhere.
	ghost := NewRecord(IDKey(relationKind, 9001, NameKey("ghost", "g1", nil)))
	ghost.Set(propSrcKind, "ghost")
	ghost.Set(propSrcProperty, "customer")
	require.NoError(t, env.store.Put(env.ctx, ghost))

	// And one from a field the source kind never had.
	renamed := NewRecord(IDKey(relationKind, 9002, order))
	renamed.Set(propSrcKind, "order")
	renamed.Set(propSrcProperty, "owner")
	require.NoError(t, env.store.Put(env.ctx, renamed))

	env.engine.ScheduleVacuumRelations(env.ctx)
	env.drain()

	_, err := env.store.Get(env.ctx, ghost.Key)
	assert.True(t, IsNotFound(err))
	_, err = env.store.Get(env.ctx, renamed.Key)
	assert.True(t, IsNotFound(err))

	rows := mirrorRowsOf(t, env, order)
	assert.Len(t, rows, 1)
}

func TestRebuildUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.ScheduleRebuild(env.ctx, "no-such-kind")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestRebuildWalksInBatches(t *testing.T) {
	env := newTestEnv(t)
	cust := env.create(customerKind, map[string]any{"name": "Before"})
	var ledgers []*Key
	for i := 0; i < propagationBatch+2; i++ {
		ledgers = append(ledgers, env.create(ledgerKind, map[string]any{"entry": "e", "customer": cust}))
	}
	env.drain()

	_, err := env.engine.Patch(env.ctx, cust, func(inst *Instance) error {
		inst.SetRaw("name", "After")
		return nil
	})
	require.NoError(t, err)
	env.drain()

	require.NoError(t, env.engine.ScheduleRebuild(env.ctx, "ledger"))
	env.drain()

	for _, key := range ledgers {
		rel, ok := env.get(key).Value("customer").(*Relation)
		require.True(t, ok)
		name, _ := rel.Dest.Get("name")
		assert.Equal(t, "After", name)
	}
}
