package relkv

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relkv/relkv/taskq"
)

// Engine ties a schema registry to a store and drives every consistency
// concern of a write: validation, unique locks, the relation mirror, blob
// locks and the deferred propagation tasks that follow a commit.
type Engine struct {
	store       Store
	reg         *Registry
	log         *zap.SugaredLogger
	queue       *taskq.Queue
	now         func() time.Time
	releaseBlob func(ctx context.Context, name string) error
	counters    engineCounters
}

type Options struct {
	Logger *zap.SugaredLogger
	Queue  *taskq.Queue
	Clock  func() time.Time

	// ReleaseBlob is invoked by the blob lock vacuum for blobs no entity
	// references anymore, typically deleting them from object storage.
	ReleaseBlob func(ctx context.Context, name string) error
}

func New(store Store, reg *Registry, opt Options) *Engine {
	reg.Seal()
	e := &Engine{
		store:       store,
		reg:         reg,
		log:         opt.Logger,
		queue:       opt.Queue,
		now:         opt.Clock,
		releaseBlob: opt.ReleaseBlob,
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.queue != nil {
		e.queue.Register(taskUpdateRelations, e.handleUpdateRelations)
		e.queue.Register(taskRemovedRelations, e.handleRemovedRelations)
		e.queue.Register(taskVacuumBlobLocks, e.handleVacuumBlobLocks)
		e.queue.Register(taskVacuumRelations, e.handleVacuumRelations)
		e.queue.Register(taskRebuildKind, e.handleRebuildKind)
	}
	return e
}

func (e *Engine) Store() Store { return e.store }

func (e *Engine) Registry() *Registry { return e.reg }

// Entity-level bookkeeping properties.
const (
	propEntityUpdateTag  = "viur_delayed_update_tag"
	propEntitySearchTags = "viur_search_tags"
)

// Put writes an instance: new entities get a key allocated, existing ones
// are updated in place. The whole write is one transaction covering the
// entity, its mirror rows and its locks; destination refreshes for other
// entities referencing this one are deferred past the commit.
func (e *Engine) Put(ctx context.Context, inst *Instance) (*Key, error) {
	if inst.key == nil {
		inst.key = IncompleteKey(inst.kind.Name, nil)
	}
	if err := applyComputes(inst); err != nil {
		return nil, err
	}
	if err := e.resolveRelations(ctx, inst); err != nil {
		return nil, err
	}
	now := e.now().UTC()

	var changed []string
	err := withContentionRetries(ctx, func() error {
		return e.store.RunInTransaction(ctx, func(tx Txn) error {
			return e.putInTx(ctx, tx, inst, now, &changed)
		})
	})
	if err != nil {
		if IsConflict(err) {
			e.counters.lockConflicts.Add(1)
		}
		return nil, err
	}
	e.counters.puts.Add(1)
	e.log.Debugw("entity written", "key", inst.key, "changed", changed)
	if len(changed) > 0 {
		e.scheduleUpdateRelations(ctx, inst.key, now, changed, 0)
	}
	return inst.key, nil
}

func (e *Engine) putInTx(ctx context.Context, tx Txn, inst *Instance, now time.Time, changed *[]string) error {
	if inst.key.Incomplete() {
		key, err := tx.AllocateID(ctx, inst.key)
		if err != nil {
			return err
		}
		inst.key = key
	}

	var oldRec *Record
	var oldHashes map[string][]string
	rec, err := tx.Get(ctx, inst.key)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if rec != nil {
		oldRec = rec
		prev := inst.kind.NewInstance()
		if err := prev.Unserialize(oldRec); err != nil {
			return err
		}
		oldHashes = instanceUniqueHashes(prev)
	}

	newRec, err := inst.Serialize()
	if err != nil {
		return err
	}
	newRec.Set(propEntityUpdateTag, now)
	if tags := collectSearchTags(inst); len(tags) > 0 {
		newRec.Set(propEntitySearchTags, stringList(tags))
	}

	newHashes := instanceUniqueHashes(inst)
	for _, bf := range inst.kind.uniques {
		if err := acquireUniqueLocks(ctx, tx, inst.kind, bf.name, bf.field.Base().Unique,
			inst.key, oldHashes[bf.name], newHashes[bf.name]); err != nil {
			return err
		}
	}

	if err := tx.Put(ctx, newRec); err != nil {
		return err
	}
	rowsPut, rowsPruned, err := reconcileRelations(ctx, tx, inst, newRec, now)
	if err != nil {
		return err
	}
	e.counters.mirrorRowsPut.Add(int64(rowsPut))
	e.counters.mirrorRowsPruned.Add(int64(rowsPruned))
	if err := updateBlobLock(ctx, tx, inst.key, collectBlobRefs(inst)); err != nil {
		return err
	}
	for _, bf := range inst.kind.uniques {
		if err := releaseUniqueLocks(ctx, tx, e.log, inst.kind, bf.name,
			inst.key, oldHashes[bf.name], newHashes[bf.name]); err != nil {
			return err
		}
	}

	*changed = changedFields(inst.kind, oldRec, newRec)
	return nil
}

// changedFields lists the schema fields whose stored form differs between
// two revisions. New entities report every stored field.
func changedFields(kind *Kind, oldRec, newRec *Record) []string {
	var out []string
	for _, bf := range kind.fields {
		nv, nok := newRec.Get(bf.name)
		if oldRec == nil {
			if nok && nv != nil {
				out = append(out, bf.name)
			}
			continue
		}
		ov, ook := oldRec.Get(bf.name)
		if nok != ook || !equalValues(ov, nv) {
			out = append(out, bf.name)
		}
	}
	return out
}

func collectSearchTags(inst *Instance) []string {
	var tags []string
	for _, bf := range inst.kind.fields {
		st, ok := bf.field.(searchTagger)
		if !ok {
			continue
		}
		tags = append(tags, st.SearchTags(inst, bf.name)...)
	}
	return dedupeStrings(tags)
}

// resolveRelations fetches the destination entity of every assigned
// relation and snapshots its mirrored fields. This runs before the write
// transaction: destinations live in foreign entity groups and their
// snapshot only has to be as fresh as the moment of assignment.
func (e *Engine) resolveRelations(ctx context.Context, inst *Instance) error {
	var pending []*Relation
	var fields []string
	for _, bf := range inst.kind.rels {
		for _, rel := range relationValues(inst, bf.name) {
			if rel.Dest != nil && !inst.accessed[bf.name] {
				continue
			}
			pending = append(pending, rel)
			fields = append(fields, bf.name)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	keys := make([]*Key, len(pending))
	for i, rel := range pending {
		keys[i] = rel.DestKey
	}
	recs, err := e.store.GetMulti(ctx, keys)
	if err != nil {
		return err
	}
	for i, rel := range pending {
		if recs[i] == nil {
			return fieldErr(fields[i], SeverityInvalid,
				"referenced entity "+rel.DestKey.String()+" does not exist")
		}
		rf := inst.kind.byName[fields[i]].field.(*RelationField)
		rel.Dest = rf.snapshot(rel.DestKey, recs[i])
	}
	return nil
}

// refreshEntity re-resolves the relation snapshots of one entity from
// current destination data, except assignment-frozen ones, and rewrites the
// entity through the normal write path.
// Deeper propagation for entities referencing this one is scheduled with
// the given depth so cascades stay bounded.
func (e *Engine) refreshEntity(ctx context.Context, key *Key, minChangeTime time.Time, depth int) error {
	kind := e.reg.KindNamed(key.Kind)
	if kind == nil {
		e.log.Warnw("refresh for unknown kind", "key", key)
		return nil
	}
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if tag, ok := rec.Get(propEntityUpdateTag); ok {
		if t, ok := tag.(time.Time); ok && !t.Before(minChangeTime) {
			// Already rewritten after the change we are reacting to.
			return nil
		}
	}
	inst := kind.NewInstance()
	if err := inst.Unserialize(rec); err != nil {
		return err
	}
	for _, bf := range kind.rels {
		if bf.field.(*RelationField).UpdateLevel == UpdateOnValueAssignment {
			// These snapshots change only when a client assigns the value.
			continue
		}
		inst.accessed[bf.name] = true
	}
	if err := e.resolveRelations(ctx, inst); err != nil {
		if fe, ok := err.(*FieldError); ok {
			// A destination vanished while we were catching up; the
			// removal task owns that cleanup.
			e.log.Infow("skipping refresh of dangling relation", "key", key, "err", fe)
			return nil
		}
		return err
	}
	now := e.now().UTC()
	var changed []string
	err = withContentionRetries(ctx, func() error {
		return e.store.RunInTransaction(ctx, func(tx Txn) error {
			return e.putInTx(ctx, tx, inst, now, &changed)
		})
	})
	if err != nil {
		return err
	}
	e.counters.refreshes.Add(1)
	if len(changed) > 0 {
		e.scheduleUpdateRelations(ctx, key, now, changed, depth+1)
	}
	return nil
}
