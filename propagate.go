package relkv

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"
)

// Task names registered with the queue.
const (
	taskUpdateRelations  = "relkv.updateRelations"
	taskRemovedRelations = "relkv.removedRelations"
	taskVacuumBlobLocks  = "relkv.vacuumBlobLocks"
	taskVacuumRelations  = "relkv.vacuumRelations"
	taskRebuildKind      = "relkv.rebuildKind"
)

// propagationBatch is how many mirror rows one task invocation processes
// before re-scheduling itself with a continuation cursor.
const propagationBatch = 5

// maxCascadeDepth bounds how many levels a refresh or cascade delete may
// propagate through chained relations before giving up on a cycle.
const maxCascadeDepth = 8

type updateRelationsPayload struct {
	DestKey       string
	MinChangeTime time.Time
	ChangedFields []string
	Cursor        string
	Depth         int
}

type removedRelationsPayload struct {
	RemovedKey string
	Cursor     string
	Depth      int
}

type vacuumBlobLocksPayload struct {
	Stale  bool
	Cursor string
}

type rebuildKindPayload struct {
	Kind          string
	MinChangeTime time.Time
	Cursor        string
}

type vacuumRelationsPayload struct {
	Cursor string
}

func (e *Engine) schedule(ctx context.Context, name string, payload any) {
	if e.queue == nil {
		e.log.Debugw("no queue configured, dropping deferred task", "task", name)
		return
	}
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		e.log.Errorw("cannot encode deferred task", "task", name, "err", err)
		return
	}
	if _, err := e.queue.Schedule(ctx, name, raw); err != nil {
		e.log.Errorw("cannot schedule deferred task", "task", name, "err", err)
	}
}

func (e *Engine) scheduleUpdateRelations(ctx context.Context, destKey *Key, minChangeTime time.Time, changed []string, depth int) {
	if depth > maxCascadeDepth {
		e.log.Errorw("relation refresh exceeded cascade depth, stopping",
			"dest", destKey, "depth", depth)
		return
	}
	e.schedule(ctx, taskUpdateRelations, &updateRelationsPayload{
		DestKey:       destKey.Encode(),
		MinChangeTime: minChangeTime,
		ChangedFields: changed,
		Depth:         depth,
	})
}

func (e *Engine) scheduleRemovedRelations(ctx context.Context, removedKey *Key, depth int) {
	if depth > maxCascadeDepth {
		e.log.Errorw("cascade deletion exceeded depth, stopping",
			"removed", removedKey, "depth", depth)
		return
	}
	e.schedule(ctx, taskRemovedRelations, &removedRelationsPayload{
		RemovedKey: removedKey.Encode(),
		Depth:      depth,
	})
}

// ScheduleVacuumBlobLocks kicks off the blob lock vacuum: one pass over
// stale locks of deleted entities, one over live locks still carrying old
// references.
func (e *Engine) ScheduleVacuumBlobLocks(ctx context.Context) {
	e.schedule(ctx, taskVacuumBlobLocks, &vacuumBlobLocksPayload{Stale: true})
	e.schedule(ctx, taskVacuumBlobLocks, &vacuumBlobLocksPayload{Stale: false})
}

// ScheduleVacuumRelations walks the relation mirror and deletes rows whose
// source kind or source field is no longer declared in the registry,
// cleaning up after schema changes.
func (e *Engine) ScheduleVacuumRelations(ctx context.Context) {
	e.schedule(ctx, taskVacuumRelations, &vacuumRelationsPayload{})
}

func (e *Engine) handleVacuumRelations(ctx context.Context, raw []byte) error {
	e.counters.taskRuns.Add(1)
	var p vacuumRelationsPayload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "bad vacuumRelations payload")
	}
	res, err := e.store.RunQuery(ctx, &QueryRequest{
		Kind:   relationKind,
		Cursor: p.Cursor,
		Limit:  propagationBatch,
	})
	if err != nil {
		return err
	}
	for _, row := range res.Records {
		srcKind, _ := row.Get(propSrcKind)
		srcProp, _ := row.Get(propSrcProperty)
		kindName, _ := srcKind.(string)
		propName, _ := srcProp.(string)
		if e.relationFieldOf(kindName, propName) != nil {
			continue
		}
		if err := e.store.Delete(ctx, row.Key); err != nil {
			return err
		}
		e.log.Infow("vacuumed orphaned relation row",
			"row", row.Key, "srcKind", kindName, "srcProperty", propName)
	}
	if res.NextCursor != "" {
		p.Cursor = res.NextCursor
		e.schedule(ctx, taskVacuumRelations, &p)
	}
	return nil
}

func (e *Engine) relationFieldOf(kindName, field string) *RelationField {
	kind := e.reg.KindNamed(kindName)
	if kind == nil {
		return nil
	}
	bf := kind.byName[field]
	if bf == nil {
		return nil
	}
	rf, _ := bf.field.(*RelationField)
	return rf
}

// ScheduleRebuild walks every entity of a kind through the refresh path,
// bringing update-on-rebuild relation snapshots up to date.
func (e *Engine) ScheduleRebuild(ctx context.Context, kindName string) error {
	if e.reg.KindNamed(kindName) == nil {
		return errors.Errorf("unknown kind %q", kindName)
	}
	e.schedule(ctx, taskRebuildKind, &rebuildKindPayload{
		Kind:          kindName,
		MinChangeTime: e.now().UTC(),
	})
	return nil
}

// handleUpdateRelations refreshes the source entities whose relation
// snapshots went stale after a destination write. Rows already carrying an
// update tag at or past the change time were rewritten by someone else and
// are skipped.
func (e *Engine) handleUpdateRelations(ctx context.Context, raw []byte) error {
	e.counters.taskRuns.Add(1)
	var p updateRelationsPayload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "bad updateRelations payload")
	}
	destKey, err := DecodeKey(p.DestKey)
	if err != nil {
		return err
	}
	filters := []Filter{{Field: "dest." + keyProperty, Op: OpEq, Value: destKey}}
	if len(p.ChangedFields) == 1 {
		// Only rows mirroring the changed attribute need a refresh.
		filters = append(filters, Filter{Field: propForeignKeys, Op: OpEq, Value: p.ChangedFields[0]})
	}
	res, err := e.store.RunQuery(ctx, &QueryRequest{
		Kind:    relationKind,
		Filters: filters,
		Cursor:  p.Cursor,
		Limit:   propagationBatch,
	})
	if err != nil {
		return err
	}
	refreshed := make(map[string]bool, len(res.Records))
	for _, row := range res.Records {
		if lvl, _ := row.Get(propUpdateLevel); lvl != int64(UpdateAlways) {
			continue
		}
		if tag, _ := row.Get(propUpdateTag); tag != nil {
			if t, ok := tag.(time.Time); ok && !t.Before(p.MinChangeTime) {
				continue
			}
		}
		srcKey := row.Key.Parent
		if srcKey == nil || refreshed[srcKey.Encode()] {
			continue
		}
		refreshed[srcKey.Encode()] = true
		if err := e.refreshEntity(ctx, srcKey, p.MinChangeTime, p.Depth); err != nil {
			return err
		}
	}
	if res.NextCursor != "" {
		p.Cursor = res.NextCursor
		e.schedule(ctx, taskUpdateRelations, &p)
	}
	return nil
}

// handleRemovedRelations enforces relational consistency after a
// destination entity was deleted: set-null relations lose the value,
// cascade relations take their source entity down with them. Ignore and
// prevent-deletion rows need no work here.
func (e *Engine) handleRemovedRelations(ctx context.Context, raw []byte) error {
	e.counters.taskRuns.Add(1)
	var p removedRelationsPayload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "bad removedRelations payload")
	}
	removedKey, err := DecodeKey(p.RemovedKey)
	if err != nil {
		return err
	}
	res, err := e.store.RunQuery(ctx, &QueryRequest{
		Kind: relationKind,
		Filters: []Filter{
			{Field: "dest." + keyProperty, Op: OpEq, Value: removedKey},
			{Field: propConsistency, Op: OpGt, Value: int64(RelationalPreventDeletion)},
		},
		Cursor: p.Cursor,
		Limit:  propagationBatch,
	})
	if err != nil {
		return err
	}
	handled := make(map[string]bool, len(res.Records))
	for _, row := range res.Records {
		srcKey := row.Key.Parent
		if srcKey == nil || handled[srcKey.Encode()] {
			continue
		}
		handled[srcKey.Encode()] = true
		consistency, _ := row.Get(propConsistency)
		switch RelationalConsistency(toInt64(consistency)) {
		case RelationalSetNull:
			if err := e.setNullRelation(ctx, srcKey, mirrorRowSrcProperty(row), removedKey); err != nil {
				return err
			}
		case RelationalCascadeDeletion:
			if p.Depth >= maxCascadeDepth {
				e.log.Errorw("cascade deletion exceeded depth, leaving source in place",
					"src", srcKey, "removed", removedKey)
				continue
			}
			if err := e.deleteCascade(ctx, srcKey, p.Depth+1); err != nil {
				return err
			}
		}
	}
	if res.NextCursor != "" {
		p.Cursor = res.NextCursor
		e.schedule(ctx, taskRemovedRelations, &p)
	}
	return nil
}

// setNullRelation rewrites one source entity with every relation leaf
// pointing at the removed destination stripped out. The rewrite goes
// through the normal write path so the mirror row disappears with it.
func (e *Engine) setNullRelation(ctx context.Context, srcKey *Key, field string, removedKey *Key) error {
	kind := e.reg.KindNamed(srcKey.Kind)
	if kind == nil {
		e.log.Warnw("set-null for unknown kind", "src", srcKey)
		return nil
	}
	rec, err := e.store.Get(ctx, srcKey)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	inst := kind.NewInstance()
	if err := inst.Unserialize(rec); err != nil {
		return err
	}
	if kind.byName[field] == nil {
		e.log.Warnw("set-null for unknown field", "src", srcKey, "field", field)
		return nil
	}
	if !dropRelationsTo(inst, field, removedKey) {
		return nil
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
	e.log.Infow("relation cleared after destination deletion",
		"src", srcKey, "field", field, "removed", removedKey)
	if len(changed) > 0 {
		e.scheduleUpdateRelations(ctx, srcKey, now, changed, 0)
	}
	return nil
}

// deleteCascade deletes a source entity whose relation demands it,
// carrying the cascade depth into the follow-up cleanup task.
func (e *Engine) deleteCascade(ctx context.Context, key *Key, depth int) error {
	kind := e.reg.KindNamed(key.Kind)
	if kind == nil {
		e.log.Warnw("cascade deletion for unknown kind", "key", key)
		return nil
	}
	guarded, err := e.hasPreventingRelations(ctx, key)
	if err != nil {
		return err
	}
	if guarded {
		e.log.Warnw("cascade deletion blocked by a prevent-deletion relation", "key", key)
		return nil
	}
	err = e.deleteInTx(ctx, kind, key)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	e.counters.deletes.Add(1)
	e.log.Infow("entity cascade-deleted", "key", key, "depth", depth)
	e.scheduleRemovedRelations(ctx, key, depth)
	return nil
}

// handleVacuumBlobLocks releases blob references no longer held by any
// entity. Stale locks belong to deleted entities and disappear once their
// references are released; live locks only shed their old reference list.
func (e *Engine) handleVacuumBlobLocks(ctx context.Context, raw []byte) error {
	e.counters.taskRuns.Add(1)
	var p vacuumBlobLocksPayload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "bad vacuumBlobLocks payload")
	}
	filters := []Filter{{Field: propIsStale, Op: OpEq, Value: p.Stale}}
	if !p.Stale {
		filters = append(filters, Filter{Field: propHasOldBlobRefs, Op: OpEq, Value: true})
	}
	res, err := e.store.RunQuery(ctx, &QueryRequest{
		Kind:    blobLockKind,
		Filters: filters,
		Cursor:  p.Cursor,
		Limit:   propagationBatch,
	})
	if err != nil {
		return err
	}
	var errs error
	for _, lock := range res.Records {
		if err := e.vacuumBlobLock(ctx, lock, p.Stale); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "lock %v", lock.Key))
		}
	}
	if errs != nil {
		// The retry re-runs this batch; the continuation is not lost.
		return errs
	}
	if res.NextCursor != "" {
		p.Cursor = res.NextCursor
		e.schedule(ctx, taskVacuumBlobLocks, &p)
	}
	return nil
}

func (e *Engine) vacuumBlobLock(ctx context.Context, lock *Record, stale bool) error {
	for _, ref := range stringListValue(lock, propOldBlobRefs) {
		held, err := e.blobStillReferenced(ctx, ref)
		if err != nil {
			return err
		}
		if held {
			continue
		}
		if e.releaseBlob != nil {
			if err := e.releaseBlob(ctx, ref); err != nil {
				return err
			}
		}
		e.log.Infow("blob released", "blob", ref, "lock", lock.Key)
	}
	if stale {
		return e.store.Delete(ctx, lock.Key)
	}
	lock.Set(propOldBlobRefs, nil)
	lock.Set(propHasOldBlobRefs, false)
	return e.store.Put(ctx, lock)
}

func (e *Engine) blobStillReferenced(ctx context.Context, ref string) (bool, error) {
	res, err := e.store.RunQuery(ctx, &QueryRequest{
		Kind:     blobLockKind,
		Filters:  []Filter{{Field: propActiveBlobRefs, Op: OpEq, Value: ref}},
		Limit:    1,
		KeysOnly: true,
	})
	if err != nil {
		return false, err
	}
	return len(res.Records) > 0, nil
}

// handleRebuildKind walks a kind in batches and rewrites each entity
// through the refresh path, renewing every relation snapshot including
// update-on-rebuild ones.
func (e *Engine) handleRebuildKind(ctx context.Context, raw []byte) error {
	e.counters.taskRuns.Add(1)
	var p rebuildKindPayload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "bad rebuildKind payload")
	}
	res, err := e.store.RunQuery(ctx, &QueryRequest{
		Kind:     p.Kind,
		Cursor:   p.Cursor,
		Limit:    propagationBatch,
		KeysOnly: true,
	})
	if err != nil {
		return err
	}
	for _, rec := range res.Records {
		if err := e.refreshEntity(ctx, rec.Key, p.MinChangeTime, 0); err != nil {
			return err
		}
	}
	if res.NextCursor != "" {
		p.Cursor = res.NextCursor
		e.schedule(ctx, taskRebuildKind, &p)
	}
	return nil
}
