package relkv

import (
	"context"

	"github.com/pkg/errors"
)

// Delete removes an entity together with its mirror rows and locks. When
// any relation with prevent-deletion consistency points at the entity the
// delete is refused. Cleanup of relations held by other entities is
// deferred past the commit.
func (e *Engine) Delete(ctx context.Context, key *Key) error {
	kind := e.reg.KindNamed(key.Kind)
	if kind == nil {
		return errors.Errorf("unknown kind %q", key.Kind)
	}

	// Relations guarding this entity live in foreign entity groups, so
	// the check runs before the transaction. A relation assigned in the
	// gap wins the race the same way it does on the real transport.
	guarded, err := e.hasPreventingRelations(ctx, key)
	if err != nil {
		return err
	}
	if guarded {
		return errors.Wrapf(ErrLocked, "%v is referenced by a relation preventing deletion", key)
	}

	if err := e.deleteInTx(ctx, kind, key); err != nil {
		return err
	}
	e.counters.deletes.Add(1)
	e.log.Debugw("entity deleted", "key", key)
	e.scheduleRemovedRelations(ctx, key, 0)
	return nil
}

// deleteInTx removes the entity, its mirror rows and its locks in one
// transaction.
func (e *Engine) deleteInTx(ctx context.Context, kind *Kind, key *Key) error {
	return withContentionRetries(ctx, func() error {
		return e.store.RunInTransaction(ctx, func(tx Txn) error {
			rec, err := tx.Get(ctx, key)
			if err != nil {
				return err
			}
			prev := kind.NewInstance()
			if err := prev.Unserialize(rec); err != nil {
				return err
			}
			hashes := instanceUniqueHashes(prev)
			for _, bf := range kind.uniques {
				if err := releaseUniqueLocks(ctx, tx, e.log, kind, bf.name, key, hashes[bf.name], nil); err != nil {
					return err
				}
			}
			rows, err := relationRowsFor(ctx, tx, key)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := tx.Delete(ctx, row.Key); err != nil {
					return err
				}
			}
			if err := markBlobLockStale(ctx, tx, key); err != nil {
				return err
			}
			return tx.Delete(ctx, key)
		})
	})
}

func (e *Engine) hasPreventingRelations(ctx context.Context, key *Key) (bool, error) {
	res, err := e.store.RunQuery(ctx, &QueryRequest{
		Kind: relationKind,
		Filters: []Filter{
			{Field: "dest." + keyProperty, Op: OpEq, Value: key},
			{Field: propConsistency, Op: OpEq, Value: int64(RelationalPreventDeletion)},
		},
		Limit:    1,
		KeysOnly: true,
	})
	if err != nil {
		return false, err
	}
	return len(res.Records) > 0, nil
}
