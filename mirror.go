package relkv

import (
	"context"
	"time"
)

// Internal bookkeeping kinds living alongside application data.
const (
	relationKind = "viur-relations"
	blobLockKind = "viur-blob-locks"
)

// Mirror row properties.
const (
	propSrcKind     = "viur_src_kind"
	propDestKind    = "viur_dest_kind"
	propSrcProperty = "viur_src_property"
	propUpdateTag   = "viur_delayed_update_tag"
	propUpdateLevel = "viur_relational_updateLevel"
	propConsistency = "viur_relational_consistency"
	propForeignKeys = "viur_foreign_keys"
)

// reconcileRelations diffs the relation mirror rows of one source entity
// against its current relation values, inside the source's transaction.
// Mirror rows are children of the source key so the write stays within
// one entity group. Existing rows for destinations still referenced are
// updated in place, rows for dropped destinations are deleted, and new
// destinations get fresh rows. Each (field, destination) pair keeps
// exactly one row; duplicates and surplus rows are pruned.
func reconcileRelations(ctx context.Context, tx Txn, inst *Instance, srcRec *Record, now time.Time) (put, pruned int, err error) {
	if len(inst.kind.rels) == 0 {
		return 0, 0, nil
	}
	existing, err := relationRowsFor(ctx, tx, inst.key)
	if err != nil {
		return 0, 0, err
	}
	leftover := make(map[string][]*Record, len(existing))
	for _, row := range existing {
		id := mirrorRowIdent(row)
		leftover[id] = append(leftover[id], row)
	}

	seen := make(map[string]bool)
	for _, bf := range inst.kind.rels {
		rf := bf.field.(*RelationField)
		srcStub := relationSrcStub(inst.key, rf, srcRec)
		for _, rel := range relationValues(inst, bf.name) {
			ident := bf.name + "\x00" + rel.DestKey.Encode()
			if seen[ident] {
				// Duplicate leaves share the one row for their triple.
				continue
			}
			seen[ident] = true
			var row *Record
			if rows := leftover[ident]; len(rows) > 0 {
				row = rows[0]
				leftover[ident] = rows[1:]
			} else {
				key, err := tx.AllocateID(ctx, IncompleteKey(relationKind, inst.key))
				if err != nil {
					return 0, 0, err
				}
				row = NewRecord(key)
			}
			fillMirrorRow(row, rf, bf.name, inst.kind.Name, srcStub, rel, now)
			if err := tx.Put(ctx, row); err != nil {
				return 0, 0, err
			}
			put++
		}
	}

	for _, rows := range leftover {
		for _, row := range rows {
			if err := tx.Delete(ctx, row.Key); err != nil {
				return 0, 0, err
			}
			pruned++
		}
	}
	return put, pruned, nil
}

func mirrorRowIdent(row *Record) string {
	name, _ := row.Get(propSrcProperty)
	field, _ := name.(string)
	if destKey := mirrorRowDestKey(row); destKey != nil {
		return field + "\x00" + destKey.Encode()
	}
	return field + "\x00"
}

func mirrorRowDestKey(row *Record) *Key {
	v, ok := row.Lookup("dest." + keyProperty)
	if !ok {
		return nil
	}
	key, _ := v.(*Key)
	return key
}

func mirrorRowSrcProperty(row *Record) string {
	v, _ := row.Get(propSrcProperty)
	s, _ := v.(string)
	return s
}

// relationSrcStub is the source-side snapshot stored on each mirror row:
// the source key plus its ParentKeys properties.
func relationSrcStub(srcKey *Key, rf *RelationField, srcRec *Record) *Record {
	stub := NewRecord(srcKey)
	stub.Set(keyProperty, srcKey)
	for _, pk := range rf.ParentKeys {
		if v, ok := srcRec.Lookup(pk); ok {
			stub.SetPath(pk, cloneValue(v))
		}
	}
	return stub
}

func fillMirrorRow(row *Record, rf *RelationField, field, srcKind string, srcStub *Record, rel *Relation, now time.Time) {
	dest := rel.Dest
	if dest == nil {
		dest = NewRecord(rel.DestKey)
		dest.Set(keyProperty, rel.DestKey)
	}
	row.Set("src", srcStub.Clone())
	row.Set("dest", dest.Clone())
	if rel.Rel != nil {
		row.Set("rel", rel.Rel.Clone())
	} else {
		row.Delete("rel")
	}
	row.Set(propSrcKind, srcKind)
	row.Set(propDestKind, rf.Kind)
	row.Set(propSrcProperty, field)
	row.Set(propUpdateLevel, int64(rf.UpdateLevel))
	row.Set(propConsistency, int64(rf.consistency()))
	fks := make([]any, len(rf.RefKeys))
	for i, rk := range rf.RefKeys {
		fks[i] = rk
	}
	row.Set(propForeignKeys, fks)
	if rf.UpdateLevel == UpdateAlways {
		row.Set(propUpdateTag, now.UTC())
	} else {
		row.Set(propUpdateTag, time.Time{})
	}
}

// relationRowsFor fetches every mirror row belonging to one source entity.
// Safe inside the source's transaction since the rows share its group.
func relationRowsFor(ctx context.Context, tx Txn, srcKey *Key) ([]*Record, error) {
	res, err := tx.RunQuery(ctx, &QueryRequest{
		Kind:     relationKind,
		Ancestor: srcKey,
	})
	if err != nil {
		return nil, err
	}
	// An ancestor query also matches the ancestor's other descendants, so
	// keep only direct children of the source.
	rows := res.Records[:0]
	for _, row := range res.Records {
		if row.Key.Parent != nil && row.Key.Parent.Equal(srcKey) {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
