package relkv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Unique locks are tiny marker entities in a per-field kind whose key name
// is a hash of the locked value and whose single property names the owner.
// Their existence, checked and written inside the owner's transaction, is
// what makes uniqueness atomic with the write.

const lockOwnerProperty = "references"

func uniqueLockKind(kind, field string) string {
	return kind + "_" + field + "_uniquePropertyIndex"
}

// hashUniqueValue maps one leaf value to a lock key name. Values hash by
// canonical type-prefixed bytes so that logically equal values collide and
// unrelated types never do. Keys hash structurally over kind, id and
// ancestry rather than any printable form.
func hashUniqueValue(v any) string {
	h := sha256.New()
	switch v := v.(type) {
	case string:
		fmt.Fprintf(h, "S-%s", v)
	case int64:
		fmt.Fprintf(h, "I-%d", v)
	case int:
		fmt.Fprintf(h, "I-%d", v)
	case float64:
		fmt.Fprintf(h, "F-%s", strconv.FormatFloat(v, 'g', -1, 64))
	case bool:
		if v {
			fmt.Fprint(h, "B-1")
		} else {
			fmt.Fprint(h, "B-0")
		}
	case time.Time:
		fmt.Fprintf(h, "T-%d", v.UTC().Unix())
	case *Key:
		for k := v; k != nil; k = k.Parent {
			fmt.Fprintf(h, "K-%s/%s;", k.Kind, k.IDOrName())
		}
	default:
		fmt.Fprintf(h, "S-%v", v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// uniqueLockHashes derives the lock key names for one field value under
// its configured method. SameValue locks each leaf independently, SameSet
// locks the order-insensitive set as one unit, SameList the exact
// sequence.
func uniqueLockHashes(spec *UniqueSpec, v any) []string {
	leaves := leafValues(v)
	if len(leaves) == 0 {
		if spec.LockEmpty {
			return []string{hashUniqueValue("")}
		}
		return nil
	}
	hashes := make([]string, len(leaves))
	for i, leaf := range leaves {
		hashes[i] = hashUniqueValue(leaf)
	}
	switch spec.Method {
	case SameValue:
		return dedupeStrings(hashes)
	case SameSet:
		hashes = dedupeStrings(hashes)
		sort.Strings(hashes)
		return []string{hashUniqueValue(strings.Join(hashes, "|"))}
	case SameList:
		return []string{hashUniqueValue(strings.Join(hashes, "|"))}
	}
	panic(fmt.Errorf("unknown unique lock method %v", spec.Method))
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// acquireUniqueLocks claims the given lock names for owner inside tx,
// refusing with a ConflictError when any is held by someone else. New
// locks are claimed before old ones are released so a concurrent writer
// can never slip into the gap.
func acquireUniqueLocks(ctx context.Context, tx Txn, kind *Kind, field string, spec *UniqueSpec, owner *Key, oldHashes, newHashes []string) error {
	lockKind := uniqueLockKind(kind.Name, field)
	ownerRef := owner.IDOrName()
	held := make(map[string]bool, len(oldHashes))
	for _, h := range oldHashes {
		held[h] = true
	}
	for _, h := range newHashes {
		if held[h] {
			continue
		}
		lockKey := NameKey(lockKind, h, nil)
		rec, err := tx.Get(ctx, lockKey)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if rec != nil {
			ref, _ := rec.Get(lockOwnerProperty)
			if ref != ownerRef {
				msg := spec.Message
				if msg == "" {
					msg = "the value is already taken"
				}
				return errors.Wrap(&ConflictError{Kind: kind.Name, Field: field, Holder: fmt.Sprint(ref)},
					msg)
			}
			continue
		}
		lock := NewRecord(lockKey)
		lock.Set(lockOwnerProperty, ownerRef)
		if err := tx.Put(ctx, lock); err != nil {
			return err
		}
	}
	return nil
}

// releaseUniqueLocks drops the locks the owner no longer needs. A lock
// that is missing or meanwhile owned by another entity means the index got
// corrupted at some point; that is logged loudly and skipped rather than
// clobbering the current holder.
func releaseUniqueLocks(ctx context.Context, tx Txn, logger *zap.SugaredLogger, kind *Kind, field string, owner *Key, oldHashes, newHashes []string) error {
	lockKind := uniqueLockKind(kind.Name, field)
	ownerRef := owner.IDOrName()
	keep := make(map[string]bool, len(newHashes))
	for _, h := range newHashes {
		keep[h] = true
	}
	for _, h := range oldHashes {
		if keep[h] {
			continue
		}
		lockKey := NameKey(lockKind, h, nil)
		rec, err := tx.Get(ctx, lockKey)
		if err != nil {
			if IsNotFound(err) {
				logger.Errorw("unique index corrupted: lock missing on release",
					"kind", kind.Name, "field", field, "owner", ownerRef, "hash", h)
				continue
			}
			return err
		}
		if ref, _ := rec.Get(lockOwnerProperty); ref != ownerRef {
			logger.Errorw("unique index corrupted: lock reassigned to another entity",
				"kind", kind.Name, "field", field, "owner", ownerRef, "holder", ref, "hash", h)
			continue
		}
		if err := tx.Delete(ctx, lockKey); err != nil {
			return err
		}
	}
	return nil
}

// instanceUniqueHashes computes lock names per unique field of an
// instance from its current values.
func instanceUniqueHashes(inst *Instance) map[string][]string {
	if len(inst.kind.uniques) == 0 {
		return nil
	}
	out := make(map[string][]string, len(inst.kind.uniques))
	for _, bf := range inst.kind.uniques {
		out[bf.name] = uniqueLockHashes(bf.field.Base().Unique, inst.values[bf.name])
	}
	return out
}
