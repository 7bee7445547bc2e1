package relkv

import (
	"context"
	"sort"
)

// Blob lock properties. One lock entity per owning entity keeps the set of
// blobs its fields currently reference, plus the set referenced by earlier
// revisions that the vacuum pass still has to release.
const (
	propActiveBlobRefs = "active_blob_references"
	propOldBlobRefs    = "old_blob_references"
	propHasOldBlobRefs = "has_old_blob_references"
	propIsStale        = "is_stale"
)

func blobLockKey(owner *Key) *Key {
	return NameKey(blobLockKind, owner.Encode(), nil)
}

// collectBlobRefs gathers every blob referenced by the instance's fields,
// sorted and deduplicated.
func collectBlobRefs(inst *Instance) []string {
	var refs []string
	for _, bf := range inst.kind.fields {
		br, ok := bf.field.(blobReferrer)
		if !ok {
			continue
		}
		refs = append(refs, br.ReferencedBlobs(inst, bf.name)...)
	}
	if len(refs) == 0 {
		return nil
	}
	sort.Strings(refs)
	return dedupeStrings(refs)
}

// updateBlobLock reconciles the owner's blob lock with the current
// reference set inside the owner's transaction. References dropped since
// the previous revision move to the old set until the vacuum pass
// confirms no other entity holds them.
func updateBlobLock(ctx context.Context, tx Txn, owner *Key, refs []string) error {
	lockKey := blobLockKey(owner)
	lock, err := tx.Get(ctx, lockKey)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if lock == nil {
		if len(refs) == 0 {
			return nil
		}
		lock = NewRecord(lockKey)
		lock.Set(propActiveBlobRefs, stringList(refs))
		lock.Set(propOldBlobRefs, nil)
		lock.Set(propHasOldBlobRefs, false)
		lock.Set(propIsStale, false)
		return tx.Put(ctx, lock)
	}
	active := stringListValue(lock, propActiveBlobRefs)
	old := stringListValue(lock, propOldBlobRefs)
	current := make(map[string]bool, len(refs))
	for _, r := range refs {
		current[r] = true
	}
	for _, r := range active {
		if !current[r] {
			old = append(old, r)
		}
	}
	kept := old[:0]
	for _, r := range dedupeStrings(old) {
		if !current[r] {
			kept = append(kept, r)
		}
	}
	old = kept
	sort.Strings(old)
	lock.Set(propActiveBlobRefs, stringList(refs))
	lock.Set(propOldBlobRefs, stringList(old))
	lock.Set(propHasOldBlobRefs, len(old) > 0)
	lock.Set(propIsStale, false)
	return tx.Put(ctx, lock)
}

// markBlobLockStale flips the owner's blob lock into the stale state on
// entity deletion: every active reference becomes an old reference for the
// vacuum pass to release, after which the lock itself can go away.
func markBlobLockStale(ctx context.Context, tx Txn, owner *Key) error {
	lockKey := blobLockKey(owner)
	lock, err := tx.Get(ctx, lockKey)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	active := stringListValue(lock, propActiveBlobRefs)
	old := append(stringListValue(lock, propOldBlobRefs), active...)
	sort.Strings(old)
	old = dedupeStrings(old)
	lock.Set(propActiveBlobRefs, nil)
	lock.Set(propOldBlobRefs, stringList(old))
	lock.Set(propHasOldBlobRefs, len(old) > 0)
	lock.Set(propIsStale, true)
	return tx.Put(ctx, lock)
}

func stringList(in []string) []any {
	if len(in) == 0 {
		return nil
	}
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func stringListValue(rec *Record, name string) []string {
	v, _ := rec.Get(name)
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
