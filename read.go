package relkv

import (
	"context"

	"github.com/pkg/errors"
)

// Get reads one entity into a bound instance.
func (e *Engine) Get(ctx context.Context, key *Key) (*Instance, error) {
	kind := e.reg.KindNamed(key.Kind)
	if kind == nil {
		return nil, errors.Errorf("unknown kind %q", key.Kind)
	}
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	inst := kind.NewInstance()
	if err := inst.Unserialize(rec); err != nil {
		return nil, err
	}
	return inst, nil
}

// GetMulti reads a batch of keys of one kind. Missing entities leave nil
// slots, mirroring the store contract.
func (e *Engine) GetMulti(ctx context.Context, keys []*Key) ([]*Instance, error) {
	recs, err := e.store.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, len(keys))
	for i, rec := range recs {
		if rec == nil {
			continue
		}
		kind := e.reg.KindNamed(rec.Key.Kind)
		if kind == nil {
			return nil, errors.Errorf("unknown kind %q", rec.Key.Kind)
		}
		inst := kind.NewInstance()
		if err := inst.Unserialize(rec); err != nil {
			return nil, err
		}
		out[i] = inst
	}
	return out, nil
}

// Patch loads an entity, applies fn and writes it back, retrying the whole
// cycle on contention so concurrent patches merge instead of clobbering.
func (e *Engine) Patch(ctx context.Context, key *Key, fn func(inst *Instance) error) (*Instance, error) {
	var inst *Instance
	err := withContentionRetries(ctx, func() error {
		var err error
		inst, err = e.Get(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(inst); err != nil {
			return err
		}
		_, err = e.Put(ctx, inst)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}
