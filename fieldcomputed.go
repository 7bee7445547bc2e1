package relkv

import "github.com/pkg/errors"

// ComputeSpec derives a field's value from the rest of the instance
// instead of client input. Computed fields reject client writes.
type ComputeSpec struct {
	Fn   func(inst *Instance) (any, error)
	Mode ComputeMode
}

type ComputeMode int

const (
	// ComputeOnWrite re-evaluates the function on every write.
	ComputeOnWrite ComputeMode = iota
	// ComputeOnce evaluates the function only while the field holds no
	// value, typically on the first write.
	ComputeOnce
)

// applyComputes runs every computed field of the instance in declaration
// order, so later fields may read earlier results.
func applyComputes(inst *Instance) error {
	for _, bf := range inst.kind.fields {
		cs := bf.field.Base().Compute
		if cs == nil {
			continue
		}
		if cs.Mode == ComputeOnce && inst.values[bf.name] != nil {
			continue
		}
		v, err := cs.Fn(inst)
		if err != nil {
			return errors.Wrapf(err, "computing field %v", bf.name)
		}
		inst.values[bf.name] = v
		inst.accessed[bf.name] = true
	}
	return nil
}
