package relkv

import (
	"fmt"

	"github.com/pkg/errors"
)

// RelationalConsistency selects what happens to a relation when its
// destination entity is deleted.
type RelationalConsistency int

const (
	// RelationalIgnore leaves the relation as a dangling reference.
	RelationalIgnore RelationalConsistency = 1
	// RelationalPreventDeletion refuses to delete a destination while
	// relations point at it.
	RelationalPreventDeletion RelationalConsistency = 2
	// RelationalSetNull removes the relation value from the source.
	RelationalSetNull RelationalConsistency = 3
	// RelationalCascadeDeletion deletes the source entity as well.
	RelationalCascadeDeletion RelationalConsistency = 4
)

// RelationalUpdateLevel selects when mirrored destination values are
// refreshed after the destination changes.
type RelationalUpdateLevel int

const (
	// UpdateAlways refreshes sources whenever the destination is written.
	UpdateAlways RelationalUpdateLevel = 0
	// UpdateOnRebuild refreshes only during an explicit rebuild walk.
	UpdateOnRebuild RelationalUpdateLevel = 1
	// UpdateOnValueAssignment never refreshes; the snapshot stays as it
	// was when the relation was assigned.
	UpdateOnValueAssignment RelationalUpdateLevel = 2
)

// Relation is one resolved relation value: the destination key, a snapshot
// of the destination's mirrored fields, and optional per-relation data.
type Relation struct {
	DestKey *Key
	Dest    *Record // key plus RefKeys properties, filled when resolved
	Rel     *Record // Using values, nil without a Using kind
}

// RelationField links entities of another kind and keeps a denormalized
// snapshot of that kind's RefKeys fields on the source side, maintained
// through the relation mirror.
type RelationField struct {
	BaseField
	Kind        string
	RefKeys     []string
	ParentKeys  []string
	Using       *Kind
	Consistency RelationalConsistency
	UpdateLevel RelationalUpdateLevel
}

func (f *RelationField) Type() string { return "relational" }

func (f *RelationField) consistency() RelationalConsistency {
	if f.Consistency == 0 {
		return RelationalIgnore
	}
	return f.Consistency
}

func (f *RelationField) SetValue(inst *Instance, name string, v any) *FieldError {
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		rel, fe := f.parseRelation(v)
		if fe != nil {
			return nil, fe
		}
		if rel == nil {
			return nil, nil
		}
		return rel, nil
	})
}

func (f *RelationField) parseRelation(v any) (*Relation, *FieldError) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case *Relation:
		return f.checkDest(v)
	case *Key:
		return f.checkDest(&Relation{DestKey: v})
	case string:
		if v == "" {
			return nil, nil
		}
		key, err := DecodeKey(v)
		if err != nil {
			return nil, fieldErr("", SeverityInvalid, err.Error())
		}
		return f.checkDest(&Relation{DestKey: key})
	case map[string]any:
		rawKey, ok := v["key"]
		if !ok {
			return nil, fieldErr("", SeverityInvalid, "relation value lacks a key")
		}
		key, err := keyValue(rawKey)
		if err != nil {
			return nil, fieldErr("", SeverityInvalid, err.Error())
		}
		rel := &Relation{DestKey: key}
		if rawRel, ok := v["rel"]; ok && rawRel != nil {
			if f.Using == nil {
				return nil, fieldErr("", SeverityInvalid, "relation does not accept per-relation data")
			}
			relIn, ok := rawRel.(map[string]any)
			if !ok {
				return nil, fieldErr("", SeverityInvalid, "per-relation data must be an object")
			}
			using := f.Using.NewInstance()
			if !using.FromInput(relIn, false) {
				fe := using.Errors()[0]
				out := fieldErr("", SeverityInvalidatesOther, fe.Message)
				out.Path = append([]string{"rel", fe.Field}, fe.Path...)
				return nil, out
			}
			relRec, err := using.Serialize()
			if err != nil {
				return nil, fieldErr("", SeverityInvalid, err.Error())
			}
			rel.Rel = relRec
		}
		return f.checkDest(rel)
	}
	return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("cannot use %T as a relation", v))
}

func (f *RelationField) checkDest(rel *Relation) (*Relation, *FieldError) {
	if rel.DestKey == nil {
		return nil, fieldErr("", SeverityInvalid, "relation value lacks a key")
	}
	if rel.DestKey.Kind != f.Kind {
		return nil, fieldErr("", SeverityInvalid,
			fmt.Sprintf("expected a key of kind %v, got %v", f.Kind, rel.DestKey.Kind))
	}
	return rel, nil
}

// snapshot builds the mirrored destination record from the destination's
// stored properties, restricted to RefKeys.
func (f *RelationField) snapshot(destKey *Key, destRec *Record) *Record {
	out := NewRecord(destKey)
	out.Set(keyProperty, destKey)
	for _, rk := range f.RefKeys {
		if v, ok := destRec.Lookup(rk); ok {
			out.SetPath(rk, cloneValue(v))
		}
	}
	return out
}

func (f *RelationField) Serialize(inst *Instance, name string, rec *Record) error {
	v := inst.values[name]
	rec.SetNoIndex(name, encodeLeaf(v, func(leaf any) any {
		rel, ok := leaf.(*Relation)
		if !ok {
			return nil
		}
		sub := NewRecord(nil)
		dest := rel.Dest
		if dest == nil {
			dest = NewRecord(rel.DestKey)
			dest.Set(keyProperty, rel.DestKey)
		}
		sub.Set("dest", dest)
		if rel.Rel != nil {
			sub.Set("rel", rel.Rel)
		}
		return sub
	}))
	return nil
}

func (f *RelationField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, func(v any) (any, error) {
		sub, ok := v.(*Record)
		if !ok {
			return nil, nil
		}
		rawDest, _ := sub.Get("dest")
		dest, ok := rawDest.(*Record)
		if !ok {
			return nil, nil
		}
		rawKey, _ := dest.Get(keyProperty)
		key, ok := rawKey.(*Key)
		if !ok {
			return nil, errors.Errorf("relation %v of %v lacks a destination key", name, rec.Key)
		}
		rel := &Relation{DestKey: key, Dest: dest}
		if rawRel, ok := sub.Get("rel"); ok {
			rel.Rel, _ = rawRel.(*Record)
		}
		return rel, nil
	})
}

// relationValues returns the flat leaf list of a relation field on an
// instance, across languages and multiplicity.
func relationValues(inst *Instance, name string) []*Relation {
	var out []*Relation
	for _, leaf := range leafValues(inst.values[name]) {
		if rel, ok := leaf.(*Relation); ok {
			out = append(out, rel)
		}
	}
	return out
}

// dropRelationsTo removes every relation leaf pointing at destKey from the
// field's value, reporting whether anything changed. Used by the deferred
// propagator for set-null handling.
func dropRelationsTo(inst *Instance, name string, destKey *Key) bool {
	changed := false
	var strip func(v any) any
	strip = func(v any) any {
		switch v := v.(type) {
		case *Relation:
			if v.DestKey.Equal(destKey) {
				changed = true
				return nil
			}
			return v
		case []any:
			out := make([]any, 0, len(v))
			for _, item := range v {
				if sv := strip(item); sv != nil {
					out = append(out, sv)
				}
			}
			if len(out) == 0 {
				return nil
			}
			return out
		case map[string]any:
			out := make(map[string]any, len(v))
			for lang, lv := range v {
				if sv := strip(lv); sv != nil {
					out[lang] = sv
				}
			}
			if len(out) == 0 {
				return nil
			}
			return out
		}
		return v
	}
	inst.values[name] = strip(inst.values[name])
	if changed {
		inst.accessed[name] = true
	}
	return changed
}
