package relkv

import (
	"fmt"
)

// Field is the behavior of one schema field. Implementations coerce client
// input into parsed values, flatten them into stored properties and load
// them back. Programmer errors (bad schema wiring) panic; bad data returns
// FieldError or a wrapped store error.
type Field interface {
	Base() *BaseField
	Type() string
	SetValue(inst *Instance, name string, v any) *FieldError
	Serialize(inst *Instance, name string, rec *Record) error
	Unserialize(inst *Instance, name string, rec *Record) error
}

// blobReferrer is implemented by fields whose values reference blobs in
// external storage; the write path collects these into the blob lock.
type blobReferrer interface {
	ReferencedBlobs(inst *Instance, name string) []string
}

// searchTagger is implemented by fields contributing tokens to the
// entity's search tag list.
type searchTagger interface {
	SearchTags(inst *Instance, name string) []string
}

// BaseField carries the options common to every field kind.
type BaseField struct {
	Required  bool
	Multiple  bool
	Unindexed bool
	Languages []string
	Unique    *UniqueSpec
	Compute   *ComputeSpec
	ReadOnly  bool
	Default   any
}

func (b *BaseField) Base() *BaseField { return b }

func (b *BaseField) defaultValue() (any, bool) {
	if b.Default == nil {
		return nil, false
	}
	return b.Default, true
}

// UniqueSpec declares a uniqueness constraint on a field. Method controls
// how multiple values map to locks; Message is returned verbatim to the
// client on conflict.
type UniqueSpec struct {
	Method    UniqueLockMethod
	LockEmpty bool
	Message   string
}

type UniqueLockMethod int

const (
	// SameValue locks each value independently; for multiple fields every
	// element is its own lock.
	SameValue UniqueLockMethod = iota
	// SameSet locks the set of values ignoring order and duplicates.
	SameSet
	// SameList locks the exact sequence of values.
	SameList
)

// setLeaves runs parse over client input, honoring Multiple and Languages
// wrapping, and stores the parsed value. Severity Empty is reported when a
// required field receives no usable value; parse failures are Invalid.
func (b *BaseField) setLeaves(inst *Instance, name string, v any, parse func(any) (any, *FieldError)) *FieldError {
	if len(b.Languages) > 0 {
		in, ok := v.(map[string]any)
		if !ok {
			return fieldErr(name, SeverityInvalid, "expected per-language values")
		}
		out := make(map[string]any, len(in))
		for _, lang := range b.Languages {
			lv, present := in[lang]
			if !present {
				continue
			}
			pv, fe := b.parseLeaf(name, lv, parse)
			if fe != nil {
				fe.Path = append([]string{lang}, fe.Path...)
				return fe
			}
			if pv != nil {
				out[lang] = pv
			}
		}
		if len(out) == 0 {
			inst.values[name] = nil
			if b.Required {
				return fieldErr(name, SeverityEmpty, "no value in any language")
			}
			return nil
		}
		inst.values[name] = out
		return nil
	}
	pv, fe := b.parseLeaf(name, v, parse)
	if fe != nil {
		return fe
	}
	inst.values[name] = pv
	if pv == nil && b.Required {
		return fieldErr(name, SeverityEmpty, "no value given")
	}
	return nil
}

func (b *BaseField) parseLeaf(name string, v any, parse func(any) (any, *FieldError)) (any, *FieldError) {
	if b.Multiple {
		var items []any
		switch v := v.(type) {
		case nil:
			return nil, nil
		case []any:
			items = v
		default:
			items = []any{v}
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			pv, fe := parse(item)
			if fe != nil {
				fe.Field = name
				fe.Path = append([]string{fmt.Sprint(i)}, fe.Path...)
				return nil, fe
			}
			if pv != nil {
				out = append(out, pv)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}
	if v == nil {
		return nil, nil
	}
	pv, fe := parse(v)
	if fe != nil {
		fe.Field = name
	}
	return pv, fe
}

// storeLeaves flattens the parsed value into record properties, applying
// enc per leaf. Language values become a nested record so dotted filters
// like name.de resolve.
func (b *BaseField) storeLeaves(inst *Instance, name string, rec *Record, enc func(any) any) {
	v := inst.values[name]
	set := rec.Set
	if b.Unindexed {
		set = rec.SetNoIndex
	}
	if len(b.Languages) > 0 {
		langs, _ := v.(map[string]any)
		sub := NewRecord(nil)
		for _, lang := range b.Languages {
			lv, ok := langs[lang]
			if !ok {
				continue
			}
			sub.Set(lang, encodeLeaf(lv, enc))
		}
		set(name, sub)
		return
	}
	set(name, encodeLeaf(v, enc))
}

func encodeLeaf(v any, enc func(any) any) any {
	if items, ok := v.([]any); ok {
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = enc(item)
		}
		return out
	}
	if v == nil {
		return nil
	}
	return enc(v)
}

// loadLeaves is the inverse of storeLeaves, applying dec per leaf.
func (b *BaseField) loadLeaves(inst *Instance, name string, rec *Record, dec func(any) (any, error)) error {
	v, ok := rec.Get(name)
	if !ok {
		inst.values[name] = nil
		return nil
	}
	if len(b.Languages) > 0 {
		sub, ok := v.(*Record)
		if !ok {
			inst.values[name] = nil
			return nil
		}
		out := make(map[string]any)
		for _, lang := range b.Languages {
			lv, ok := sub.Get(lang)
			if !ok {
				continue
			}
			dv, err := decodeLeaf(lv, dec)
			if err != nil {
				return err
			}
			out[lang] = dv
		}
		if len(out) == 0 {
			inst.values[name] = nil
		} else {
			inst.values[name] = out
		}
		return nil
	}
	dv, err := decodeLeaf(v, dec)
	if err != nil {
		return err
	}
	inst.values[name] = dv
	return nil
}

func decodeLeaf(v any, dec func(any) (any, error)) (any, error) {
	if items, ok := v.([]any); ok {
		out := make([]any, len(items))
		for i, item := range items {
			dv, err := dec(item)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	}
	if v == nil {
		return nil, nil
	}
	return dec(v)
}

// leafValues returns the flat list of leaf values of a field, across
// languages and multiplicity, for uniqueness hashing and search tags.
func leafValues(v any) []any {
	switch v := v.(type) {
	case nil:
		return nil
	case map[string]any:
		var out []any
		for _, lv := range v {
			out = append(out, leafValues(lv)...)
		}
		return out
	case []any:
		var out []any
		for _, item := range v {
			out = append(out, leafValues(item)...)
		}
		return out
	default:
		return []any{v}
	}
}

func identityEnc(v any) any { return v }

func identityDec(v any) (any, error) { return v, nil }
