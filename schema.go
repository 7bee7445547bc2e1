package relkv

import (
	"fmt"
	"strings"
)

// Registry holds every kind known to an engine. Kinds are registered at
// startup and the registry is sealed before the first entity is written;
// schema mistakes are programmer errors and panic.
type Registry struct {
	kinds            []*Kind
	kindsByLowerName map[string]*Kind
	sealed           bool
}

func NewRegistry() *Registry {
	return &Registry{
		kindsByLowerName: make(map[string]*Kind),
	}
}

func (reg *Registry) Kinds() []*Kind {
	return append([]*Kind(nil), reg.kinds...)
}

func (reg *Registry) KindNamed(name string) *Kind {
	return reg.kindsByLowerName[strings.ToLower(name)]
}

// Seal freezes the registry. Further AddKind calls panic.
func (reg *Registry) Seal() {
	reg.sealed = true
}

type Kind struct {
	Name    string
	fields  []*boundField
	byName  map[string]*boundField
	rels    []*boundField // fields carrying relations, in declaration order
	uniques []*boundField
}

type boundField struct {
	name  string
	field Field
}

var reservedFieldNames = map[string]bool{
	"key":       true,
	"orderby":   true,
	"orderdir":  true,
	"cursor":    true,
	"endcursor": true,
	"amount":    true,
	"limit":     true,
	"search":    true,
}

// AddKind registers a kind with an ordered field list. Field names must be
// alphanumeric with underscores, must not start with a digit or underscore,
// and must not collide with reserved query parameters or the viur_ prefix
// used by internal bookkeeping kinds.
func AddKind(reg *Registry, name string, fields ...NamedField) *Kind {
	if reg.sealed {
		panic(fmt.Errorf("registry is sealed, cannot add kind %q", name))
	}
	if name == "" {
		panic(fmt.Errorf("kind name must not be empty"))
	}
	lower := strings.ToLower(name)
	if reg.kindsByLowerName[lower] != nil {
		panic(fmt.Errorf("kind %q already registered", name))
	}
	kind := &Kind{
		Name:   name,
		byName: make(map[string]*boundField, len(fields)),
	}
	for _, nf := range fields {
		if err := checkFieldName(nf.Name); err != nil {
			panic(fmt.Errorf("kind %q: %w", name, err))
		}
		if kind.byName[nf.Name] != nil {
			panic(fmt.Errorf("kind %q: duplicate field %q", name, nf.Name))
		}
		bf := &boundField{name: nf.Name, field: nf.Field}
		kind.fields = append(kind.fields, bf)
		kind.byName[nf.Name] = bf
		if _, ok := nf.Field.(*RelationField); ok {
			kind.rels = append(kind.rels, bf)
		}
		if nf.Field.Base().Unique != nil {
			kind.uniques = append(kind.uniques, bf)
		}
	}
	reg.kinds = append(reg.kinds, kind)
	reg.kindsByLowerName[lower] = kind
	return kind
}

type NamedField struct {
	Name  string
	Field Field
}

func F(name string, field Field) NamedField {
	return NamedField{Name: name, Field: field}
}

func checkFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name must not be empty")
	}
	if reservedFieldNames[strings.ToLower(name)] {
		return fmt.Errorf("field name %q is reserved", name)
	}
	if strings.HasPrefix(strings.ToLower(name), "viur_") {
		return fmt.Errorf("field name %q collides with internal bookkeeping", name)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '_', r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("field name %q must start with a letter", name)
			}
		default:
			return fmt.Errorf("field name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

func (kind *Kind) FieldNamed(name string) Field {
	bf := kind.byName[name]
	if bf == nil {
		return nil
	}
	return bf.field
}

func (kind *Kind) FieldNames() []string {
	out := make([]string, len(kind.fields))
	for i, bf := range kind.fields {
		out[i] = bf.name
	}
	return out
}

// Instance is one entity of a kind bound to in-memory field values, the
// unit the write and read paths operate on. Values live in their parsed
// form (time.Time, *Key, []*Relation) until Serialize flattens them into a
// Record.
type Instance struct {
	kind     *Kind
	key      *Key
	values   map[string]any
	accessed map[string]bool
	errors   []*FieldError
	stored   *Record // as last read from the store, nil for fresh instances
}

func (kind *Kind) NewInstance() *Instance {
	inst := &Instance{
		kind:     kind,
		values:   make(map[string]any),
		accessed: make(map[string]bool),
	}
	for _, bf := range kind.fields {
		if dv, ok := bf.field.Base().defaultValue(); ok {
			inst.values[bf.name] = dv
		}
	}
	return inst
}

func (inst *Instance) Kind() *Kind { return inst.kind }

func (inst *Instance) Key() *Key { return inst.key }

func (inst *Instance) SetKey(key *Key) { inst.key = key }

func (inst *Instance) Value(name string) any {
	return inst.values[name]
}

// SetRaw assigns a field value bypassing input coercion, for values the
// application already holds in parsed form. The field is marked accessed
// so relation refresh picks it up.
func (inst *Instance) SetRaw(name string, v any) {
	if inst.kind.byName[name] == nil {
		panic(fmt.Errorf("kind %q has no field %q", inst.kind.Name, name))
	}
	inst.values[name] = v
	inst.accessed[name] = true
}

func (inst *Instance) Errors() []*FieldError {
	return inst.errors
}

func (inst *Instance) addError(fe *FieldError) {
	if fe != nil {
		inst.errors = append(inst.errors, fe)
	}
}

// FromInput coerces a bundle of client-supplied values into the instance.
// All fields run to completion so the caller gets the complete error list;
// the returned bool says whether the input would be accepted for a write
// (amend relaxes missing values for fields the caller did not touch).
func (inst *Instance) FromInput(in map[string]any, amend bool) bool {
	inst.errors = nil
	for _, bf := range inst.kind.fields {
		if bf.field.Base().Compute != nil || bf.field.Base().ReadOnly {
			continue
		}
		v, present := in[bf.name]
		if !present {
			if !amend {
				if bf.field.Base().Required {
					inst.addError(fieldErr(bf.name, SeverityNotSet, "field not submitted"))
				}
			}
			continue
		}
		inst.accessed[bf.name] = true
		inst.addError(bf.field.SetValue(inst, bf.name, v))
	}
	return !blocking(inst.errors, amend)
}

// Serialize flattens field values into a fresh Record keyed by the
// instance key.
func (inst *Instance) Serialize() (*Record, error) {
	rec := NewRecord(inst.key)
	for _, bf := range inst.kind.fields {
		if err := bf.field.Serialize(inst, bf.name, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Unserialize loads field values from a stored Record. Unknown properties
// are preserved verbatim on the next write via the stored record.
func (inst *Instance) Unserialize(rec *Record) error {
	inst.stored = rec
	inst.key = rec.Key
	for _, bf := range inst.kind.fields {
		if err := bf.field.Unserialize(inst, bf.name, rec); err != nil {
			return err
		}
	}
	return nil
}
