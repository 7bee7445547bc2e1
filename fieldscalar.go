package relkv

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// filterCoercer converts a raw query parameter value into the typed value
// a field compares against. Fields that do not implement it take filter
// values verbatim.
type filterCoercer interface {
	CoerceFilter(v any) (any, error)
}

// StringField stores short text. Indexed values are capped at MaxLength
// (254 when unset) to stay within index limits.
type StringField struct {
	BaseField
	MaxLength  int
	Searchable bool
}

func (f *StringField) Type() string { return "str" }

func (f *StringField) SetValue(inst *Instance, name string, v any) *FieldError {
	maxLen := f.MaxLength
	if maxLen == 0 && !f.Unindexed {
		maxLen = 254
	}
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		s, ok := stringValue(v)
		if !ok {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("expected a string, got %T", v))
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		if maxLen > 0 && len(s) > maxLen {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("value exceeds %d characters", maxLen))
		}
		return s, nil
	})
}

func (f *StringField) Serialize(inst *Instance, name string, rec *Record) error {
	f.storeLeaves(inst, name, rec, identityEnc)
	return nil
}

func (f *StringField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, identityDec)
}

func (f *StringField) CoerceFilter(v any) (any, error) {
	s, ok := stringValue(v)
	if !ok {
		return nil, fmt.Errorf("expected a string, got %T", v)
	}
	return s, nil
}

func (f *StringField) SearchTags(inst *Instance, name string) []string {
	if !f.Searchable {
		return nil
	}
	var tags []string
	for _, leaf := range leafValues(inst.values[name]) {
		s, _ := leaf.(string)
		for _, word := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			tags = append(tags, word)
		}
	}
	return tags
}

// TextField stores long text outside the index.
type TextField struct {
	BaseField
}

func (f *TextField) Type() string { return "text" }

func (f *TextField) SetValue(inst *Instance, name string, v any) *FieldError {
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		s, ok := stringValue(v)
		if !ok {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("expected a string, got %T", v))
		}
		if s == "" {
			return nil, nil
		}
		return s, nil
	})
}

func (f *TextField) Serialize(inst *Instance, name string, rec *Record) error {
	v := inst.values[name]
	rec.SetNoIndex(name, encodeLeaf(v, identityEnc))
	return nil
}

func (f *TextField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, identityDec)
}

// NumericField stores numbers. Precision 0 keeps integers; a positive
// precision rounds floats to that many decimal places.
type NumericField struct {
	BaseField
	Precision int
	Min       float64
	Max       float64
}

func (f *NumericField) Type() string { return "numeric" }

func (f *NumericField) bounds() (float64, float64) {
	mn, mx := f.Min, f.Max
	if mn == 0 && mx == 0 {
		return math.Inf(-1), math.Inf(1)
	}
	return mn, mx
}

func (f *NumericField) SetValue(inst *Instance, name string, v any) *FieldError {
	mn, mx := f.bounds()
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		fv, ok := floatValue(v)
		if !ok {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("expected a number, got %v", v))
		}
		if fv < mn || fv > mx {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("value %v out of range [%v, %v]", fv, mn, mx))
		}
		if f.Precision == 0 {
			return int64(math.RoundToEven(fv)), nil
		}
		scale := math.Pow10(f.Precision)
		return math.Round(fv*scale) / scale, nil
	})
}

func (f *NumericField) Serialize(inst *Instance, name string, rec *Record) error {
	f.storeLeaves(inst, name, rec, identityEnc)
	return nil
}

func (f *NumericField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, identityDec)
}

func (f *NumericField) CoerceFilter(v any) (any, error) {
	fv, ok := floatValue(v)
	if !ok {
		return nil, fmt.Errorf("expected a number, got %v", v)
	}
	if f.Precision == 0 {
		return int64(math.RoundToEven(fv)), nil
	}
	return fv, nil
}

// BoolField stores booleans, accepting the usual textual spellings.
type BoolField struct {
	BaseField
}

func (f *BoolField) Type() string { return "bool" }

func (f *BoolField) SetValue(inst *Instance, name string, v any) *FieldError {
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		b, ok := boolValue(v)
		if !ok {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("expected a boolean, got %v", v))
		}
		return b, nil
	})
}

func (f *BoolField) Serialize(inst *Instance, name string, rec *Record) error {
	f.storeLeaves(inst, name, rec, identityEnc)
	return nil
}

func (f *BoolField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, identityDec)
}

func (f *BoolField) CoerceFilter(v any) (any, error) {
	b, ok := boolValue(v)
	if !ok {
		return nil, fmt.Errorf("expected a boolean, got %v", v)
	}
	return b, nil
}

// DateField stores timestamps in UTC with second precision.
type DateField struct {
	BaseField
}

func (f *DateField) Type() string { return "date" }

func (f *DateField) SetValue(inst *Instance, name string, v any) *FieldError {
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		t, ok := timeValue(v)
		if !ok {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("cannot parse %v as a timestamp", v))
		}
		return t, nil
	})
}

func (f *DateField) Serialize(inst *Instance, name string, rec *Record) error {
	f.storeLeaves(inst, name, rec, identityEnc)
	return nil
}

func (f *DateField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, identityDec)
}

func (f *DateField) CoerceFilter(v any) (any, error) {
	t, ok := timeValue(v)
	if !ok {
		return nil, fmt.Errorf("cannot parse %v as a timestamp", v)
	}
	return t, nil
}

// SelectField restricts values to a fixed set of options.
type SelectField struct {
	BaseField
	Values []string
}

func (f *SelectField) Type() string { return "select" }

func (f *SelectField) SetValue(inst *Instance, name string, v any) *FieldError {
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		s, ok := stringValue(v)
		if !ok {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("expected a string, got %T", v))
		}
		if s == "" {
			return nil, nil
		}
		for _, allowed := range f.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("value %q is not a valid option", s))
	})
}

func (f *SelectField) Serialize(inst *Instance, name string, rec *Record) error {
	f.storeLeaves(inst, name, rec, identityEnc)
	return nil
}

func (f *SelectField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, identityDec)
}

func (f *SelectField) CoerceFilter(v any) (any, error) {
	s, ok := stringValue(v)
	if !ok {
		return nil, fmt.Errorf("expected a string, got %T", v)
	}
	return s, nil
}

// KeyField stores entity keys without the relational machinery.
type KeyField struct {
	BaseField
}

func (f *KeyField) Type() string { return "key" }

func (f *KeyField) SetValue(inst *Instance, name string, v any) *FieldError {
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		k, err := keyValue(v)
		if err != nil {
			return nil, fieldErr("", SeverityInvalid, err.Error())
		}
		return k, nil
	})
}

func (f *KeyField) Serialize(inst *Instance, name string, rec *Record) error {
	f.storeLeaves(inst, name, rec, identityEnc)
	return nil
}

func (f *KeyField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, identityDec)
}

func (f *KeyField) CoerceFilter(v any) (any, error) {
	return keyValue(v)
}

// BlobField stores references to blobs in external storage by name. The
// write path tracks these in the blob lock so garbage collection keeps the
// underlying objects alive.
type BlobField struct {
	BaseField
}

func (f *BlobField) Type() string { return "blob" }

func (f *BlobField) SetValue(inst *Instance, name string, v any) *FieldError {
	return f.setLeaves(inst, name, v, func(v any) (any, *FieldError) {
		s, ok := stringValue(v)
		if !ok {
			return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("expected a blob name, got %T", v))
		}
		if s == "" {
			return nil, nil
		}
		return s, nil
	})
}

func (f *BlobField) Serialize(inst *Instance, name string, rec *Record) error {
	f.storeLeaves(inst, name, rec, identityEnc)
	return nil
}

func (f *BlobField) Unserialize(inst *Instance, name string, rec *Record) error {
	return f.loadLeaves(inst, name, rec, identityDec)
}

func (f *BlobField) ReferencedBlobs(inst *Instance, name string) []string {
	var out []string
	for _, leaf := range leafValues(inst.values[name]) {
		if s, _ := leaf.(string); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Shared coercion helpers.

func stringValue(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}

func floatValue(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case string:
		fv, err := strconv.ParseFloat(strings.Replace(v, ",", ".", 1), 64)
		if err != nil {
			return 0, false
		}
		return fv, true
	}
	return 0, false
}

func boolValue(v any) (bool, bool) {
	switch v := v.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0", "":
			return false, true
		}
	}
	return false, false
}

func timeValue(v any) (time.Time, bool) {
	switch v := v.(type) {
	case time.Time:
		return v.UTC().Truncate(time.Second), true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC().Truncate(time.Second), true
			}
		}
	case int64:
		return time.Unix(v, 0).UTC(), true
	case float64:
		return time.Unix(int64(v), 0).UTC(), true
	}
	return time.Time{}, false
}

func keyValue(v any) (*Key, error) {
	switch v := v.(type) {
	case *Key:
		return v, nil
	case string:
		return DecodeKey(v)
	}
	return nil, fmt.Errorf("expected an entity key, got %T", v)
}
