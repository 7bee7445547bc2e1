package relkv

import (
	"fmt"
	"sort"
	"time"
)

// Record is the raw store representation of an entity: an ordered mapping
// from property name to value, plus the set of property names excluded
// from indexing. Legal values are nil, bool, int64, float64, string,
// []byte, time.Time, *Key, *Record (nested sub-record) and []any of the
// former.
type Record struct {
	Key     *Key
	order   []string
	props   map[string]any
	noIndex map[string]bool
}

func NewRecord(key *Key) *Record {
	return &Record{Key: key, props: make(map[string]any)}
}

func (r *Record) Get(name string) (any, bool) {
	v, ok := r.props[name]
	return v, ok
}

func (r *Record) Has(name string) bool {
	_, ok := r.props[name]
	return ok
}

func (r *Record) Set(name string, value any) {
	if _, ok := r.props[name]; !ok {
		r.order = append(r.order, name)
	}
	r.props[name] = value
}

// SetNoIndex stores a value and excludes it from the store's indexes
// (needed for oversized payloads and values never filtered on).
func (r *Record) SetNoIndex(name string, value any) {
	r.Set(name, value)
	if r.noIndex == nil {
		r.noIndex = make(map[string]bool)
	}
	r.noIndex[name] = true
}

func (r *Record) Unindexed(name string) bool {
	return r.noIndex[name]
}

func (r *Record) Delete(name string) {
	if _, ok := r.props[name]; !ok {
		return
	}
	delete(r.props, name)
	delete(r.noIndex, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Names returns property names in insertion order.
func (r *Record) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Record) Len() int {
	return len(r.props)
}

// Lookup resolves a dotted path ("dest.name", "src.address.city")
// through nested sub-records.
func (r *Record) Lookup(path string) (any, bool) {
	cur := any(r)
	for path != "" {
		rec, ok := cur.(*Record)
		if !ok {
			return nil, false
		}
		var head string
		head, path = cutPath(path)
		v, ok := rec.Get(head)
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func cutPath(path string) (head, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// SetPath stores a value under a dotted path, creating intermediate
// sub-records as needed.
func (r *Record) SetPath(path string, value any) {
	head, rest := cutPath(path)
	if rest == "" {
		r.Set(head, value)
		return
	}
	v, _ := r.Get(head)
	sub, _ := v.(*Record)
	if sub == nil {
		sub = NewRecord(nil)
		r.Set(head, sub)
	}
	sub.SetPath(rest, value)
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := &Record{Key: r.Key, props: make(map[string]any, len(r.props))}
	dup.order = append([]string(nil), r.order...)
	for name, v := range r.props {
		dup.props[name] = cloneValue(v)
	}
	if r.noIndex != nil {
		dup.noIndex = make(map[string]bool, len(r.noIndex))
		for name := range r.noIndex {
			dup.noIndex[name] = true
		}
	}
	return dup
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case *Record:
		return v.Clone()
	case []any:
		dup := make([]any, len(v))
		for i, e := range v {
			dup[i] = cloneValue(e)
		}
		return dup
	case []byte:
		return append([]byte(nil), v...)
	default:
		return v
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("Record(%v, %d props)", r.Key, len(r.props))
}

// compareValues defines a total order over record values, used for
// client-side sorting and inequality filtering. Values of different
// classes sort by class: nil < bool < number < time < string < bytes <
// key. Numbers compare across int64/float64.
func compareValues(a, b any) int {
	ca, cb := valueClass(a), valueClass(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	switch ca {
	case classNil:
		return 0
	case classBool:
		av, bv := a.(bool), b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case classNumber:
		av, bv := numValue(a), numValue(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case classTime:
		av, bv := a.(time.Time), b.(time.Time)
		return av.Compare(bv)
	case classString:
		av, bv := a.(string), b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case classBytes:
		av, bv := string(a.([]byte)), string(b.([]byte))
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case classKey:
		av, bv := a.(*Key).Encode(), b.(*Key).Encode()
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
	return 0
}

const (
	classNil = iota
	classBool
	classNumber
	classTime
	classString
	classBytes
	classKey
	classOther
)

func valueClass(v any) int {
	switch v.(type) {
	case nil:
		return classNil
	case bool:
		return classBool
	case int, int64, float64:
		return classNumber
	case time.Time:
		return classTime
	case string:
		return classString
	case []byte:
		return classBytes
	case *Key:
		return classKey
	default:
		return classOther
	}
}

// equalValues reports deep equality of record values, descending into
// lists and sub-records. compareValues alone cannot tell composites apart.
func equalValues(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Record:
		bv, ok := b.(*Record)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for _, name := range av.Names() {
			x, _ := av.Get(name)
			y, ok := bv.Get(name)
			if !ok || !equalValues(x, y) {
				return false
			}
		}
		return true
	default:
		return valueClass(a) == valueClass(b) && compareValues(a, b) == 0
	}
}

func numValue(v any) float64 {
	switch v := v.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// sortRecords sorts in place by the given orders, comparing multi-valued
// properties by their smallest (ascending) or largest (descending)
// element, the way the store's native index would.
func sortRecords(recs []*Record, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, ord := range orders {
			av := orderableValue(recs[i], ord)
			bv := orderableValue(recs[j], ord)
			c := compareValues(av, bv)
			if c == 0 {
				continue
			}
			if ord.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func orderableValue(rec *Record, ord Order) any {
	v, ok := rec.Lookup(ord.Field)
	if !ok {
		if ord.Field == keyProperty {
			return rec.Key
		}
		return nil
	}
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return v
	}
	best := list[0]
	for _, e := range list[1:] {
		c := compareValues(e, best)
		if (ord.Descending && c > 0) || (!ord.Descending && c < 0) {
			best = e
		}
	}
	return best
}
