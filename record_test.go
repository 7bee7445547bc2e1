package relkv

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOrderPreserved(t *testing.T) {
	rec := NewRecord(IDKey("thing", 1, nil))
	rec.Set("b", 1)
	rec.Set("a", 2)
	rec.Set("c", 3)
	rec.Set("a", 4) // overwrite keeps the original position
	assert.Equal(t, []string{"b", "a", "c"}, rec.Names())

	rec.Delete("a")
	assert.Equal(t, []string{"b", "c"}, rec.Names())
	assert.False(t, rec.Has("a"))
}

func TestRecordDottedPaths(t *testing.T) {
	rec := NewRecord(nil)
	rec.SetPath("dest.name", "Alice")
	rec.SetPath("dest.tier", "gold")

	v, ok := rec.Lookup("dest.name")
	require.True(t, ok)
	assert.Equal(t, "Alice", v)

	sub, ok := rec.Get("dest")
	require.True(t, ok)
	_, isRec := sub.(*Record)
	assert.True(t, isRec)

	_, ok = rec.Lookup("dest.missing")
	assert.False(t, ok)
	_, ok = rec.Lookup("dest.name.deeper")
	assert.False(t, ok)
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := NewRecord(IDKey("thing", 1, nil))
	rec.Set("list", []any{"a", "b"})
	rec.SetPath("sub.inner", "x")
	rec.SetNoIndex("big", "payload")

	dup := rec.Clone()
	dup.SetPath("sub.inner", "changed")
	dup.Set("list", []any{"mutated"})

	v, _ := rec.Lookup("sub.inner")
	assert.Equal(t, "x", v)
	assert.True(t, dup.Unindexed("big"))
}

func TestCompareValuesTotalOrder(t *testing.T) {
	now := time.Now()
	ordered := []any{
		nil,
		false, true,
		int64(-4), 2.5, int64(3),
		now, now.Add(time.Hour),
		"apple", "banana",
		[]byte{0x01}, []byte{0x02},
		IDKey("a", 1, nil),
	}
	for i := 0; i < len(ordered); i++ {
		for j := 0; j < len(ordered); j++ {
			c := compareValues(ordered[i], ordered[j])
			switch {
			case i < j:
				assert.Negative(t, c, "%v should sort before %v", ordered[i], ordered[j])
			case i > j:
				assert.Positive(t, c, "%v should sort after %v", ordered[i], ordered[j])
			default:
				assert.Zero(t, c)
			}
		}
	}
}

func TestCompareValuesMixedNumbers(t *testing.T) {
	assert.Zero(t, compareValues(int64(2), 2.0))
	assert.Negative(t, compareValues(int64(2), 2.5))
	assert.Positive(t, compareValues(3.5, int64(3)))
}

func TestEqualValuesDescendsComposites(t *testing.T) {
	a := NewRecord(nil)
	a.Set("x", []any{int64(1), "two"})
	b := NewRecord(nil)
	b.Set("x", []any{int64(1), "two"})
	assert.True(t, equalValues(a, b))

	b.Set("x", []any{int64(1), "three"})
	assert.False(t, equalValues(a, b))

	assert.True(t, equalValues([]any{"a"}, []any{"a"}))
	assert.False(t, equalValues([]any{"a"}, []any{"a", "b"}))
	assert.False(t, equalValues("a", []any{"a"}))
	assert.True(t, equalValues(nil, nil))
}

func TestSortRecordsMultiLevel(t *testing.T) {
	mk := func(group string, rank int64) *Record {
		rec := NewRecord(IDKey("row", rank, nil))
		rec.Set("group", group)
		rec.Set("rank", rank)
		return rec
	}
	recs := []*Record{mk("b", 1), mk("a", 2), mk("a", 1), mk("b", 2)}
	sortRecords(recs, []Order{{Field: "group"}, {Field: "rank", Descending: true}})

	var got []string
	for _, rec := range recs {
		g, _ := rec.Get("group")
		r, _ := rec.Get("rank")
		got = append(got, fmt.Sprintf("%v-%v", g, r))
	}
	assert.Equal(t, []string{"a-2", "a-1", "b-2", "b-1"}, got)
}

func TestSortRecordsMultiValuedProperty(t *testing.T) {
	a := NewRecord(IDKey("row", 1, nil))
	a.Set("tags", []any{"m", "z"})
	b := NewRecord(IDKey("row", 2, nil))
	b.Set("tags", []any{"a", "q"})

	recs := []*Record{a, b}
	sortRecords(recs, []Order{{Field: "tags"}})
	assert.True(t, recs[0].Key.Equal(b.Key), "smallest element wins ascending")

	recs = []*Record{b, a}
	sortRecords(recs, []Order{{Field: "tags", Descending: true}})
	assert.True(t, recs[0].Key.Equal(a.Key), "largest element wins descending")
}
