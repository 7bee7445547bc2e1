package relkv

import (
	"context"
)

// keyProperty is the pseudo-property name addressing the entity key in
// filters and sort orders.
const keyProperty = "__key__"

// maxTxnGroups caps how many distinct entity groups one transaction may
// touch, matching the transport's cross-group budget.
const maxTxnGroups = 25

// Op is a native filter operator. The store supports conjunctions of
// equality filters with at most one inequality property; anything richer
// (value-in-set, not-equal, geo ranges) is decomposed into several native
// queries by the multi-query engine and merged client-side.
type Op int

const (
	OpEq Op = iota
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op Op) String() string {
	switch op {
	case OpEq:
		return "="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	}
	return "?"
}

// Filter is one native predicate. Field may be a dotted path into nested
// sub-records, or keyProperty. Equality on a multi-valued property matches
// if any element matches.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order is one sort level. Field may be a dotted path or keyProperty.
type Order struct {
	Field      string
	Descending bool
}

// QueryRequest describes one native single-predicate-shape query: one
// kind, an optional ancestor constraint, AND-ed filters, sort orders, a
// continuation cursor and a limit. Limit <= 0 means no limit.
type QueryRequest struct {
	Kind      string
	Ancestor  *Key
	Filters   []Filter
	Orders    []Order
	Cursor    string
	EndCursor string
	Limit     int
	KeysOnly  bool
}

// QueryResult carries one page of results. NextCursor is empty when the
// scan is exhausted.
type QueryResult struct {
	Records    []*Record
	NextCursor string
}

// Store is the transactional key-value transport the engine runs on.
// Transactions may span at most maxTxnGroups distinct entity groups: a
// store implementation must reject transactions exceeding that budget
// with ErrCrossGroup, and aborts concurrent conflicting transactions with
// ErrContention. Queries inside a transaction must carry an ancestor
// within one of the transaction's groups.
type Store interface {
	Txn

	// RunInTransaction executes fn atomically. fn may be invoked more than
	// once; side effects outside tx must be avoided. The error returned by
	// fn propagates unchanged.
	RunInTransaction(ctx context.Context, fn func(tx Txn) error) error

	Close() error
}

// Txn is the operation set available both on the bare store (auto-commit,
// one operation per transaction) and inside RunInTransaction.
type Txn interface {
	// Get returns the entity stored under key, or ErrNotFound.
	Get(ctx context.Context, key *Key) (*Record, error)

	// GetMulti returns one entry per key; missing entities yield nil
	// entries, not an error.
	GetMulti(ctx context.Context, keys []*Key) ([]*Record, error)

	// Put stores the record under rec.Key, which must be complete.
	Put(ctx context.Context, rec *Record) error

	// Delete removes the entity under key. Deleting a missing entity is a
	// no-op.
	Delete(ctx context.Context, key *Key) error

	// RunQuery executes one native query.
	RunQuery(ctx context.Context, req *QueryRequest) (*QueryResult, error)

	// AllocateID completes an incomplete key with a fresh numeric id. The
	// key becomes immediately usable inside the current transaction without
	// being visible outside until commit.
	AllocateID(ctx context.Context, key *Key) (*Key, error)
}

// matchesFilters applies AND-ed native predicates to a record, shared by
// the store implementations and the client-side re-check in the
// multi-query merge.
func matchesFilters(rec *Record, filters []Filter) bool {
	for _, f := range filters {
		if !matchesFilter(rec, f) {
			return false
		}
	}
	return true
}

func matchesFilter(rec *Record, f Filter) bool {
	var v any
	if f.Field == keyProperty {
		v = rec.Key
	} else {
		var ok bool
		v, ok = rec.Lookup(f.Field)
		if !ok {
			return false
		}
	}
	if list, ok := v.([]any); ok {
		for _, e := range list {
			if matchesOp(e, f.Op, f.Value) {
				return true
			}
		}
		return false
	}
	return matchesOp(v, f.Op, f.Value)
}

func matchesOp(v any, op Op, want any) bool {
	c := compareValues(v, want)
	switch op {
	case OpEq:
		return c == 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}
