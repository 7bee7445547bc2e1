package relkv

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxQueryLimit caps how many entities one query page may return.
const maxQueryLimit = 100

// defaultQueryLimit applies when the caller does not ask for an amount.
const defaultQueryLimit = 30

// maxSubqueries caps how many native queries one logical query may
// decompose into through IN and != filters.
const maxSubqueries = 30

// Query builds one logical query over a kind. Filters on relation fields
// transparently rewrite the query onto the relation mirror; IN and !=
// filters decompose it into several native queries merged client-side.
type Query struct {
	engine *Engine
	kind   *Kind

	base     QueryRequest // shared by every branch
	branches []branchReq  // per-branch extra filters, at least one
	orders   []Order
	limit    int
	cursor   string
	endCur   string
	reversed bool

	// set when the query was rewritten onto the relation mirror
	srcField string

	unsatisfiable bool

	// decomposition hooks, used by spatial search
	customMerge      func(branches [][]*Record, merged []*Record) []*Record
	internalLimitMul int

	// Info carries per-run metadata such as the guaranteed correctness
	// radius of a spatial search.
	Info map[string]any
}

type branchReq struct {
	filters []Filter
	orders  []Order // branch-specific orders override shared ones
}

func (e *Engine) Query(kindName string) *Query {
	kind := e.reg.KindNamed(kindName)
	if kind == nil {
		panic(errors.Errorf("unknown kind %q", kindName))
	}
	q := &Query{
		engine: e,
		kind:   kind,
		base:   QueryRequest{Kind: kind.Name},
		limit:  defaultQueryLimit,
		Info:   make(map[string]any),
	}
	q.branches = []branchReq{{}}
	return q
}

func (q *Query) Ancestor(key *Key) *Query {
	q.base.Ancestor = key
	return q
}

func (q *Query) Limit(n int) *Query {
	if n > maxQueryLimit {
		n = maxQueryLimit
	}
	if n > 0 {
		q.limit = n
	}
	return q
}

func (q *Query) Cursor(c string) *Query {
	q.cursor = c
	return q
}

func (q *Query) EndCursor(c string) *Query {
	q.endCur = c
	return q
}

// fail marks the query unsatisfiable. It still runs, returning no results,
// which is the safe answer for filters that cannot be honored.
func (q *Query) fail(reason string) *Query {
	if !q.unsatisfiable {
		q.engine.log.Debugw("query marked unsatisfiable", "kind", q.kind.Name, "reason", reason)
	}
	q.unsatisfiable = true
	return q
}

// Filter adds one comparison. Relation paths take the forms
// field.dest.attr and field.rel.attr.
func (q *Query) Filter(field string, op Op, value any) *Query {
	if name, rest, ok := q.splitRelational(field); ok {
		return q.filterRelational(name, rest, op, value)
	}
	root := strings.SplitN(field, ".", 2)[0]
	bf := q.kind.byName[root]
	if bf == nil && field != keyProperty && !strings.HasPrefix(field, "viur_") {
		return q.fail("filter on unknown field " + field)
	}
	if q.srcField != "" {
		return q.fail("cannot mix relational and plain filters")
	}
	if q.customMerge != nil {
		return q.fail("cannot combine a spatial search with other filters")
	}
	if bf != nil && root == field {
		if fc, ok := bf.field.(filterCoercer); ok {
			cv, err := fc.CoerceFilter(value)
			if err != nil {
				return q.fail(err.Error())
			}
			value = cv
		}
	}
	q.addFilter(Filter{Field: field, Op: op, Value: value})
	return q
}

// FilterIn matches any of the given values, decomposing into one native
// query per value.
func (q *Query) FilterIn(field string, values []any) *Query {
	if len(values) == 0 {
		return q.fail("IN filter with no values")
	}
	if len(values)*len(q.branches) > maxSubqueries {
		return q.fail("IN filter produces too many subqueries")
	}
	next := make([]branchReq, 0, len(values)*len(q.branches))
	saved := q.branches
	for _, v := range values {
		q.branches = cloneBranches(saved)
		q.Filter(field, OpEq, v)
		if q.unsatisfiable {
			return q
		}
		next = append(next, q.branches...)
	}
	q.branches = next
	return q
}

// FilterNotEqual decomposes into a below branch and an above branch.
func (q *Query) FilterNotEqual(field string, value any) *Query {
	if 2*len(q.branches) > maxSubqueries {
		return q.fail("!= filter produces too many subqueries")
	}
	saved := q.branches
	q.branches = cloneBranches(saved)
	q.Filter(field, OpLt, value)
	if q.unsatisfiable {
		return q
	}
	below := q.branches
	q.branches = cloneBranches(saved)
	q.Filter(field, OpGt, value)
	if q.unsatisfiable {
		return q
	}
	q.branches = append(below, q.branches...)
	return q
}

// FilterPrefix matches string values starting with the given prefix.
func (q *Query) FilterPrefix(field string, prefix string) *Query {
	q.Filter(field, OpGe, prefix)
	return q.Filter(field, OpLt, prefix+"�")
}

func (q *Query) Order(field string, descending bool) *Query {
	if name, rest, ok := q.splitRelational(field); ok {
		rf, sub, failReason := q.resolveRelational(name, rest)
		if failReason != "" {
			return q.fail(failReason)
		}
		if err := q.rewriteOnto(name, rf); err != "" {
			return q.fail(err)
		}
		q.orders = append(q.orders, Order{Field: sub, Descending: descending})
		return q
	}
	root := strings.SplitN(field, ".", 2)[0]
	if q.kind.byName[root] == nil && field != keyProperty {
		return q.fail("order on unknown field " + field)
	}
	q.orders = append(q.orders, Order{Field: field, Descending: descending})
	return q
}

func (q *Query) addFilter(f Filter) {
	for i := range q.branches {
		q.branches[i].filters = append(q.branches[i].filters, f)
	}
}

func cloneBranches(in []branchReq) []branchReq {
	out := make([]branchReq, len(in))
	for i, br := range in {
		out[i] = branchReq{
			filters: append([]Filter(nil), br.filters...),
			orders:  append([]Order(nil), br.orders...),
		}
	}
	return out
}

// splitRelational recognises field.dest.attr / field.rel.attr paths on
// relation fields of this kind.
func (q *Query) splitRelational(field string) (name, rest string, ok bool) {
	parts := strings.SplitN(field, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	bf := q.kind.byName[parts[0]]
	if bf == nil {
		return "", "", false
	}
	if _, isRel := bf.field.(*RelationField); !isRel {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// resolveRelational validates a dest./rel. subpath against the relation's
// mirrored attributes. Anything outside RefKeys or the Using schema is
// not materialised in the mirror and cannot be answered.
func (q *Query) resolveRelational(name, rest string) (rf *RelationField, sub string, failReason string) {
	rf = q.kind.byName[name].field.(*RelationField)
	switch {
	case rest == "dest."+keyProperty || rest == "dest.key":
		return rf, "dest." + keyProperty, ""
	case strings.HasPrefix(rest, "dest."):
		attr := strings.TrimPrefix(rest, "dest.")
		for _, rk := range rf.RefKeys {
			if attr == rk || strings.HasPrefix(attr, rk+".") {
				return rf, "dest." + attr, ""
			}
		}
		return nil, "", "attribute " + attr + " of " + name + " is not mirrored"
	case strings.HasPrefix(rest, "rel."):
		attr := strings.TrimPrefix(rest, "rel.")
		if rf.Using == nil {
			return nil, "", "relation " + name + " carries no per-relation data"
		}
		root := strings.SplitN(attr, ".", 2)[0]
		if rf.Using.byName[root] == nil {
			return nil, "", "per-relation attribute " + attr + " of " + name + " is not mirrored"
		}
		return rf, "rel." + attr, ""
	default:
		return nil, "", "unsupported relational path " + name + "." + rest
	}
}

func (q *Query) filterRelational(name, rest string, op Op, value any) *Query {
	rf, sub, failReason := q.resolveRelational(name, rest)
	if failReason != "" {
		return q.fail(failReason)
	}
	if err := q.rewriteOnto(name, rf); err != "" {
		return q.fail(err)
	}
	if sub == "dest."+keyProperty {
		key, err := keyValue(value)
		if err != nil {
			return q.fail(err.Error())
		}
		value = key
	}
	q.addFilter(Filter{Field: sub, Op: op, Value: value})
	return q
}

// rewriteOnto switches the query target to the relation mirror for one
// relation field. Only one relation field may drive a query.
func (q *Query) rewriteOnto(name string, rf *RelationField) string {
	if q.srcField == name {
		return ""
	}
	if q.srcField != "" {
		return "cannot filter on two relation fields in one query"
	}
	for i := range q.branches {
		if len(q.branches[i].filters) > 0 {
			return "cannot mix relational and plain filters"
		}
	}
	q.srcField = name
	q.base.Kind = relationKind
	// On the base request so every later decomposition branch carries them.
	q.base.Filters = append(q.base.Filters,
		Filter{Field: propSrcKind, Op: OpEq, Value: q.kind.Name},
		Filter{Field: propSrcProperty, Op: OpEq, Value: name})
	return ""
}

// FromParams applies the external query parameter syntax: plain keys are
// equality filters, a [$op] suffix selects lk, lt, le, gt, ge, ne or in,
// and orderby, orderdir, cursor, endcursor, amount and search control the
// run. Unknown parameters are ignored; recognised parameters with values
// that cannot be honored make the query return nothing.
func (q *Query) FromParams(params map[string]any) *Query {
	for key, value := range params {
		switch key {
		case "orderby", "orderdir", "cursor", "endcursor", "amount", "limit", "search":
			continue
		}
		field, op := key, ""
		if i := strings.Index(key, "[$"); i >= 0 && strings.HasSuffix(key, "]") {
			field, op = key[:i], key[i+2:len(key)-1]
		}
		root := strings.SplitN(field, ".", 2)[0]
		bf := q.kind.byName[root]
		if bf == nil {
			// Unknown parameter, likely meant for another layer.
			continue
		}
		if sf, ok := bf.field.(*SpatialField); ok && op == "" && root == field {
			sf.applyParam(q, field, value)
			continue
		}
		switch op {
		case "":
			q.Filter(field, OpEq, value)
		case "lt":
			q.Filter(field, OpLt, value)
		case "le":
			q.Filter(field, OpLe, value)
		case "gt":
			q.Filter(field, OpGt, value)
		case "ge":
			q.Filter(field, OpGe, value)
		case "lk":
			s, ok := stringValue(value)
			if !ok {
				q.fail("prefix filter requires a string")
				continue
			}
			q.FilterPrefix(field, s)
		case "ne":
			q.FilterNotEqual(field, value)
		case "in":
			values, ok := value.([]any)
			if !ok {
				values = []any{value}
			}
			q.FilterIn(field, values)
		default:
			q.fail("unknown filter operator $" + op)
		}
	}

	if raw, ok := params["search"]; ok {
		if s, ok := stringValue(raw); ok && s != "" {
			for _, word := range strings.Fields(strings.ToLower(s)) {
				q.Filter(propEntitySearchTags, OpEq, word)
			}
		}
	}
	if raw, ok := params["orderby"]; ok {
		if field, ok := stringValue(raw); ok && field != "" {
			desc, reversed := false, false
			if rawDir, ok := params["orderdir"]; ok {
				switch dir, _ := intValue(rawDir); dir {
				case 1:
					desc = true
				case 2:
					reversed = true
				case 3:
					desc, reversed = true, true
				}
			}
			q.Order(field, desc)
			q.reversed = reversed
		}
	}
	if raw, ok := params["amount"]; ok {
		if n, ok := intValue(raw); ok {
			q.Limit(n)
		}
	}
	if raw, ok := params["limit"]; ok {
		if n, ok := intValue(raw); ok {
			q.Limit(n)
		}
	}
	if raw, ok := params["cursor"]; ok {
		if c, ok := stringValue(raw); ok {
			q.Cursor(c)
		}
	}
	if raw, ok := params["endcursor"]; ok {
		if c, ok := stringValue(raw); ok {
			q.EndCursor(c)
		}
	}
	return q
}

func intValue(v any) (int, bool) {
	switch v := v.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Run executes the query and binds the result records to instances.
func (q *Query) Run(ctx context.Context) ([]*Instance, string, error) {
	recs, cursor, err := q.RunRaw(ctx)
	if err != nil {
		return nil, "", err
	}
	out := make([]*Instance, 0, len(recs))
	for _, rec := range recs {
		inst := q.kind.NewInstance()
		if err := inst.Unserialize(rec); err != nil {
			return nil, "", err
		}
		out = append(out, inst)
	}
	return out, cursor, nil
}

// RunRaw executes the query and returns source entity records.
func (q *Query) RunRaw(ctx context.Context) ([]*Record, string, error) {
	if q.unsatisfiable {
		return nil, "", nil
	}
	recs, cursor, err := q.runNative(ctx)
	if err != nil {
		return nil, "", err
	}
	if q.srcField != "" {
		recs, err = q.resolveSources(ctx, recs)
		if err != nil {
			return nil, "", err
		}
	}
	if q.reversed {
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	}
	return recs, cursor, nil
}

func (q *Query) runNative(ctx context.Context) ([]*Record, string, error) {
	if len(q.branches) == 1 && q.customMerge == nil {
		req := q.branchRequest(0)
		req.Cursor = q.cursor
		req.EndCursor = q.endCur
		res, err := q.engine.store.RunQuery(ctx, req)
		if err != nil {
			return nil, "", err
		}
		return res.Records, res.NextCursor, nil
	}
	if q.cursor != "" || q.endCur != "" {
		return nil, "", errors.New("cursors are not supported on decomposed queries")
	}
	reqs := make([]*QueryRequest, len(q.branches))
	for i := range q.branches {
		reqs[i] = q.branchRequest(i)
	}
	recs, err := runMergedQueries(ctx, q.engine.store, reqs, q.orders, q.limit, q.customMerge)
	if err != nil {
		return nil, "", err
	}
	return recs, "", nil
}

func (q *Query) branchRequest(i int) *QueryRequest {
	br := q.branches[i]
	req := q.base
	req.Filters = append(append([]Filter(nil), q.base.Filters...), br.filters...)
	orders := q.orders
	if len(br.orders) > 0 {
		orders = br.orders
	}
	req.Orders = append([]Order(nil), orders...)
	req.Limit = q.limit
	if q.internalLimitMul > 0 {
		req.Limit = q.limit * q.internalLimitMul
	}
	return &req
}

// resolveSources maps relation mirror rows back to their source entities,
// preserving row order and dropping duplicates.
func (q *Query) resolveSources(ctx context.Context, rows []*Record) ([]*Record, error) {
	var keys []*Key
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		src := row.Key.Parent
		if src == nil {
			continue
		}
		enc := src.Encode()
		if seen[enc] {
			continue
		}
		seen[enc] = true
		keys = append(keys, src)
	}
	recs, err := q.engine.store.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}
