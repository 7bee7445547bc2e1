package relkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCustomers(env *testEnv) map[string]*Key {
	keys := make(map[string]*Key)
	for _, c := range []struct {
		name, tier string
	}{
		{"Alpha Ant", "gold"},
		{"Beta Bear", "silver"},
		{"Gamma Goat", "bronze"},
		{"Delta Duck", "gold"},
	} {
		keys[c.name] = env.create(customerKind, map[string]any{"name": c.name, "tier": c.tier})
	}
	return keys
}

func names(insts []*Instance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i], _ = inst.Value("name").(string)
	}
	return out
}

func TestQueryFilterAndOrder(t *testing.T) {
	env := newTestEnv(t)
	seedCustomers(env)

	insts, _, err := env.engine.Query("customer").
		Filter("tier", OpEq, "gold").
		Order("name", false).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha Ant", "Delta Duck"}, names(insts))

	insts, _, err = env.engine.Query("customer").
		Order("name", true).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Gamma Goat", "Delta Duck", "Beta Bear", "Alpha Ant"}, names(insts))
}

func TestQueryCursorPaging(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		env.create(orderKind, map[string]any{"title": fmt.Sprintf("order %02d", i)})
	}

	var seen []string
	cursor := ""
	for {
		q := env.engine.Query("order").Order("title", false).Limit(2)
		if cursor != "" {
			q.Cursor(cursor)
		}
		insts, next, err := q.Run(env.ctx)
		require.NoError(t, err)
		for _, inst := range insts {
			title, _ := inst.Value("title").(string)
			seen = append(seen, title)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"order 01", "order 02", "order 03", "order 04", "order 05"}, seen)
}

func TestQueryLimitCap(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Query("customer").Limit(5000)
	assert.Equal(t, maxQueryLimit, q.limit)

	q = env.engine.Query("customer")
	assert.Equal(t, defaultQueryLimit, q.limit)
}

func TestFromParamsOperators(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 6; i++ {
		env.create(orderKind, map[string]any{"title": fmt.Sprintf("widget %d", i), "qty": i})
	}
	env.create(orderKind, map[string]any{"title": "gadget", "qty": 10})

	insts, _, err := env.engine.Query("order").
		FromParams(map[string]any{"qty[$gt]": 4, "title[$lk]": "widget"}).
		Run(env.ctx)
	require.NoError(t, err)
	require.Len(t, insts, 2)

	insts, _, err = env.engine.Query("order").
		FromParams(map[string]any{"qty[$le]": "2"}).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Len(t, insts, 2)
}

func TestFromParamsInAndNotEqual(t *testing.T) {
	env := newTestEnv(t)
	seedCustomers(env)

	insts, _, err := env.engine.Query("customer").
		FromParams(map[string]any{"tier[$in]": []any{"gold", "bronze"}}).
		Run(env.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Alpha Ant", "Delta Duck", "Gamma Goat"}, names(insts))

	insts, _, err = env.engine.Query("customer").
		FromParams(map[string]any{"tier[$ne]": "gold"}).
		Run(env.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Beta Bear", "Gamma Goat"}, names(insts))
}

func TestFromParamsOrderDirections(t *testing.T) {
	env := newTestEnv(t)
	seedCustomers(env)

	insts, _, err := env.engine.Query("customer").
		FromParams(map[string]any{"orderby": "name", "orderdir": 1}).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Gamma Goat", "Delta Duck", "Beta Bear", "Alpha Ant"}, names(insts))

	// Inverted ascending walks the ascending index and flips the page.
	insts, _, err = env.engine.Query("customer").
		FromParams(map[string]any{"orderby": "name", "orderdir": 2}).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Gamma Goat", "Delta Duck", "Beta Bear", "Alpha Ant"}, names(insts))
}

func TestFromParamsAmountAndUnknownParams(t *testing.T) {
	env := newTestEnv(t)
	seedCustomers(env)

	insts, _, err := env.engine.Query("customer").
		FromParams(map[string]any{
			"amount":       2,
			"orderby":      "name",
			"utm_campaign": "spring",
		}).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha Ant", "Beta Bear"}, names(insts))
}

func TestFromParamsSearch(t *testing.T) {
	env := newTestEnv(t)
	seedCustomers(env)

	insts, _, err := env.engine.Query("customer").
		FromParams(map[string]any{"search": "Gamma"}).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Gamma Goat"}, names(insts))
}

func TestRelationalQueryRewrite(t *testing.T) {
	env := newTestEnv(t)
	keys := seedCustomers(env)
	env.create(orderKind, map[string]any{"title": "for alpha", "customer": keys["Alpha Ant"]})
	env.create(orderKind, map[string]any{"title": "for beta", "customer": keys["Beta Bear"]})
	env.create(orderKind, map[string]any{"title": "for delta", "customer": keys["Delta Duck"]})

	insts, _, err := env.engine.Query("order").
		Filter("customer.dest.tier", OpEq, "gold").
		Order("customer.dest.name", false).
		Run(env.ctx)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.Equal(t, "order", insts[0].Kind().Name)
	titles := []string{insts[0].Value("title").(string), insts[1].Value("title").(string)}
	assert.Equal(t, []string{"for alpha", "for delta"}, titles)
}

func TestRelationalQueryByDestKey(t *testing.T) {
	env := newTestEnv(t)
	keys := seedCustomers(env)
	target := env.create(orderKind, map[string]any{"title": "tracked", "customer": keys["Beta Bear"]})
	env.create(orderKind, map[string]any{"title": "other", "customer": keys["Alpha Ant"]})

	insts, _, err := env.engine.Query("order").
		Filter("customer.dest.__key__", OpEq, keys["Beta Bear"]).
		Run(env.ctx)
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.True(t, insts[0].Key().Equal(target))
}

func TestRelationalQueryFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	keys := seedCustomers(env)
	env.create(orderKind, map[string]any{"title": "x", "customer": keys["Alpha Ant"]})

	// email is not in RefKeys, so it is not materialized in the mirror.
	insts, _, err := env.engine.Query("order").
		Filter("customer.dest.email", OpEq, "a@example.com").
		Run(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, insts)

	// Mixing relational and plain filters cannot be answered natively.
	insts, _, err = env.engine.Query("order").
		Filter("customer.dest.tier", OpEq, "gold").
		Filter("title", OpEq, "x").
		Run(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, insts)

	// Unknown fields fail closed too.
	insts, _, err = env.engine.Query("order").
		Filter("no_such_field", OpEq, 1).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, insts)
}

func TestInFilterSubqueryCap(t *testing.T) {
	env := newTestEnv(t)
	seedCustomers(env)

	values := make([]any, maxSubqueries+1)
	for i := range values {
		values[i] = fmt.Sprintf("v%d", i)
	}
	insts, _, err := env.engine.Query("customer").
		FilterIn("tier", values).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, insts)
}

func TestCursorsRejectedOnDecomposedQueries(t *testing.T) {
	env := newTestEnv(t)
	seedCustomers(env)

	_, _, err := env.engine.Query("customer").
		FilterIn("tier", []any{"gold", "silver"}).
		Cursor(encodeMemCursor(1)).
		Run(env.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor")
}

func TestQueryEndCursor(t *testing.T) {
	env := newTestEnv(t)
	seedCustomers(env)

	insts, _, err := env.engine.Query("customer").
		Order("name", false).
		EndCursor(encodeMemCursor(2)).
		Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha Ant", "Beta Bear"}, names(insts))
}

func TestRelationalRowsDedupedBySource(t *testing.T) {
	env := newTestEnv(t)
	alice := env.create(customerKind, map[string]any{"name": "Alice"})
	bella := env.create(customerKind, map[string]any{"name": "Bella"})

	// One project referencing two matching members must come back once.
	project := env.create(projectKind, map[string]any{
		"title":   "dedupe",
		"members": []any{alice, bella},
	})

	insts, _, err := env.engine.Query("project").
		FilterIn("members.dest.__key__", []any{alice, bella}).
		Run(env.ctx)
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.True(t, insts[0].Key().Equal(project))
}

func TestQueryUnknownKindPanics(t *testing.T) {
	env := newTestEnv(t)
	assert.Panics(t, func() { env.engine.Query("no-such-kind") })
}
