package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochdb/epoch/index"
)

func testEngine(t *testing.T) (*Engine, *index.Index) {
	t.Helper()
	ix, err := index.Open(t.TempDir(), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return New(ix), ix
}

func seed(t *testing.T, ix *index.Index, id string, fields map[string]any) {
	t.Helper()
	table := ""
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			table = id[:i]
			break
		}
	}
	require.NoError(t, ix.Apply(index.Delta{
		Branch: "main", ID: id, Table: table, Fields: fields,
		Commit: "c-" + id, Updated: time.Now().UTC(),
	}))
}

func seedUsers(t *testing.T, ix *index.Index) {
	seed(t, ix, "user:1", map[string]any{"name": "Alice Cooper", "age": float64(30), "active": true})
	seed(t, ix, "user:2", map[string]any{"name": "Bob Alice", "age": float64(25), "active": false})
	seed(t, ix, "user:3", map[string]any{"name": "Carol", "age": float64(41), "active": true})
	seed(t, ix, "product:1", map[string]any{"name": "Widget", "price": float64(9.5)})
}

func execute(t *testing.T, e *Engine, src string) *Result {
	t.Helper()
	req, err := Parse(parseJSON(t, src))
	require.NoError(t, err)
	res, err := e.Execute("main", req)
	require.NoError(t, err)
	return res
}

func resultIDs(res *Result) []string {
	ids := make([]string, len(res.Results))
	for i, doc := range res.Results {
		ids[i] = doc["id"].(string)
	}
	return ids
}

func TestExecuteMatchRanking(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	// user:1 matches both tokens, user:2 only one; higher score first.
	res := execute(t, e, `{"query":{"type":"match","field":"name","value":"alice cooper"}}`)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, []string{"user:1", "user:2"}, resultIDs(res))
}

func TestExecuteTermExact(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	res := execute(t, e, `{"query":{"type":"term","field":"age","value":30}}`)
	assert.Equal(t, []string{"user:1"}, resultIDs(res))

	res = execute(t, e, `{"query":{"type":"term","field":"active","value":true}}`)
	assert.Equal(t, []string{"user:1", "user:3"}, resultIDs(res))

	// Exact value match, not tokenized.
	res = execute(t, e, `{"query":{"type":"term","field":"name","value":"Alice"}}`)
	assert.Empty(t, resultIDs(res))
}

func TestExecuteIDPrefix(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	res := execute(t, e, `{"query":{"type":"prefix","value":"user:"}}`)
	assert.Equal(t, []string{"user:1", "user:2", "user:3"}, resultIDs(res))
	assert.Equal(t, 3, res.Total)
}

func TestExecuteFieldPrefix(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	res := execute(t, e, `{"query":{"type":"prefix","field":"name","value":"Bob"}}`)
	assert.Equal(t, []string{"user:2"}, resultIDs(res))
}

func TestExecuteRange(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	res := execute(t, e, `{"query":{"type":"range","field":"age","gte":25,"lt":41}}`)
	assert.Equal(t, []string{"user:1", "user:2"}, resultIDs(res))

	res = execute(t, e, `{"query":{"type":"range","field":"age","gt":100}}`)
	assert.Zero(t, res.Total)

	// String bound against a numeric field never matches.
	res = execute(t, e, `{"query":{"type":"range","field":"age","gte":"25"}}`)
	assert.Zero(t, res.Total)
}

func TestExecuteBooleans(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	res := execute(t, e, `{"query":{"type":"and","clauses":[
		{"type":"term","field":"active","value":true},
		{"type":"range","field":"age","gte":40}
	]}}`)
	assert.Equal(t, []string{"user:3"}, resultIDs(res))

	res = execute(t, e, `{"query":{"type":"or","clauses":[
		{"type":"term","field":"age","value":25},
		{"type":"term","field":"age","value":41}
	]}}`)
	assert.Equal(t, []string{"user:2", "user:3"}, resultIDs(res))

	res = execute(t, e, `{"query":{"type":"not","clause":{"type":"prefix","value":"user:"}}}`)
	assert.Equal(t, []string{"product:1"}, resultIDs(res))
}

func TestExecutePagination(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	res := execute(t, e, `{"query":{"type":"all"},"limit":2,"offset":1}`)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, 1, res.Offset)
	assert.Equal(t, []string{"user:1", "user:2"}, resultIDs(res))

	// Offset past the end is empty, not an error.
	res = execute(t, e, `{"query":{"type":"all"},"offset":100}`)
	assert.Equal(t, 4, res.Total)
	assert.Empty(t, res.Results)
}

func TestExecuteDeterministicOrder(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	first := execute(t, e, `{"query":{"type":"all"}}`)
	for i := 0; i < 5; i++ {
		again := execute(t, e, `{"query":{"type":"all"}}`)
		assert.Equal(t, resultIDs(first), resultIDs(again))
	}
	// Equal scores fall back to id ascending.
	assert.Equal(t, []string{"product:1", "user:1", "user:2", "user:3"}, resultIDs(first))
}

func TestExecuteEmptyBranch(t *testing.T) {
	e, _ := testEngine(t)

	res := execute(t, e, `{"query":{"type":"match","field":"name","value":"alice"}}`)
	assert.Zero(t, res.Total)
	assert.Empty(t, res.Results)
}

func TestExecuteDocumentsCarryFields(t *testing.T) {
	e, ix := testEngine(t)
	seedUsers(t, ix)

	res := execute(t, e, `{"query":{"type":"term","field":"age","value":30}}`)
	require.Len(t, res.Results, 1)
	doc := res.Results[0]
	assert.Equal(t, "user:1", doc["id"])
	assert.Equal(t, "Alice Cooper", doc["name"])
}
