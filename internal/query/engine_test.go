package query

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
)

type staticExt struct {
	opts   *extension.OptionSet
	tables map[string]extension.Table
}

func newStaticExt(tables map[string]extension.Table, decls ...extension.OptionDecl) *staticExt {
	return &staticExt{opts: extension.NewOptionSet(decls...), tables: tables}
}

func (e *staticExt) Name() string                    { return "demo" }
func (e *staticExt) Options() []extension.OptionDecl { return e.opts.Decls() }
func (e *staticExt) GetOption(key string) (string, error) {
	return e.opts.Get(key)
}
func (e *staticExt) SetOption(key, value string) error {
	_, err := e.opts.Set(key, value)
	return err
}
func (e *staticExt) DataSource(ns, name string) (extension.Table, extension.Namespace, bool) {
	if ns != "demo" {
		return nil, nil, false
	}
	if name == "" {
		return nil, extension.NewMapNamespace(e.tables), true
	}
	t, ok := e.tables[name]
	return t, nil, ok
}

func metricTable(t *testing.T, rows [][2]int64) extension.Table {
	t.Helper()
	schema := proto.Schema{Fields: []proto.Field{
		{Name: "ts", Type: proto.TypeI64},
		{Name: "value", Type: proto.TypeI64},
	}}
	tbl := extension.NewMemTable(schema, 0)
	for _, r := range rows {
		require.NoError(t, tbl.Append([]proto.Value{
			proto.IntValue(r[0]), proto.IntValue(r[1]),
		}))
	}
	return tbl
}

func newTestEngine(t *testing.T, tables map[string]extension.Table) *Engine {
	t.Helper()
	reg := extension.NewRegistry()
	require.NoError(t, reg.Register(newStaticExt(tables,
		extension.OptionDecl{Key: "demo.mode", Default: "idle", Help: "demo option"})))
	eng, err := New(reg, zerolog.Nop(), DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestExecuteSelectOrderLimit(t *testing.T) {
	eng := newTestEngine(t, map[string]extension.Table{
		"metric": metricTable(t, [][2]int64{{3, 30}, {1, 10}, {2, 20}}),
	})

	var c Collector
	err := eng.Execute(context.Background(),
		"SELECT ts, value FROM demo.metric ORDER BY ts LIMIT 2", &c)
	require.NoError(t, err)

	require.Equal(t, 2, c.Rows())
	assert.Equal(t, int64(1), c.Row(0)[0].Int)
	assert.Equal(t, int64(10), c.Row(0)[1].Int)
	assert.Equal(t, int64(2), c.Row(1)[0].Int)
}

func TestExecuteAggregation(t *testing.T) {
	eng := newTestEngine(t, map[string]extension.Table{
		"metric": metricTable(t, [][2]int64{{1, 10}, {2, 20}, {3, 30}}),
	})

	var c Collector
	err := eng.Execute(context.Background(),
		"SELECT SUM(value) AS total FROM demo.metric", &c)
	require.NoError(t, err)
	require.Equal(t, 1, c.Rows())
	assert.Equal(t, "total", c.ResultSchema.Fields[0].Name)
	assert.EqualValues(t, 60, c.Row(0)[0].Int)
}

func TestExecuteJoin(t *testing.T) {
	labels := extension.NewMemTable(proto.Schema{Fields: []proto.Field{
		{Name: "ts", Type: proto.TypeI64},
		{Name: "label", Type: proto.TypeStr},
	}}, 0)
	require.NoError(t, labels.Append([]proto.Value{proto.IntValue(1), proto.StrValue("warmup")}))
	require.NoError(t, labels.Append([]proto.Value{proto.IntValue(2), proto.StrValue("train")}))

	eng := newTestEngine(t, map[string]extension.Table{
		"metric": metricTable(t, [][2]int64{{1, 10}, {2, 20}}),
		"labels": labels,
	})

	var c Collector
	err := eng.Execute(context.Background(),
		`SELECT m.ts, m.value, l.label
		 FROM demo.metric m JOIN demo.labels l ON m.ts = l.ts
		 ORDER BY m.ts`, &c)
	require.NoError(t, err)
	require.Equal(t, 2, c.Rows())
	assert.Equal(t, "warmup", c.Row(0)[2].Str)
	assert.Equal(t, "train", c.Row(1)[2].Str)
}

func TestExecuteWindowFunction(t *testing.T) {
	eng := newTestEngine(t, map[string]extension.Table{
		"metric": metricTable(t, [][2]int64{{1, 10}, {2, 20}, {3, 30}}),
	})

	var c Collector
	err := eng.Execute(context.Background(),
		`SELECT ts, SUM(value) OVER (ORDER BY ts) AS running
		 FROM demo.metric ORDER BY ts`, &c)
	require.NoError(t, err)
	require.Equal(t, 3, c.Rows())
	assert.EqualValues(t, 60, c.Row(2)[1].Int)
}

func TestExecuteUnknownTable(t *testing.T) {
	eng := newTestEngine(t, map[string]extension.Table{})
	var c Collector
	err := eng.Execute(context.Background(), "SELECT * FROM demo.missing", &c)
	require.Error(t, err)
}

func TestExecuteParseError(t *testing.T) {
	eng := newTestEngine(t, map[string]extension.Table{
		"metric": metricTable(t, [][2]int64{{1, 10}}),
	})
	var c Collector
	err := eng.Execute(context.Background(), "SELEKT nonsense", &c)
	require.Error(t, err)
	assert.Equal(t, proto.CatBadRequest, proto.CategoryOf(err))
}

func TestExecuteEmptyQuery(t *testing.T) {
	eng := newTestEngine(t, map[string]extension.Table{})
	var c Collector
	err := eng.Execute(context.Background(), "   ", &c)
	require.Error(t, err)
	assert.Equal(t, proto.CatBadRequest, proto.CategoryOf(err))
}

func TestExecuteDfSettings(t *testing.T) {
	eng := newTestEngine(t, map[string]extension.Table{})
	var c Collector
	err := eng.Execute(context.Background(),
		"SELECT name, value FROM information_schema.df_settings WHERE name LIKE 'demo.%'", &c)
	require.NoError(t, err)
	require.Equal(t, 1, c.Rows())
	assert.Equal(t, "demo.mode", c.Row(0)[0].Str)
	assert.Equal(t, "idle", c.Row(0)[1].Str)
}

func TestExecuteCancellation(t *testing.T) {
	eng := newTestEngine(t, map[string]extension.Table{
		"metric": metricTable(t, [][2]int64{{1, 10}}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var c Collector
	err := eng.Execute(ctx, "SELECT * FROM demo.metric", &c)
	require.Error(t, err)
}

func TestFindRefs(t *testing.T) {
	tests := []struct {
		sql  string
		want []tableRef
	}{
		{
			sql:  "SELECT * FROM demo.metric",
			want: []tableRef{{Namespace: "demo", Name: "metric", Start: 14, End: 25}},
		},
		{
			sql:  `SELECT * FROM script."torch.nn"`,
			want: []tableRef{{Namespace: "script", Name: "torch.nn", Quoted: true, Start: 14, End: 31}},
		},
		{
			sql:  "SELECT 'demo.metric' AS s",
			want: []tableRef{},
		},
	}
	for _, tt := range tests {
		got := findRefs(tt.sql)
		assert.Equal(t, tt.want, got, tt.sql)
	}
}

func TestExtractPredicates(t *testing.T) {
	preds := extractPredicates(
		"SELECT * FROM demo.metric WHERE ts >= 5 AND ts <= 8 AND label LIKE 'x%'")
	require.Len(t, preds, 3)
	assert.Equal(t, predicate{Column: "ts", Op: ">=", Operand: "5"}, preds[0])
	assert.Equal(t, predicate{Column: "label", Op: "LIKE", Operand: "x%"}, preds[2])

	assert.Nil(t, extractPredicates("SELECT * FROM demo.metric WHERE a = 1 OR b = 2"))
	assert.Nil(t, extractPredicates("SELECT * FROM demo.metric"))
}
