package extension

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probing-io/probing/internal/proto"
)

type fakeExt struct {
	name string
	opts *OptionSet
}

func newFakeExt(name string, decls ...OptionDecl) *fakeExt {
	return &fakeExt{name: name, opts: NewOptionSet(decls...)}
}

func (e *fakeExt) Name() string                         { return e.name }
func (e *fakeExt) Options() []OptionDecl                { return e.opts.Decls() }
func (e *fakeExt) GetOption(key string) (string, error) { return e.opts.Get(key) }
func (e *fakeExt) SetOption(key, value string) error {
	_, err := e.opts.Set(key, value)
	return err
}

type fakeSource struct {
	fakeExt
	ns     string
	tables map[string]Table
}

func (s *fakeSource) DataSource(ns, name string) (Table, Namespace, bool) {
	if ns != s.ns {
		return nil, nil, false
	}
	if name == "" {
		return nil, NewMapNamespace(s.tables), true
	}
	t, ok := s.tables[name]
	if !ok {
		return nil, nil, false
	}
	return t, nil, true
}

func TestRegistryOptionOwnership(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakeExt("a", OptionDecl{Key: "a.x", Default: "1"})))

	err := r.Register(newFakeExt("b", OptionDecl{Key: "a.x", Default: "2"}))
	require.Error(t, err)
	assert.Equal(t, proto.CatConflict, proto.CategoryOf(err))
}

func TestRegistryOptionLastWriteWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakeExt("a",
		OptionDecl{Key: "a.x", Default: "default", Help: "x option"})))

	// Default before any set.
	v, err := r.GetOption("a.x")
	require.NoError(t, err)
	assert.Equal(t, "default", v)

	// Each successful set is observed by the next get.
	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("v%d", i)
		_, err := r.SetOption("a.x", want)
		require.NoError(t, err)
		got, err := r.GetOption("a.x")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// SetOption returns the previous value.
	prev, err := r.SetOption("a.x", "final")
	require.NoError(t, err)
	assert.Equal(t, "v4", prev)
}

func TestRegistryUnknownOption(t *testing.T) {
	r := NewRegistry()
	_, err := r.SetOption("nobody.owns.this", "v")
	require.Error(t, err)
	assert.Equal(t, proto.CatNotFound, proto.CategoryOf(err))

	_, err = r.GetOption("nobody.owns.this")
	require.Error(t, err)
	assert.Equal(t, proto.CatNotFound, proto.CategoryOf(err))
}

func TestRegistryReadOnlyOption(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakeExt("a",
		OptionDecl{Key: "a.pid", Default: "42", ReadOnly: true})))

	_, err := r.SetOption("a.pid", "7")
	require.Error(t, err)
	assert.Equal(t, proto.CatConflict, proto.CategoryOf(err))

	v, err := r.GetOption("a.pid")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}

func TestRegistryRejectedSetKeepsOldValue(t *testing.T) {
	ext := newFakeExt("a", OptionDecl{Key: "a.n", Default: "10"})
	ext.opts.OnSet("a.n", func(v string) error {
		if v == "bad" {
			return fmt.Errorf("not a number")
		}
		return nil
	})
	r := NewRegistry()
	require.NoError(t, r.Register(ext))

	_, err := r.SetOption("a.n", "bad")
	require.Error(t, err)
	assert.Equal(t, proto.CatConflict, proto.CategoryOf(err))

	v, err := r.GetOption("a.n")
	require.NoError(t, err)
	assert.Equal(t, "10", v)
}

func TestRegistryListOptions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakeExt("a",
		OptionDecl{Key: "a.x", Default: "1", Help: "first"},
		OptionDecl{Key: "a.y", Default: "2", Help: "second"})))
	require.NoError(t, r.Register(newFakeExt("b",
		OptionDecl{Key: "b.z", Default: "3", Help: "third"})))

	infos := r.ListOptions()
	require.Len(t, infos, 3)
	assert.Equal(t, "a.x", infos[0].Key)
	assert.Equal(t, "a", infos[0].Extension)
	assert.Equal(t, "b.z", infos[2].Key)
	assert.Equal(t, "third", infos[2].Help)
}

func TestRegistryDataSource(t *testing.T) {
	tbl := NewMemTable(proto.Schema{Fields: []proto.Field{{Name: "n", Type: proto.TypeI64}}}, 0)
	src := &fakeSource{
		fakeExt: *newFakeExt("src"),
		ns:      "demo",
		tables:  map[string]Table{"numbers": tbl},
	}
	r := NewRegistry()
	require.NoError(t, r.Register(src))

	got, _, ok := r.DataSource("demo", "numbers")
	require.True(t, ok)
	assert.Equal(t, tbl, got)

	_, nsh, ok := r.DataSource("demo", "")
	require.True(t, ok)
	assert.Equal(t, []string{"numbers"}, nsh.Tables())

	_, _, ok = r.DataSource("missing", "numbers")
	assert.False(t, ok)
}

func TestMemTablePages(t *testing.T) {
	schema := proto.Schema{Fields: []proto.Field{
		{Name: "n", Type: proto.TypeI64},
		{Name: "s", Type: proto.TypeStr},
	}}
	tbl := NewMemTable(schema, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, tbl.Append([]proto.Value{
			proto.IntValue(int64(i)),
			proto.StrValue(fmt.Sprintf("row-%d", i)),
		}))
	}

	var pages []*proto.Page
	err := tbl.Pages(context.Background(), 4, func(p *proto.Page) error {
		pages = append(pages, p)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, 4, pages[0].Rows())
	assert.Equal(t, 4, pages[1].Rows())
	assert.Equal(t, 2, pages[2].Rows())
	assert.Equal(t, int64(9), pages[2].Columns[0].Int[1])
}

func TestMemTableRetention(t *testing.T) {
	schema := proto.Schema{Fields: []proto.Field{{Name: "n", Type: proto.TypeI64}}}
	tbl := NewMemTable(schema, 3)
	for i := 0; i < 10; i++ {
		require.NoError(t, tbl.Append([]proto.Value{proto.IntValue(int64(i))}))
	}
	assert.Equal(t, 3, tbl.Len())
}

func TestStreamRowsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	schema := proto.Schema{Fields: []proto.Field{{Name: "n", Type: proto.TypeI64}}}
	rows := make([][]proto.Value, 100)
	for i := range rows {
		rows[i] = []proto.Value{proto.IntValue(int64(i))}
	}

	var delivered int
	err := StreamRows(ctx, schema, rows, 10, func(p *proto.Page) error {
		delivered++
		if delivered == 2 {
			cancel()
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, proto.CatCancelled, proto.CategoryOf(err))
	assert.Equal(t, 2, delivered)
}
