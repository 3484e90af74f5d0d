package series

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
)

// Store owns named series, created lazily on first reference, and exposes
// them to the query engine as tables (ts, value) in the `series` namespace.
type Store struct {
	mu     sync.RWMutex
	series map[string]*Series
	opts   Options

	options *extension.OptionSet
}

// NewStore creates an empty store with per-series defaults.
func NewStore(opts Options) *Store {
	s := &Store{
		series: make(map[string]*Series),
		opts:   opts,
	}
	s.options = extension.NewOptionSet(
		extension.OptionDecl{
			Key:     "series.chunk_rows",
			Default: strconv.Itoa(opts.MaxChunkRows),
			Help:    "rows per chunk before the head seals",
		},
		extension.OptionDecl{
			Key:     "series.max_chunks",
			Default: strconv.Itoa(opts.MaxChunks),
			Help:    "sealed chunks retained per series",
		},
		extension.OptionDecl{
			Key:     "series.max_bytes",
			Default: strconv.FormatInt(opts.MaxBytes, 10),
			Help:    "total encoded bytes retained per series",
		},
	)
	s.options.OnSet("series.chunk_rows", s.applyInt(func(v int) { s.opts.MaxChunkRows = v }))
	s.options.OnSet("series.max_chunks", s.applyInt(func(v int) { s.opts.MaxChunks = v }))
	s.options.OnSet("series.max_bytes", s.applyInt(func(v int) { s.opts.MaxBytes = int64(v) }))
	return s
}

func (s *Store) applyInt(set func(int)) extension.ApplyFunc {
	return func(value string) error {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return proto.Errorf(proto.CatBadRequest, "expected non-negative integer, got %q", value)
		}
		s.mu.Lock()
		set(n)
		s.mu.Unlock()
		return nil
	}
}

// Get returns the named series, creating it on first reference. New series
// pick up the store's current per-series options.
func (s *Store) Get(name string) *Series {
	s.mu.RLock()
	sr, ok := s.series[name]
	s.mu.RUnlock()
	if ok {
		return sr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[name]; ok {
		return sr
	}
	sr = New(s.opts)
	s.series[name] = sr
	return sr
}

// Names returns the existing series names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extension capability surface.

// Name implements extension.Extension.
func (s *Store) Name() string { return "series" }

// Options implements extension.Extension.
func (s *Store) Options() []extension.OptionDecl { return s.options.Decls() }

// GetOption implements extension.Extension.
func (s *Store) GetOption(key string) (string, error) { return s.options.Get(key) }

// SetOption implements extension.Extension.
func (s *Store) SetOption(key, value string) error {
	_, err := s.options.Set(key, value)
	return err
}

// DataSource implements extension.DataSourcer: every series is a table in
// the `series` namespace.
func (s *Store) DataSource(ns, name string) (extension.Table, extension.Namespace, bool) {
	if ns != "series" {
		return nil, nil, false
	}
	if name == "" {
		return nil, &storeNamespace{store: s}, true
	}
	s.mu.RLock()
	sr, ok := s.series[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	return &seriesTable{series: sr}, nil, true
}

type storeNamespace struct {
	store *Store
}

func (n *storeNamespace) Tables() []string { return n.store.Names() }

func (n *storeNamespace) Table(name string) (extension.Table, bool) {
	t, _, ok := n.store.DataSource("series", name)
	return t, ok
}

// seriesTable adapts one series to the Table contract.
type seriesTable struct {
	series *Series
}

var seriesSchema = proto.Schema{Fields: []proto.Field{
	{Name: "ts", Type: proto.TypeTimestamp},
	{Name: "value", Type: proto.TypeF64},
}}

func (t *seriesTable) Schema() proto.Schema { return seriesSchema }

func (t *seriesTable) Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error {
	points, err := t.series.Read(0, 0)
	if err != nil {
		return err
	}
	rows := make([][]proto.Value, len(points))
	for i, p := range points {
		rows[i] = []proto.Value{proto.TimestampValue(p.TS), proto.FloatValue(p.Value)}
	}
	return extension.StreamRows(ctx, seriesSchema, rows, limit, fn)
}

// PushDown implements extension.FilterCapable for ts range predicates.
func (t *seriesTable) PushDown(filters []extension.Filter) (extension.Table, []extension.Filter) {
	var since, until int64
	var residual []extension.Filter
	for _, f := range filters {
		n, err := strconv.ParseInt(f.Operand, 10, 64)
		if f.Column != "ts" || err != nil {
			residual = append(residual, f)
			continue
		}
		switch f.Op {
		case ">=":
			since = n
		case ">":
			since = n + 1
		case "<=":
			until = n
		case "<":
			until = n - 1
		default:
			residual = append(residual, f)
		}
	}
	if since == 0 && until == 0 {
		return t, residual
	}
	return &rangeTable{series: t.series, since: since, until: until}, residual
}

type rangeTable struct {
	series       *Series
	since, until int64
}

func (t *rangeTable) Schema() proto.Schema { return seriesSchema }

func (t *rangeTable) Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error {
	points, err := t.series.Read(t.since, t.until)
	if err != nil {
		return err
	}
	rows := make([][]proto.Value, len(points))
	for i, p := range points {
		rows[i] = []proto.Value{proto.TimestampValue(p.TS), proto.FloatValue(p.Value)}
	}
	return extension.StreamRows(ctx, seriesSchema, rows, limit, fn)
}
