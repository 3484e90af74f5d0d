package extension

import (
	"context"
	"sort"
	"sync"

	"github.com/probing-io/probing/internal/proto"
)

// MemTable is an in-memory table: a schema plus appended rows. It is safe
// for concurrent append and read; reads see a snapshot taken at page-stream
// start.
type MemTable struct {
	mu     sync.RWMutex
	schema proto.Schema
	rows   [][]proto.Value
	max    int // 0 = unbounded; otherwise oldest rows dropped
}

// NewMemTable builds an empty table with the given schema. maxRows bounds
// retention; zero means unbounded.
func NewMemTable(schema proto.Schema, maxRows int) *MemTable {
	return &MemTable{schema: schema, max: maxRows}
}

// Schema implements Table.
func (t *MemTable) Schema() proto.Schema { return t.schema }

// Append adds one row. The row length must match the schema.
func (t *MemTable) Append(row []proto.Value) error {
	if len(row) != len(t.schema.Fields) {
		return proto.Errorf(proto.CatBadRequest,
			"row has %d values, schema has %d columns", len(row), len(t.schema.Fields))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, row)
	if t.max > 0 && len(t.rows) > t.max {
		t.rows = t.rows[len(t.rows)-t.max:]
	}
	return nil
}

// Len returns the current row count.
func (t *MemTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Pages implements Table.
func (t *MemTable) Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error {
	t.mu.RLock()
	snapshot := make([][]proto.Value, len(t.rows))
	copy(snapshot, t.rows)
	t.mu.RUnlock()
	return StreamRows(ctx, t.schema, snapshot, limit, fn)
}

// StreamRows batches rows into pages of at most limit rows and feeds them
// to fn, checking ctx between pages.
func StreamRows(ctx context.Context, schema proto.Schema, rows [][]proto.Value, limit int, fn func(*proto.Page) error) error {
	if limit <= 0 {
		limit = len(rows)
		if limit == 0 {
			limit = 1
		}
	}
	for start := 0; start < len(rows); start += limit {
		if err := ctx.Err(); err != nil {
			return proto.Errorf(proto.CatCancelled, "page stream cancelled: %v", err)
		}
		end := start + limit
		if end > len(rows) {
			end = len(rows)
		}
		page := &proto.Page{Columns: make([]*proto.Column, len(schema.Fields))}
		for i, f := range schema.Fields {
			page.Columns[i] = proto.NewColumn(f.Type)
		}
		for _, row := range rows[start:end] {
			for i := range schema.Fields {
				if err := page.Columns[i].Append(row[i]); err != nil {
					return err
				}
			}
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

// MapNamespace is a fixed namespace over a name → table map.
type MapNamespace struct {
	tables map[string]Table
}

// NewMapNamespace builds a namespace handle.
func NewMapNamespace(tables map[string]Table) *MapNamespace {
	return &MapNamespace{tables: tables}
}

// Tables implements Namespace.
func (n *MapNamespace) Tables() []string {
	names := make([]string, 0, len(n.tables))
	for name := range n.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table implements Namespace.
func (n *MapNamespace) Table(name string) (Table, bool) {
	t, ok := n.tables[name]
	return t, ok
}
