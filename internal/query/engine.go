package query

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"

	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
)

// Options tunes the engine.
type Options struct {
	// PageRowCap bounds result page row counts.
	PageRowCap int
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{PageRowCap: 4096}
}

// Sink receives the streamed result of one query: the schema first, then
// zero or more pages.
type Sink interface {
	Schema(s proto.Schema) error
	Page(p *proto.Page) error
}

// Engine executes SQL statements against the extension catalog. Referenced
// tables are materialized into per-query temp tables inside an in-memory
// DuckDB instance, which supplies projection, filtering, joins,
// aggregation, ordering, and window functions.
type Engine struct {
	db       *sql.DB
	registry *extension.Registry
	opts     Options
	logger   zerolog.Logger
}

// New opens an in-memory DuckDB and wires it to the registry.
func New(registry *extension.Registry, logger zerolog.Logger, opts Options) (*Engine, error) {
	if opts.PageRowCap <= 0 {
		opts.PageRowCap = DefaultOptions().PageRowCap
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Engine{
		db:       db,
		registry: registry,
		opts:     opts,
		logger:   logger.With().Str("component", "query-engine").Logger(),
	}, nil
}

// Close releases the embedded database.
func (e *Engine) Close() error { return e.db.Close() }

// Execute runs one statement and streams its result into sink.
func (e *Engine) Execute(ctx context.Context, sqlText string, sink Sink) error {
	if strings.TrimSpace(sqlText) == "" {
		return proto.Errorf(proto.CatBadRequest, "empty query")
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return proto.Errorf(proto.CatRuntimeFault, "acquire connection: %v", err)
	}
	defer conn.Close()

	rewritten, err := e.materialize(ctx, conn, sqlText)
	if err != nil {
		return err
	}

	rows, err := conn.QueryContext(ctx, rewritten)
	if err != nil {
		if ctx.Err() != nil {
			return proto.Errorf(proto.CatCancelled, "query cancelled")
		}
		return proto.Errorf(proto.CatBadRequest, "query failed: %v", err)
	}
	defer rows.Close()

	return e.streamRows(ctx, rows, sink)
}

// materialize resolves every table reference, loads the referenced tables
// into temp tables on conn, and returns the rewritten statement.
func (e *Engine) materialize(ctx context.Context, conn *sql.Conn, sqlText string) (string, error) {
	refs := findRefs(sqlText)
	preds := extractPredicates(sqlText)
	names := make(map[int]string)
	seen := make(map[string]string)

	for i, ref := range refs {
		key := ref.Namespace + "\x00" + ref.Name
		if name, ok := seen[key]; ok {
			names[i] = name
			continue
		}
		table, err := e.resolve(ref)
		if err != nil {
			return "", err
		}
		if table == nil {
			continue // not a catalog reference (e.g. alias.column)
		}
		table = e.pushDown(table, preds)
		name := fmt.Sprintf("probing_t%d", len(seen))
		if err := e.load(ctx, conn, name, table); err != nil {
			return "", err
		}
		seen[key] = name
		names[i] = name
	}
	return rewrite(sqlText, refs, names), nil
}

// resolve binds one reference to a table, or returns nil when no extension
// serves it.
func (e *Engine) resolve(ref tableRef) (extension.Table, error) {
	if ref.Namespace == "information_schema" && ref.Name == "df_settings" {
		return newSettingsTable(e.registry), nil
	}
	if t, _, ok := e.registry.DataSource(ref.Namespace, ref.Name); ok {
		return t, nil
	}
	if ref.Quoted {
		// Inline external table: the namespace's extension interprets the
		// quoted text.
		return e.registry.InlineTable(ref.Namespace, ref.Name)
	}
	return nil, nil
}

func (e *Engine) pushDown(table extension.Table, preds []predicate) extension.Table {
	fc, ok := table.(extension.FilterCapable)
	if !ok || len(preds) == 0 {
		return table
	}
	cols := make(map[string]bool)
	for _, f := range table.Schema().Fields {
		cols[f.Name] = true
	}
	var filters []extension.Filter
	for _, p := range preds {
		if cols[p.Column] {
			filters = append(filters, extension.Filter{Column: p.Column, Op: p.Op, Operand: p.Operand})
		}
	}
	if len(filters) == 0 {
		return table
	}
	filtered, _ := fc.PushDown(filters)
	return filtered
}

// load creates a temp table for the extension table and copies its pages
// in.
func (e *Engine) load(ctx context.Context, conn *sql.Conn, name string, table extension.Table) error {
	schema := table.Schema()
	if len(schema.Fields) == 0 {
		return proto.Errorf(proto.CatInternal, "table has empty schema")
	}
	cols := make([]string, len(schema.Fields))
	params := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = fmt.Sprintf("%q %s", f.Name, duckType(f.Type))
		params[i] = "?"
	}
	ddl := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s (%s)", name, strings.Join(cols, ", "))
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return proto.Errorf(proto.CatRuntimeFault, "create temp table: %v", err)
	}

	stmt, err := conn.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO %s VALUES (%s)", name, strings.Join(params, ", ")))
	if err != nil {
		return proto.Errorf(proto.CatRuntimeFault, "prepare insert: %v", err)
	}
	defer stmt.Close()

	start := time.Now()
	var loaded int
	err = table.Pages(ctx, e.opts.PageRowCap, func(p *proto.Page) error {
		for row := 0; row < p.Rows(); row++ {
			args := make([]any, len(p.Columns))
			for col, c := range p.Columns {
				args[col] = sqlValue(c.Value(row))
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return proto.Errorf(proto.CatRuntimeFault, "insert row: %v", err)
			}
			loaded++
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Debug().
		Str("table", name).
		Int("rows", loaded).
		Dur("elapsed", time.Since(start)).
		Msg("materialized table")
	return nil
}

// duckType maps an element type to the DuckDB column type. Timestamps
// travel as BIGINT nanoseconds so they round-trip exactly through the SQL
// layer.
func duckType(t proto.ElementType) string {
	switch t {
	case proto.TypeBool:
		return "BOOLEAN"
	case proto.TypeI8:
		return "TINYINT"
	case proto.TypeI16:
		return "SMALLINT"
	case proto.TypeI32:
		return "INTEGER"
	case proto.TypeI64, proto.TypeTimestamp:
		return "BIGINT"
	case proto.TypeU8:
		return "UTINYINT"
	case proto.TypeU16:
		return "USMALLINT"
	case proto.TypeU32:
		return "UINTEGER"
	case proto.TypeU64:
		return "UBIGINT"
	case proto.TypeF32:
		return "FLOAT"
	case proto.TypeF64:
		return "DOUBLE"
	case proto.TypeBytes:
		return "BLOB"
	default:
		return "VARCHAR"
	}
}

func sqlValue(v proto.Value) any {
	switch v.Type {
	case proto.TypeNil:
		return nil
	case proto.TypeBool:
		return v.Bool
	case proto.TypeI8, proto.TypeI16, proto.TypeI32, proto.TypeI64, proto.TypeTimestamp:
		return v.Int
	case proto.TypeU8, proto.TypeU16, proto.TypeU32, proto.TypeU64:
		return v.Uint
	case proto.TypeF32, proto.TypeF64:
		return v.Float
	case proto.TypeStr:
		return v.Str
	case proto.TypeBytes:
		return v.Bytes
	}
	return nil
}

// streamRows converts the SQL result into schema + pages, checking ctx at
// page boundaries.
func (e *Engine) streamRows(ctx context.Context, rows *sql.Rows, sink Sink) error {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return proto.Errorf(proto.CatRuntimeFault, "column types: %v", err)
	}
	schema := proto.Schema{Fields: make([]proto.Field, len(colTypes))}
	for i, ct := range colTypes {
		schema.Fields[i] = proto.Field{
			Name: ct.Name(),
			Type: elementTypeOf(ct.DatabaseTypeName()),
		}
	}
	if err := sink.Schema(schema); err != nil {
		return err
	}

	page := newPage(schema)
	flush := func() error {
		if page.Rows() == 0 {
			return nil
		}
		if err := sink.Page(page); err != nil {
			return err
		}
		page = newPage(schema)
		return nil
	}

	scan := make([]any, len(colTypes))
	scanPtrs := make([]any, len(colTypes))
	for i := range scan {
		scanPtrs[i] = &scan[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return proto.Errorf(proto.CatRuntimeFault, "scan row: %v", err)
		}
		for i, raw := range scan {
			if err := page.Columns[i].Append(cellValue(schema.Fields[i].Type, raw)); err != nil {
				return err
			}
		}
		if page.Rows() >= e.opts.PageRowCap {
			if err := ctx.Err(); err != nil {
				return proto.Errorf(proto.CatCancelled, "query cancelled")
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return proto.Errorf(proto.CatCancelled, "query cancelled")
		}
		return proto.Errorf(proto.CatRuntimeFault, "row iteration: %v", err)
	}
	return flush()
}

func newPage(schema proto.Schema) *proto.Page {
	p := &proto.Page{Columns: make([]*proto.Column, len(schema.Fields))}
	for i, f := range schema.Fields {
		p.Columns[i] = proto.NewColumn(f.Type)
	}
	return p
}

// elementTypeOf maps a DuckDB type name to the wire element type.
func elementTypeOf(dbType string) proto.ElementType {
	switch strings.ToUpper(dbType) {
	case "BOOLEAN":
		return proto.TypeBool
	case "TINYINT":
		return proto.TypeI8
	case "SMALLINT":
		return proto.TypeI16
	case "INTEGER":
		return proto.TypeI32
	case "BIGINT", "HUGEINT":
		return proto.TypeI64
	case "UTINYINT":
		return proto.TypeU8
	case "USMALLINT":
		return proto.TypeU16
	case "UINTEGER":
		return proto.TypeU32
	case "UBIGINT":
		return proto.TypeU64
	case "FLOAT":
		return proto.TypeF32
	case "DOUBLE", "DECIMAL":
		return proto.TypeF64
	case "BLOB":
		return proto.TypeBytes
	case "TIMESTAMP", "TIMESTAMP_NS":
		return proto.TypeTimestamp
	default:
		return proto.TypeStr
	}
}

// cellValue converts one scanned cell into a tagged value of the column's
// element type. NULL becomes the type's zero value.
func cellValue(t proto.ElementType, raw any) proto.Value {
	if raw == nil {
		return proto.Value{Type: t}
	}
	switch v := raw.(type) {
	case bool:
		return proto.Value{Type: t, Bool: v}
	case int8:
		return proto.Value{Type: t, Int: int64(v)}
	case int16:
		return proto.Value{Type: t, Int: int64(v)}
	case int32:
		return proto.Value{Type: t, Int: int64(v)}
	case int64:
		return proto.Value{Type: t, Int: v}
	case uint8:
		return proto.Value{Type: t, Uint: uint64(v)}
	case uint16:
		return proto.Value{Type: t, Uint: uint64(v)}
	case uint32:
		return proto.Value{Type: t, Uint: uint64(v)}
	case uint64:
		return proto.Value{Type: t, Uint: v}
	case float32:
		return proto.Value{Type: t, Float: float64(v)}
	case float64:
		return proto.Value{Type: t, Float: v}
	case *big.Int:
		// HUGEINT results (e.g. SUM over BIGINT) arrive as big.Int.
		return proto.Value{Type: t, Int: v.Int64()}
	case string:
		return proto.Value{Type: t, Str: v}
	case []byte:
		if t == proto.TypeBytes {
			return proto.BytesValue(v)
		}
		return proto.Value{Type: t, Str: string(v)}
	case time.Time:
		return proto.Value{Type: proto.TypeTimestamp, Int: v.UnixNano()}
	default:
		return proto.Value{Type: proto.TypeStr, Str: fmt.Sprint(v)}
	}
}

// newSettingsTable surfaces the option table as
// information_schema.df_settings.
func newSettingsTable(registry *extension.Registry) extension.Table {
	schema := proto.Schema{Fields: []proto.Field{
		{Name: "name", Type: proto.TypeStr},
		{Name: "value", Type: proto.TypeStr},
		{Name: "extension", Type: proto.TypeStr},
		{Name: "description", Type: proto.TypeStr},
	}}
	tbl := extension.NewMemTable(schema, 0)
	for _, info := range registry.ListOptions() {
		_ = tbl.Append([]proto.Value{
			proto.StrValue(info.Key),
			proto.StrValue(info.Value),
			proto.StrValue(info.Extension),
			proto.StrValue(info.Help),
		})
	}
	return tbl
}
