// Package extension defines the capability contract diagnostic data sources
// implement, and the registry that owns every live extension inside the
// agent: option mediation, table discovery, and command dispatch.
package extension

import (
	"context"

	"github.com/probing-io/probing/internal/proto"
)

// Table is a named source of rows exposed as bounded columnar pages.
type Table interface {
	Schema() proto.Schema
	// Pages streams the table contents in pages of at most limit rows.
	// Implementations check ctx between pages.
	Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error
}

// Filter is a simple conjunctive predicate an engine may push down.
type Filter struct {
	Column  string
	Op      string // "=", "!=", "<", "<=", ">", ">=", "LIKE"
	Operand string
}

// FilterCapable tables accept pushed-down predicates and return a filtered
// view. Predicates the table cannot apply are returned as residual and run
// in the engine.
type FilterCapable interface {
	Table
	PushDown(filters []Filter) (filtered Table, residual []Filter)
}

// Namespace is a discoverable group of tables.
type Namespace interface {
	Tables() []string
	Table(name string) (Table, bool)
}

// OptionDecl declares one option key owned by an extension.
type OptionDecl struct {
	Key      string
	Default  string
	Help     string
	ReadOnly bool
}

// Extension is a registered capability set. Extensions are created at agent
// init and live until teardown.
type Extension interface {
	Name() string
	// Options declares the keys this extension owns. Declarations are
	// static: the registry reads them once at registration.
	Options() []OptionDecl
	SetOption(key, value string) error
	GetOption(key string) (string, error)
}

// DataSourcer is the optional data-source capability: resolve a namespace,
// or a table within it.
type DataSourcer interface {
	// DataSource returns the table (name != "") or namespace handle
	// (name == "") for ns, or ok=false when ns is not served here.
	DataSource(ns, name string) (Table, Namespace, bool)
}

// InlineTabler extensions interpret a quoted inline expression
// (ns."<expr>") as a table.
type InlineTabler interface {
	InlineTable(ns, expr string) (Table, error)
}

// Caller is the optional command capability.
type Caller interface {
	// Match reports whether this extension serves the call path.
	Match(path string) bool
	Call(ctx context.Context, path string, params map[string]string, body []byte) ([]byte, error)
}
