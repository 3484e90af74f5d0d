package script

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
)

var backtraceSchema = proto.Schema{Fields: []proto.Field{
	{Name: "tid", Type: proto.TypeI64},
	{Name: "depth", Type: proto.TypeI64},
	{Name: "func", Type: proto.TypeStr},
	{Name: "file", Type: proto.TypeStr},
	{Name: "lineno", Type: proto.TypeI64},
	{Name: "frame_type", Type: proto.TypeStr},
	{Name: "ip", Type: proto.TypeU64},
}}

var variablesSchema = proto.Schema{Fields: []proto.Field{
	{Name: "step", Type: proto.TypeI64},
	{Name: "func", Type: proto.TypeStr},
	{Name: "name", Type: proto.TypeStr},
	{Name: "value", Type: proto.TypeStr},
}}

var sampledTraceSchema = proto.Schema{Fields: []proto.Field{
	{Name: "step", Type: proto.TypeI64},
	{Name: "seq", Type: proto.TypeI64},
	{Name: "module", Type: proto.TypeStr},
	{Name: "stage", Type: proto.TypeStr},
	{Name: "allocated", Type: proto.TypeI64},
	{Name: "max_allocated", Type: proto.TypeI64},
	{Name: "cached", Type: proto.TypeI64},
	{Name: "max_cached", Type: proto.TypeI64},
	{Name: "time_offset", Type: proto.TypeF64},
	{Name: "duration", Type: proto.TypeF64},
}}

// Bridge exposes the host interpreter through the extension contract: the
// built-in script.* tables, code evaluation on a dedicated worker, and the
// user-table builder.
type Bridge struct {
	interp  Interpreter
	logger  zerolog.Logger
	options *extension.OptionSet

	mu        sync.RWMutex
	variables *extension.MemTable
	sampled   *extension.MemTable
	userTbls  map[string]*extension.MemTable

	evalCh chan evalJob
	stop   chan struct{}
	once   sync.Once
}

type evalJob struct {
	ctx    context.Context
	code   string
	result chan evalResult
}

type evalResult struct {
	out []byte
	err error
}

// NewBridge wires a bridge over the given interpreter.
func NewBridge(interp Interpreter, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		interp:    interp,
		logger:    logger.With().Str("component", "script-bridge").Logger(),
		variables: extension.NewMemTable(variablesSchema, 100000),
		sampled:   extension.NewMemTable(sampledTraceSchema, 100000),
		userTbls:  make(map[string]*extension.MemTable),
		evalCh:    make(chan evalJob),
		stop:      make(chan struct{}),
	}
	b.options = extension.NewOptionSet(
		extension.OptionDecl{
			Key:     "script.eval.enabled",
			Default: "true",
			Help:    "allow code evaluation in the host interpreter",
		},
		extension.OptionDecl{
			Key:     "script.backtrace.locals",
			Default: "false",
			Help:    "capture local variables in backtrace frames",
		},
	)
	go b.evalWorker()
	return b
}

// Close stops the eval worker.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.stop) })
}

// Name implements extension.Extension.
func (b *Bridge) Name() string { return "script" }

// Options implements extension.Extension.
func (b *Bridge) Options() []extension.OptionDecl { return b.options.Decls() }

// GetOption implements extension.Extension.
func (b *Bridge) GetOption(key string) (string, error) { return b.options.Get(key) }

// SetOption implements extension.Extension.
func (b *Bridge) SetOption(key, value string) error {
	_, err := b.options.Set(key, value)
	return err
}

// DataSource implements extension.DataSourcer.
func (b *Bridge) DataSource(ns, name string) (extension.Table, extension.Namespace, bool) {
	if ns != "script" {
		return nil, nil, false
	}
	if name == "" {
		return nil, &bridgeNamespace{bridge: b}, true
	}
	t, ok := b.table(name)
	if !ok {
		return nil, nil, false
	}
	return t, nil, true
}

func (b *Bridge) table(name string) (extension.Table, bool) {
	switch name {
	case "backtrace":
		return &backtraceTable{bridge: b}, true
	case "variables":
		return b.variables, true
	case "sampled_trace":
		return b.sampled, true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.userTbls[name]
	return t, ok
}

func (b *Bridge) tableNames() []string {
	names := []string{"backtrace", "sampled_trace", "variables"}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name := range b.userTbls {
		names = append(names, name)
	}
	return names
}

// InlineTable implements extension.InlineTabler: the quoted expression is
// evaluated and its output exposed as a one-column table.
func (b *Bridge) InlineTable(ns, expr string) (extension.Table, error) {
	if ns != "script" {
		return nil, nil
	}
	out, err := b.Eval(context.Background(), expr)
	if err != nil {
		return nil, err
	}
	schema := proto.Schema{Fields: []proto.Field{{Name: "output", Type: proto.TypeStr}}}
	tbl := extension.NewMemTable(schema, 0)
	if err := tbl.Append([]proto.Value{proto.StrValue(string(out))}); err != nil {
		return nil, err
	}
	return tbl, nil
}

// Backtrace captures a point-in-time stack of one thread. A zero tid means
// the interpreter main thread.
func (b *Bridge) Backtrace(tid int64) ([]Frame, error) {
	if tid == 0 {
		tid = b.interp.MainThread()
	}
	withLocals, _ := b.options.Get("script.backtrace.locals")
	frames, err := b.interp.Backtrace(tid, withLocals == "true")
	if err != nil {
		return nil, proto.Errorf(proto.CatNotFound, "backtrace of thread %d: %v", tid, err)
	}
	return frames, nil
}

// Eval executes a code string on the eval worker. Interpreter exceptions
// and panics surface as RuntimeFault; the interpreter never unwinds into
// the agent.
func (b *Bridge) Eval(ctx context.Context, code string) ([]byte, error) {
	if enabled, _ := b.options.Get("script.eval.enabled"); enabled != "true" {
		return nil, proto.Errorf(proto.CatUnsupported, "code evaluation is disabled")
	}
	job := evalJob{ctx: ctx, code: code, result: make(chan evalResult, 1)}
	select {
	case b.evalCh <- job:
	case <-ctx.Done():
		return nil, proto.Errorf(proto.CatCancelled, "eval cancelled")
	case <-b.stop:
		return nil, proto.Errorf(proto.CatCancelled, "bridge shut down")
	}
	select {
	case res := <-job.result:
		return res.out, res.err
	case <-ctx.Done():
		return nil, proto.Errorf(proto.CatCancelled, "eval cancelled")
	}
}

func (b *Bridge) evalWorker() {
	for {
		select {
		case job := <-b.evalCh:
			job.result <- b.runEval(job.ctx, job.code)
		case <-b.stop:
			return
		}
	}
}

func (b *Bridge) runEval(ctx context.Context, code string) (res evalResult) {
	defer func() {
		if r := recover(); r != nil {
			res = evalResult{err: proto.Errorf(proto.CatRuntimeFault, "eval panicked: %v", r)}
		}
	}()
	out, err := b.interp.Eval(ctx, code)
	if err != nil {
		if proto.CategoryOf(err) != proto.CatInternal {
			return evalResult{err: err}
		}
		return evalResult{err: proto.Errorf(proto.CatRuntimeFault, "%v", err)}
	}
	return evalResult{out: out}
}

// RecordVariable appends one captured variable to script.variables.
func (b *Bridge) RecordVariable(step int64, fn, name string, value any) {
	_ = b.variables.Append([]proto.Value{
		proto.IntValue(step),
		proto.StrValue(fn),
		proto.StrValue(name),
		proto.StrValue(Render(value)),
	})
}

// TraceSample is one operation-level sample from an instrumentation
// session attached to compute-graph execution.
type TraceSample struct {
	Step         int64
	Seq          int64
	Module       string
	Stage        string
	Allocated    int64
	MaxAllocated int64
	Cached       int64
	MaxCached    int64
	TimeOffset   float64
	Duration     float64
}

// RecordSample appends one sample to script.sampled_trace.
func (b *Bridge) RecordSample(s TraceSample) {
	_ = b.sampled.Append([]proto.Value{
		proto.IntValue(s.Step),
		proto.IntValue(s.Seq),
		proto.StrValue(s.Module),
		proto.StrValue(s.Stage),
		proto.IntValue(s.Allocated),
		proto.IntValue(s.MaxAllocated),
		proto.IntValue(s.Cached),
		proto.IntValue(s.MaxCached),
		proto.FloatValue(s.TimeOffset),
		proto.FloatValue(s.Duration),
	})
}

// TableBuilder declares a user-defined table: a schema descriptor plus an
// append handle. RegisterTable places it in the script namespace after a
// collision check against the built-in and existing user tables.
type TableBuilder struct {
	Name    string
	Columns []proto.Field
	MaxRows int
}

// RegisterTable creates a user-defined table and returns its append
// function.
func (b *Bridge) RegisterTable(builder TableBuilder) (func(row []proto.Value) error, error) {
	if builder.Name == "" || len(builder.Columns) == 0 {
		return nil, proto.Errorf(proto.CatBadRequest, "table needs a name and columns")
	}
	switch builder.Name {
	case "backtrace", "variables", "sampled_trace":
		return nil, proto.Errorf(proto.CatConflict,
			"table name %q shadows a built-in", builder.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.userTbls[builder.Name]; ok {
		return nil, proto.Errorf(proto.CatConflict,
			"table %q already registered", builder.Name)
	}
	tbl := extension.NewMemTable(proto.Schema{Fields: builder.Columns}, builder.MaxRows)
	b.userTbls[builder.Name] = tbl
	b.logger.Debug().Str("table", "script."+builder.Name).Msg("registered user table")
	return tbl.Append, nil
}

type bridgeNamespace struct {
	bridge *Bridge
}

func (n *bridgeNamespace) Tables() []string { return n.bridge.tableNames() }

func (n *bridgeNamespace) Table(name string) (extension.Table, bool) {
	return n.bridge.table(name)
}

// backtraceTable captures the stack at page-stream time: one capture per
// query.
type backtraceTable struct {
	bridge *Bridge
	tid    int64
}

func (t *backtraceTable) Schema() proto.Schema { return backtraceSchema }

func (t *backtraceTable) Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error {
	frames, err := t.bridge.Backtrace(t.tid)
	if err != nil {
		return err
	}
	rows := make([][]proto.Value, len(frames))
	for i, f := range frames {
		rows[i] = []proto.Value{
			proto.IntValue(f.TID),
			proto.IntValue(f.Depth),
			proto.StrValue(f.Func),
			proto.StrValue(f.File),
			proto.IntValue(f.Lineno),
			proto.StrValue(string(f.Type)),
			proto.UintValue(f.IP),
		}
	}
	return extension.StreamRows(ctx, backtraceSchema, rows, limit, fn)
}

// BacktracePage materializes a single backtrace page for the given thread,
// used by the command server's backtrace request.
func (b *Bridge) BacktracePage(ctx context.Context, tid int64) (proto.Schema, *proto.Page, error) {
	tbl := &backtraceTable{bridge: b, tid: tid}
	var page *proto.Page
	err := tbl.Pages(ctx, 0, func(p *proto.Page) error {
		if page == nil {
			page = p
		}
		return nil
	})
	if err != nil {
		return proto.Schema{}, nil, err
	}
	if page == nil {
		page = &proto.Page{Columns: make([]*proto.Column, len(backtraceSchema.Fields))}
		for i, f := range backtraceSchema.Fields {
			page.Columns[i] = proto.NewColumn(f.Type)
		}
	}
	return backtraceSchema, page, nil
}

// InstallHook registers an interpreter notification hook that records the
// frame locals of call and return events into script.variables.
func (b *Bridge) InstallHook() error {
	var step int64
	var mu sync.Mutex
	return b.interp.SetTraceHook(func(event HookEvent, frame Frame) {
		if event != EventCall && event != EventReturn {
			return
		}
		mu.Lock()
		step++
		n := step
		mu.Unlock()
		for name, value := range frame.Locals {
			b.RecordVariable(n, frame.Func, name, value)
		}
	})
}
