package agent

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
	"github.com/probing-io/probing/pkg/version"
)

// systemExtension exposes process and runtime metadata as the built-in
// `system` namespace, plus the /apis/version command.
type systemExtension struct {
	options *extension.OptionSet
}

func newSystemExtension() *systemExtension {
	return &systemExtension{
		options: extension.NewOptionSet(
			extension.OptionDecl{
				Key:      "system.pid",
				Default:  strconv.Itoa(os.Getpid()),
				Help:     "pid of the instrumented process",
				ReadOnly: true,
			},
		),
	}
}

func (s *systemExtension) Name() string { return "system" }

func (s *systemExtension) Options() []extension.OptionDecl { return s.options.Decls() }

func (s *systemExtension) GetOption(key string) (string, error) { return s.options.Get(key) }

func (s *systemExtension) SetOption(key, value string) error {
	_, err := s.options.Set(key, value)
	return err
}

var systemTables = []string{"env", "processes", "status"}

func (s *systemExtension) DataSource(ns, name string) (extension.Table, extension.Namespace, bool) {
	if ns != "system" {
		return nil, nil, false
	}
	if name == "" {
		return nil, s, true
	}
	switch name {
	case "env":
		return &envTable{}, nil, true
	case "processes":
		return &processTable{}, nil, true
	case "status":
		return &statusTable{}, nil, true
	}
	return nil, nil, false
}

// Tables implements extension.Namespace.
func (s *systemExtension) Tables() []string { return systemTables }

// Table implements extension.Namespace.
func (s *systemExtension) Table(name string) (extension.Table, bool) {
	t, _, ok := s.DataSource("system", name)
	return t, ok
}

// Match implements extension.Caller.
func (s *systemExtension) Match(path string) bool {
	return path == "/apis/version"
}

// Call implements extension.Caller.
func (s *systemExtension) Call(ctx context.Context, path string, params map[string]string, body []byte) ([]byte, error) {
	return json.Marshal(map[string]string{
		"version":    version.Version,
		"git_commit": version.GitCommit,
		"go_version": version.GoVersion,
	})
}

var envSchema = proto.Schema{Fields: []proto.Field{
	{Name: "name", Type: proto.TypeStr},
	{Name: "value", Type: proto.TypeStr},
}}

// envTable lists the process environment.
type envTable struct{}

func (t *envTable) Schema() proto.Schema { return envSchema }

func (t *envTable) Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error {
	env := os.Environ()
	sort.Strings(env)
	rows := make([][]proto.Value, 0, len(env))
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		rows = append(rows, []proto.Value{proto.StrValue(name), proto.StrValue(value)})
	}
	return extension.StreamRows(ctx, envSchema, rows, limit, fn)
}

var processSchema = proto.Schema{Fields: []proto.Field{
	{Name: "pid", Type: proto.TypeI32},
	{Name: "name", Type: proto.TypeStr},
	{Name: "cpu_percent", Type: proto.TypeF64},
	{Name: "rss_bytes", Type: proto.TypeU64},
	{Name: "num_threads", Type: proto.TypeI32},
}}

// processTable lists processes visible to the agent via gopsutil.
type processTable struct{}

func (t *processTable) Schema() proto.Schema { return processSchema }

func (t *processTable) Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return proto.Errorf(proto.CatRuntimeFault, "enumerate processes: %v", err)
	}
	rows := make([][]proto.Value, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpu, _ := p.CPUPercentWithContext(ctx)
		var rss uint64
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			rss = mi.RSS
		}
		threads, _ := p.NumThreadsWithContext(ctx)
		rows = append(rows, []proto.Value{
			{Type: proto.TypeI32, Int: int64(p.Pid)},
			proto.StrValue(name),
			proto.FloatValue(cpu),
			proto.UintValue(rss),
			{Type: proto.TypeI32, Int: int64(threads)},
		})
	}
	return extension.StreamRows(ctx, processSchema, rows, limit, fn)
}

var statusSchema = proto.Schema{Fields: []proto.Field{
	{Name: "name", Type: proto.TypeStr},
	{Name: "value", Type: proto.TypeU64},
}}

// statusTable reports host memory plus this process's footprint.
type statusTable struct{}

func (t *statusTable) Schema() proto.Schema { return statusSchema }

func (t *statusTable) Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error {
	rows := make([][]proto.Value, 0, 4)
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		rows = append(rows,
			[]proto.Value{proto.StrValue("mem_total"), proto.UintValue(vm.Total)},
			[]proto.Value{proto.StrValue("mem_available"), proto.UintValue(vm.Available)},
		)
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			rows = append(rows,
				[]proto.Value{proto.StrValue("rss"), proto.UintValue(mi.RSS)},
				[]proto.Value{proto.StrValue("vms"), proto.UintValue(mi.VMS)},
			)
		}
	}
	return extension.StreamRows(ctx, statusSchema, rows, limit, fn)
}
