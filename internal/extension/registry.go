package extension

import (
	"context"
	"sync"

	"github.com/probing-io/probing/internal/proto"
)

// OptionInfo is one row of the option listing.
type OptionInfo struct {
	Key       string
	Value     string
	Extension string
	Help      string
}

// Registry owns the set of live extensions. Registration happens during
// agent init; afterwards the registry is read-mostly, with option updates
// taking a short exclusive lock inside the owning extension.
type Registry struct {
	mu     sync.RWMutex
	exts   []Extension
	owners map[string]Extension // option key -> owner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]Extension)}
}

// Register adds an extension. It fails if another extension already owns
// any of the declared option keys.
func (r *Registry) Register(ext Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	decls := ext.Options()
	for _, d := range decls {
		if owner, ok := r.owners[d.Key]; ok {
			return proto.Errorf(proto.CatConflict,
				"option %q already owned by extension %q", d.Key, owner.Name())
		}
	}
	for _, d := range decls {
		r.owners[d.Key] = ext
	}
	r.exts = append(r.exts, ext)
	return nil
}

// Extensions returns the registered extensions in registration order.
func (r *Registry) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, len(r.exts))
	copy(out, r.exts)
	return out
}

// SetOption forwards to the owning extension and returns the previous
// value.
func (r *Registry) SetOption(key, value string) (string, error) {
	r.mu.RLock()
	owner, ok := r.owners[key]
	r.mu.RUnlock()
	if !ok {
		return "", proto.Errorf(proto.CatNotFound, "unknown option %q", key)
	}
	prev, err := owner.GetOption(key)
	if err != nil {
		return "", err
	}
	if err := owner.SetOption(key, value); err != nil {
		return "", err
	}
	return prev, nil
}

// GetOption returns the current value of key.
func (r *Registry) GetOption(key string) (string, error) {
	r.mu.RLock()
	owner, ok := r.owners[key]
	r.mu.RUnlock()
	if !ok {
		return "", proto.Errorf(proto.CatNotFound, "unknown option %q", key)
	}
	return owner.GetOption(key)
}

// ListOptions returns every option with its current value, owner, and help
// text, in registration then declaration order.
func (r *Registry) ListOptions() []OptionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []OptionInfo
	for _, ext := range r.exts {
		for _, d := range ext.Options() {
			v, err := ext.GetOption(d.Key)
			if err != nil {
				v = d.Default
			}
			out = append(out, OptionInfo{
				Key:       d.Key,
				Value:     v,
				Extension: ext.Name(),
				Help:      d.Help,
			})
		}
	}
	return out
}

// DataSource resolves a namespace or table across all extensions, in
// registration order. Built-in extensions register first, so later
// extensions cannot shadow built-in names.
func (r *Registry) DataSource(ns, name string) (Table, Namespace, bool) {
	for _, ext := range r.Extensions() {
		ds, ok := ext.(DataSourcer)
		if !ok {
			continue
		}
		if t, nsh, ok := ds.DataSource(ns, name); ok {
			return t, nsh, true
		}
	}
	return nil, nil, false
}

// InlineTable resolves a ns."<expr>" reference via the extension serving
// the namespace.
func (r *Registry) InlineTable(ns, expr string) (Table, error) {
	for _, ext := range r.Extensions() {
		it, ok := ext.(InlineTabler)
		if !ok {
			continue
		}
		if t, err := it.InlineTable(ns, expr); err == nil && t != nil {
			return t, nil
		} else if err != nil {
			return nil, err
		}
	}
	return nil, proto.Errorf(proto.CatNotFound, "no extension serves inline tables for namespace %q", ns)
}

// DispatchCall routes a command call to the first extension whose path
// pattern matches.
func (r *Registry) DispatchCall(ctx context.Context, path string, params map[string]string, body []byte) ([]byte, error) {
	for _, ext := range r.Extensions() {
		c, ok := ext.(Caller)
		if !ok {
			continue
		}
		if c.Match(path) {
			return c.Call(ctx, path, params, body)
		}
	}
	return nil, proto.Errorf(proto.CatNotFound, "no handler for path %q", path)
}
