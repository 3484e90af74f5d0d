package extension

import (
	"sync"

	"github.com/probing-io/probing/internal/proto"
)

// ApplyFunc validates and applies a new option value. Returning an error
// rejects the set; the stored value is left unchanged.
type ApplyFunc func(value string) error

// OptionSet is a reusable option table for extensions to embed. It stores
// declared keys, current values, and optional per-key apply hooks.
type OptionSet struct {
	mu     sync.RWMutex
	decls  []OptionDecl
	values map[string]string
	apply  map[string]ApplyFunc
}

// NewOptionSet builds an option set from declarations.
func NewOptionSet(decls ...OptionDecl) *OptionSet {
	s := &OptionSet{
		decls:  decls,
		values: make(map[string]string, len(decls)),
		apply:  make(map[string]ApplyFunc),
	}
	for _, d := range decls {
		s.values[d.Key] = d.Default
	}
	return s
}

// OnSet registers an apply hook for key.
func (s *OptionSet) OnSet(key string, fn ApplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply[key] = fn
}

// Decls returns the static declarations.
func (s *OptionSet) Decls() []OptionDecl { return s.decls }

// Get returns the current value of key.
func (s *OptionSet) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", proto.Errorf(proto.CatNotFound, "unknown option %q", key)
	}
	return v, nil
}

// Set validates and stores a new value, returning the previous one.
func (s *OptionSet) Set(key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.values[key]
	if !ok {
		return "", proto.Errorf(proto.CatNotFound, "unknown option %q", key)
	}
	for _, d := range s.decls {
		if d.Key == key && d.ReadOnly {
			return "", proto.Errorf(proto.CatConflict, "option %q is read-only", key)
		}
	}
	if fn := s.apply[key]; fn != nil {
		if err := fn(value); err != nil {
			return "", proto.Errorf(proto.CatConflict, "option %q rejected: %v", key, err)
		}
	}
	s.values[key] = value
	return prev, nil
}
