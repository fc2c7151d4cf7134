package generator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownGenerator is returned when a reference has no registered generator.
var ErrUnknownGenerator = errors.New("unknown generator")

// Spec describes one event to materialize.
type Spec struct {
	Ref         string
	Phase       string
	PhaseIndex  int
	Sequence    int
	ScheduledAt time.Time
	TraceID     string
	Seed        int64
}

// Generator turns an event spec into a vendor formatted payload.
type Generator interface {
	Generate(ctx context.Context, spec Spec) ([]byte, error)
	SourceType() string
}

// Func adapts a plain function into a Generator.
type Func struct {
	Type string
	Fn   func(ctx context.Context, spec Spec) ([]byte, error)
}

func (f Func) Generate(ctx context.Context, spec Spec) ([]byte, error) {
	return f.Fn(ctx, spec)
}

func (f Func) SourceType() string {
	return f.Type
}

// Registry resolves generator references. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	gens map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{gens: make(map[string]Generator)}
}

// Register adds or replaces a generator.
func (r *Registry) Register(ref string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[ref] = g
}

// Lookup resolves ref.
func (r *Registry) Lookup(ref string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gens[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGenerator, ref)
	}
	return g, nil
}

// Refs lists registered references, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.gens))
	for ref := range r.gens {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
