package sink

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/destination"
)

// New builds the sink variant matching the destination kind.
func New(d destination.Destination, logger *zap.Logger) (Sink, error) {
	switch d.Kind {
	case destination.KindHEC:
		h, err := NewHEC(d, logger)
		if err != nil {
			return nil, err
		}
		return h, nil
	case destination.KindSyslog:
		s, err := NewSyslog(d, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported destination kind %q", d.Kind)
	}
}

type registryEntry struct {
	dest destination.Destination
	sink Sink
}

// Registry caches one Sink per destination so concurrent runs share it.
type Registry struct {
	mu      sync.Mutex
	logger  *zap.Logger
	build   func(destination.Destination, *zap.Logger) (Sink, error)
	entries map[string]registryEntry
	retired []Sink
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		build:   New,
		entries: make(map[string]registryEntry),
	}
}

// Get returns the cached sink for d, rebuilding it when the destination's
// parameters changed. Replaced sinks stay open until Close since runs may
// still hold sessions on them.
func (r *Registry) Get(d destination.Destination) (Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[d.ID]; ok {
		if reflect.DeepEqual(e.dest, d) {
			return e.sink, nil
		}
		r.retired = append(r.retired, e.sink)
	}

	s, err := r.build(d, r.logger)
	if err != nil {
		return nil, err
	}
	r.entries[d.ID] = registryEntry{dest: d, sink: s}
	return s, nil
}

// Close closes every sink ever handed out.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, e := range r.entries {
		if err := e.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.entries, id)
	}
	for _, s := range r.retired {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.retired = nil
	return firstErr
}
