// Package engine executes multi-phase scenarios against a destination.
//
// A run is a scheduler feeding a bounded descriptor queue, drained by a
// fixed pool of workers that share one token bucket. Workers materialize
// events through a generator, tag them, and hand them to the destination's
// sink session. The run owns its state, limiter, queue and progress
// reporter; only sinks are shared between runs.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/generator"
	"github.com/rmax-ai/pulse/pkg/scenario"
	"github.com/rmax-ai/pulse/pkg/sink"
)

// Catalog resolves scenario and destination ids.
type Catalog interface {
	ResolveScenario(ctx context.Context, id string) (*scenario.Definition, error)
	ResolveDestination(ctx context.Context, id string) (*destination.Destination, error)
}

// Sinks hands out the shared sink of a destination.
type Sinks interface {
	Get(d destination.Destination) (sink.Sink, error)
}

// Generators resolves generator references.
type Generators interface {
	Lookup(ref string) (generator.Generator, error)
}

// Engine starts and tracks runs.
type Engine struct {
	cfg        Config
	catalog    Catalog
	sinks      Sinks
	generators Generators
	logger     *zap.Logger

	mu   sync.RWMutex
	runs map[string]*Run
}

func New(cfg Config, catalog Catalog, sinks Sinks, generators Generators, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		catalog:    catalog,
		sinks:      sinks,
		generators: generators,
		logger:     logger.Named("engine"),
		runs:       make(map[string]*Run),
	}
}

// Config returns the effective engine limits.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start validates rc and launches a run. The returned channel carries the
// run's progress lines and is closed once the run is over and drained. A
// *ValidationError means nothing was started.
func (e *Engine) Start(ctx context.Context, rc RunConfig) (*Run, <-chan string, error) {
	def, dest, err := e.validate(ctx, rc)
	if err != nil {
		return nil, nil, err
	}

	sk, err := e.sinks.Get(*dest)
	if err != nil {
		return nil, nil, &ValidationError{Field: "destination_id", Err: err}
	}

	if rc.TimeCompression <= 0 {
		rc.TimeCompression = 1
	}
	if rc.TraceID == "" && (rc.TagTrace || rc.TagPhase) {
		rc.TraceID = uuid.NewString()
	}

	run := newRun(e, rc, def, dest, sk)
	if err := run.open(); err != nil {
		return nil, nil, &ValidationError{Field: "destination_id", Err: err}
	}

	e.mu.Lock()
	e.runs[run.id] = run
	e.mu.Unlock()
	e.prune()

	run.launch()
	return run, run.progress.Lines(), nil
}

func (e *Engine) validate(ctx context.Context, rc RunConfig) (*scenario.Definition, *destination.Destination, error) {
	if rc.ScenarioID == "" {
		return nil, nil, invalid("scenario_id", "required")
	}
	if rc.DestinationID == "" {
		return nil, nil, invalid("destination_id", "required")
	}
	if rc.Workers < 1 || rc.Workers > e.cfg.MaxWorkers {
		return nil, nil, invalid("workers", "must be between 1 and %d, got %d", e.cfg.MaxWorkers, rc.Workers)
	}
	if math.IsNaN(rc.EPS) || rc.EPS <= 0 || rc.EPS > e.cfg.MaxEPS {
		return nil, nil, invalid("eps", "must be within (0, %g], got %g", e.cfg.MaxEPS, rc.EPS)
	}
	if rc.NoiseCount < 0 {
		return nil, nil, invalid("noise_count", "must not be negative")
	}
	if rc.TimeCompression < 0 || math.IsNaN(rc.TimeCompression) || math.IsInf(rc.TimeCompression, 0) {
		return nil, nil, invalid("time_compression", "must be a positive factor")
	}

	def, err := e.catalog.ResolveScenario(ctx, rc.ScenarioID)
	if err != nil {
		return nil, nil, &ValidationError{Field: "scenario_id", Reason: fmt.Sprintf("cannot resolve %q", rc.ScenarioID), Err: err}
	}
	if err := def.Validate(); err != nil {
		return nil, nil, &ValidationError{Field: "scenario_id", Err: err}
	}

	dest, err := e.catalog.ResolveDestination(ctx, rc.DestinationID)
	if err != nil {
		return nil, nil, &ValidationError{Field: "destination_id", Reason: fmt.Sprintf("cannot resolve %q", rc.DestinationID), Err: err}
	}
	if err := dest.Validate(); err != nil {
		return nil, nil, &ValidationError{Field: "destination_id", Err: err}
	}
	return def, dest, nil
}

// Get returns a run handle.
func (e *Engine) Get(id string) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

// Status returns a snapshot of a run's state.
func (e *Engine) Status(id string) (RunState, error) {
	r, err := e.Get(id)
	if err != nil {
		return RunState{}, err
	}
	return r.Status(), nil
}

// Cancel requests a cooperative stop. Cancelling twice is a no-op.
func (e *Engine) Cancel(id string) error {
	r, err := e.Get(id)
	if err != nil {
		return err
	}
	r.Cancel()
	return nil
}

// Runs lists all known runs, newest first.
func (e *Engine) Runs() []RunState {
	e.mu.RLock()
	out := make([]RunState, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r.Status())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Shutdown cancels every active run and waits for them to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.Cancel()
	}
	for _, r := range runs {
		if err := r.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// prune forgets finished runs older than the retention window.
func (e *Engine) prune() {
	cutoff := time.Now().Add(-e.cfg.Retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, r := range e.runs {
		st := r.Status()
		if st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			delete(e.runs, id)
		}
	}
}
