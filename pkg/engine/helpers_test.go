package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/event"
	"github.com/rmax-ai/pulse/pkg/generator"
	"github.com/rmax-ai/pulse/pkg/scenario"
	"github.com/rmax-ai/pulse/pkg/sink"
)

type memCatalog struct {
	scenarios map[string]*scenario.Definition
	dests     map[string]*destination.Destination
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		scenarios: make(map[string]*scenario.Definition),
		dests:     make(map[string]*destination.Destination),
	}
}

func (c *memCatalog) addScenario(d scenario.Definition) {
	c.scenarios[d.ID] = &d
}

func (c *memCatalog) addDestination(d destination.Destination) {
	c.dests[d.ID] = &d
}

func (c *memCatalog) ResolveScenario(_ context.Context, id string) (*scenario.Definition, error) {
	d, ok := c.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("scenario %s not found", id)
	}
	return d, nil
}

func (c *memCatalog) ResolveDestination(_ context.Context, id string) (*destination.Destination, error) {
	d, ok := c.dests[id]
	if !ok {
		return nil, fmt.Errorf("destination %s not found", id)
	}
	return d, nil
}

// fakeSink acknowledges synchronously and records what it received.
type fakeSink struct {
	mu     sync.Mutex
	events []event.Event
	times  []time.Time
	fail   func(ev event.Event) error
}

type fakeSession struct {
	f *fakeSink
}

func (f *fakeSink) Open(sink.SessionOptions) (sink.Session, error) {
	return &fakeSession{f: f}, nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) delivered() ([]event.Event, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Event(nil), f.events...), append([]time.Time(nil), f.times...)
}

func (s *fakeSession) Deliver(ctx context.Context, ev event.Event, done sink.Outcome) error {
	var err error
	if s.f.fail != nil {
		err = s.f.fail(ev)
	}
	if err == nil {
		s.f.mu.Lock()
		s.f.events = append(s.f.events, ev)
		s.f.times = append(s.f.times, time.Now())
		s.f.mu.Unlock()
	}
	done(err, true)
	return nil
}

func (s *fakeSession) Close(context.Context) error { return nil }

type staticSinks struct {
	s sink.Sink
}

func (f staticSinks) Get(destination.Destination) (sink.Sink, error) {
	return f.s, nil
}

var testDest = destination.Destination{
	ID:     "dest",
	Kind:   destination.KindSyslog,
	Syslog: &destination.SyslogParams{Host: "127.0.0.1", Port: 514, Protocol: "udp"},
}

func singlePhase(id string, count int, d time.Duration) scenario.Definition {
	return scenario.Definition{
		ID:   id,
		Name: id,
		Phases: []scenario.Phase{
			{Name: "only", Duration: scenario.Duration(d), EventCount: count, GeneratorRef: "okta_authentication"},
		},
	}
}

func newTestEngine(t *testing.T, cfg Config, cat *memCatalog, s sink.Sink, gens Generators) *Engine {
	t.Helper()
	if gens == nil {
		gens = generator.Builtins()
	}
	e := New(cfg, cat, staticSinks{s: s}, gens, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

// drain collects progress lines until the stream closes.
func drain(lines <-chan string) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		var all []string
		for l := range lines {
			all = append(all, l)
		}
		out <- all
	}()
	return out
}

func waitRun(t *testing.T, r *Run, timeout time.Duration) RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("run did not finish within %v (status %s)", timeout, r.Status().Status)
	}
	return r.Status()
}
