package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/scenario"
)

// Memory is a process-local Catalog.
type Memory struct {
	mu        sync.RWMutex
	scenarios map[string]scenario.Definition
	dests     map[string]destination.Destination
}

func NewMemory() *Memory {
	return &Memory{
		scenarios: make(map[string]scenario.Definition),
		dests:     make(map[string]destination.Destination),
	}
}

func (m *Memory) ListScenarios(_ context.Context) ([]scenario.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]scenario.Definition, 0, len(m.scenarios))
	for _, d := range m.scenarios {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetScenario(_ context.Context, id string) (*scenario.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.scenarios[id]
	if !ok {
		return nil, notFound("scenario", id)
	}
	return &d, nil
}

func (m *Memory) PutScenario(_ context.Context, def scenario.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.Phases = append([]scenario.Phase(nil), def.Phases...)
	m.mu.Lock()
	m.scenarios[def.ID] = def
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteScenario(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scenarios[id]; !ok {
		return notFound("scenario", id)
	}
	delete(m.scenarios, id)
	return nil
}

func (m *Memory) ListDestinations(_ context.Context) ([]destination.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]destination.Destination, 0, len(m.dests))
	for _, d := range m.dests {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetDestination(_ context.Context, id string) (*destination.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dests[id]
	if !ok {
		return nil, notFound("destination", id)
	}
	return &d, nil
}

func (m *Memory) PutDestination(_ context.Context, d destination.Destination) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.HEC != nil {
		p := *d.HEC
		d.HEC = &p
	}
	if d.Syslog != nil {
		p := *d.Syslog
		d.Syslog = &p
	}
	m.mu.Lock()
	m.dests[d.ID] = d
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteDestination(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dests[id]; !ok {
		return notFound("destination", id)
	}
	delete(m.dests, id)
	return nil
}
