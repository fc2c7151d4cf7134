package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/scenario"
)

// ErrNotFound is returned for unknown scenario, destination or run ids.
var ErrNotFound = errors.New("not found")

// Catalog persists scenario definitions and destination records.
type Catalog interface {
	ListScenarios(ctx context.Context) ([]scenario.Definition, error)
	GetScenario(ctx context.Context, id string) (*scenario.Definition, error)
	PutScenario(ctx context.Context, def scenario.Definition) error
	DeleteScenario(ctx context.Context, id string) error

	ListDestinations(ctx context.Context) ([]destination.Destination, error)
	GetDestination(ctx context.Context, id string) (*destination.Destination, error)
	PutDestination(ctx context.Context, d destination.Destination) error
	DeleteDestination(ctx context.Context, id string) error
}

// Resolver adapts a Catalog to the engine's lookup interface.
type Resolver struct {
	Catalog Catalog
}

func (r Resolver) ResolveScenario(ctx context.Context, id string) (*scenario.Definition, error) {
	return r.Catalog.GetScenario(ctx, id)
}

func (r Resolver) ResolveDestination(ctx context.Context, id string) (*destination.Destination, error) {
	return r.Catalog.GetDestination(ctx, id)
}

// SeedPresets stores the built-in scenarios that are not in c yet.
// Existing definitions with the same id are left alone.
func SeedPresets(ctx context.Context, c Catalog) (int, error) {
	var seeded int
	for _, def := range scenario.Presets() {
		_, err := c.GetScenario(ctx, def.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return seeded, err
		}
		if err := c.PutScenario(ctx, def); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", def.ID, err)
		}
		seeded++
	}
	return seeded, nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
