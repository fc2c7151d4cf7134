package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/engine"
	"github.com/rmax-ai/pulse/pkg/scenario"
)

// setupTestStore creates a temporary database for testing
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pulse.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatalf("database file was not created at %s", dbPath)
	}
	return store
}

func TestNewStore_Schema(t *testing.T) {
	store := setupTestStore(t)

	for _, table := range []string{"scenarios", "destinations", "runs"} {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestSQLiteCatalog(t *testing.T) {
	RunCatalogTests(t, func() Catalog { return setupTestStore(t) })
}

func TestMemoryCatalog(t *testing.T) {
	RunCatalogTests(t, func() Catalog { return NewMemory() })
}

func TestSeedPresets(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	custom := scenario.Definition{ID: "phishing_campaign", Phases: []scenario.Phase{
		{Name: "mine", Duration: scenario.Duration(time.Minute), EventCount: 1, GeneratorRef: "noise"},
	}}
	if err := store.PutScenario(ctx, custom); err != nil {
		t.Fatalf("PutScenario failed: %v", err)
	}

	n, err := SeedPresets(ctx, store)
	if err != nil {
		t.Fatalf("SeedPresets failed: %v", err)
	}
	if want := len(scenario.Presets()) - 1; n != want {
		t.Errorf("seeded %d presets, want %d", n, want)
	}

	got, err := store.GetScenario(ctx, "phishing_campaign")
	if err != nil {
		t.Fatalf("GetScenario failed: %v", err)
	}
	if got.Phases[0].Name != "mine" {
		t.Errorf("existing scenario was overwritten")
	}

	// Seeding again is a no-op.
	n, err = SeedPresets(ctx, store)
	if err != nil || n != 0 {
		t.Errorf("second seed: n=%d err=%v", n, err)
	}
}

func TestRunArchive(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		finished := base.Add(time.Duration(i)*time.Hour + time.Minute)
		st := engine.RunState{
			RunID:         id,
			ScenarioID:    "s",
			DestinationID: "d",
			Status:        engine.StatusCompleted,
			EmittedCount:  int64(10 * (i + 1)),
			Phases:        []engine.PhaseState{{Name: "p", EventCount: 10, Emitted: 10}},
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			FinishedAt:    &finished,
		}
		if err := store.SaveRun(ctx, st); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	got, err := store.GetRun(ctx, "r2")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.EmittedCount != 20 || len(got.Phases) != 1 || got.Status != engine.StatusCompleted {
		t.Errorf("unexpected run state: %+v", got)
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r3" || runs[1].RunID != "r2" {
		t.Errorf("unexpected order: %+v", runs)
	}

	// Saving again replaces the record.
	got.Status = engine.StatusFailed
	if err := store.SaveRun(ctx, got); err != nil {
		t.Fatalf("SaveRun overwrite failed: %v", err)
	}
	again, _ := store.GetRun(ctx, "r2")
	if again.Status != engine.StatusFailed {
		t.Errorf("status not updated: %s", again.Status)
	}
}

// RunCatalogTests exercises a Catalog implementation. newCatalog must return
// an empty catalog.
func RunCatalogTests(t *testing.T, newCatalog func() Catalog) {
	ctx := context.Background()

	def := scenario.Definition{
		ID:   "demo",
		Name: "Demo",
		Phases: []scenario.Phase{
			{Name: "one", Duration: scenario.Duration(time.Hour), EventCount: 10, GeneratorRef: "noise"},
			{Name: "two", StartOffset: scenario.Duration(time.Hour), Duration: scenario.Duration(2 * scenario.Day), EventCount: 5, GeneratorRef: "okta_authentication", NoiseRatio: 0.5},
		},
	}
	hec := destination.Destination{ID: "splunk", Kind: destination.KindHEC, HEC: &destination.HECParams{
		URL: "https://hec.example.com:8088", Token: "secret", Index: "main", FlushInterval: 2 * time.Second,
	}}
	syslog := destination.Destination{ID: "siem", Kind: destination.KindSyslog, Syslog: &destination.SyslogParams{
		Host: "10.0.0.1", Port: 514, Protocol: "tcp", Framing: "octet",
	}}

	t.Run("Scenario round trip", func(t *testing.T) {
		c := newCatalog()
		if err := c.PutScenario(ctx, def); err != nil {
			t.Fatalf("PutScenario failed: %v", err)
		}
		got, err := c.GetScenario(ctx, "demo")
		if err != nil {
			t.Fatalf("GetScenario failed: %v", err)
		}
		if got.Name != "Demo" || len(got.Phases) != 2 {
			t.Fatalf("unexpected scenario: %+v", got)
		}
		if got.Phases[1].Duration != def.Phases[1].Duration || got.Phases[1].NoiseRatio != 0.5 {
			t.Errorf("phase not preserved: %+v", got.Phases[1])
		}

		updated := def
		updated.Name = "Renamed"
		if err := c.PutScenario(ctx, updated); err != nil {
			t.Fatalf("PutScenario update failed: %v", err)
		}
		all, err := c.ListScenarios(ctx)
		if err != nil {
			t.Fatalf("ListScenarios failed: %v", err)
		}
		if len(all) != 1 || all[0].Name != "Renamed" {
			t.Errorf("unexpected list: %+v", all)
		}
	})

	t.Run("Invalid scenario rejected", func(t *testing.T) {
		c := newCatalog()
		if err := c.PutScenario(ctx, scenario.Definition{ID: "empty"}); err == nil {
			t.Fatal("expected validation error")
		}
		if _, err := c.GetScenario(ctx, "empty"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Destinations", func(t *testing.T) {
		c := newCatalog()
		for _, d := range []destination.Destination{hec, syslog} {
			if err := c.PutDestination(ctx, d); err != nil {
				t.Fatalf("PutDestination %s failed: %v", d.ID, err)
			}
		}
		got, err := c.GetDestination(ctx, "splunk")
		if err != nil {
			t.Fatalf("GetDestination failed: %v", err)
		}
		if got.HEC == nil || got.HEC.Token != "secret" || got.HEC.FlushInterval != 2*time.Second {
			t.Errorf("hec params not preserved: %+v", got.HEC)
		}

		all, err := c.ListDestinations(ctx)
		if err != nil {
			t.Fatalf("ListDestinations failed: %v", err)
		}
		if len(all) != 2 || all[0].ID != "siem" || all[1].ID != "splunk" {
			t.Errorf("unexpected list: %+v", all)
		}

		if err := c.PutDestination(ctx, destination.Destination{ID: "bad", Kind: "kafka"}); err == nil {
			t.Error("expected validation error for unknown kind")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c := newCatalog()
		if err := c.PutScenario(ctx, def); err != nil {
			t.Fatalf("PutScenario failed: %v", err)
		}
		if err := c.DeleteScenario(ctx, "demo"); err != nil {
			t.Fatalf("DeleteScenario failed: %v", err)
		}
		if err := c.DeleteScenario(ctx, "demo"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
		if err := c.DeleteDestination(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Resolver", func(t *testing.T) {
		c := newCatalog()
		if err := c.PutScenario(ctx, def); err != nil {
			t.Fatalf("PutScenario failed: %v", err)
		}
		r := Resolver{Catalog: c}
		if _, err := r.ResolveScenario(ctx, "demo"); err != nil {
			t.Errorf("ResolveScenario failed: %v", err)
		}
		if _, err := r.ResolveDestination(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
