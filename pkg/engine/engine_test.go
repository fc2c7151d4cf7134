package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/event"
	"github.com/rmax-ai/pulse/pkg/generator"
	"github.com/rmax-ai/pulse/pkg/scenario"
	"github.com/rmax-ai/pulse/pkg/sink"
)

func TestStart_Validation(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(singlePhase("s1", 10, time.Second))
	cat.addDestination(testDest)

	bad := scenario.Definition{ID: "broken"}
	cat.addScenario(bad)

	e := newTestEngine(t, Config{MaxWorkers: 8, MaxEPS: 100}, cat, &fakeSink{}, nil)

	tests := []struct {
		name  string
		cfg   RunConfig
		field string
	}{
		{"missing scenario", RunConfig{DestinationID: "dest", Workers: 1, EPS: 10}, "scenario_id"},
		{"unknown scenario", RunConfig{ScenarioID: "nope", DestinationID: "dest", Workers: 1, EPS: 10}, "scenario_id"},
		{"invalid scenario", RunConfig{ScenarioID: "broken", DestinationID: "dest", Workers: 1, EPS: 10}, "scenario_id"},
		{"unknown destination", RunConfig{ScenarioID: "s1", DestinationID: "nope", Workers: 1, EPS: 10}, "destination_id"},
		{"zero workers", RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 0, EPS: 10}, "workers"},
		{"too many workers", RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 9, EPS: 10}, "workers"},
		{"zero eps", RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 1, EPS: 0}, "eps"},
		{"eps above max", RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 1, EPS: 101}, "eps"},
		{"negative noise", RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 1, EPS: 10, NoiseCount: -1}, "noise_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, lines, err := e.Start(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Nil(t, run)
			assert.Nil(t, lines)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %T", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Empty(t, e.Runs())
}

func TestRun_CompletesWithinExpectedWallClock(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(singlePhase("s1", 100, 2*time.Second))
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{}, cat, fs, nil)

	start := time.Now()
	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 4, EPS: 50})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status().Status)
	progress := drain(lines)

	st := waitRun(t, run, 10*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.EqualValues(t, 100, st.EmittedCount)
	assert.EqualValues(t, 0, st.FailedCount)
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
	assert.Less(t, elapsed, 3500*time.Millisecond)
	require.NotNil(t, st.FinishedAt)

	all := <-progress
	require.NotEmpty(t, all)
	assert.Contains(t, all[len(all)-1], "completed")
}

func TestRun_RateLimitPacesCompressedScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("paces 1000 events at 50 eps")
	}
	const (
		eps    = 50
		events = 1050
	)
	cat := newMemCatalog()
	cat.addScenario(singlePhase("burst", events, time.Second))
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{}, cat, fs, nil)

	run, lines, err := e.Start(context.Background(), RunConfig{
		ScenarioID: "burst", DestinationID: "dest", Workers: 8, EPS: eps, TimeCompression: 1000,
	})
	require.NoError(t, err)
	drain(lines)

	st := waitRun(t, run, 40*time.Second)
	require.Equal(t, StatusCompleted, st.Status)
	require.EqualValues(t, events, st.EmittedCount)

	_, times := fs.delivered()
	require.Len(t, times, events)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	// The first eps deliveries drain the initial bucket.
	paced := times[eps:]
	avg := paced[len(paced)-1].Sub(paced[0]) / time.Duration(len(paced)-1)
	want := time.Second / eps
	assert.InDelta(t, float64(want), float64(avg), float64(want)/10, "average interval %v", avg)
}

func TestRun_PhaseCountsAddUpWithGeneratorFailures(t *testing.T) {
	gens := generator.Builtins()
	gens.Register("flaky", generator.Func{Type: "flaky", Fn: func(_ context.Context, spec generator.Spec) ([]byte, error) {
		if spec.Sequence%5 == 0 {
			return nil, errors.New("template error")
		}
		return []byte("ok"), nil
	}})

	def := scenario.Definition{
		ID: "multi",
		Phases: []scenario.Phase{
			{Name: "one", Duration: scenario.Duration(time.Hour), EventCount: 50, GeneratorRef: "flaky"},
			{Name: "two", StartOffset: scenario.Duration(time.Hour), Duration: scenario.Duration(time.Hour), EventCount: 30, GeneratorRef: "windows_security"},
		},
	}
	cat := newMemCatalog()
	cat.addScenario(def)
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{}, cat, fs, gens)

	// Two virtual hours in roughly 100ms.
	run, lines, err := e.Start(context.Background(), RunConfig{
		ScenarioID: "multi", DestinationID: "dest", Workers: 3, EPS: 5000, TimeCompression: 72000,
	})
	require.NoError(t, err)
	drain(lines)

	st := waitRun(t, run, 10*time.Second)
	assert.Equal(t, StatusCompleted, st.Status)
	for i, p := range st.Phases {
		assert.EqualValues(t, def.Phases[i].EventCount, p.Emitted+p.Failed, p.Name)
		assert.EqualValues(t, def.Phases[i].EventCount, p.Scheduled, p.Name)
		assert.True(t, p.Done)
	}
	assert.EqualValues(t, 10, st.Phases[0].Failed)
	assert.EqualValues(t, 10, st.FailedCount)
	assert.EqualValues(t, 70, st.EmittedCount)
}

func TestRun_TagsEveryEvent(t *testing.T) {
	def := scenario.Definition{
		ID: "tagged",
		Phases: []scenario.Phase{
			{Name: "recon", Duration: scenario.Duration(time.Minute), EventCount: 20, GeneratorRef: "fortinet_fortigate"},
			{Name: "impact", StartOffset: scenario.Duration(time.Minute), Duration: scenario.Duration(time.Minute), EventCount: 20, GeneratorRef: "crowdstrike_falcon"},
		},
	}
	cat := newMemCatalog()
	cat.addScenario(def)
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{}, cat, fs, nil)

	run, lines, err := e.Start(context.Background(), RunConfig{
		ScenarioID: "tagged", DestinationID: "dest", Workers: 4, EPS: 5000,
		TagPhase: true, TagTrace: true, TimeCompression: 6000,
		GenerateNoise: true, NoiseCount: 10,
	})
	require.NoError(t, err)
	drain(lines)

	traceID := run.Config().TraceID
	require.NotEmpty(t, traceID)

	st := waitRun(t, run, 10*time.Second)
	require.Equal(t, StatusCompleted, st.Status)
	assert.EqualValues(t, 10, st.NoiseEmitted)
	assert.Equal(t, traceID, st.TraceID)

	events, _ := fs.delivered()
	require.Len(t, events, 50)
	for _, ev := range events {
		assert.Equal(t, traceID, ev.TraceID)
		assert.Equal(t, traceID, ev.Meta[event.FieldTraceID])
		assert.Equal(t, ev.PhaseName, ev.Meta[event.FieldPhase])
		assert.NotEmpty(t, ev.Meta[event.FieldTimestamp])
		if ev.PhaseIndex == NoiseIndex {
			assert.Equal(t, event.NoisePhase, ev.PhaseName)
		} else {
			assert.Equal(t, def.Phases[ev.PhaseIndex].Name, ev.PhaseName)
		}
	}
}

func TestRun_UntaggedEventsCarryNoMetadata(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(singlePhase("s1", 10, time.Second))
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{}, cat, fs, nil)

	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 2, EPS: 1000, TimeCompression: 100})
	require.NoError(t, err)
	drain(lines)
	waitRun(t, run, 5*time.Second)

	events, _ := fs.delivered()
	require.Len(t, events, 10)
	for _, ev := range events {
		assert.Empty(t, ev.TraceID)
		assert.Nil(t, ev.Meta)
	}
}

func TestRun_Cancel(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(scenario.Definition{
		ID: "long",
		Phases: []scenario.Phase{
			{Name: "one", Duration: scenario.Duration(10 * time.Second), EventCount: 1000, GeneratorRef: "noise"},
			{Name: "two", StartOffset: scenario.Duration(10 * time.Second), Duration: scenario.Duration(10 * time.Second), EventCount: 1000, GeneratorRef: "noise"},
		},
	})
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{CancelGrace: time.Second}, cat, fs, nil)

	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "long", DestinationID: "dest", Workers: 4, EPS: 1000})
	require.NoError(t, err)
	progress := drain(lines)

	time.Sleep(300 * time.Millisecond)
	cancelAt := time.Now()
	require.NoError(t, e.Cancel(run.ID()))
	assert.Equal(t, StatusCancelling, run.Status().Status)

	// Second cancel is a no-op.
	run.Cancel()

	st := waitRun(t, run, 5*time.Second)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Equal(t, 0, st.PhaseIndex, "no new phase may start after cancel")
	assert.False(t, st.Phases[1].Done)
	assert.Zero(t, st.Phases[1].Scheduled)

	_, times := fs.delivered()
	for _, ts := range times {
		assert.False(t, ts.After(cancelAt.Add(50*time.Millisecond)), "event delivered after cancellation")
	}

	all := <-progress
	assert.Contains(t, strings.Join(all, "\n"), "cancelled")

	// Terminal state is final.
	run.Cancel()
	assert.Equal(t, StatusCancelled, run.Status().Status)
}

func TestRun_AbortsAfterConsecutiveFailures(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(singlePhase("s1", 500, 5*time.Second))
	cat.addDestination(testDest)
	fs := &fakeSink{fail: func(event.Event) error {
		return &sink.DeliveryError{Destination: "dest", Err: errors.New("connection refused")}
	}}
	e := newTestEngine(t, Config{AbortThreshold: 5}, cat, fs, nil)

	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 2, EPS: 1000, TimeCompression: 10})
	require.NoError(t, err)
	progress := drain(lines)

	st := waitRun(t, run, 5*time.Second)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, ErrDestinationDown.Error())
	assert.GreaterOrEqual(t, st.FailedCount, int64(6))
	assert.Less(t, st.FailedCount, int64(500))
	assert.Zero(t, st.EmittedCount)

	var errorLines int
	for _, l := range <-progress {
		if strings.HasPrefix(l, "ERROR") {
			errorLines++
		}
	}
	assert.Positive(t, errorLines)
}

func TestRun_FailureStreakResetsOnSuccess(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(singlePhase("s1", 200, time.Second))
	cat.addDestination(testDest)

	var n atomic.Int64
	fs := &fakeSink{fail: func(event.Event) error {
		// Two failures out of every three events never exceeds the threshold.
		if n.Add(1)%3 != 0 {
			return &sink.DeliveryError{Destination: "dest", Permanent: true, StatusCode: 400}
		}
		return nil
	}}
	e := newTestEngine(t, Config{AbortThreshold: 3}, cat, fs, nil)

	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 1, EPS: 5000, TimeCompression: 10})
	require.NoError(t, err)
	drain(lines)

	st := waitRun(t, run, 5*time.Second)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Positive(t, st.FailedCount)
	assert.EqualValues(t, 200, st.EmittedCount+st.FailedCount)
}

func TestRun_UnresolvableGeneratorFailsRun(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(scenario.Definition{
		ID: "bad-ref",
		Phases: []scenario.Phase{
			{Name: "ok", Duration: scenario.Duration(time.Second), EventCount: 10, GeneratorRef: "noise"},
			{Name: "broken", StartOffset: scenario.Duration(time.Second), Duration: scenario.Duration(time.Second), EventCount: 10, GeneratorRef: "does_not_exist"},
		},
	})
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{}, cat, fs, nil)

	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "bad-ref", DestinationID: "dest", Workers: 2, EPS: 1000, TimeCompression: 100})
	require.NoError(t, err)
	drain(lines)

	st := waitRun(t, run, 5*time.Second)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, "broken")
	assert.True(t, st.Phases[0].Done)
	assert.Zero(t, st.Phases[1].Scheduled)
}

func TestRun_FourteenDayCampaignCompressed(t *testing.T) {
	heist, ok := scenario.Preset("operation_digital_heist")
	require.True(t, ok)

	cat := newMemCatalog()
	cat.addScenario(heist)
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{}, cat, fs, nil)

	// 14 virtual days in about 300ms of wall clock.
	compression := float64(14*scenario.Day) / float64(300*time.Millisecond)
	start := time.Now()
	run, lines, err := e.Start(context.Background(), RunConfig{
		ScenarioID: heist.ID, DestinationID: "dest", Workers: 8, EPS: 10000, TimeCompression: compression, TagPhase: true,
	})
	require.NoError(t, err)
	drain(lines)

	st := waitRun(t, run, 10*time.Second)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.EqualValues(t, heist.TotalEvents(), st.EmittedCount)
	assert.Less(t, time.Since(start), 3*time.Second)

	// Virtual timestamps still span the campaign.
	events, _ := fs.delivered()
	var first, last time.Time
	for _, ev := range events {
		if first.IsZero() || ev.ScheduledAt.Before(first) {
			first = ev.ScheduledAt
		}
		if ev.ScheduledAt.After(last) {
			last = ev.ScheduledAt
		}
	}
	assert.Greater(t, last.Sub(first), 13*scenario.Day)
}

func TestRun_ContinuousLoopsUntilCancelled(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(singlePhase("loop", 5, 50*time.Millisecond))
	cat.addDestination(testDest)
	fs := &fakeSink{}
	e := newTestEngine(t, Config{}, cat, fs, nil)

	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "loop", DestinationID: "dest", Workers: 1, EPS: 1000, Continuous: true})
	require.NoError(t, err)
	drain(lines)

	require.Eventually(t, func() bool {
		st := run.Status()
		return st.Iteration >= 2 && st.EmittedCount > 10
	}, 5*time.Second, 10*time.Millisecond)
	run.Cancel()

	st := waitRun(t, run, 5*time.Second)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Greater(t, st.EmittedCount, int64(10))
	assert.GreaterOrEqual(t, st.Iteration, 2)
}

func TestRun_HECDestinationDown(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hec := destination.Destination{ID: "splunk", Kind: destination.KindHEC, HEC: &destination.HECParams{
		URL: srv.URL, Token: "t", MaxCount: 5, FlushInterval: 20 * time.Millisecond,
		MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BreakerFailures: 100,
	}}
	cat := newMemCatalog()
	cat.addScenario(singlePhase("s1", 1000, 2*time.Second))
	cat.addDestination(hec)

	sinks := sink.NewRegistry(zap.NewNop())
	defer sinks.Close()
	e := New(Config{AbortThreshold: 3}, cat, sinks, generator.Builtins(), zap.NewNop())

	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "s1", DestinationID: "splunk", Workers: 4, EPS: 2000, TimeCompression: 4})
	require.NoError(t, err)
	drain(lines)

	st := waitRun(t, run, 10*time.Second)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Zero(t, st.EmittedCount)
	assert.GreaterOrEqual(t, st.FailedCount, int64(4*5))
	assert.Less(t, st.FailedCount, int64(1000))
	assert.Positive(t, requests.Load())
}

func TestRun_HECEndToEnd(t *testing.T) {
	var lines atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lines.Add(int64(strings.Count(string(body), "\n")))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cat := newMemCatalog()
	cat.addScenario(singlePhase("s1", 200, time.Second))
	cat.addDestination(destination.Destination{ID: "splunk", Kind: destination.KindHEC, HEC: &destination.HECParams{
		URL: srv.URL, Token: "t", MaxCount: 50, FlushInterval: 50 * time.Millisecond,
	}})

	sinks := sink.NewRegistry(zap.NewNop())
	defer sinks.Close()
	e := New(Config{}, cat, sinks, generator.Builtins(), zap.NewNop())

	run, progress, err := e.Start(context.Background(), RunConfig{ScenarioID: "s1", DestinationID: "splunk", Workers: 4, EPS: 2000, TimeCompression: 5, TagTrace: true})
	require.NoError(t, err)
	drain(progress)

	st := waitRun(t, run, 10*time.Second)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.EqualValues(t, 200, st.EmittedCount)
	assert.EqualValues(t, 200, lines.Load())
}

func TestEngine_StatusAndRuns(t *testing.T) {
	cat := newMemCatalog()
	cat.addScenario(singlePhase("s1", 5, 100*time.Millisecond))
	cat.addDestination(testDest)
	e := newTestEngine(t, Config{}, cat, &fakeSink{}, nil)

	_, err := e.Status("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, e.Cancel("missing"), ErrRunNotFound)

	run, lines, err := e.Start(context.Background(), RunConfig{ScenarioID: "s1", DestinationID: "dest", Workers: 1, EPS: 100})
	require.NoError(t, err)
	drain(lines)
	waitRun(t, run, 5*time.Second)

	st, err := e.Status(run.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)

	all := e.Runs()
	require.Len(t, all, 1)
	assert.Equal(t, run.ID(), all[0].RunID)
}
