package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/event"
	"github.com/rmax-ai/pulse/pkg/scenario"
	"github.com/rmax-ai/pulse/pkg/sink"
)

// Run is the handle of one scenario execution.
type Run struct {
	id       string
	cfg      RunConfig
	engine   Config
	def      *scenario.Definition
	dest     *destination.Destination
	sink     sink.Sink
	session  sink.Session
	gens     Generators
	logger   *zap.Logger
	state    stateBox
	progress *Reporter
	limiter  *RateLimiter
	tags     TagOptions
	clock    VirtualClock

	// ctx is the stop signal for scheduling and workers. deliveryCtx bounds
	// in-flight deliveries and is cancelled once the grace period expires.
	ctx            context.Context
	cancel         context.CancelFunc
	deliveryCtx    context.Context
	deliveryCancel context.CancelFunc

	cancelOnce  sync.Once
	finished    chan struct{}
	failMu      sync.Mutex
	consecutive int
	processed   int64
}

func newRun(e *Engine, rc RunConfig, def *scenario.Definition, dest *destination.Destination, sk sink.Sink) *Run {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	dctx, dcancel := context.WithCancel(context.Background())

	r := &Run{
		id:             id,
		cfg:            rc,
		engine:         e.cfg,
		def:            def,
		dest:           dest,
		sink:           sk,
		gens:           e.generators,
		logger:         e.logger.With(zap.String("run_id", id), zap.String("scenario", def.ID), zap.String("destination", dest.ID)),
		progress:       NewReporter(e.cfg.ProgressCapacity, e.cfg.ProgressLinger),
		limiter:        NewRateLimiter(rc.EPS),
		tags:           TagOptions{TagPhase: rc.TagPhase, TagTrace: rc.TagTrace, TraceID: rc.TraceID},
		ctx:            ctx,
		cancel:         cancel,
		deliveryCtx:    dctx,
		deliveryCancel: dcancel,
		finished:       make(chan struct{}),
	}

	phases := make([]PhaseState, len(def.Phases))
	for i, p := range def.Phases {
		phases[i] = PhaseState{Name: p.Name, EventCount: p.EventCount}
	}
	r.state.s = RunState{
		RunID:         id,
		ScenarioID:    def.ID,
		DestinationID: dest.ID,
		TraceID:       rc.TraceID,
		Status:        StatusPending,
		Phases:        phases,
	}
	return r
}

// open attaches the run to its destination.
func (r *Run) open() error {
	sess, err := r.sink.Open(sink.SessionOptions{
		RunID:  r.id,
		Notify: r.progress.Publish,
		Degraded: func(degraded bool) {
			r.state.update(func(s *RunState) { s.Degraded = degraded })
		},
	})
	if err != nil {
		return err
	}
	r.session = sess
	return nil
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Config returns the effective run configuration, including a generated
// trace id.
func (r *Run) Config() RunConfig {
	return r.cfg
}

// Scenario returns the scenario being executed.
func (r *Run) Scenario() *scenario.Definition {
	return r.def
}

// Status returns the latest state. It never blocks on the pipeline.
func (r *Run) Status() RunState {
	return r.state.snapshot()
}

// Cancel requests a cooperative stop. The status is cancelling right away.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		if r.state.transition(StatusCancelling, "") {
			r.logger.Info("run cancellation requested")
			r.progress.Publish("cancellation requested")
			r.cancel()
		}
	})
}

// Done is closed once the run reached a terminal state and released its
// resources.
func (r *Run) Done() <-chan struct{} {
	return r.finished
}

// Wait blocks until the run is over or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DetachProgress tells the run nobody will read its progress stream.
func (r *Run) DetachProgress() {
	r.progress.Detach()
}

func (r *Run) launch() {
	start := time.Now()
	var base time.Time
	if r.cfg.VirtualStart != nil {
		base = *r.cfg.VirtualStart
	}
	r.clock = NewVirtualClock(start, base, r.cfg.TimeCompression)

	r.state.update(func(s *RunState) { s.StartedAt = start.UTC() })
	r.state.transition(StatusRunning, "")
	ActiveRuns.Inc()

	r.logger.Info("run started",
		zap.Int("workers", r.cfg.Workers),
		zap.Float64("eps", r.cfg.EPS),
		zap.Float64("time_compression", r.cfg.TimeCompression),
		zap.Bool("continuous", r.cfg.Continuous),
	)
	r.progress.Publishf("run %s started: scenario=%s destination=%s phases=%d events=%d",
		r.id, r.def.ID, r.dest.ID, len(r.def.Phases), r.def.TotalEvents())

	go r.watchGrace()
	go r.execute()
}

// watchGrace abandons in-flight deliveries once the run has been stopped
// for longer than the grace period.
func (r *Run) watchGrace() {
	select {
	case <-r.ctx.Done():
	case <-r.finished:
		return
	}
	t := time.NewTimer(r.engine.CancelGrace)
	defer t.Stop()
	select {
	case <-t.C:
		r.logger.Warn("grace period expired, abandoning in-flight deliveries")
		r.deliveryCancel()
	case <-r.finished:
	}
}

func (r *Run) execute() {
	defer close(r.finished)
	defer r.deliveryCancel()
	defer ActiveRuns.Dec()

	seed := r.cfg.Seed
	if seed == 0 {
		seed = SeedFor(r.cfg.TraceID)
	}
	sched := NewScheduler(SchedulerConfig{
		Scenario:      r.def,
		Clock:         r.clock,
		Seed:          seed,
		TraceID:       r.cfg.TraceID,
		GenerateNoise: r.cfg.GenerateNoise,
		NoiseCount:    r.cfg.NoiseCount,
		Continuous:    r.cfg.Continuous,
		Resolve: func(ref string) error {
			_, err := r.gens.Lookup(ref)
			return err
		},
		Hooks: SchedulerHooks{
			PhaseStarted: r.phaseStarted,
			PhaseDone:    r.phaseDone,
			Scheduled:    r.scheduled,
			Backpressure: SchedulerBackpressureTotal.Inc,
		},
	})

	queue := make(chan Descriptor, r.engine.QueueDepth)
	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		defer close(queue)
		return sched.Run(gctx, queue)
	})
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			r.work(gctx, queue)
			return nil
		})
	}
	schedErr := g.Wait()

	if err := r.session.Close(r.deliveryCtx); err != nil {
		r.logger.Warn("sink session closed with pending deliveries", zap.Error(err))
	}
	r.finish(schedErr)
}

func (r *Run) finish(schedErr error) {
	var schedFailure *SchedulingError
	switch {
	case errors.As(schedErr, &schedFailure):
		r.state.transition(StatusFailed, schedFailure.Error())
	default:
		r.state.finalize()
	}

	st := r.state.snapshot()
	RunsTotal.WithLabelValues(string(st.Status)).Inc()
	r.logger.Info("run finished",
		zap.String("status", string(st.Status)),
		zap.Int64("emitted", st.EmittedCount),
		zap.Int64("failed", st.FailedCount),
		zap.String("error", st.Error),
	)
	if st.Status == StatusFailed {
		r.progress.Errorf("run %s failed: %s", r.id, st.Error)
	}
	r.progress.Publishf("run %s %s: emitted=%d failed=%d", r.id, st.Status, st.EmittedCount, st.FailedCount)
	r.progress.Close()
}

// abort moves the run to failed and stops scheduling. Remaining
// descriptors are discarded.
func (r *Run) abort(err error) {
	if r.state.transition(StatusFailed, err.Error()) {
		r.logger.Error("aborting run", zap.Error(err))
		r.cancel()
	}
}

func (r *Run) phaseStarted(index int, p scenario.Phase, iteration int) {
	r.state.update(func(s *RunState) {
		s.PhaseIndex = index
		s.PhaseName = p.Name
		s.Iteration = iteration
		if iteration > 0 {
			s.Phases[index].Done = false
		}
	})
	r.progress.Publishf("phase %d/%d %s started: %d events over %s",
		index+1, len(r.def.Phases), p.Name, p.EventCount, p.Duration)
}

func (r *Run) phaseDone(index int, p scenario.Phase, iteration int) {
	r.state.update(func(s *RunState) { s.Phases[index].Done = true })
	r.progress.Publishf("phase %s scheduled", p.Name)
}

func (r *Run) scheduled(d Descriptor) {
	if d.Noise() {
		return
	}
	r.state.update(func(s *RunState) { s.Phases[d.Spec.PhaseIndex].Scheduled++ })
}

// recordOutcome books one event result. Consecutive failures are counted per
// delivery unit; crossing the threshold aborts the run.
func (r *Run) recordOutcome(d Descriptor, err error, unitEnd bool) {
	phase := d.Spec.Phase
	r.state.update(func(s *RunState) {
		switch {
		case d.Noise() && err == nil:
			s.NoiseEmitted++
			s.EmittedCount++
		case d.Noise():
			s.NoiseFailed++
			s.FailedCount++
		case err == nil:
			s.Phases[d.Spec.PhaseIndex].Emitted++
			s.EmittedCount++
		default:
			s.Phases[d.Spec.PhaseIndex].Failed++
			s.FailedCount++
		}
	})

	if err == nil {
		EventsEmittedTotal.WithLabelValues(r.dest.ID, phase).Inc()
	} else {
		EventsFailedTotal.WithLabelValues(r.dest.ID, failureReason(err)).Inc()
	}

	var generatorErr *GeneratorError
	if err != nil && !errors.As(err, &generatorErr) && unitEnd {
		r.progress.Errorf("delivery failed (phase %s): %v", phase, err)
	}

	r.failMu.Lock()
	if unitEnd {
		if err != nil {
			r.consecutive++
		} else {
			r.consecutive = 0
		}
	}
	tripped := r.consecutive > r.engine.AbortThreshold
	r.processed++
	report := r.processed%int64(r.engine.ProgressEvery) == 0
	r.failMu.Unlock()

	if tripped {
		r.abort(fmt.Errorf("%w: %d consecutive delivery failures", ErrDestinationDown, r.engine.AbortThreshold+1))
	}
	if report {
		st := r.state.snapshot()
		r.progress.Publishf("progress: phase=%s emitted=%d failed=%d", st.PhaseName, st.EmittedCount, st.FailedCount)
	}
}

func failureReason(err error) string {
	var generatorErr *GeneratorError
	switch {
	case errors.As(err, &generatorErr):
		return "generator"
	case errors.Is(err, sink.ErrCircuitOpen):
		return "circuit_open"
	case sink.IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}

// newEvent builds the untagged event for a descriptor.
func (r *Run) newEvent(d Descriptor, payload []byte, sourceType string) event.Event {
	return event.Event{
		ID:          uuid.NewString(),
		RunID:       r.id,
		ScheduledAt: d.Spec.ScheduledAt,
		PhaseName:   d.Spec.Phase,
		PhaseIndex:  d.Spec.PhaseIndex,
		SourceType:  sourceType,
		Payload:     payload,
	}
}
