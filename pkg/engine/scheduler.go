package engine

import (
	"container/heap"
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/rmax-ai/pulse/pkg/event"
	"github.com/rmax-ai/pulse/pkg/generator"
	"github.com/rmax-ai/pulse/pkg/scenario"
)

const (
	// DefaultSeed drives jitter when a run has no trace id.
	DefaultSeed int64 = 0x5eed

	// JitterFraction bounds the per-event jitter as a fraction of the
	// phase interval.
	JitterFraction = 0.2
)

// NoiseIndex is the phase index carried by noise descriptors.
const NoiseIndex = -1

// Descriptor is one scheduled event: what to generate and when.
type Descriptor struct {
	Spec     generator.Spec
	Offset   time.Duration // virtual offset from run start
	Deadline time.Time     // real emission time
}

// Noise reports whether the descriptor belongs to the noise stream.
func (d Descriptor) Noise() bool {
	return d.Spec.PhaseIndex == NoiseIndex
}

// SeedFor derives the jitter seed from a trace id.
func SeedFor(traceID string) int64 {
	if traceID == "" {
		return DefaultSeed
	}
	h := fnv.New64a()
	h.Write([]byte(traceID))
	return int64(h.Sum64())
}

// SchedulerHooks observe scheduling progress. All fields are optional.
type SchedulerHooks struct {
	PhaseStarted func(index int, phase scenario.Phase, iteration int)
	PhaseDone    func(index int, phase scenario.Phase, iteration int)
	Scheduled    func(d Descriptor)
	Backpressure func()
}

// Scheduler turns a scenario into a lazy stream of descriptors.
type Scheduler struct {
	def        *scenario.Definition
	clock      VirtualClock
	seed       int64
	traceID    string
	noise      bool
	noiseCount int
	continuous bool
	resolve    func(ref string) error
	hooks      SchedulerHooks
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Scenario      *scenario.Definition
	Clock         VirtualClock
	Seed          int64
	TraceID       string
	GenerateNoise bool
	NoiseCount    int
	Continuous    bool

	// Resolve checks a phase's generator when the phase starts. A failure
	// aborts scheduling with a SchedulingError.
	Resolve func(ref string) error
	Hooks   SchedulerHooks
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		def:        cfg.Scenario,
		clock:      cfg.Clock,
		seed:       cfg.Seed,
		traceID:    cfg.TraceID,
		noise:      cfg.GenerateNoise,
		noiseCount: cfg.NoiseCount,
		continuous: cfg.Continuous,
		resolve:    cfg.Resolve,
		hooks:      cfg.Hooks,
	}
}

// Run emits descriptors into out, waiting for each deadline. A full out is
// backpressure: Run blocks until a worker takes a descriptor. It returns nil
// when the scenario is exhausted, ctx.Err() on cancellation, or a
// *SchedulingError.
func (s *Scheduler) Run(ctx context.Context, out chan<- Descriptor) error {
	for iter := 0; ; iter++ {
		if err := s.runIteration(ctx, iter, out); err != nil {
			return err
		}
		if !s.continuous {
			return nil
		}
	}
}

// Plan materializes one iteration's descriptors in emission order without
// waiting. Deadlines are computed from the clock.
func (s *Scheduler) Plan(iteration int) []Descriptor {
	var plan []Descriptor
	s.walk(iteration, func(d Descriptor) bool {
		plan = append(plan, d)
		return true
	}, nil, nil)
	return plan
}

func (s *Scheduler) runIteration(ctx context.Context, iter int, out chan<- Descriptor) error {
	var runErr error
	emit := func(d Descriptor) bool {
		if err := waitUntil(ctx, d.Deadline); err != nil {
			runErr = err
			return false
		}
		if err := s.offer(out, d); err == ErrCapacity {
			if s.hooks.Backpressure != nil {
				s.hooks.Backpressure()
			}
			select {
			case out <- d:
			case <-ctx.Done():
				runErr = ctx.Err()
				return false
			}
		}
		if s.hooks.Scheduled != nil {
			s.hooks.Scheduled(d)
		}
		return true
	}
	groupStart := func(indexes []int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, i := range indexes {
			p := s.def.Phases[i]
			if s.resolve != nil {
				if err := s.resolve(p.GeneratorRef); err != nil {
					return &SchedulingError{Phase: p.Name, Err: err}
				}
			}
			if s.hooks.PhaseStarted != nil {
				s.hooks.PhaseStarted(i, p, iter)
			}
		}
		return nil
	}

	groupDone := func(indexes []int) {
		if s.hooks.PhaseDone == nil {
			return
		}
		for _, i := range indexes {
			s.hooks.PhaseDone(i, s.def.Phases[i], iter)
		}
	}

	if err := s.walk(iter, emit, groupStart, groupDone); err != nil {
		return err
	}
	return runErr
}

// offer is a non-blocking send.
func (s *Scheduler) offer(out chan<- Descriptor, d Descriptor) error {
	select {
	case out <- d:
		return nil
	default:
		return ErrCapacity
	}
}

// walk visits descriptors in emission order: phase groups in declaration
// order (a group is a phase plus any following phases marked overlap),
// each group merged by target time, with the run-wide noise stream merged
// in by time. visit returning false stops the walk.
func (s *Scheduler) walk(iter int, visit func(Descriptor) bool, groupStart func([]int) error, groupDone func([]int)) error {
	base := time.Duration(iter) * s.def.TotalDuration()
	noise := s.globalNoise(iter, base)

	for _, group := range s.groups() {
		if groupStart != nil {
			if err := groupStart(group); err != nil {
				return err
			}
		}

		m := &mergeStream{}
		for _, i := range group {
			m.add(s.phaseStream(iter, base, i))
			if n := s.phaseNoise(iter, base, i); n != nil {
				m.add(n)
			}
		}

		for {
			d, ok := m.peek()
			if !ok {
				break
			}
			// Global noise due before the next phase event goes first.
			if nd, ok := noise.peek(); ok && nd.Offset <= d.Offset {
				noise.pop()
				if !visit(nd) {
					return nil
				}
				continue
			}
			m.pop()
			if !visit(d) {
				return nil
			}
		}

		if groupDone != nil {
			groupDone(group)
		}
	}

	for {
		nd, ok := noise.peek()
		if !ok {
			return nil
		}
		noise.pop()
		if !visit(nd) {
			return nil
		}
	}
}

func (s *Scheduler) groups() [][]int {
	var groups [][]int
	for i, p := range s.def.Phases {
		if i > 0 && p.Overlap {
			groups[len(groups)-1] = append(groups[len(groups)-1], i)
			continue
		}
		groups = append(groups, []int{i})
	}
	return groups
}

func (s *Scheduler) rng(iter, stream int) *rand.Rand {
	return rand.New(rand.NewSource(s.seed ^ int64(iter)<<40 ^ int64(stream+2)*1_000_003))
}

func (s *Scheduler) phaseStream(iter int, base time.Duration, index int) *seqStream {
	p := s.def.Phases[index]
	return &seqStream{
		s:        s,
		rnd:      s.rng(iter, index),
		iter:     iter,
		order:    index,
		count:    p.EventCount,
		start:    base + p.StartOffset.Std(),
		interval: p.Interval(),
		ref:      p.GeneratorRef,
		phase:    p.Name,
		index:    index,
	}
}

// phaseNoise covers the phase window with noise_ratio * event_count noise
// descriptors. Only active when noise generation is enabled.
func (s *Scheduler) phaseNoise(iter int, base time.Duration, index int) *seqStream {
	p := s.def.Phases[index]
	if !s.noise || p.NoiseRatio <= 0 {
		return nil
	}
	n := int(math.Round(p.NoiseRatio * float64(p.EventCount)))
	if n == 0 {
		return nil
	}
	return &seqStream{
		s:        s,
		rnd:      s.rng(iter, len(s.def.Phases)+index),
		iter:     iter,
		order:    len(s.def.Phases) + index,
		count:    n,
		start:    base + p.StartOffset.Std(),
		interval: p.Duration.Std() / time.Duration(n),
		ref:      generator.NoiseRef,
		phase:    event.NoisePhase,
		index:    NoiseIndex,
	}
}

func (s *Scheduler) globalNoise(iter int, base time.Duration) *seqStream {
	total := s.def.TotalDuration()
	count := 0
	if s.noise {
		count = s.noiseCount
	}
	var interval time.Duration
	if count > 0 {
		interval = total / time.Duration(count)
	}
	return &seqStream{
		s:        s,
		rnd:      s.rng(iter, -1),
		iter:     iter,
		order:    -1,
		count:    count,
		start:    base,
		interval: interval,
		ref:      generator.NoiseRef,
		phase:    event.NoisePhase,
		index:    NoiseIndex,
	}
}

// seqStream lazily yields count evenly spaced, jittered descriptors.
type seqStream struct {
	s        *Scheduler
	rnd      *rand.Rand
	iter     int
	order    int
	count    int
	i        int
	start    time.Duration
	interval time.Duration
	ref      string
	phase    string
	index    int

	cached bool
	next   Descriptor
}

func (q *seqStream) peek() (Descriptor, bool) {
	if q.i >= q.count {
		return Descriptor{}, false
	}
	if !q.cached {
		q.next = q.build(q.i)
		q.cached = true
	}
	return q.next, true
}

func (q *seqStream) pop() {
	q.i++
	q.cached = false
}

func (q *seqStream) build(i int) Descriptor {
	jitter := time.Duration((q.rnd.Float64()*2 - 1) * JitterFraction * float64(q.interval))
	offset := q.start + time.Duration(i)*q.interval + jitter
	if offset < q.start {
		offset = q.start
	}
	return Descriptor{
		Spec: generator.Spec{
			Ref:         q.ref,
			Phase:       q.phase,
			PhaseIndex:  q.index,
			Sequence:    i,
			ScheduledAt: q.s.clock.At(offset),
			TraceID:     q.s.traceID,
			Seed:        q.s.seed,
		},
		Offset:   offset,
		Deadline: q.s.clock.Deadline(offset),
	}
}

// mergeStream merges seqStreams by offset; ties go to the lower order
// (declaration order).
type mergeStream struct {
	h streamHeap
}

func (m *mergeStream) add(q *seqStream) {
	if _, ok := q.peek(); ok {
		heap.Push(&m.h, q)
	}
}

func (m *mergeStream) peek() (Descriptor, bool) {
	if len(m.h) == 0 {
		return Descriptor{}, false
	}
	return m.h[0].peek()
}

func (m *mergeStream) pop() {
	q := m.h[0]
	q.pop()
	if _, ok := q.peek(); ok {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
}

type streamHeap []*seqStream

func (h streamHeap) Len() int { return len(h) }
func (h streamHeap) Less(i, j int) bool {
	a, _ := h[i].peek()
	b, _ := h[j].peek()
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return h[i].order < h[j].order
}
func (h streamHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *streamHeap) Push(x interface{}) { *h = append(*h, x.(*seqStream)) }
func (h *streamHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
