package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Strategy defines how to calculate the next wait time.
type Strategy interface {
	Next(attempt int) time.Duration
}

// Exponential implements exponential backoff with jitter:
// Base * Factor^attempt, capped at Max, then scaled by (1 ± Jitter).
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0.0 to 1.0

	mu   sync.Mutex
	rand *rand.Rand
}

// Default returns the strategy used when a destination does not configure one.
// Base: 200ms, Max: 10s, Factor: 2.0, Jitter: 0.2
func Default() *Exponential {
	return &Exponential{
		Base:   200 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// WithSeed makes the jitter sequence reproducible.
func (b *Exponential) WithSeed(seed int64) *Exponential {
	b.mu.Lock()
	b.rand = rand.New(rand.NewSource(seed))
	b.mu.Unlock()
	return b
}

func (b *Exponential) float() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rand == nil {
		return rand.Float64()
	}
	return b.rand.Float64()
}

// Next calculates the wait duration for the given attempt (0-based).
func (b *Exponential) Next(attempt int) time.Duration {
	if attempt < 0 {
		return b.Base
	}

	delay := float64(b.Base)
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	for i := 0; i < attempt && delay < float64(b.Max); i++ {
		delay *= factor
	}

	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		delay += delay * (b.float()*2 - 1) * b.Jitter
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Schedule hands out the delays for one retried unit of work. Delays never
// decrease from one attempt to the next, even when jitter would pull a later
// attempt below an earlier one.
type Schedule struct {
	strategy Strategy
	attempt  int
	last     time.Duration
}

// NewSchedule starts a fresh schedule.
func NewSchedule(s Strategy) *Schedule {
	return &Schedule{strategy: s}
}

// Next returns the delay before the next attempt.
func (s *Schedule) Next() time.Duration {
	d := s.strategy.Next(s.attempt)
	if d < s.last {
		d = s.last
	}
	s.attempt++
	s.last = d
	return d
}

// Attempt returns how many delays were handed out.
func (s *Schedule) Attempt() int {
	return s.attempt
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
