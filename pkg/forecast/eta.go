// Package forecast estimates when a run will finish from observed progress.
package forecast

import (
	"errors"
	"math"
	"time"
)

var ErrInsufficientHistory = errors.New("insufficient history for prediction")

// Sample is one observation of a run's progress.
type Sample struct {
	Timestamp time.Time
	Done      int64 // emitted + failed
}

// ETA is the estimated time until the remaining events are delivered.
type ETA struct {
	Rate     float64       `json:"rate"` // events per second
	Variance float64       `json:"variance"`
	P50      time.Duration `json:"p50"`
	P90      time.Duration `json:"p90"` // pessimistic: slower-than-fitted rate
	Stalled  bool          `json:"stalled"`
}

// Predict fits done = a + rate*t over history and projects the remaining
// events forward.
func Predict(history []Sample, remaining int64) (ETA, error) {
	if len(history) < 2 {
		return ETA{}, ErrInsufficientHistory
	}
	if remaining <= 0 {
		return ETA{Rate: 0}, nil
	}

	rate, variance, err := slope(history)
	if err != nil {
		return ETA{}, err
	}
	if rate <= 0 {
		return ETA{Rate: rate, Variance: variance, P50: math.MaxInt64, P90: math.MaxInt64, Stalled: true}, nil
	}

	// Residual spread expressed as a rate: a noisy history widens P90.
	span := history[len(history)-1].Timestamp.Sub(history[0].Timestamp).Seconds()
	slow := rate - 1.2816*math.Sqrt(variance)/span
	if slow <= rate/10 {
		slow = rate / 10
	}

	return ETA{
		Rate:     rate,
		Variance: variance,
		P50:      seconds(float64(remaining) / rate),
		P90:      seconds(float64(remaining) / slow),
	}, nil
}

func seconds(s float64) time.Duration {
	if s > float64(math.MaxInt64)/float64(time.Second) {
		return math.MaxInt64
	}
	return time.Duration(s * float64(time.Second))
}

// slope performs least squares regression y = a + bx with x in seconds since
// the first sample.
func slope(history []Sample) (b, variance float64, err error) {
	start := history[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(history))
	for _, p := range history {
		x := p.Timestamp.Sub(start).Seconds()
		y := float64(p.Done)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0, errors.New("no time variation in history")
	}
	b = (n*sumXY - sumX*sumY) / denom
	a := (sumY - b*sumX) / n

	var sumSq float64
	for _, p := range history {
		x := p.Timestamp.Sub(start).Seconds()
		r := float64(p.Done) - (a + b*x)
		sumSq += r * r
	}
	// n - 2 degrees of freedom
	if n > 2 {
		variance = sumSq / (n - 2)
	}
	return b, variance, nil
}

// Window keeps the most recent samples per run.
type Window struct {
	size    int
	samples map[string][]Sample
}

func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{size: size, samples: make(map[string][]Sample)}
}

// Observe records a sample. A drop in Done (a continuous run starting a new
// iteration) resets the history.
func (w *Window) Observe(runID string, s Sample) {
	h := w.samples[runID]
	if n := len(h); n > 0 && s.Done < h[n-1].Done {
		h = h[:0]
	}
	h = append(h, s)
	if len(h) > w.size {
		h = h[len(h)-w.size:]
	}
	w.samples[runID] = h
}

func (w *Window) History(runID string) []Sample {
	return w.samples[runID]
}

// Forget drops runs not in keep.
func (w *Window) Forget(keep map[string]bool) {
	for id := range w.samples {
		if !keep[id] {
			delete(w.samples, id)
		}
	}
}
