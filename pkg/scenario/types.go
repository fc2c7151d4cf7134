package scenario

import (
	"time"
)

// Definition is an immutable multi-phase scenario.
type Definition struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Duration    Duration `json:"duration,omitempty" yaml:"duration,omitempty"` // optional explicit total
	Phases      []Phase  `json:"phases" yaml:"phases"`
}

// Phase is a time-boxed stage of a scenario with its own event volume.
type Phase struct {
	Name         string   `json:"name" yaml:"name"`
	StartOffset  Duration `json:"start_offset" yaml:"start_offset"`
	Duration     Duration `json:"duration" yaml:"duration"`
	EventCount   int      `json:"event_count" yaml:"event_count"`
	GeneratorRef string   `json:"generator_ref" yaml:"generator_ref"`
	NoiseRatio   float64  `json:"noise_ratio,omitempty" yaml:"noise_ratio,omitempty"`

	// Overlap lets this phase interleave with the previous one instead of
	// waiting for its descriptors to be exhausted.
	Overlap bool `json:"overlap,omitempty" yaml:"overlap,omitempty"`
}

// End returns the virtual offset at which the phase ends.
func (p Phase) End() time.Duration {
	return p.StartOffset.Std() + p.Duration.Std()
}

// Interval is the nominal spacing between two events of the phase.
func (p Phase) Interval() time.Duration {
	if p.EventCount <= 0 {
		return 0
	}
	return p.Duration.Std() / time.Duration(p.EventCount)
}

// TotalDuration is the explicit duration, or the latest phase end.
func (d *Definition) TotalDuration() time.Duration {
	if d.Duration > 0 {
		return d.Duration.Std()
	}
	var end time.Duration
	for _, p := range d.Phases {
		if e := p.End(); e > end {
			end = e
		}
	}
	return end
}

// TotalEvents sums the event counts of all phases.
func (d *Definition) TotalEvents() int {
	n := 0
	for _, p := range d.Phases {
		n += p.EventCount
	}
	return n
}

// GeneratorRefs lists the distinct generator references in declaration order.
func (d *Definition) GeneratorRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, p := range d.Phases {
		if !seen[p.GeneratorRef] {
			seen[p.GeneratorRef] = true
			refs = append(refs, p.GeneratorRef)
		}
	}
	return refs
}
