package scenario

import (
	"fmt"
	"strings"
)

// Validate checks the structural invariants of a scenario definition.
func (d *Definition) Validate() error {
	var problems []string

	if d.ID == "" {
		problems = append(problems, "id is required")
	}
	if len(d.Phases) == 0 {
		problems = append(problems, "at least one phase is required")
	}

	names := make(map[string]bool)
	for i, p := range d.Phases {
		prefix := fmt.Sprintf("phase[%d]", i)
		if p.Name == "" {
			problems = append(problems, prefix+": name is required")
		} else if names[p.Name] {
			problems = append(problems, fmt.Sprintf("%s: duplicate name %q", prefix, p.Name))
		}
		names[p.Name] = true

		if p.EventCount <= 0 {
			problems = append(problems, prefix+": event_count must be > 0")
		}
		if p.Duration < 0 || p.StartOffset < 0 {
			problems = append(problems, prefix+": negative duration or start_offset")
		}
		if p.GeneratorRef == "" {
			problems = append(problems, prefix+": generator_ref is required")
		}
		if p.NoiseRatio < 0 || p.NoiseRatio > 1 {
			problems = append(problems, prefix+": noise_ratio must be within [0,1]")
		}
		if i > 0 && p.StartOffset < d.Phases[i-1].StartOffset {
			problems = append(problems, prefix+": start_offset must not decrease")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid scenario %q: %s", d.ID, strings.Join(problems, "; "))
	}
	return nil
}
