// Package verify checks a finished run against expected delivery numbers,
// so a scenario replay can gate a CI job.
package verify

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/pulse/pkg/engine"
)

// Expectation is one condition on a run metric.
type Expectation struct {
	Metric    string  `json:"metric" yaml:"metric"`       // delivery_rate, failure_rate, emitted, failed, noise_emitted
	Condition string  `json:"condition" yaml:"condition"` // >, >=, <, <=, ==
	Value     float64 `json:"value" yaml:"value"`
	Scope     string  `json:"scope,omitempty" yaml:"scope,omitempty"` // "global" or a phase name
}

type Result struct {
	Metric   string `json:"metric"`
	Scope    string `json:"scope"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
}

// Default expects every scheduled event to have been delivered.
func Default() []Expectation {
	return []Expectation{{Metric: "delivery_rate", Condition: ">=", Value: 1, Scope: "global"}}
}

// LoadFile reads a YAML list of expectations.
func LoadFile(path string) ([]Expectation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read expectations: %w", err)
	}
	var exps []Expectation
	if err := yaml.Unmarshal(data, &exps); err != nil {
		return nil, fmt.Errorf("failed to parse expectations %s: %w", path, err)
	}
	for _, e := range exps {
		if _, ok := compare(e.Condition, 0, 0); !ok {
			return nil, fmt.Errorf("%s: unknown condition %q", path, e.Condition)
		}
	}
	return exps, nil
}

type counts struct {
	scheduled, emitted, failed, noise int64
}

// Evaluate checks st against exps. Unknown scopes and metrics fail.
func Evaluate(st engine.RunState, exps []Expectation) []Result {
	out := make([]Result, 0, len(exps))
	for _, e := range exps {
		scope := e.Scope
		if scope == "" {
			scope = "global"
		}
		r := Result{Metric: e.Metric, Scope: scope, Expected: fmt.Sprintf("%s %g", e.Condition, e.Value), Actual: "N/A"}

		c, ok := scopeCounts(st, scope)
		if !ok {
			out = append(out, r)
			continue
		}
		actual, ok := metric(e.Metric, c)
		if !ok {
			out = append(out, r)
			continue
		}
		r.Actual = fmt.Sprintf("%g", round(actual))
		r.Passed, _ = compare(e.Condition, actual, e.Value)
		out = append(out, r)
	}
	return out
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func scopeCounts(st engine.RunState, scope string) (counts, bool) {
	if scope == "global" {
		c := counts{emitted: st.EmittedCount, failed: st.FailedCount, noise: st.NoiseEmitted}
		for _, p := range st.Phases {
			c.scheduled += p.Scheduled
		}
		return c, true
	}
	for _, p := range st.Phases {
		if p.Name == scope {
			return counts{scheduled: p.Scheduled, emitted: p.Emitted, failed: p.Failed}, true
		}
	}
	return counts{}, false
}

func metric(name string, c counts) (float64, bool) {
	switch name {
	case "delivery_rate":
		if c.scheduled == 0 {
			return 0, true
		}
		return float64(c.emitted) / float64(c.scheduled), true
	case "failure_rate":
		if c.scheduled == 0 {
			return 0, true
		}
		return float64(c.failed) / float64(c.scheduled), true
	case "emitted":
		return float64(c.emitted), true
	case "failed":
		return float64(c.failed), true
	case "noise_emitted":
		return float64(c.noise), true
	}
	return 0, false
}

func compare(cond string, actual, want float64) (bool, bool) {
	switch cond {
	case ">":
		return actual > want, true
	case ">=":
		return actual >= want, true
	case "<":
		return actual < want, true
	case "<=":
		return actual <= want, true
	case "==":
		return math.Abs(actual-want) < 0.0001, true
	}
	return false, false
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
