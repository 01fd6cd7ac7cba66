package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// ExperimentStatus represents the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusPaused    ExperimentStatus = "paused"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusArchived  ExperimentStatus = "archived"
)

// statusTransitions lists the allowed next states for each status.
var statusTransitions = map[ExperimentStatus][]ExperimentStatus{
	ExperimentStatusDraft:     {ExperimentStatusRunning, ExperimentStatusArchived},
	ExperimentStatusRunning:   {ExperimentStatusPaused, ExperimentStatusCompleted},
	ExperimentStatusPaused:    {ExperimentStatusRunning, ExperimentStatusCompleted},
	ExperimentStatusCompleted: {ExperimentStatusArchived},
	ExperimentStatusArchived:  nil,
}

// Valid reports whether s is a known status.
func (s ExperimentStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransitionTo reports whether the status state machine allows moving
// from s to next.
func (s ExperimentStatus) CanTransitionTo(next ExperimentStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Variation is one arm of an experiment.
type Variation struct {
	Key   string `json:"key"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
}

// Allocation assigns a traffic percentage to a variation. Order matters:
// assignment walks allocations in declared order, accumulating percentages.
type Allocation struct {
	VariationKey string  `json:"variation_key"`
	Percentage   float64 `json:"percentage"`
}

// Metric is a conversion metric tracked for an experiment.
type Metric struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

// AllocationSumTolerance is the allowed deviation of a traffic allocation
// sum from 100 percent.
const AllocationSumTolerance = 0.01

// DefaultConfidenceLevel is used when an experiment does not configure one.
const DefaultConfidenceLevel = 0.95

// Experiment is a multi-variant test with named variations, traffic
// allocation, metrics and a status lifecycle. Unique per
// (platform, environment, key).
type Experiment struct {
	Platform    string           `json:"platform"`
	Environment string           `json:"environment"`
	Key         string           `json:"key"`
	Status      ExperimentStatus `json:"status"`

	Variations          []Variation  `json:"variations"`
	ControlVariationKey string       `json:"control_variation_key"`
	TrafficAllocation   []Allocation `json:"traffic_allocation"`
	Metrics             []Metric     `json:"metrics,omitempty"`
	ConfidenceLevel     float64      `json:"confidence_level"`

	Targeting Targeting `json:"targeting"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Variation returns the variation with the given key.
func (e *Experiment) Variation(key string) (Variation, bool) {
	for _, v := range e.Variations {
		if v.Key == key {
			return v, true
		}
	}
	return Variation{}, false
}

// ExpectedRatios returns the traffic allocation as fractions keyed by
// variation, in allocation order. Used by the sample-ratio-mismatch check.
func (e *Experiment) ExpectedRatios() []Allocation {
	out := make([]Allocation, len(e.TrafficAllocation))
	for i, a := range e.TrafficAllocation {
		out[i] = Allocation{VariationKey: a.VariationKey, Percentage: a.Percentage / 100}
	}
	return out
}

// Validate checks every configuration invariant enforced at write time:
// non-empty uniquely-keyed variations, a control that is a member, and a
// traffic allocation over known variations summing to 100 within tolerance.
func (e *Experiment) Validate() error {
	if e.Platform == "" || e.Environment == "" || e.Key == "" {
		return eris.New("model: experiment requires platform, environment and key")
	}
	if !e.Status.Valid() {
		return eris.Errorf("model: experiment %s: unknown status %q", e.Key, e.Status)
	}
	if len(e.Variations) == 0 {
		return eris.Errorf("model: experiment %s: at least one variation required", e.Key)
	}
	seen := make(map[string]bool, len(e.Variations))
	for _, v := range e.Variations {
		if v.Key == "" {
			return eris.Errorf("model: experiment %s: variation with empty key", e.Key)
		}
		if seen[v.Key] {
			return eris.Errorf("model: experiment %s: duplicate variation key %q", e.Key, v.Key)
		}
		seen[v.Key] = true
	}
	if !seen[e.ControlVariationKey] {
		return eris.Errorf("model: experiment %s: control variation %q is not a member of variations",
			e.Key, e.ControlVariationKey)
	}
	if e.ConfidenceLevel < 0 || e.ConfidenceLevel >= 1 {
		return eris.Errorf("model: experiment %s: confidence level must be within [0,1), got %v",
			e.Key, e.ConfidenceLevel)
	}
	if err := ValidateAllocation(e.TrafficAllocation, e.Variations); err != nil {
		return eris.Wrapf(err, "model: experiment %s", e.Key)
	}
	return nil
}

// ValidateAllocation checks that allocation keys are a subset of the given
// variations, percentages are non-negative, and the sum is 100 within
// AllocationSumTolerance. An experiment that passes this check can always
// be assigned.
func ValidateAllocation(alloc []Allocation, variations []Variation) error {
	if len(alloc) == 0 {
		return eris.New("traffic allocation must not be empty")
	}
	known := make(map[string]bool, len(variations))
	for _, v := range variations {
		known[v.Key] = true
	}
	seen := make(map[string]bool, len(alloc))
	var sum float64
	for _, a := range alloc {
		if !known[a.VariationKey] {
			return eris.Errorf("traffic allocation references unknown variation %q", a.VariationKey)
		}
		if seen[a.VariationKey] {
			return eris.Errorf("traffic allocation repeats variation %q", a.VariationKey)
		}
		seen[a.VariationKey] = true
		if a.Percentage < 0 {
			return eris.Errorf("traffic allocation for %q is negative", a.VariationKey)
		}
		sum += a.Percentage
	}
	if math.Abs(sum-100) > AllocationSumTolerance {
		return eris.Errorf("traffic allocation sums to %v, must sum to 100 within %v",
			sum, AllocationSumTolerance)
	}
	return nil
}
