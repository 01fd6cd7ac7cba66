package evaluation

import (
	"github.com/switchboard-io/switchboard/internal/bucket"
	"github.com/switchboard-io/switchboard/internal/model"
	"github.com/switchboard-io/switchboard/internal/targeting"
)

// Reasons reported on assignment results.
const (
	ReasonNotRunning = "experiment not running"
	ReasonAssigned   = "assigned"
)

// AssignmentResult is the outcome of assigning a context to an experiment
// variation. Assigned is false for any non-running experiment or ineligible
// context; Reason explains why.
type AssignmentResult struct {
	Assigned     bool            `json:"assigned"`
	VariationKey string          `json:"variation_key,omitempty"`
	Value        string          `json:"value,omitempty"`
	Reason       string          `json:"reason"`
}

// AssignVariation resolves the variation for a context by walking the
// experiment's traffic allocation in declared order and picking the
// variation whose cumulative percentage range contains the context's
// bucket fraction.
//
// Allocations are validated at write time to sum to 100 within tolerance,
// so a fraction past the final boundary (possible only through rounding)
// is clamped to the last allocation.
func AssignVariation(exp *model.Experiment, ctx model.EvaluationContext) AssignmentResult {
	if exp.Status != model.ExperimentStatusRunning {
		return AssignmentResult{Assigned: false, Reason: ReasonNotRunning}
	}

	decision := targeting.Evaluate(exp.Targeting, ctx)
	if !decision.Eligible {
		return AssignmentResult{Assigned: false, Reason: ReasonNotEligible + ": " + decision.Reason}
	}

	f := bucket.Fraction(exp.Platform, exp.Environment, exp.Key, ctx.UserID)

	var cumulative float64
	for i, alloc := range exp.TrafficAllocation {
		cumulative += alloc.Percentage / 100
		if f < cumulative || i == len(exp.TrafficAllocation)-1 {
			variation, ok := exp.Variation(alloc.VariationKey)
			if !ok {
				// Unreachable for experiments that passed write-time
				// validation; report not-assigned rather than panic.
				return AssignmentResult{Assigned: false, Reason: "unknown variation " + alloc.VariationKey}
			}
			return AssignmentResult{
				Assigned:     true,
				VariationKey: variation.Key,
				Value:        variation.Value,
				Reason:       ReasonAssigned,
			}
		}
	}

	return AssignmentResult{Assigned: false, Reason: "empty traffic allocation"}
}
