// Package evaluation contains the pure decision engines: flag evaluation
// and experiment variation assignment. Both are functions of the entity
// snapshot and the evaluation context only: no stored state, no counter
// writes. Recording the decision is the caller's responsibility, which
// keeps these engines safe for unbounded concurrent use.
package evaluation

import (
	"github.com/switchboard-io/switchboard/internal/bucket"
	"github.com/switchboard-io/switchboard/internal/model"
	"github.com/switchboard-io/switchboard/internal/targeting"
)

// Reasons reported on flag evaluation results.
const (
	ReasonDisabled      = "disabled"
	ReasonNotEligible   = "not eligible"
	ReasonRollout       = "rollout"
	ReasonDefault       = "default"
	ReasonForceIncluded = "force included"
)

// FlagResult is the outcome of evaluating a flag for one context.
type FlagResult struct {
	ServedValue model.ServedValue `json:"served_value"`
	Value       string            `json:"value"`
	ValueKind   model.ValueKind   `json:"value_kind"`
	Reason      string            `json:"reason"`
}

// EvaluateFlag resolves the A/B outcome for a flag.
//
// Order: disabled flags and ineligible contexts serve the default value
// with a reason; otherwise, when rollout is enabled, the context's bucket
// fraction is compared against the A threshold first and then the B
// threshold. The two percentages are independent: overlap resolves to A,
// a gap falls through to the default.
func EvaluateFlag(flag *model.Flag, ctx model.EvaluationContext) FlagResult {
	if !flag.Enabled {
		return serve(flag, flag.DefaultValue, ReasonDisabled)
	}

	decision := targeting.Evaluate(flag.Targeting, ctx)
	if !decision.Eligible {
		return serve(flag, flag.DefaultValue, ReasonNotEligible+": "+decision.Reason)
	}

	if flag.RolloutEnabled {
		f := bucket.Fraction(flag.Platform, flag.Environment, flag.Key, ctx.UserID)
		if flag.RolloutPercentageA != nil && f*100 < *flag.RolloutPercentageA {
			return serve(flag, model.ServedValueA, ReasonRollout)
		}
		if flag.RolloutPercentageB != nil && f*100 < *flag.RolloutPercentageB {
			return serve(flag, model.ServedValueB, ReasonRollout)
		}
	}

	return serve(flag, flag.DefaultValue, ReasonDefault)
}

func serve(flag *model.Flag, side model.ServedValue, reason string) FlagResult {
	value := flag.ValueA
	if side == model.ServedValueB {
		value = flag.ValueB
	}
	return FlagResult{
		ServedValue: side,
		Value:       value,
		ValueKind:   flag.ValueKind,
		Reason:      reason,
	}
}
