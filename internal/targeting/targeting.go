// Package targeting decides whether an evaluation context is part of the
// audience configured on a flag or experiment. Ineligibility is a normal
// result carrying a reason, never an error.
package targeting

import (
	"github.com/switchboard-io/switchboard/internal/model"
)

// Reasons reported on ineligible decisions.
const (
	ReasonMissingUserID    = "missing user id"
	ReasonForceExcluded    = "user force-excluded"
	ReasonForceIncluded    = "user force-included"
	ReasonCountryMismatch  = "country not targeted"
	ReasonLanguageMismatch = "language not targeted"
	ReasonEligible         = "eligible"
)

// Decision is the outcome of an audience check.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// Evaluate applies the audience rules in fixed precedence order:
// force-exclude, force-include (bypasses all further checks), country list,
// language list. Empty lists do not restrict their dimension.
func Evaluate(rules model.Targeting, ctx model.EvaluationContext) Decision {
	if ctx.UserID == "" {
		return Decision{Eligible: false, Reason: ReasonMissingUserID}
	}
	if contains(rules.ForceExcludeUsers, ctx.UserID) {
		return Decision{Eligible: false, Reason: ReasonForceExcluded}
	}
	if contains(rules.ForceIncludeUsers, ctx.UserID) {
		return Decision{Eligible: true, Reason: ReasonForceIncluded}
	}
	if len(rules.Countries) > 0 && !contains(rules.Countries, ctx.Country) {
		return Decision{Eligible: false, Reason: ReasonCountryMismatch}
	}
	if len(rules.Languages) > 0 && !contains(rules.Languages, ctx.Language) {
		return Decision{Eligible: false, Reason: ReasonLanguageMismatch}
	}
	return Decision{Eligible: true, Reason: ReasonEligible}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
