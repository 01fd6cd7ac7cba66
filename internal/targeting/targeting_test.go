package targeting

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/switchboard-io/switchboard/internal/model"
)

func TestEvaluate_MissingUserID(t *testing.T) {
	d := Evaluate(model.Targeting{}, model.EvaluationContext{})
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonMissingUserID, d.Reason)
}

func TestEvaluate_NoRules(t *testing.T) {
	d := Evaluate(model.Targeting{}, model.EvaluationContext{UserID: "u1"})
	assert.True(t, d.Eligible)
	assert.Equal(t, ReasonEligible, d.Reason)
}

func TestEvaluate_ForceExcludeWinsOverInclude(t *testing.T) {
	rules := model.Targeting{
		ForceIncludeUsers: []string{"u1"},
		ForceExcludeUsers: []string{"u1"},
	}
	d := Evaluate(rules, model.EvaluationContext{UserID: "u1"})
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonForceExcluded, d.Reason)
}

func TestEvaluate_ForceIncludeBypassesCountryAndLanguage(t *testing.T) {
	rules := model.Targeting{
		Countries:         []string{"US"},
		Languages:         []string{"en"},
		ForceIncludeUsers: []string{"vip"},
	}
	d := Evaluate(rules, model.EvaluationContext{UserID: "vip", Country: "DE", Language: "de"})
	assert.True(t, d.Eligible)
	assert.Equal(t, ReasonForceIncluded, d.Reason)
}

func TestEvaluate_CountryFilter(t *testing.T) {
	rules := model.Targeting{Countries: []string{"US", "CA"}}

	d := Evaluate(rules, model.EvaluationContext{UserID: "u1", Country: "CA"})
	assert.True(t, d.Eligible)

	d = Evaluate(rules, model.EvaluationContext{UserID: "u1", Country: "DE"})
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonCountryMismatch, d.Reason)

	// Missing country with a country rule is ineligible, not an error.
	d = Evaluate(rules, model.EvaluationContext{UserID: "u1"})
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonCountryMismatch, d.Reason)
}

func TestEvaluate_LanguageFilter(t *testing.T) {
	rules := model.Targeting{Languages: []string{"en", "fr"}}

	d := Evaluate(rules, model.EvaluationContext{UserID: "u1", Language: "fr"})
	assert.True(t, d.Eligible)

	d = Evaluate(rules, model.EvaluationContext{UserID: "u1", Language: "de"})
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonLanguageMismatch, d.Reason)
}

func TestEvaluate_CountryCheckedBeforeLanguage(t *testing.T) {
	rules := model.Targeting{Countries: []string{"US"}, Languages: []string{"en"}}
	d := Evaluate(rules, model.EvaluationContext{UserID: "u1", Country: "DE", Language: "de"})
	assert.Equal(t, ReasonCountryMismatch, d.Reason)
}
