package evaluation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-io/switchboard/internal/model"
)

func pct(v float64) *float64 { return &v }

func testFlag() *model.Flag {
	return &model.Flag{
		Platform:     "ios",
		Environment:  "production",
		Key:          "checkout-redesign",
		Version:      1,
		Enabled:      true,
		ValueKind:    model.ValueKindBoolean,
		ValueA:       "true",
		ValueB:       "false",
		DefaultValue: model.ServedValueB,
	}
}

func TestEvaluateFlag_Disabled(t *testing.T) {
	flag := testFlag()
	flag.Enabled = false

	res := EvaluateFlag(flag, model.EvaluationContext{UserID: "u1"})
	assert.Equal(t, model.ServedValueB, res.ServedValue)
	assert.Equal(t, "false", res.Value)
	assert.Equal(t, ReasonDisabled, res.Reason)
}

func TestEvaluateFlag_NotEligible(t *testing.T) {
	flag := testFlag()
	flag.Targeting = model.Targeting{Countries: []string{"US"}}

	res := EvaluateFlag(flag, model.EvaluationContext{UserID: "u1", Country: "DE"})
	assert.Equal(t, model.ServedValueB, res.ServedValue)
	assert.Contains(t, res.Reason, ReasonNotEligible)
}

func TestEvaluateFlag_MissingUserServesDefault(t *testing.T) {
	flag := testFlag()
	res := EvaluateFlag(flag, model.EvaluationContext{})
	assert.Equal(t, flag.DefaultValue, res.ServedValue)
	assert.Contains(t, res.Reason, ReasonNotEligible)
}

func TestEvaluateFlag_NoRolloutServesDefault(t *testing.T) {
	flag := testFlag()
	res := EvaluateFlag(flag, model.EvaluationContext{UserID: "u1"})
	assert.Equal(t, model.ServedValueB, res.ServedValue)
	assert.Equal(t, ReasonDefault, res.Reason)
}

func TestEvaluateFlag_RolloutFullA(t *testing.T) {
	flag := testFlag()
	flag.RolloutEnabled = true
	flag.RolloutPercentageA = pct(100)

	res := EvaluateFlag(flag, model.EvaluationContext{UserID: "any-user"})
	assert.Equal(t, model.ServedValueA, res.ServedValue)
	assert.Equal(t, "true", res.Value)
	assert.Equal(t, ReasonRollout, res.Reason)
}

func TestEvaluateFlag_RolloutZeroAFallsThrough(t *testing.T) {
	flag := testFlag()
	flag.RolloutEnabled = true
	flag.RolloutPercentageA = pct(0)

	res := EvaluateFlag(flag, model.EvaluationContext{UserID: "any-user"})
	assert.Equal(t, model.ServedValueB, res.ServedValue)
	assert.Equal(t, ReasonDefault, res.Reason)
}

func TestEvaluateFlag_OverlappingPercentagesPreferA(t *testing.T) {
	// A=100 and B=100 both match every fraction; A is checked first.
	flag := testFlag()
	flag.RolloutEnabled = true
	flag.RolloutPercentageA = pct(100)
	flag.RolloutPercentageB = pct(100)

	for i := 0; i < 50; i++ {
		res := EvaluateFlag(flag, model.EvaluationContext{UserID: fmt.Sprintf("u%d", i)})
		require.Equal(t, model.ServedValueA, res.ServedValue)
	}
}

func TestEvaluateFlag_GapServesDefault(t *testing.T) {
	// A=0, B=0: nothing matches, default is served.
	flag := testFlag()
	flag.RolloutEnabled = true
	flag.RolloutPercentageA = pct(0)
	flag.RolloutPercentageB = pct(0)

	res := EvaluateFlag(flag, model.EvaluationContext{UserID: "u1"})
	assert.Equal(t, model.ServedValueB, res.ServedValue)
	assert.Equal(t, ReasonDefault, res.Reason)
}

func TestEvaluateFlag_Deterministic(t *testing.T) {
	flag := testFlag()
	flag.RolloutEnabled = true
	flag.RolloutPercentageA = pct(50)

	first := EvaluateFlag(flag, model.EvaluationContext{UserID: "sticky-user"})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, EvaluateFlag(flag, model.EvaluationContext{UserID: "sticky-user"}))
	}
}

func TestEvaluateFlag_RolloutCoverage(t *testing.T) {
	// Observed A-rate over 100k distinct users must sit within ±2% of the
	// configured percentage.
	flag := testFlag()
	flag.RolloutEnabled = true
	flag.RolloutPercentageA = pct(40)

	const n = 100_000
	var servedA int
	for i := 0; i < n; i++ {
		res := EvaluateFlag(flag, model.EvaluationContext{UserID: fmt.Sprintf("user-%d", i)})
		if res.ServedValue == model.ServedValueA {
			servedA++
		}
	}
	rate := float64(servedA) / n
	require.InDelta(t, 0.40, rate, 0.02, "observed A-rate %v", rate)
}

func TestEvaluateFlag_IndependenceAcrossFlags(t *testing.T) {
	// Changing flag B's rollout must not move any user's outcome on flag A.
	flagA := testFlag()
	flagA.Key = "flag-a"
	flagA.RolloutEnabled = true
	flagA.RolloutPercentageA = pct(50)

	before := make([]model.ServedValue, 200)
	for i := range before {
		before[i] = EvaluateFlag(flagA, model.EvaluationContext{UserID: fmt.Sprintf("u%d", i)}).ServedValue
	}

	flagB := testFlag()
	flagB.Key = "flag-b"
	flagB.RolloutEnabled = true
	flagB.RolloutPercentageA = pct(5) // unrelated change

	for i := range before {
		ctx := model.EvaluationContext{UserID: fmt.Sprintf("u%d", i)}
		_ = EvaluateFlag(flagB, ctx)
		assert.Equal(t, before[i], EvaluateFlag(flagA, ctx).ServedValue)
	}
}
