package analysis

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-io/switchboard/internal/model"
)

func TestTwoProportionTest_DetectsRealLift(t *testing.T) {
	control := Sample{Participants: 1000, Conversions: 100}
	treatment := Sample{Participants: 1000, Conversions: 130}

	res := TwoProportionTest(control, treatment, 0.95)
	require.False(t, res.Insufficient)

	assert.InDelta(t, 0.10, res.ControlRate, 1e-9)
	assert.InDelta(t, 0.13, res.TreatmentRate, 1e-9)
	assert.InDelta(t, 0.30, res.RelativeLift, 1e-9)
	assert.InDelta(t, 2.103, res.ZScore, 0.01)
	assert.Less(t, res.PValue, 0.05)
	assert.True(t, res.IsSignificant)

	// The interval should cover the observed difference and exclude zero.
	assert.Less(t, res.IntervalLower, res.RateDifference)
	assert.Greater(t, res.IntervalUpper, res.RateDifference)
	assert.Greater(t, res.IntervalLower, 0.0)
}

func TestTwoProportionTest_NoiseIsNotSignificant(t *testing.T) {
	control := Sample{Participants: 100, Conversions: 10}
	treatment := Sample{Participants: 100, Conversions: 11}

	res := TwoProportionTest(control, treatment, 0.95)
	require.False(t, res.Insufficient)
	assert.False(t, res.IsSignificant)
	assert.Greater(t, res.PValue, 0.05)

	// With this little evidence the interval must straddle zero.
	assert.Less(t, res.IntervalLower, 0.0)
	assert.Greater(t, res.IntervalUpper, 0.0)
}

func TestTwoProportionTest_InsufficientData(t *testing.T) {
	cases := []struct {
		name      string
		control   Sample
		treatment Sample
	}{
		{"no control participants", Sample{}, Sample{Participants: 100, Conversions: 10}},
		{"no treatment participants", Sample{Participants: 100, Conversions: 10}, Sample{}},
		{"no control conversions", Sample{Participants: 100}, Sample{Participants: 100, Conversions: 10}},
		{"everyone converted", Sample{Participants: 50, Conversions: 50}, Sample{Participants: 50, Conversions: 50}},
		{"treatment conversions over-counted", Sample{Participants: 1000, Conversions: 100}, Sample{Participants: 10, Conversions: 50}},
		{"control conversions over-counted", Sample{Participants: 10, Conversions: 50}, Sample{Participants: 1000, Conversions: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := TwoProportionTest(tc.control, tc.treatment, 0.95)
			require.True(t, res.Insufficient)
			assert.False(t, res.IsSignificant)
			assert.False(t, math.IsNaN(res.PValue))
			assert.False(t, math.IsInf(res.ZScore, 0))
			assert.Zero(t, res.RelativeLift)
		})
	}
}

func TestTwoProportionTest_OverCountedConversionsStayMarshalable(t *testing.T) {
	// At-least-once delivery can replay a conversion event, pushing a
	// variation's conversions past its exposures. The readout must degrade
	// to an insufficient result that still serializes.
	res := TwoProportionTest(
		Sample{Participants: 1000, Conversions: 100},
		Sample{Participants: 10, Conversions: 50}, 0.95)

	require.True(t, res.Insufficient)
	assert.False(t, math.IsNaN(res.IntervalLower))
	assert.False(t, math.IsNaN(res.IntervalUpper))

	_, err := json.Marshal(res)
	assert.NoError(t, err)
}

func TestTwoProportionTest_DirectionSymmetric(t *testing.T) {
	up := TwoProportionTest(
		Sample{Participants: 1000, Conversions: 100},
		Sample{Participants: 1000, Conversions: 130}, 0.95)
	down := TwoProportionTest(
		Sample{Participants: 1000, Conversions: 130},
		Sample{Participants: 1000, Conversions: 100}, 0.95)

	assert.InDelta(t, up.PValue, down.PValue, 1e-9)
	assert.InDelta(t, up.ZScore, -down.ZScore, 1e-9)
	assert.Less(t, down.RelativeLift, 0.0)
}

func testExperiment() *model.Experiment {
	return &model.Experiment{
		Platform:            "web",
		Environment:         "production",
		Key:                 "pricing-page",
		ControlVariationKey: "control",
		ConfidenceLevel:     0.95,
		Variations: []model.Variation{
			{Key: "control"},
			{Key: "treatment-a"},
			{Key: "treatment-b"},
		},
	}
}

func TestAnalyzeExperiment_PerTreatmentAgainstControl(t *testing.T) {
	exp := testExperiment()
	participants := map[string]int64{"control": 1000, "treatment-a": 1000, "treatment-b": 100}
	conversions := map[string]int64{"control": 100, "treatment-a": 130, "treatment-b": 11}

	results, err := AnalyzeExperiment(exp, participants, conversions)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Contains(t, results, "treatment-a")
	assert.True(t, results["treatment-a"].IsSignificant)
	assert.Equal(t, "treatment-a", results["treatment-a"].VariationKey)

	require.Contains(t, results, "treatment-b")
	assert.False(t, results["treatment-b"].IsSignificant)

	assert.NotContains(t, results, "control")
}

func TestAnalyzeExperiment_NoTreatments(t *testing.T) {
	exp := testExperiment()
	exp.Variations = []model.Variation{{Key: "control"}}

	_, err := AnalyzeExperiment(exp, map[string]int64{}, map[string]int64{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no treatment variations")
}

func evenSplit() []model.Allocation {
	return []model.Allocation{
		{VariationKey: "control", Percentage: 50},
		{VariationKey: "treatment", Percentage: 50},
	}
}

func TestCheckSampleRatio_BalancedSplitPasses(t *testing.T) {
	res := CheckSampleRatio(map[string]int64{"control": 5000, "treatment": 5000}, evenSplit())
	require.NotNil(t, res)
	assert.False(t, res.Mismatch)
	assert.Equal(t, SRMSeverityNone, res.Severity)
	assert.InDelta(t, 0.0, res.ChiSquare, 1e-9)
}

func TestCheckSampleRatio_SkewedSplitFlagsHigh(t *testing.T) {
	res := CheckSampleRatio(map[string]int64{"control": 6000, "treatment": 4000}, evenSplit())
	require.NotNil(t, res)
	assert.True(t, res.Mismatch)
	assert.Equal(t, SRMSeverityHigh, res.Severity)
	assert.InDelta(t, 400.0, res.ChiSquare, 1e-6)
	assert.Less(t, res.PValue, 0.001)
}

func TestCheckSampleRatio_AcceptsFractionRatios(t *testing.T) {
	fractions := []model.Allocation{
		{VariationKey: "control", Percentage: 0.5},
		{VariationKey: "treatment", Percentage: 0.5},
	}
	res := CheckSampleRatio(map[string]int64{"control": 6000, "treatment": 4000}, fractions)
	require.NotNil(t, res)
	assert.InDelta(t, 400.0, res.ChiSquare, 1e-6)
}

func TestCheckSampleRatio_BestEffortNilResults(t *testing.T) {
	// Degenerate inputs are logged, never returned as errors.
	assert.Nil(t, CheckSampleRatio(map[string]int64{"control": 100}, nil))
	assert.Nil(t, CheckSampleRatio(map[string]int64{"control": 100},
		[]model.Allocation{{VariationKey: "control", Percentage: 100}}))
	assert.Nil(t, CheckSampleRatio(map[string]int64{}, evenSplit()))
	assert.Nil(t, CheckSampleRatio(map[string]int64{"control": 100, "treatment": 100},
		[]model.Allocation{
			{VariationKey: "control", Percentage: 0},
			{VariationKey: "treatment", Percentage: 100},
		}))
}
