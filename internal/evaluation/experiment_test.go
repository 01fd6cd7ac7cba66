package evaluation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-io/switchboard/internal/model"
)

func testExperiment() *model.Experiment {
	return &model.Experiment{
		Platform:    "web",
		Environment: "production",
		Key:         "pricing-page",
		Status:      model.ExperimentStatusRunning,
		Variations: []model.Variation{
			{Key: "control", Value: "old"},
			{Key: "treatment", Value: "new"},
		},
		ControlVariationKey: "control",
		TrafficAllocation: []model.Allocation{
			{VariationKey: "control", Percentage: 50},
			{VariationKey: "treatment", Percentage: 50},
		},
		ConfidenceLevel: 0.95,
	}
}

func TestAssignVariation_OnlyRunning(t *testing.T) {
	for _, status := range []model.ExperimentStatus{
		model.ExperimentStatusDraft,
		model.ExperimentStatusPaused,
		model.ExperimentStatusCompleted,
		model.ExperimentStatusArchived,
	} {
		exp := testExperiment()
		exp.Status = status
		res := AssignVariation(exp, model.EvaluationContext{UserID: "u1"})
		assert.False(t, res.Assigned, "status %s", status)
		assert.Equal(t, ReasonNotRunning, res.Reason)
		assert.Empty(t, res.VariationKey)
	}
}

func TestAssignVariation_NotEligible(t *testing.T) {
	exp := testExperiment()
	exp.Targeting = model.Targeting{Countries: []string{"US"}}

	res := AssignVariation(exp, model.EvaluationContext{UserID: "u1", Country: "FR"})
	assert.False(t, res.Assigned)
	assert.Contains(t, res.Reason, ReasonNotEligible)
}

func TestAssignVariation_MissingUser(t *testing.T) {
	res := AssignVariation(testExperiment(), model.EvaluationContext{})
	assert.False(t, res.Assigned)
	assert.Contains(t, res.Reason, ReasonNotEligible)
}

func TestAssignVariation_Deterministic(t *testing.T) {
	exp := testExperiment()
	first := AssignVariation(exp, model.EvaluationContext{UserID: "sticky"})
	require.True(t, first.Assigned)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, AssignVariation(exp, model.EvaluationContext{UserID: "sticky"}))
	}
}

func TestAssignVariation_FullAllocationToOneVariation(t *testing.T) {
	exp := testExperiment()
	exp.TrafficAllocation = []model.Allocation{
		{VariationKey: "treatment", Percentage: 100},
		{VariationKey: "control", Percentage: 0},
	}

	for i := 0; i < 50; i++ {
		res := AssignVariation(exp, model.EvaluationContext{UserID: fmt.Sprintf("u%d", i)})
		require.True(t, res.Assigned)
		require.Equal(t, "treatment", res.VariationKey)
		require.Equal(t, "new", res.Value)
	}
}

func TestAssignVariation_CumulativeWalkOrder(t *testing.T) {
	// Three variations split 20/30/50: observed shares over many users
	// should approximate the declared allocation.
	exp := testExperiment()
	exp.Variations = []model.Variation{
		{Key: "control", Value: "c"},
		{Key: "v1", Value: "1"},
		{Key: "v2", Value: "2"},
	}
	exp.TrafficAllocation = []model.Allocation{
		{VariationKey: "control", Percentage: 20},
		{VariationKey: "v1", Percentage: 30},
		{VariationKey: "v2", Percentage: 50},
	}

	const n = 50_000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		res := AssignVariation(exp, model.EvaluationContext{UserID: fmt.Sprintf("user-%d", i)})
		require.True(t, res.Assigned)
		counts[res.VariationKey]++
	}

	assert.InDelta(t, 0.20, float64(counts["control"])/n, 0.02)
	assert.InDelta(t, 0.30, float64(counts["v1"])/n, 0.02)
	assert.InDelta(t, 0.50, float64(counts["v2"])/n, 0.02)
}

func TestAssignVariation_IndependentOfOtherExperiments(t *testing.T) {
	expA := testExperiment()
	expA.Key = "exp-a"
	expB := testExperiment()
	expB.Key = "exp-b"

	ctx := model.EvaluationContext{UserID: "user-7"}
	before := AssignVariation(expA, ctx)

	// Evaluating another experiment never moves this user's assignment.
	_ = AssignVariation(expB, ctx)
	assert.Equal(t, before, AssignVariation(expA, ctx))
}
