package bucket

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFraction_Deterministic(t *testing.T) {
	f1 := Fraction("ios", "production", "checkout-redesign", "user-42")
	f2 := Fraction("ios", "production", "checkout-redesign", "user-42")
	assert.Equal(t, f1, f2)
	assert.GreaterOrEqual(t, f1, 0.0)
	assert.Less(t, f1, 1.0)
}

func TestFraction_EntityKeyIndependence(t *testing.T) {
	// The same user must get independent fractions for different entities,
	// and changing one entity's configuration can never move the other's.
	fA := Fraction("ios", "production", "flag-a", "user-42")
	fB := Fraction("ios", "production", "flag-b", "user-42")
	assert.NotEqual(t, fA, fB)

	again := Fraction("ios", "production", "flag-a", "user-42")
	assert.Equal(t, fA, again)
}

func TestFraction_DistinctInputsDiffer(t *testing.T) {
	base := Fraction("ios", "production", "flag-a", "user-1")
	assert.NotEqual(t, base, Fraction("android", "production", "flag-a", "user-1"))
	assert.NotEqual(t, base, Fraction("ios", "staging", "flag-a", "user-1"))
	assert.NotEqual(t, base, Fraction("ios", "production", "flag-a", "user-2"))
}

func TestFraction_UniformCoverage(t *testing.T) {
	// 100k synthetic users bucketed against a 30% threshold should land
	// within ±2% of the configured rate.
	const n = 100_000
	const threshold = 0.30

	var hits int
	for i := 0; i < n; i++ {
		f := Fraction("web", "production", "rollout-flag", fmt.Sprintf("user-%d", i))
		if f < threshold {
			hits++
		}
	}
	rate := float64(hits) / n
	require.InDelta(t, threshold, rate, 0.02, "observed rate %v", rate)
}

func TestFraction_MeanIsCentered(t *testing.T) {
	const n = 50_000
	var sum float64
	for i := 0; i < n; i++ {
		sum += Fraction("web", "production", "mean-check", fmt.Sprintf("u%d", i))
	}
	assert.InDelta(t, 0.5, sum/n, 0.01)
}

func TestShardIndex_StableAndBounded(t *testing.T) {
	idx := ShardIndex("experiment-checkout", 10)
	assert.Equal(t, idx, ShardIndex("experiment-checkout", 10))
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, 10)

	assert.Equal(t, 0, ShardIndex("anything", 1))
	assert.Equal(t, 0, ShardIndex("anything", 0))
}

func TestShardIndex_SpreadsKeys(t *testing.T) {
	const shards = 10
	counts := make([]int, shards)
	for i := 0; i < 10_000; i++ {
		counts[ShardIndex(fmt.Sprintf("entity-%d", i), shards)]++
	}
	// Each shard should hold roughly 1/10th of distinct keys.
	for s, c := range counts {
		assert.False(t, math.Abs(float64(c)-1000) > 200, "shard %d holds %d keys", s, c)
	}
}
