// Package analysis implements the statistical engine behind experiment
// readouts: two-proportion significance testing per treatment and sample
// ratio mismatch detection over observed exposure counts.
package analysis

import (
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/switchboard-io/switchboard/internal/model"
)

// Sample is one variation's observed counts.
type Sample struct {
	Participants int64 `json:"participants"`
	Conversions  int64 `json:"conversions"`
}

// Rate returns the conversion rate, zero when the sample is empty.
func (s Sample) Rate() float64 {
	if s.Participants == 0 {
		return 0
	}
	return float64(s.Conversions) / float64(s.Participants)
}

// SignificanceResult is the outcome of comparing one treatment against the
// control. When Insufficient is set the statistical fields are zeroed and
// must not be interpreted.
type SignificanceResult struct {
	VariationKey    string  `json:"variationKey,omitempty"`
	ControlRate     float64 `json:"controlRate"`
	TreatmentRate   float64 `json:"treatmentRate"`
	RateDifference  float64 `json:"rateDifference"`
	RelativeLift    float64 `json:"relativeLift"`
	ZScore          float64 `json:"zScore"`
	PValue          float64 `json:"pValue"`
	ConfidenceLevel float64 `json:"confidenceLevel"`
	IntervalLower   float64 `json:"intervalLower"`
	IntervalUpper   float64 `json:"intervalUpper"`
	IsSignificant   bool    `json:"isSignificant"`
	Insufficient    bool    `json:"insufficient"`
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// TwoProportionTest compares treatment against control conversion rates
// with a pooled-variance z-test. The confidence interval on the rate
// difference uses the unpooled standard error, which is the conventional
// pairing for reporting alongside a pooled test statistic.
func TwoProportionTest(control, treatment Sample, confidenceLevel float64) *SignificanceResult {
	result := &SignificanceResult{ConfidenceLevel: confidenceLevel}

	// Without participants on both sides, or without any control
	// conversions to lift against, there is nothing defensible to report.
	if control.Participants == 0 || treatment.Participants == 0 || control.Conversions == 0 {
		result.Insufficient = true
		return result
	}

	// At-least-once event delivery can over-count conversions past the
	// participant count. A rate above 1 has no variance under the binomial
	// model, so report the sample as insufficient rather than produce NaN.
	if control.Conversions > control.Participants || treatment.Conversions > treatment.Participants {
		result.Insufficient = true
		return result
	}

	n1 := float64(control.Participants)
	n2 := float64(treatment.Participants)
	p1 := control.Rate()
	p2 := treatment.Rate()

	pooled := float64(control.Conversions+treatment.Conversions) / (n1 + n2)
	pooledSE := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if pooledSE == 0 {
		// Every participant on both sides converted; no variance to test.
		result.Insufficient = true
		return result
	}

	z := (p2 - p1) / pooledSE
	pValue := 2 * stdNormal.Survival(math.Abs(z))

	unpooledSE := math.Sqrt(p1*(1-p1)/n1 + p2*(1-p2)/n2)
	zCrit := stdNormal.Quantile(1 - (1-confidenceLevel)/2)
	diff := p2 - p1

	result.ControlRate = p1
	result.TreatmentRate = p2
	result.RateDifference = diff
	result.RelativeLift = diff / p1
	result.ZScore = z
	result.PValue = pValue
	result.IntervalLower = diff - zCrit*unpooledSE
	result.IntervalUpper = diff + zCrit*unpooledSE
	result.IsSignificant = pValue < 1-confidenceLevel
	return result
}

// AnalyzeExperiment tests every treatment independently against the single
// control variation and keys results by variation key. No correction for
// multiple comparisons is applied; with several treatments the family-wise
// false positive rate exceeds the per-test alpha.
func AnalyzeExperiment(exp *model.Experiment, participants, conversions map[string]int64) (map[string]*SignificanceResult, error) {
	control := Sample{
		Participants: participants[exp.ControlVariationKey],
		Conversions:  conversions[exp.ControlVariationKey],
	}

	results := make(map[string]*SignificanceResult)
	for _, v := range exp.Variations {
		if v.Key == exp.ControlVariationKey {
			continue
		}
		treatment := Sample{
			Participants: participants[v.Key],
			Conversions:  conversions[v.Key],
		}
		res := TwoProportionTest(control, treatment, exp.ConfidenceLevel)
		res.VariationKey = v.Key
		results[v.Key] = res
	}
	if len(results) == 0 {
		return nil, eris.Errorf("analysis: experiment %s has no treatment variations", exp.Key)
	}
	return results, nil
}

// SRMSeverity classifies how alarming a sample ratio mismatch is.
type SRMSeverity string

const (
	SRMSeverityNone SRMSeverity = "none"
	SRMSeverityLow  SRMSeverity = "low"
	SRMSeverityHigh SRMSeverity = "high"
)

// SRMResult is the outcome of a sample ratio mismatch check. Mismatch means
// the observed split deviates from the configured allocation, which points
// at a bucketing or instrumentation defect rather than a product effect.
type SRMResult struct {
	ChiSquare float64     `json:"chiSquare"`
	PValue    float64     `json:"pValue"`
	Mismatch  bool        `json:"mismatch"`
	Severity  SRMSeverity `json:"severity"`
}

// CheckSampleRatio runs a chi-square goodness-of-fit test of observed
// participant counts against the expected allocation ratios. The check is
// best-effort: malformed inputs are logged and yield nil instead of an
// error, so a broken SRM check never blocks an experiment readout.
func CheckSampleRatio(observed map[string]int64, expected []model.Allocation) *SRMResult {
	if len(expected) < 2 {
		zap.L().Warn("sample ratio check needs at least two allocations",
			zap.Int("allocations", len(expected)))
		return nil
	}

	var total int64
	for _, alloc := range expected {
		total += observed[alloc.VariationKey]
	}
	if total == 0 {
		zap.L().Debug("sample ratio check skipped, no observed participants")
		return nil
	}

	// Normalize so the allocation may be expressed either as percentages
	// summing to 100 or as fractions summing to 1.
	allocSum := 0.0
	for _, alloc := range expected {
		if alloc.Percentage <= 0 {
			zap.L().Warn("sample ratio check skipped, non-positive expected ratio",
				zap.String("variation", alloc.VariationKey),
				zap.Float64("percentage", alloc.Percentage))
			return nil
		}
		allocSum += alloc.Percentage
	}

	chi := 0.0
	for _, alloc := range expected {
		exp := alloc.Percentage / allocSum * float64(total)
		obs := float64(observed[alloc.VariationKey])
		chi += (obs - exp) * (obs - exp) / exp
	}

	chiDist := distuv.ChiSquared{K: float64(len(expected) - 1)}
	pValue := chiDist.Survival(chi)

	severity := SRMSeverityNone
	switch {
	case pValue < 0.001:
		severity = SRMSeverityHigh
	case pValue < 0.01:
		severity = SRMSeverityLow
	}

	return &SRMResult{
		ChiSquare: chi,
		PValue:    pValue,
		Mismatch:  severity != SRMSeverityNone,
		Severity:  severity,
	}
}
