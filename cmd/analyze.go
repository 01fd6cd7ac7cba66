package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/switchboard-io/switchboard/internal/analysis"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run significance and sample-ratio analysis for an experiment",
	Long: `Reads participant and conversion counters for an experiment, tests
every treatment against the control at the experiment's configured
confidence level, and checks the observed split against the configured
traffic allocation for sample ratio mismatch.

Examples:
  # Analyze the experiment's primary metric
  switchboard analyze --platform web --environment production --key pricing-page --metric purchase

  # Analyze every configured metric
  switchboard analyze --platform web --environment production --key pricing-page`,
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.String("platform", "", "platform the experiment belongs to (required)")
	f.String("environment", "", "environment to analyze (required)")
	f.String("key", "", "experiment key (required)")
	f.String("metric", "", "metric key to analyze (default: every configured metric)")
	_ = analyzeCmd.MarkFlagRequired("platform")
	_ = analyzeCmd.MarkFlagRequired("environment")
	_ = analyzeCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(analyzeCmd)
}

// metricReport is the per-metric analysis output.
type metricReport struct {
	Metric  string                                  `json:"metric"`
	Results map[string]*analysis.SignificanceResult `json:"results"`
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newContainer(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	platform, environment, key := entityFlagsFromFlags(cmd)

	exp, err := c.Store.GetExperiment(ctx, platform, environment, key)
	if err != nil {
		return eris.Wrapf(err, "analyze: load experiment %s", key)
	}

	metrics := make([]string, 0, len(exp.Metrics))
	if metric, _ := cmd.Flags().GetString("metric"); metric != "" {
		metrics = append(metrics, metric)
	} else {
		for _, m := range exp.Metrics {
			metrics = append(metrics, m.Key)
		}
	}
	if len(metrics) == 0 {
		return eris.Errorf("analyze: experiment %s has no metrics; pass --metric", key)
	}

	participants, err := c.Stats.ExperimentStats(ctx, exp)
	if err != nil {
		return err
	}

	reports := make([]metricReport, 0, len(metrics))
	for _, metric := range metrics {
		conversions, err := c.Stats.ExperimentMetricStats(ctx, exp, metric)
		if err != nil {
			return err
		}
		results, err := analysis.AnalyzeExperiment(exp, participants, conversions)
		if err != nil {
			return eris.Wrapf(err, "analyze: metric %s", metric)
		}
		reports = append(reports, metricReport{Metric: metric, Results: results})
	}

	// SRM is diagnostic: a nil result means the check could not run, and
	// the readout is still published.
	srm := analysis.CheckSampleRatio(participants, exp.TrafficAllocation)

	out := struct {
		Experiment      string              `json:"experiment"`
		Status          string              `json:"status"`
		ConfidenceLevel float64             `json:"confidenceLevel"`
		Participants    map[string]int64    `json:"participants"`
		Metrics         []metricReport      `json:"metrics"`
		SampleRatio     *analysis.SRMResult `json:"sampleRatio,omitempty"`
	}{
		Experiment:      exp.Key,
		Status:          string(exp.Status),
		ConfidenceLevel: exp.ConfidenceLevel,
		Participants:    participants,
		Metrics:         reports,
		SampleRatio:     srm,
	}
	return printJSON(out)
}
