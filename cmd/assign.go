package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/switchboard-io/switchboard/internal/evaluation"
)

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign an experiment variation for a user context",
	Long: `Loads an experiment and computes the deterministic variation
assignment for the given user context, printing the assignment as JSON.
The same user always receives the same variation while the allocation is
unchanged.

Examples:
  switchboard assign --platform web --environment production --key pricing-page --user u-123

  # Record the exposure in the measurement counters as well
  switchboard assign --platform web --environment production --key pricing-page \
    --user u-123 --record`,
	RunE: runAssign,
}

func init() {
	f := assignCmd.Flags()
	f.String("platform", "", "platform the experiment belongs to (required)")
	f.String("environment", "", "environment to assign in (required)")
	f.String("key", "", "experiment key (required)")
	f.String("user", "", "user ID for deterministic bucketing")
	f.String("country", "", "user country code for targeting")
	f.String("language", "", "user language code for targeting")
	f.Bool("record", false, "record the exposure in the stats counters")
	_ = assignCmd.MarkFlagRequired("platform")
	_ = assignCmd.MarkFlagRequired("environment")
	_ = assignCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(assignCmd)
}

func runAssign(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newContainer(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	platform, environment, key := entityFlagsFromFlags(cmd)
	evalCtx := evalContextFromFlags(cmd)
	record, _ := cmd.Flags().GetBool("record")

	exp, err := c.Store.GetExperiment(ctx, platform, environment, key)
	if err != nil {
		return eris.Wrapf(err, "assign: load experiment %s", key)
	}

	result := evaluation.AssignVariation(exp, evalCtx)

	if record && result.Assigned {
		if err := c.Stats.RecordExposure(ctx, platform, environment, key, result.VariationKey); err != nil {
			zap.L().Warn("exposure recorded with errors", zap.Error(err))
		}
	}

	return printJSON(result)
}
