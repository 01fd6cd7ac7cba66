package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/switchboard-io/switchboard/internal/evaluation"
	"github.com/switchboard-io/switchboard/internal/model"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a feature flag for a user context",
	Long: `Loads the active version of a flag and evaluates it for the given
user context, printing the served value and reason as JSON.

Examples:
  # Evaluate for a bare user
  switchboard evaluate --platform ios --environment production --key checkout-redesign --user u-123

  # With locale targeting attributes
  switchboard evaluate --platform ios --environment production --key checkout-redesign \
    --user u-123 --country US --language en

  # Record the evaluation in the measurement counters as well
  switchboard evaluate --platform ios --environment production --key checkout-redesign \
    --user u-123 --record`,
	RunE: runEvaluate,
}

func init() {
	f := evaluateCmd.Flags()
	f.String("platform", "", "platform the flag belongs to (required)")
	f.String("environment", "", "environment to evaluate in (required)")
	f.String("key", "", "flag key (required)")
	f.String("user", "", "user ID for deterministic bucketing")
	f.String("country", "", "user country code for targeting")
	f.String("language", "", "user language code for targeting")
	f.Bool("record", false, "record the evaluation in the stats counters")
	_ = evaluateCmd.MarkFlagRequired("platform")
	_ = evaluateCmd.MarkFlagRequired("environment")
	_ = evaluateCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(evaluateCmd)
}

func evalContextFromFlags(cmd *cobra.Command) model.EvaluationContext {
	userID, _ := cmd.Flags().GetString("user")
	country, _ := cmd.Flags().GetString("country")
	language, _ := cmd.Flags().GetString("language")
	return model.EvaluationContext{UserID: userID, Country: country, Language: language}
}

func entityFlagsFromFlags(cmd *cobra.Command) (platform, environment, key string) {
	platform, _ = cmd.Flags().GetString("platform")
	environment, _ = cmd.Flags().GetString("environment")
	key, _ = cmd.Flags().GetString("key")
	return platform, environment, key
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "cmd: marshal output")
	}
	fmt.Println(string(out))
	return nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
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

	flag, err := c.Store.GetActiveFlag(ctx, platform, environment, key)
	if err != nil {
		return eris.Wrapf(err, "evaluate: load flag %s", key)
	}

	result := evaluation.EvaluateFlag(flag, evalCtx)

	if record {
		if err := c.Stats.RecordFlagEvaluation(ctx, platform, environment, key, result, evalCtx); err != nil {
			// The decision is already made; a failed counter write should
			// not change it.
			zap.L().Warn("evaluation recorded with errors", zap.Error(err))
		}
	}

	return printJSON(result)
}
