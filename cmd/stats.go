package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/switchboard-io/switchboard/internal/container"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregated measurement counters for an entity",
	Long: `Reads the sharded counters for a flag, config parameter, or
experiment and prints the aggregate as JSON.

Examples:
  # Flag totals
  switchboard stats --type flag --platform ios --environment production --key checkout-redesign

  # Flag totals broken down by country
  switchboard stats --type flag --platform ios --environment production --key checkout-redesign \
    --countries US,DE,FR

  # Daily request series
  switchboard stats --type flag --platform ios --environment production --key checkout-redesign \
    --from 2026-08-01 --to 2026-08-23

  # Experiment participants and conversions
  switchboard stats --type experiment --platform web --environment production --key pricing-page \
    --metric purchase`,
	RunE: runStats,
}

func init() {
	f := statsCmd.Flags()
	f.String("type", "flag", "entity type: flag, config, or experiment")
	f.String("platform", "", "platform the entity belongs to (required)")
	f.String("environment", "", "environment to read (required)")
	f.String("key", "", "entity key (required)")
	f.String("countries", "", "comma-separated country codes for a by-country breakdown")
	f.String("from", "", "daily series start date (YYYY-MM-DD)")
	f.String("to", "", "daily series end date (YYYY-MM-DD)")
	f.String("metric", "", "metric key for experiment conversion counts")
	_ = statsCmd.MarkFlagRequired("platform")
	_ = statsCmd.MarkFlagRequired("environment")
	_ = statsCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newContainer(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	platform, environment, key := entityFlagsFromFlags(cmd)
	entityType, _ := cmd.Flags().GetString("type")

	switch entityType {
	case "flag":
		return runFlagStats(ctx, cmd, c, platform, environment, key)
	case "config":
		got, err := c.Stats.ConfigStats(ctx, platform, environment, key)
		if err != nil {
			return err
		}
		return printJSON(got)
	case "experiment":
		return runExperimentStats(ctx, cmd, c, platform, environment, key)
	default:
		return eris.Errorf("stats: --type must be flag, config, or experiment (got %q)", entityType)
	}
}

func runFlagStats(ctx context.Context, cmd *cobra.Command, c *container.Container, platform, environment, key string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	if from != "" || to != "" {
		fromDay, toDay, err := parseDateRange(from, to)
		if err != nil {
			return err
		}
		series, err := c.Stats.FlagDailySeries(ctx, platform, environment, key, fromDay, toDay)
		if err != nil {
			return err
		}
		return printJSON(series)
	}

	if countries, _ := cmd.Flags().GetString("countries"); countries != "" {
		byCountry, err := c.Stats.FlagStatsByCountry(ctx, platform, environment, key,
			splitAndTrim(countries))
		if err != nil {
			return err
		}
		return printJSON(byCountry)
	}

	got, err := c.Stats.FlagStats(ctx, platform, environment, key)
	if err != nil {
		return err
	}
	return printJSON(got)
}

func runExperimentStats(ctx context.Context, cmd *cobra.Command, c *container.Container, platform, environment, key string) error {
	exp, err := c.Store.GetExperiment(ctx, platform, environment, key)
	if err != nil {
		return eris.Wrapf(err, "stats: load experiment %s", key)
	}

	participants, err := c.Stats.ExperimentStats(ctx, exp)
	if err != nil {
		return err
	}

	out := struct {
		Status       string           `json:"status"`
		Participants map[string]int64 `json:"participants"`
		Conversions  map[string]int64 `json:"conversions,omitempty"`
		Metric       string           `json:"metric,omitempty"`
	}{
		Status:       string(exp.Status),
		Participants: participants,
	}

	if metric, _ := cmd.Flags().GetString("metric"); metric != "" {
		conversions, err := c.Stats.ExperimentMetricStats(ctx, exp, metric)
		if err != nil {
			return err
		}
		out.Metric = metric
		out.Conversions = conversions
	}

	return printJSON(out)
}

func parseDateRange(from, to string) (time.Time, time.Time, error) {
	const layout = "2006-01-02"

	if from == "" {
		from = to
	}
	fromDay, err := time.Parse(layout, from)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "stats: parse --from %q", from)
	}
	toDay := fromDay
	if to != "" {
		toDay, err = time.Parse(layout, to)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "stats: parse --to %q", to)
		}
	}
	return fromDay, toDay, nil
}

func splitAndTrim(s string) []string {
	var result []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
