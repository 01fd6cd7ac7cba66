package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/switchboard-io/switchboard/internal/config"
	"github.com/switchboard-io/switchboard/internal/container"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Feature flag and experimentation decision core",
	Long:  "Evaluates feature flags, assigns experiment variations deterministically, ingests measurement events into sharded counters, and runs significance analysis over the results.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// newContainer wires the application graph for a command invocation.
func newContainer(ctx context.Context) (*container.Container, error) {
	return container.New(ctx, cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
