package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/switchboard-io/switchboard/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a batch of measurement events from a JSON file",
	Long: `Reads a JSON array of measurement events and delivers them to the
counter store. Files larger than the per-call batch cap are split into
sequential batches. Events that fail are logged, counted, and skipped;
they never abort the rest of the file.

Example event file:
  [
    {"type": "flag_evaluation", "platform": "ios", "environment": "production",
     "key": "checkout-redesign", "servedValue": "A", "context": {"user_id": "u-1"}},
    {"type": "experiment_exposure", "platform": "web", "environment": "production",
     "key": "pricing-page", "variationKey": "treatment"}
  ]`,
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.String("file", "", "path to a JSON array of events (required)")
	_ = ingestCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path, _ := cmd.Flags().GetString("file")
	raw, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "ingest: read %s", path)
	}

	var events []ingest.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return eris.Wrapf(err, "ingest: parse %s", path)
	}
	if len(events) == 0 {
		fmt.Println("No events in file.")
		return nil
	}

	c, err := newContainer(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	log := zap.L().With(zap.String("command", "ingest"))

	var processed, failed int
	for start := 0; start < len(events); start += ingest.MaxBatchSize {
		end := min(start+ingest.MaxBatchSize, len(events))

		res, err := c.Ingest.ProcessBatch(ctx, events[start:end])
		if err != nil {
			return eris.Wrapf(err, "ingest: batch starting at event %d", start)
		}
		processed += res.Processed
		failed += res.Failed
		for _, f := range res.Failures {
			log.Warn("event failed",
				zap.Int("index", start+f.Index),
				zap.String("error", f.Error))
		}
	}

	fmt.Printf("Ingested %d/%d events (%d failed)\n", processed, len(events), failed)
	if parked := c.DLQ.Len(); parked > 0 {
		fmt.Printf("%d events parked in the dead letter queue\n", parked)
	}
	return nil
}
