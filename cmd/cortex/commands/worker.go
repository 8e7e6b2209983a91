package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a job worker until interrupted",
	Long: `Consume jobs from the Redis queue and execute them: document ingestion,
dedup passes and graph backfills. Runs until SIGINT or SIGTERM.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, _, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	worker, err := eng.Worker()
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	ui.Info("Worker running, press Ctrl+C to stop")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker stopped: %w", err)
	}
	ui.Success("Worker stopped")
	return nil
}
