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

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic job scheduler until interrupted",
	Long: `Compete for the cluster-wide scheduler lock and, while holding it,
enqueue periodic dedup jobs for every known tenant. Instances that do
not win the lock exit so a supervisor can retry them.`,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, _, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	scheduler, err := eng.Scheduler()
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	ui.Info("Scheduler running, press Ctrl+C to stop")
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler stopped: %w", err)
	}
	ui.Success("Scheduler stopped")
	return nil
}
