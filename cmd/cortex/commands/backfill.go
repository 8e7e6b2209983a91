package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
)

var (
	backfillTenant string
	backfillLimit  int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Enqueue graph repair jobs for partially ingested documents",
	Long: `Find documents whose vector write succeeded but whose graph write did
not, and enqueue a repair job per document. Workers re-derive the graph
side from the stored chunks.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().StringVar(&backfillTenant, "tenant", "", "Tenant ID (optional, defaults to config)")
	backfillCmd.Flags().IntVar(&backfillLimit, "limit", 0, "Maximum jobs to enqueue (0 uses the configured default)")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	eng, cfg, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	tenantID := resolveTenant(backfillTenant, cfg)

	ui.Section("Graph Backfill")
	ui.Info("Tenant: %s", tenantID)
	ui.Newline()

	spinner := ui.NewSpinner("Scanning for repairable documents...")
	spinner.Start()
	enqueued, err := eng.Backfill(ctx, tenantID, backfillLimit)
	spinner.Stop()
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}

	if enqueued == 0 {
		ui.Success("Nothing to repair")
		return nil
	}
	ui.Success("Enqueued %d repair jobs (run 'cortex worker' to process them)", enqueued)
	return nil
}
