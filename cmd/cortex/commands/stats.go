package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
)

var statsTenant string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus statistics for a tenant",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsTenant, "tenant", "", "Tenant ID (optional, defaults to config)")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	eng, cfg, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	tenantID := resolveTenant(statsTenant, cfg)

	stats, err := eng.Stats(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("stats failed: %w", err)
	}

	ui.Section("Corpus Statistics")
	rows := [][]string{
		{"Tenant", stats.TenantID},
		{"Documents", fmt.Sprintf("%d", stats.Documents)},
		{"Chunks", fmt.Sprintf("%d", stats.Chunks)},
		{"Entities", fmt.Sprintf("%d", stats.Graph.Entities)},
		{"Relations", fmt.Sprintf("%d", stats.Graph.Relations)},
		{"Graph chunk nodes", fmt.Sprintf("%d", stats.Graph.ChunkNodes)},
		{"Entity mentions", fmt.Sprintf("%d", stats.Graph.Mentions)},
	}
	if stats.QueueDepth != nil {
		rows = append(rows, []string{"Queue depth", fmt.Sprintf("%d", *stats.QueueDepth)})
	}
	ui.Table([]string{"Metric", "Value"}, rows)
	ui.Newline()

	if stats.LastDedup != nil {
		ui.Info("Last dedup: %d merged of %d candidates at %s",
			stats.LastDedup.EntitiesMerged,
			stats.LastDedup.CandidatesScanned,
			stats.LastDedup.StartedAt.Format(time.RFC3339))
	}
	return nil
}
