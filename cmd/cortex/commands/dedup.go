package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
)

var (
	dedupTenant string
	dedupDryRun bool
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Run entity deduplication for a tenant",
	Long: `Scan recently touched entities for duplicates, merge clusters that pass
the similarity and edit-distance gates, and heal missing name
embeddings. With --dry-run the pass reports what it would merge
without writing.`,
	RunE: runDedup,
}

func init() {
	dedupCmd.Flags().StringVar(&dedupTenant, "tenant", "", "Tenant ID (optional, defaults to config)")
	dedupCmd.Flags().BoolVar(&dedupDryRun, "dry-run", false, "Report without merging")
	rootCmd.AddCommand(dedupCmd)
}

func runDedup(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	eng, cfg, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	tenantID := resolveTenant(dedupTenant, cfg)

	ui.Section("Entity Deduplication")
	ui.Info("Tenant: %s", tenantID)
	if dedupDryRun {
		ui.Info("Mode: dry run")
	}
	ui.Newline()

	spinner := ui.NewSpinner("Scanning for duplicates...")
	spinner.Start()
	report, err := eng.RunDedup(ctx, tenantID, dedupDryRun)
	spinner.Stop()
	if err != nil {
		return fmt.Errorf("dedup failed: %w", err)
	}

	ui.Table([]string{"Metric", "Value"}, [][]string{
		{"Candidates scanned", fmt.Sprintf("%d", report.CandidatesScanned)},
		{"Duplicates found", fmt.Sprintf("%d", report.DuplicatesFound)},
		{"Clusters found", fmt.Sprintf("%d", report.ClustersFound)},
		{"Entities merged", fmt.Sprintf("%d", report.EntitiesMerged)},
		{"Clusters skipped", fmt.Sprintf("%d", report.ClustersSkipped)},
		{"Embeddings healed", fmt.Sprintf("%d", report.EmbeddingsRegenerated)},
		{"Duration", report.Duration.Round(time.Millisecond).String()},
	})
	ui.Newline()

	if report.GuardTriggered {
		ui.Warning("Merge guard triggered: a cluster exceeded the merge batch threshold and was skipped")
	}
	if report.DryRun {
		ui.Success("Dry run complete, nothing was merged")
	} else {
		ui.Success("Dedup pass complete, %d entities merged", report.EntitiesMerged)
	}
	return nil
}
