package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
)

var (
	deleteTenant string
	deleteYes    bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document from all stores",
	Long: `Remove a document's chunks from the vector store, its chunk nodes and
mentions from the graph, and its bookkeeping record. Entities the
document mentioned are kept; they may be referenced by other documents.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().StringVar(&deleteTenant, "tenant", "", "Tenant ID (optional, defaults to config)")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Skip confirmation")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	documentID := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	eng, cfg, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	tenantID := resolveTenant(deleteTenant, cfg)

	if !deleteYes {
		ok, err := ui.Confirm(fmt.Sprintf("Delete document %s for tenant %s?", documentID, tenantID), false)
		if err != nil {
			return err
		}
		if !ok {
			ui.Info("Aborted")
			return nil
		}
	}

	if err := eng.DeleteDocument(ctx, tenantID, documentID); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	ui.Success("Deleted %s", documentID)
	return nil
}
