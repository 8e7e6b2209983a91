package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
	"github.com/thunderbirdlabs/cortex/internal/query"
)

var (
	queryQuestion string
	queryTenant   string
	querySource   string
	queryDocType  string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Ask a natural language question",
	Long:  "Answer one natural language question over a tenant's knowledge base.",
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryQuestion, "question", "q", "", "Question to ask (required)")
	queryCmd.Flags().StringVar(&queryTenant, "tenant", "", "Tenant ID (optional, defaults to config)")
	queryCmd.Flags().StringVar(&querySource, "source", "", "Restrict to one source (e.g. gmail)")
	queryCmd.Flags().StringVar(&queryDocType, "type", "", "Restrict to one document type (e.g. email)")
	queryCmd.MarkFlagRequired("question")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	eng, cfg, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	tenantID := resolveTenant(queryTenant, cfg)

	ui.Section("Query")
	ui.Info("Tenant: %s", tenantID)
	ui.Info("Question: %s", queryQuestion)
	ui.Newline()

	spinner := ui.NewSpinner("Thinking...")
	spinner.Start()
	resp, err := eng.Query(ctx, tenantID, queryQuestion, queryOptions())
	spinner.Stop()
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	displayAnswer(resp)
	return nil
}

func queryOptions() *query.Options {
	if querySource == "" && queryDocType == "" {
		return nil
	}
	return &query.Options{
		Source:       querySource,
		DocumentType: queryDocType,
	}
}

func displayAnswer(resp *query.Response) {
	ui.Section("Answer")
	ui.Message("%s", resp.Answer)
	ui.Newline()

	if len(resp.SourceNodes) == 0 {
		return
	}

	rows := make([][]string, 0, len(resp.SourceNodes))
	for _, node := range resp.SourceNodes {
		when := "-"
		if node.CreatedAt != nil {
			when = node.CreatedAt.Format("2006-01-02")
		}
		rows = append(rows, []string{
			node.Title,
			node.DocumentType,
			when,
			fmt.Sprintf("%.3f", node.Score),
		})
	}
	ui.Info("Sources:")
	ui.Table([]string{"Title", "Type", "Date", "Score"}, rows)
}
