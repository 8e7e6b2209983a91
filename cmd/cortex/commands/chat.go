package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
	"github.com/thunderbirdlabs/cortex/internal/llm"
)

var chatTenant string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive question and answer session",
	Long: `Start an interactive session. Each answer is grounded in the tenant's
knowledge base and prior turns carry into the next question. Type
'exit' or press Ctrl+D to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatTenant, "tenant", "", "Tenant ID (optional, defaults to config)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	eng, cfg, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	tenantID := resolveTenant(chatTenant, cfg)

	ui.Section("Chat")
	ui.Info("Tenant: %s", tenantID)
	ui.Info("Type a question, or 'exit' to leave.")
	ui.Newline()

	var history []llm.Message
	for {
		question, err := ui.Prompt("You")
		if err != nil {
			// Ctrl+D ends the session.
			ui.Newline()
			return nil
		}
		question = strings.TrimSpace(question)
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return nil
		}

		spinner := ui.NewSpinner("Thinking...")
		spinner.Start()
		resp, err := eng.Chat(ctx, tenantID, question, history, nil)
		spinner.Stop()
		if err != nil {
			ui.Error("Query failed: %v", err)
			continue
		}

		ui.Newline()
		ui.Message("%s", resp.Answer)
		if len(resp.SourceNodes) > 0 {
			titles := make([]string, 0, len(resp.SourceNodes))
			for _, node := range resp.SourceNodes {
				titles = append(titles, fmt.Sprintf("%s (%.3f)", node.Title, node.Score))
			}
			ui.Info("Sources: %s", strings.Join(titles, "; "))
		}
		ui.Newline()

		history = append(history,
			llm.Message{Role: "user", Content: question},
			llm.Message{Role: "assistant", Content: resp.Answer},
		)
	}
}
