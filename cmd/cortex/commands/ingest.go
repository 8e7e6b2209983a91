package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thunderbirdlabs/cortex/cmd/cortex/ui"
	"github.com/thunderbirdlabs/cortex/internal/engine"
	"github.com/thunderbirdlabs/cortex/internal/ingest"
	"github.com/thunderbirdlabs/cortex/internal/model"
)

var (
	ingestFile   string
	ingestDir    string
	ingestTenant string
	ingestAsync  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest documents into the knowledge base",
	Long: `Ingest JSON documents into the knowledge base. A file may hold a single
document object or an array of documents; a directory ingests every
.json file it contains.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "Path to a JSON document file")
	ingestCmd.Flags().StringVarP(&ingestDir, "dir", "d", "", "Directory of JSON document files")
	ingestCmd.Flags().StringVar(&ingestTenant, "tenant", "", "Tenant ID (optional, defaults to config)")
	ingestCmd.Flags().BoolVar(&ingestAsync, "async", false, "Enqueue instead of ingesting synchronously")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestFile == "" && ingestDir == "" {
		return fmt.Errorf("either --file or --dir is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	eng, cfg, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	docs, err := collectDocuments(ingestFile, ingestDir)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		ui.Warning("No documents found")
		return nil
	}

	tenantID := resolveTenant(ingestTenant, cfg)
	for i := range docs {
		if docs[i].TenantID == "" {
			docs[i].TenantID = tenantID
		}
	}

	ui.Section("Document Ingestion")
	ui.Info("Tenant: %s", tenantID)
	ui.Info("Documents: %d", len(docs))
	ui.Newline()

	if ingestAsync {
		return enqueueDocuments(ctx, eng, docs)
	}

	// Feed the pipeline one worker-pool round at a time so the bar
	// advances while the batch fan-out stays saturated.
	round := cfg.Ingestion.NumWorkers
	if round <= 0 {
		round = 1
	}

	bar := ui.NewProgressBar(int64(len(docs)), "Ingesting")
	var results []*ingest.Result
	for start := 0; start < len(docs); start += round {
		end := start + round
		if end > len(docs) {
			end = len(docs)
		}
		results = append(results, eng.IngestBatch(ctx, docs[start:end])...)
		bar.Set(int64(end))
	}
	bar.Finish()

	return summarizeResults(results)
}

func enqueueDocuments(ctx context.Context, eng *engine.Engine, docs []model.Document) error {
	for _, doc := range docs {
		jobID, err := eng.EnqueueIngest(ctx, doc)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", doc.SourceID, err)
		}
		ui.Info("Enqueued %s as job %s", doc.SourceID, jobID)
	}
	ui.Success("Enqueued %d documents", len(docs))
	return nil
}

func summarizeResults(results []*ingest.Result) error {
	var succeeded, partial, skipped, failed int
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		switch res.Status {
		case model.StatusSuccess:
			succeeded++
		case model.StatusPartialSuccess:
			partial++
		case model.StatusSkipped:
			skipped++
		default:
			failed++
		}
		detail := res.Error
		if detail == "" {
			detail = fmt.Sprintf("%d chunks, %d entities", res.ChunkCount, res.EntityCount)
		}
		rows = append(rows, []string{res.DocumentID, string(res.Status), detail})
	}

	ui.Newline()
	ui.Table([]string{"Document", "Status", "Detail"}, rows)
	ui.Newline()

	if failed > 0 {
		ui.Error("%d of %d documents failed", failed, len(results))
		return fmt.Errorf("%d documents failed", failed)
	}
	if partial > 0 {
		ui.Warning("%d documents stored without graph artifacts (run backfill)", partial)
	}
	ui.Success("Ingested %d documents (%d skipped as duplicates)", succeeded+partial, skipped)
	return nil
}

// collectDocuments reads documents from a file, a directory of .json
// files, or both.
func collectDocuments(file, dir string) ([]model.Document, error) {
	var docs []model.Document

	if file != "" {
		fromFile, err := readDocuments(file)
		if err != nil {
			return nil, err
		}
		docs = append(docs, fromFile...)
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read directory: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			fromFile, err := readDocuments(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			docs = append(docs, fromFile...)
		}
	}

	return docs, nil
}

// readDocuments decodes one JSON file holding a document object or an
// array of documents.
func readDocuments(path string) ([]model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "[") {
		var docs []model.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return docs, nil
	}

	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return []model.Document{doc}, nil
}
