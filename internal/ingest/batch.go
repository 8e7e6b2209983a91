package ingest

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

// IngestBatch processes documents concurrently and returns one result
// per input, in input order. numWorkers and maxConcurrentGraph override
// the pipeline defaults when positive. A panicking document yields an
// error result; it never takes the batch down.
func (p *Pipeline) IngestBatch(ctx context.Context, docs []model.Document, numWorkers, maxConcurrentGraph int) []*Result {
	if len(docs) == 0 {
		return nil
	}
	if numWorkers <= 0 {
		numWorkers = p.config.NumWorkers
	}
	graphSem := p.graphSem
	if maxConcurrentGraph > 0 && maxConcurrentGraph != p.config.MaxConcurrentGraph {
		graphSem = semaphore.NewWeighted(int64(maxConcurrentGraph))
	}

	p.logger.Info().
		Int("documents", len(docs)).
		Int("workers", numWorkers).
		Msg("Starting batch ingestion")

	results := make([]*Result, len(docs))

	var g errgroup.Group
	g.SetLimit(numWorkers)
	for i := range docs {
		i := i
		g.Go(func() error {
			results[i] = p.ingestGuarded(ctx, docs[i], graphSem)
			return nil
		})
	}
	g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Status == model.StatusSuccess {
			succeeded++
		}
	}
	p.logger.Info().
		Int("documents", len(docs)).
		Int("succeeded", succeeded).
		Msg("Batch ingestion completed")

	return results
}

// ingestGuarded converts a panic during one document's ingestion into
// an error result.
func (p *Pipeline) ingestGuarded(ctx context.Context, doc model.Document, graphSem *semaphore.Weighted) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("document_id", doc.DocID).
				Interface("panic", r).
				Msg("Document ingestion panicked")
			result = &Result{
				DocumentID: doc.DocID,
				TenantID:   doc.TenantID,
				Status:     model.StatusError,
				ErrorKind:  model.ErrInternal,
				Error:      fmt.Sprintf("panic: %v", r),
				StartedAt:  time.Now(),
			}
		}
	}()
	return p.ingestOne(ctx, doc, graphSem)
}
