package engine

import (
	"context"
	"fmt"

	"github.com/thunderbirdlabs/cortex/internal/dedup"
	"github.com/thunderbirdlabs/cortex/internal/graphstore"
	"github.com/thunderbirdlabs/cortex/internal/ingest"
	"github.com/thunderbirdlabs/cortex/internal/jobs"
	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/query"
)

// tenant resolves an empty tenant ID to the configured default.
func (e *Engine) tenant(tenantID string) string {
	if tenantID == "" {
		return e.config.Tenancy.DefaultTenant
	}
	return tenantID
}

// IngestDocument runs the full ingestion pipeline for one document
// synchronously and returns its per-document result.
func (e *Engine) IngestDocument(ctx context.Context, doc model.Document) *ingest.Result {
	doc.TenantID = e.tenant(doc.TenantID)
	return e.pipeline.Ingest(ctx, doc)
}

// IngestBatch ingests a batch of documents with the configured
// concurrency. Results come back in input order.
func (e *Engine) IngestBatch(ctx context.Context, docs []model.Document) []*ingest.Result {
	for i := range docs {
		docs[i].TenantID = e.tenant(docs[i].TenantID)
	}
	return e.pipeline.IngestBatch(ctx, docs,
		e.config.Ingestion.NumWorkers, e.config.Ingestion.MaxConcurrentGraph)
}

// EnqueueIngest pushes a document onto the job queue for asynchronous
// ingestion and returns the job ID for status polling.
func (e *Engine) EnqueueIngest(ctx context.Context, doc model.Document) (string, error) {
	if e.queue == nil {
		return "", ErrJobsUnavailable
	}
	doc.TenantID = e.tenant(doc.TenantID)

	job, err := jobs.NewJob(jobs.TypeIngestDocument, doc.TenantID, jobs.IngestPayload{Document: doc})
	if err != nil {
		return "", err
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Query answers a single question for a tenant.
func (e *Engine) Query(ctx context.Context, tenantID, question string, opts *query.Options) (*query.Response, error) {
	return e.query.Query(ctx, e.tenant(tenantID), question, opts)
}

// Chat answers a question in the context of prior conversation turns.
func (e *Engine) Chat(ctx context.Context, tenantID, question string, history []llm.Message, opts *query.Options) (*query.Response, error) {
	return e.query.Chat(ctx, e.tenant(tenantID), question, history, opts)
}

// RunDedup runs one entity-deduplication pass for a tenant and records
// the report for Stats.
func (e *Engine) RunDedup(ctx context.Context, tenantID string, dryRun bool) (*dedup.Report, error) {
	tenantID = e.tenant(tenantID)
	report, err := e.dedup.Run(ctx, tenantID, dryRun)
	if err != nil {
		return nil, err
	}
	e.recordDedup(tenantID, report)
	return report, nil
}

func (e *Engine) recordDedup(tenantID string, report *dedup.Report) {
	e.mu.Lock()
	e.lastDedup[tenantID] = report
	e.mu.Unlock()
}

// Backfill enqueues graph-repair jobs for documents whose vector write
// succeeded but whose graph write did not. Returns the number of jobs
// enqueued.
func (e *Engine) Backfill(ctx context.Context, tenantID string, limit int) (int, error) {
	if e.queue == nil {
		return 0, ErrJobsUnavailable
	}
	b := jobs.NewBackfill(e.documents, e.queue, jobs.BackfillConfig{
		DefaultLimit: e.config.Jobs.BackfillLimit,
		MaxLimit:     e.config.Jobs.BackfillMax,
	}, e.logger)
	return b.Run(ctx, e.tenant(tenantID), limit)
}

// DeleteDocument removes a document from the vector store, the graph
// and the bookkeeping store.
func (e *Engine) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}
	return e.pipeline.DeleteDocument(ctx, e.tenant(tenantID), documentID)
}

// Stats is a point-in-time snapshot of one tenant's corpus.
type Stats struct {
	TenantID   string           `json:"tenant_id"`
	Documents  int64            `json:"documents"`
	Chunks     int64            `json:"chunks"`
	Graph      graphstore.Stats `json:"graph"`
	QueueDepth *int64           `json:"queue_depth,omitempty"`
	LastDedup  *dedup.Report    `json:"last_dedup,omitempty"`
}

// Stats gathers corpus counts for a tenant across all three stores,
// plus queue depth when jobs are available and the most recent dedup
// report this process has seen.
func (e *Engine) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	tenantID = e.tenant(tenantID)

	docs, err := e.documents.Count(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	chunks, err := e.vectors.Count(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	graph, err := e.graph.Stats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("graph stats: %w", err)
	}

	stats := &Stats{
		TenantID:  tenantID,
		Documents: docs,
		Chunks:    chunks,
		Graph:     graph,
	}
	if e.queue != nil {
		if depth, err := e.queue.Len(ctx); err == nil {
			stats.QueueDepth = &depth
		}
	}

	e.mu.Lock()
	stats.LastDedup = e.lastDedup[tenantID]
	e.mu.Unlock()
	return stats, nil
}

// JobStatus reads the advisory status record of a queued job.
func (e *Engine) JobStatus(ctx context.Context, jobID string) (*jobs.Job, error) {
	if e.queue == nil {
		return nil, ErrJobsUnavailable
	}
	return e.queue.Status(ctx, jobID)
}
