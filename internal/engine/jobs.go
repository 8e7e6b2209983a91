package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/jobs"
	"github.com/thunderbirdlabs/cortex/internal/model"
)

// ErrJobsUnavailable means the engine was built without a Redis cache
// driver, so there is no broker to queue work on.
var ErrJobsUnavailable = errors.New("jobs require the redis cache driver")

// Queue exposes the job queue for processes that enqueue directly.
func (e *Engine) Queue() (*jobs.Queue, error) {
	if e.queue == nil {
		return nil, ErrJobsUnavailable
	}
	return e.queue, nil
}

// Worker builds a worker with every Cortex job type registered. The
// caller runs it.
func (e *Engine) Worker() (*jobs.Worker, error) {
	if e.queue == nil {
		return nil, ErrJobsUnavailable
	}
	w := jobs.NewWorker(e.queue, e.config.Jobs.JobTimeout, e.logger, e.metrics)
	w.Register(jobs.TypeIngestDocument, e.handleIngestJob)
	w.Register(jobs.TypeDedupRun, e.handleDedupJob)
	w.Register(jobs.TypeGraphBackfill, e.handleBackfillJob)
	return w, nil
}

// Scheduler builds the periodic scheduler. At most one instance
// cluster-wide runs its loops; the rest exit idle.
func (e *Engine) Scheduler() (*jobs.Scheduler, error) {
	if e.broker == nil {
		return nil, ErrJobsUnavailable
	}
	return jobs.NewScheduler(e.broker, e.queue, e.documents, jobs.SchedulerConfig{
		DedupInterval: e.dedupInterval(),
		LockTTL:       e.config.Jobs.LockTTL,
		LockRefresh:   e.config.Jobs.LockRefresh,
	}, e.logger), nil
}

func (e *Engine) dedupInterval() time.Duration {
	return time.Duration(e.config.Dedup.IntervalMinutes) * time.Minute
}

// handleIngestJob ingests one document from the job payload. Transient
// pipeline errors surface as job errors so the queue retries them.
func (e *Engine) handleIngestJob(ctx context.Context, job *jobs.Job) error {
	var payload jobs.IngestPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	payload.Document.TenantID = e.tenant(job.TenantID)

	result := e.pipeline.Ingest(ctx, payload.Document)
	if result.Status == model.StatusError {
		return fmt.Errorf("ingest %s: %s", result.DocumentID, result.Error)
	}
	return nil
}

// handleDedupJob runs a dedup pass for the job's tenant.
func (e *Engine) handleDedupJob(ctx context.Context, job *jobs.Job) error {
	var payload jobs.DedupPayload
	if len(job.Payload) > 0 {
		if err := job.DecodePayload(&payload); err != nil {
			return err
		}
	}

	report, err := e.dedup.Run(ctx, e.tenant(job.TenantID), payload.DryRun)
	if err != nil {
		return err
	}
	e.recordDedup(report.TenantID, report)
	return nil
}

// handleBackfillJob re-derives the graph side of one document from its
// stored chunks.
func (e *Engine) handleBackfillJob(ctx context.Context, job *jobs.Job) error {
	var payload jobs.BackfillPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}

	rec, err := e.documents.FindByDocumentID(ctx, e.tenant(job.TenantID), payload.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", payload.DocumentID, err)
	}
	if rec == nil {
		return fmt.Errorf("document %s not found for tenant %s", payload.DocumentID, job.TenantID)
	}

	result := e.pipeline.RebuildGraph(ctx, rec)
	if result.Status == model.StatusError {
		return fmt.Errorf("rebuild graph for %s: %s", payload.DocumentID, result.Error)
	}
	return nil
}
