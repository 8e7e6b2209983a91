package jobs

import (
	"context"
	"fmt"

	"github.com/thunderbirdlabs/cortex/internal/docstore"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// DocumentLister finds documents whose graph side needs re-deriving.
type DocumentLister interface {
	ListNeedingGraphBackfill(ctx context.Context, tenantID string, limit int) ([]*docstore.Record, error)
}

// BackfillConfig bounds one backfill run.
type BackfillConfig struct {
	DefaultLimit int
	MaxLimit     int
}

func (c BackfillConfig) withDefaults() BackfillConfig {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 100
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 1000
	}
	return c
}

// Backfill enumerates documents missing graph artifacts and enqueues a
// repair job per document.
type Backfill struct {
	documents DocumentLister
	queue     *Queue
	config    BackfillConfig
	logger    *observability.Logger
}

// NewBackfill creates the backfill task.
func NewBackfill(documents DocumentLister, queue *Queue, cfg BackfillConfig, logger *observability.Logger) *Backfill {
	return &Backfill{
		documents: documents,
		queue:     queue,
		config:    cfg.withDefaults(),
		logger:    logger.WithComponent("backfill"),
	}
}

// Run enqueues up to limit graph backfill jobs for one tenant and
// returns how many were enqueued. A non-positive limit uses the
// default; limits above the maximum are clamped.
func (b *Backfill) Run(ctx context.Context, tenantID string, limit int) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("backfill requires a tenant")
	}
	if limit <= 0 {
		limit = b.config.DefaultLimit
	}
	if limit > b.config.MaxLimit {
		limit = b.config.MaxLimit
	}

	records, err := b.documents.ListNeedingGraphBackfill(ctx, tenantID, limit)
	if err != nil {
		return 0, fmt.Errorf("list documents for backfill: %w", err)
	}

	enqueued := 0
	for _, rec := range records {
		job, err := NewJob(TypeGraphBackfill, tenantID, BackfillPayload{
			DocumentID: rec.DocumentID,
			Source:     rec.Source,
			SourceID:   rec.SourceID,
		})
		if err != nil {
			return enqueued, err
		}
		if err := b.queue.Enqueue(ctx, job); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	b.logger.Info().
		Str("tenant_id", tenantID).
		Int("candidates", len(records)).
		Int("enqueued", enqueued).
		Msg("Backfill run completed")
	return enqueued, nil
}
