// Package dedup finds duplicate graph entities by embedding similarity
// plus a name gate, clusters them, and merges each cluster into its
// best-connected member. Runs are idempotent: once merged, a cluster
// yields no further candidates.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/embedding"
	"github.com/thunderbirdlabs/cortex/internal/graphstore"
	"github.com/thunderbirdlabs/cortex/internal/metrics"
	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// healBatchLimit caps how many vectorless entities one run repairs.
const healBatchLimit = 500

// GraphStore is the graph surface the engine needs.
type GraphStore interface {
	DedupCandidates(ctx context.Context, tenantID string, sinceTimestamp *int64) ([]model.Entity, error)
	SimilarToEntity(ctx context.Context, tenantID string, entityID int64, topK int) ([]graphstore.EntityMatch, error)
	RelationshipCounts(ctx context.Context, entityIDs []int64) (map[int64]int, error)
	MergeNodes(ctx context.Context, tenantID string, primaryID int64, duplicateIDs []int64) (int, error)
	EntitiesMissingEmbedding(ctx context.Context, tenantID string, limit int) ([]model.Entity, error)
	SetEntityEmbedding(ctx context.Context, entityID int64, embedding []float32) error
}

// Config holds dedup thresholds and batch sizes.
type Config struct {
	SimilarityThreshold float64
	MaxEditDistance     int
	HoursLookback       int
	TopK                int
	MergeBatchSize      int
	MergeGuardThreshold int
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.92
	}
	if c.MaxEditDistance <= 0 {
		c.MaxEditDistance = 3
	}
	if c.HoursLookback == 0 {
		c.HoursLookback = 24
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.MergeBatchSize <= 0 {
		c.MergeBatchSize = 10
	}
	if c.MergeGuardThreshold <= 0 {
		c.MergeGuardThreshold = 100
	}
	return c
}

// Report summarises one dedup run.
type Report struct {
	TenantID              string        `json:"tenant_id"`
	DryRun                bool          `json:"dry_run"`
	CandidatesScanned     int           `json:"candidates_scanned"`
	DuplicatesFound       int           `json:"duplicates_found"`
	ClustersFound         int           `json:"clusters_found"`
	EntitiesMerged        int           `json:"entities_merged"`
	ClustersSkipped       int           `json:"clusters_skipped"`
	EmbeddingsRegenerated int           `json:"embeddings_regenerated"`
	GuardTriggered        bool          `json:"guard_triggered"`
	StartedAt             time.Time     `json:"started_at"`
	Duration              time.Duration `json:"duration"`
}

// Engine runs entity deduplication for one tenant at a time.
type Engine struct {
	graph    GraphStore
	embedder embedding.Embedder
	config   Config
	logger   *observability.Logger
	metrics  *metrics.Collector
}

// New creates a dedup engine. collector may be nil.
func New(graph GraphStore, embedder embedding.Embedder, cfg Config, logger *observability.Logger, collector *metrics.Collector) *Engine {
	return &Engine{
		graph:    graph,
		embedder: embedder,
		config:   cfg.withDefaults(),
		logger:   logger.WithComponent("dedup"),
		metrics:  collector,
	}
}

// Run executes one dedup pass. With dryRun set, nothing is written: the
// report describes what a real run would have done.
func (e *Engine) Run(ctx context.Context, tenantID string, dryRun bool) (*Report, error) {
	report := &Report{TenantID: tenantID, DryRun: dryRun, StartedAt: time.Now()}

	e.logger.Info().
		Str("tenant_id", tenantID).
		Bool("dry_run", dryRun).
		Msg("Starting dedup run")

	// Step 1: repair entities that never got an embedding so they can
	// participate in similarity search.
	if err := e.healEmbeddings(ctx, tenantID, dryRun, report); err != nil {
		return nil, err
	}

	// Step 2: enumerate candidates inside the lookback window. Entities
	// predating the bookkeeping column have no timestamp and are always
	// scanned.
	var since *int64
	if e.config.HoursLookback > 0 {
		ts := time.Now().Add(-time.Duration(e.config.HoursLookback) * time.Hour).Unix()
		since = &ts
	}
	candidates, err := e.graph.DedupCandidates(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("enumerate candidates: %w", err)
	}
	report.CandidatesScanned = len(candidates)

	// Step 3: pair each candidate with its nearest same-label
	// neighbours from the whole index and keep pairs that pass both the
	// similarity threshold and the name gate.
	uf := newUnionFind()
	pairs := 0
	for _, cand := range candidates {
		matches, err := e.graph.SimilarToEntity(ctx, tenantID, cand.ID, e.config.TopK)
		if err != nil {
			return nil, fmt.Errorf("similarity search for entity %d: %w", cand.ID, err)
		}
		for _, m := range matches {
			if m.Score < e.config.SimilarityThreshold {
				continue
			}
			if !namesMatch(cand.Name, m.Entity.Name, e.config.MaxEditDistance) {
				continue
			}
			uf.union(cand.ID, m.Entity.ID)
			pairs++
		}
	}

	clusters := uf.clusters()
	report.ClustersFound = len(clusters)
	for _, cl := range clusters {
		report.DuplicatesFound += len(cl.members) - 1
	}
	e.logger.Debug().
		Str("tenant_id", tenantID).
		Int("pairs", pairs).
		Int("clusters", len(clusters)).
		Msg("Candidate pairing completed")

	if len(clusters) == 0 {
		e.logger.Info().Str("tenant_id", tenantID).Int("candidates", len(candidates)).Msg("No duplicates found")
		return e.finish(report), nil
	}

	// Step 4: pick each cluster's survivor by relationship count.
	var allMembers []int64
	for _, cl := range clusters {
		allMembers = append(allMembers, cl.members...)
	}
	degrees, err := e.graph.RelationshipCounts(ctx, allMembers)
	if err != nil {
		return nil, fmt.Errorf("relationship counts: %w", err)
	}

	// Step 5: merge cluster by cluster in batches. Every merge is its
	// own transaction; a failed cluster is skipped, not fatal.
	if !dryRun {
		e.mergeClusters(ctx, tenantID, clusters, degrees, report)
	}

	// Step 6: alert when a run merges suspiciously many entities. The
	// merges stand; the alert asks a human to look at the thresholds.
	wouldMerge := report.EntitiesMerged
	if dryRun {
		wouldMerge = report.DuplicatesFound
	}
	if wouldMerge > e.config.MergeGuardThreshold {
		report.GuardTriggered = true
		if e.metrics != nil {
			e.metrics.DedupAlerts.Inc()
		}
		e.logger.Warn().
			Str("tenant_id", tenantID).
			Int("merged", wouldMerge).
			Int("threshold", e.config.MergeGuardThreshold).
			Msg("Dedup merge guard triggered")
	}

	return e.finish(report), nil
}

func (e *Engine) mergeClusters(ctx context.Context, tenantID string, clusters []cluster, degrees map[int64]int, report *Report) {
	batch := e.config.MergeBatchSize
	for start := 0; start < len(clusters); start += batch {
		end := start + batch
		if end > len(clusters) {
			end = len(clusters)
		}
		for _, cl := range clusters[start:end] {
			primary, duplicates := choosePrimary(cl.members, degrees)
			merged, err := e.graph.MergeNodes(ctx, tenantID, primary, duplicates)
			if err != nil {
				report.ClustersSkipped++
				e.logger.Warn().
					Str("tenant_id", tenantID).
					Int64("primary", primary).
					Int("size", len(cl.members)).
					Err(err).
					Msg("Cluster merge failed, skipping")
				continue
			}
			report.EntitiesMerged += merged
		}
		e.logger.Debug().
			Str("tenant_id", tenantID).
			Int("clusters_done", end).
			Int("clusters_total", len(clusters)).
			Msg("Merge batch completed")
	}
	if e.metrics != nil {
		e.metrics.EntitiesMerged.Add(float64(report.EntitiesMerged))
	}
}

// healEmbeddings regenerates missing entity embeddings from the
// canonical "label: name" text.
func (e *Engine) healEmbeddings(ctx context.Context, tenantID string, dryRun bool, report *Report) error {
	missing, err := e.graph.EntitiesMissingEmbedding(ctx, tenantID, healBatchLimit)
	if err != nil {
		return fmt.Errorf("list entities missing embeddings: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}
	if dryRun {
		report.EmbeddingsRegenerated = len(missing)
		return nil
	}

	texts := make([]string, len(missing))
	for i := range missing {
		texts[i] = missing[i].EmbeddingText()
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		e.logger.Warn().Err(err).Int("entities", len(missing)).Msg("Embedding regeneration failed, continuing without heal")
		return nil
	}
	for i := range missing {
		if i >= len(vectors) {
			break
		}
		if err := e.graph.SetEntityEmbedding(ctx, missing[i].ID, vectors[i]); err != nil {
			e.logger.Warn().Int64("entity_id", missing[i].ID).Err(err).Msg("Embedding write failed")
			continue
		}
		report.EmbeddingsRegenerated++
	}
	if e.metrics != nil {
		e.metrics.EmbeddingsHealed.Add(float64(report.EmbeddingsRegenerated))
	}
	return nil
}

func (e *Engine) finish(report *Report) *Report {
	report.Duration = time.Since(report.StartedAt)
	if e.metrics != nil {
		e.metrics.DedupRuns.Inc()
	}
	e.logger.Info().
		Str("tenant_id", report.TenantID).
		Bool("dry_run", report.DryRun).
		Int("candidates", report.CandidatesScanned).
		Int("clusters", report.ClustersFound).
		Int("merged", report.EntitiesMerged).
		Int("skipped", report.ClustersSkipped).
		Int("healed", report.EmbeddingsRegenerated).
		Dur("duration", report.Duration).
		Msg("Dedup run completed")
	return report
}
