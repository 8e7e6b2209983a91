// Package ingest coordinates document ingestion: duplicate suppression,
// chunking, embedding and vector writes, then extraction, validation and
// graph writes, with partial failure contained per document.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/thunderbirdlabs/cortex/internal/chunk"
	"github.com/thunderbirdlabs/cortex/internal/docstore"
	"github.com/thunderbirdlabs/cortex/internal/embedding"
	"github.com/thunderbirdlabs/cortex/internal/extract"
	"github.com/thunderbirdlabs/cortex/internal/metrics"
	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/observability"
	"github.com/thunderbirdlabs/cortex/internal/sanitize"
)

// VectorWriter is the vector store surface the pipeline needs. The one
// read, ChunksByDocument, feeds graph backfill from stored chunk
// content.
type VectorWriter interface {
	ReplaceDocument(ctx context.Context, tenantID, documentID string, chunks []model.Chunk) error
	ChunksByDocument(ctx context.Context, tenantID, documentID string) ([]model.Chunk, error)
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
}

// GraphWriter is the graph store surface the pipeline needs.
type GraphWriter interface {
	UpsertChunkNode(ctx context.Context, c model.Chunk) error
	MergeEntity(ctx context.Context, e model.Entity) (int64, bool, error)
	MergeRelation(ctx context.Context, tenantID string, sourceID int64, label string, targetID int64) (bool, error)
	LinkMentions(ctx context.Context, chunkID string, entityIDs []int64) error
	LinkEmailEdge(ctx context.Context, entityID int64, chunkID, label string) error
	DeleteDocumentChunks(ctx context.Context, tenantID, documentID string) error
}

// DocumentStore is the bookkeeping surface the pipeline needs. It is
// optional; without it duplicate suppression and timestamp inheritance
// degrade gracefully.
type DocumentStore interface {
	Upsert(ctx context.Context, rec *docstore.Record) error
	FindByContentHash(ctx context.Context, tenantID, contentHash string) (*docstore.Record, error)
	FindByDocumentID(ctx context.Context, tenantID, documentID string) (*docstore.Record, error)
	Delete(ctx context.Context, tenantID, documentID string) error
}

// TripleExtractor produces candidate entities and triples from chunk
// text.
type TripleExtractor interface {
	Extract(ctx context.Context, text string) (extract.Result, error)
}

// RelationValidator filters candidate triples against chunk text.
type RelationValidator interface {
	Validate(ctx context.Context, chunkText string, triples []extract.Triple) []extract.Triple
}

// Config holds pipeline settings.
type Config struct {
	ChunkSize             int
	ChunkOverlap          int
	NumWorkers            int
	MaxConcurrentGraph    int
	ValidateRelationships bool
}

// Result is the per-document ingestion outcome. Failures are carried
// here rather than raised, so a batch can always report one result per
// input.
type Result struct {
	DocumentID    string          `json:"document_id"`
	TenantID      string          `json:"tenant_id"`
	Status        model.Status    `json:"status"`
	ErrorKind     model.ErrorKind `json:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty"`
	ChunkCount    int             `json:"chunk_count"`
	EntityCount   int             `json:"entity_count"`
	RelationCount int             `json:"relation_count"`
	StartedAt     time.Time       `json:"started_at"`
	Duration      time.Duration   `json:"duration"`
}

// Pipeline orchestrates document ingestion into both stores.
type Pipeline struct {
	logger    *observability.Logger
	config    Config
	splitter  *chunk.Splitter
	sanitizer *sanitize.Sanitizer
	embedder  embedding.Embedder
	extractor TripleExtractor
	validator RelationValidator
	vectors   VectorWriter
	graph     GraphWriter
	documents DocumentStore
	metrics   *metrics.Collector
	graphSem  *semaphore.Weighted
}

// NewPipeline creates an ingestion pipeline. documents and collector
// may be nil.
func NewPipeline(
	logger *observability.Logger,
	cfg Config,
	embedder embedding.Embedder,
	extractor TripleExtractor,
	validator RelationValidator,
	vectors VectorWriter,
	graph GraphWriter,
	documents DocumentStore,
	collector *metrics.Collector,
) *Pipeline {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.MaxConcurrentGraph <= 0 {
		cfg.MaxConcurrentGraph = 10
	}
	return &Pipeline{
		logger:    logger.WithComponent("ingest"),
		config:    cfg,
		splitter:  chunk.NewSplitter(chunk.Config{ChunkSize: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}),
		sanitizer: sanitize.New(0, 0),
		embedder:  embedder,
		extractor: extractor,
		validator: validator,
		vectors:   vectors,
		graph:     graph,
		documents: documents,
		metrics:   collector,
		graphSem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentGraph)),
	}
}

// Ingest processes a single document end to end. The returned result
// always carries a status; errors are folded in rather than raised.
func (p *Pipeline) Ingest(ctx context.Context, doc model.Document) *Result {
	return p.ingestOne(ctx, doc, p.graphSem)
}

func (p *Pipeline) ingestOne(ctx context.Context, doc model.Document, graphSem *semaphore.Weighted) *Result {
	// Step 1: prepare the canonical representation.
	doc.Content = model.NormalizeContent(doc.Content)
	if doc.DocID == "" {
		doc.DocID = deriveDocumentID(doc.Source, doc.SourceID)
	}

	result := &Result{
		DocumentID: doc.DocID,
		TenantID:   doc.TenantID,
		StartedAt:  time.Now(),
	}

	p.logger.Info().
		Str("document_id", doc.DocID).
		Str("tenant_id", doc.TenantID).
		Str("document_type", doc.DocumentType).
		Msg("Starting document ingestion")

	if doc.Content == "" {
		result.Status = model.StatusSkipped
		p.logger.Info().Str("document_id", doc.DocID).Msg("Empty content, nothing to ingest")
		return p.finish(result)
	}

	createdTS := p.resolveTimestamp(ctx, &doc)
	contentHash := doc.ContentHash()

	// Step 2: duplicate suppression by content hash.
	if p.documents != nil {
		prior, err := p.documents.FindByContentHash(ctx, doc.TenantID, contentHash)
		switch {
		case err == nil && prior.Status == model.StatusSuccess:
			result.Status = model.StatusSkipped
			result.ErrorKind = model.ErrDuplicateSkipped
			p.logger.Info().
				Str("document_id", doc.DocID).
				Str("prior_document_id", prior.DocumentID).
				Msg("Duplicate content hash, skipping")
			return p.finish(result)
		case err != nil && !errors.Is(err, docstore.ErrNotFound):
			p.logger.Warn().Err(err).Msg("Document store lookup failed, continuing without dedup")
		}
	}

	// Step 3: chunk, embed and write to the vector store.
	chunks := p.splitter.ChunksFor(&doc, p.payloadMetadata(&doc), createdTS)
	result.ChunkCount = len(chunks)

	if err := p.embedChunks(ctx, chunks); err != nil {
		result.Status = model.StatusError
		result.ErrorKind = model.ErrEmbedding
		result.Error = err.Error()
		p.logger.Error().Str("document_id", doc.DocID).Err(err).Msg("Embedding failed, aborting document")
		p.writeBookkeeping(ctx, &doc, contentHash, createdTS, result)
		return p.finish(result)
	}

	if err := p.vectors.ReplaceDocument(ctx, doc.TenantID, doc.DocID, chunks); err != nil {
		result.Status = model.StatusError
		result.ErrorKind = model.ErrTransientNetwork
		result.Error = err.Error()
		p.logger.Error().Str("document_id", doc.DocID).Err(err).Msg("Vector store write failed")
		p.writeBookkeeping(ctx, &doc, contentHash, createdTS, result)
		return p.finish(result)
	}
	if p.metrics != nil {
		p.metrics.ChunksEmbedded.Add(float64(len(chunks)))
	}

	// Step 4: extract, validate and write to the graph store.
	if err := p.writeGraph(ctx, &doc, chunks, graphSem, result); err != nil {
		result.Status = model.StatusPartialSuccess
		result.ErrorKind = model.ErrPartialSuccess
		result.Error = err.Error()
		p.logger.Warn().
			Str("document_id", doc.DocID).
			Err(err).
			Msg("Graph write failed after vector write, document is partial")
	} else {
		result.Status = model.StatusSuccess
	}

	// Step 5: record the document for future duplicate suppression.
	p.writeBookkeeping(ctx, &doc, contentHash, createdTS, result)

	return p.finish(result)
}

// RebuildGraph re-derives a document's graph artifacts from its stored
// chunks. The vector side is untouched; existing chunk nodes are
// replaced so the rebuild is idempotent. Documents whose chunks never
// reached the vector store cannot be rebuilt and report an error.
func (p *Pipeline) RebuildGraph(ctx context.Context, rec *docstore.Record) *Result {
	result := &Result{
		DocumentID: rec.DocumentID,
		TenantID:   rec.TenantID,
		StartedAt:  time.Now(),
	}

	p.logger.Info().
		Str("document_id", rec.DocumentID).
		Str("tenant_id", rec.TenantID).
		Msg("Starting graph rebuild")

	chunks, err := p.vectors.ChunksByDocument(ctx, rec.TenantID, rec.DocumentID)
	if err != nil {
		result.Status = model.StatusError
		result.ErrorKind = model.ErrTransientNetwork
		result.Error = err.Error()
		return p.finish(result)
	}
	if len(chunks) == 0 {
		result.Status = model.StatusError
		result.ErrorKind = model.ErrInternal
		result.Error = "no stored chunks to rebuild from"
		p.logger.Warn().Str("document_id", rec.DocumentID).Msg("Graph rebuild found no chunks")
		return p.finish(result)
	}
	result.ChunkCount = len(chunks)

	if err := p.graph.DeleteDocumentChunks(ctx, rec.TenantID, rec.DocumentID); err != nil {
		result.Status = model.StatusError
		result.ErrorKind = model.ErrTransientNetwork
		result.Error = err.Error()
		return p.finish(result)
	}

	doc := model.Document{
		DocID:        rec.DocumentID,
		TenantID:     rec.TenantID,
		Source:       rec.Source,
		SourceID:     rec.SourceID,
		DocumentType: rec.DocumentType,
		Title:        rec.Title,
		Extra:        rec.Metadata,
	}
	if err := p.writeGraph(ctx, &doc, chunks, p.graphSem, result); err != nil {
		result.Status = model.StatusPartialSuccess
		result.ErrorKind = model.ErrPartialSuccess
		result.Error = err.Error()
	} else {
		result.Status = model.StatusSuccess
	}

	p.writeBookkeeping(ctx, &doc, rec.ContentHash, rec.CreatedAtTimestamp, result)
	return p.finish(result)
}

// DeleteDocument removes a document from every store. Deletion is only
// ever explicit; the core never garbage-collects content.
func (p *Pipeline) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	var errs []error
	if err := p.vectors.DeleteByDocument(ctx, tenantID, documentID); err != nil {
		errs = append(errs, fmt.Errorf("vector store: %w", err))
	}
	if err := p.graph.DeleteDocumentChunks(ctx, tenantID, documentID); err != nil {
		errs = append(errs, fmt.Errorf("graph store: %w", err))
	}
	if p.documents != nil {
		if err := p.documents.Delete(ctx, tenantID, documentID); err != nil {
			errs = append(errs, fmt.Errorf("document store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// resolveTimestamp derives the document timestamp, inheriting the
// parent document's when an attachment has none of its own. CreatedAt
// and the Unix timestamp are kept in agreement.
func (p *Pipeline) resolveTimestamp(ctx context.Context, doc *model.Document) *int64 {
	if ts := doc.CreatedAtTimestamp(); ts != nil {
		return ts
	}
	if doc.ParentDocID == "" || p.documents == nil {
		return nil
	}
	parent, err := p.documents.FindByDocumentID(ctx, doc.TenantID, doc.ParentDocID)
	if err != nil {
		p.logger.Debug().
			Str("document_id", doc.DocID).
			Str("parent_doc_id", doc.ParentDocID).
			Err(err).
			Msg("Parent timestamp lookup failed")
		return nil
	}
	if parent.CreatedAtTimestamp == nil {
		return nil
	}
	t := time.Unix(*parent.CreatedAtTimestamp, 0).UTC()
	doc.CreatedAt = &t
	return parent.CreatedAtTimestamp
}

// payloadMetadata builds the sanitized vector payload for a document's
// chunks.
func (p *Pipeline) payloadMetadata(doc *model.Document) model.Metadata {
	meta := model.Metadata{}
	for k, v := range doc.Extra {
		meta[k] = v
	}
	meta["source"] = doc.Source
	meta["source_id"] = doc.SourceID
	meta["document_type"] = doc.DocumentType
	meta["title"] = doc.Title
	return p.sanitizer.Payload(meta)
}

// embedChunks attaches embeddings to chunks in place, running up to
// NumWorkers embedding calls in parallel.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	const groupSize = 50

	var g errgroup.Group
	g.SetLimit(p.config.NumWorkers)

	for start := 0; start < len(chunks); start += groupSize {
		start := start
		end := start + groupSize
		if end > len(chunks) {
			end = len(chunks)
		}
		g.Go(func() error {
			texts := make([]string, end-start)
			for i := start; i < end; i++ {
				texts[i-start] = chunks[i].Content
			}
			vectors, err := p.embedder.Embed(ctx, texts)
			if err != nil {
				return err
			}
			if len(vectors) != len(texts) {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
			}
			for i := range vectors {
				chunks[start+i].Embedding = vectors[i]
			}
			return nil
		})
	}

	return g.Wait()
}

// writeBookkeeping upserts the document row. Bookkeeping failure is
// logged, never escalated; the stores already hold the real data.
func (p *Pipeline) writeBookkeeping(ctx context.Context, doc *model.Document, contentHash string, createdTS *int64, result *Result) {
	if p.documents == nil {
		return
	}
	rec := &docstore.Record{
		TenantID:           doc.TenantID,
		DocumentID:         doc.DocID,
		Source:             doc.Source,
		SourceID:           doc.SourceID,
		DocumentType:       doc.DocumentType,
		Title:              doc.Title,
		ContentHash:        contentHash,
		CreatedAtTimestamp: createdTS,
		ChunkCount:         result.ChunkCount,
		EntityCount:        result.EntityCount,
		RelationCount:      result.RelationCount,
		Status:             result.Status,
		Metadata:           doc.Extra.Clone(),
	}
	if rec.Status == "" {
		rec.Status = model.StatusError
	}
	if err := p.documents.Upsert(ctx, rec); err != nil {
		p.logger.Warn().Str("document_id", doc.DocID).Err(err).Msg("Document bookkeeping write failed")
	}
}

func (p *Pipeline) finish(result *Result) *Result {
	result.Duration = time.Since(result.StartedAt)
	if p.metrics != nil {
		p.metrics.DocumentsIngested.WithLabelValues(string(result.Status)).Inc()
		p.metrics.IngestDuration.Observe(result.Duration.Seconds())
	}
	p.logger.Info().
		Str("document_id", result.DocumentID).
		Str("status", string(result.Status)).
		Int("chunks", result.ChunkCount).
		Int("entities", result.EntityCount).
		Int("relations", result.RelationCount).
		Dur("duration", result.Duration).
		Msg("Document ingestion completed")
	return result
}

// deriveDocumentID gives documents without an explicit id a stable one
// from their external identity.
func deriveDocumentID(source, sourceID string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + sourceID))
	return hex.EncodeToString(sum[:16])
}
