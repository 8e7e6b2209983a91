// Package graphstore implements the property graph on Postgres with
// pgvector: typed entities, directed relations, chunk provenance nodes
// with MENTIONS and SENT/RECEIVED edges, and a cosine vector index over
// entity embeddings for deduplication.
package graphstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// Edge labels from chunk nodes and email participants.
const (
	EdgeSent     = "SENT"
	EdgeReceived = "RECEIVED"
)

// Config holds graph store settings.
type Config struct {
	EntityDimension int
	OpTimeout       time.Duration
}

// Store is the Postgres-backed property graph.
type Store struct {
	db        *sql.DB
	logger    *observability.Logger
	dimension int
	timeout   time.Duration
}

// New creates a Store over an existing connection pool. The pool's
// MaxOpenConns bounds all graph concurrency; callers size their
// semaphores against it.
func New(db *sql.DB, cfg Config, logger *observability.Logger) *Store {
	dimension := cfg.EntityDimension
	if dimension <= 0 {
		dimension = 1536
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Store{
		db:        db,
		logger:    logger.WithComponent("graphstore"),
		dimension: dimension,
		timeout:   timeout,
	}
}

// EnsureSchema creates tables, the entity identity constraint, the
// entity vector index and the name full-text index. Idempotent; runs at
// startup. Failure here is fatal configuration.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS graph_entities (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			label TEXT NOT NULL,
			name TEXT NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d),
			created_at_timestamp BIGINT
		)`, s.dimension),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_entities_identity
			ON graph_entities (tenant_id, label, lower(name))`,
		`CREATE INDEX IF NOT EXISTS idx_graph_entities_embedding
			ON graph_entities USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_entities_name_fts
			ON graph_entities USING gin (to_tsvector('simple', name))`,
		`CREATE INDEX IF NOT EXISTS idx_graph_entities_created
			ON graph_entities (created_at_timestamp)`,
		`CREATE TABLE IF NOT EXISTS graph_relations (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			source_id BIGINT NOT NULL REFERENCES graph_entities(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			target_id BIGINT NOT NULL REFERENCES graph_entities(id) ON DELETE CASCADE,
			UNIQUE (tenant_id, source_id, label, target_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_relations_source ON graph_relations (source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_relations_target ON graph_relations (target_id)`,
		`CREATE TABLE IF NOT EXISTS graph_chunks (
			chunk_id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			document_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			chunk_index INT NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ,
			created_at_timestamp BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_chunks_document ON graph_chunks (tenant_id, document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_chunks_created ON graph_chunks (created_at_timestamp)`,
		`CREATE TABLE IF NOT EXISTS graph_mentions (
			chunk_id UUID NOT NULL REFERENCES graph_chunks(chunk_id) ON DELETE CASCADE,
			entity_id BIGINT NOT NULL REFERENCES graph_entities(id) ON DELETE CASCADE,
			PRIMARY KEY (chunk_id, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_mentions_entity ON graph_mentions (entity_id)`,
		`CREATE TABLE IF NOT EXISTS graph_email_edges (
			entity_id BIGINT NOT NULL REFERENCES graph_entities(id) ON DELETE CASCADE,
			chunk_id UUID NOT NULL REFERENCES graph_chunks(chunk_id) ON DELETE CASCADE,
			label TEXT NOT NULL CHECK (label IN ('SENT', 'RECEIVED')),
			PRIMARY KEY (entity_id, chunk_id, label)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_email_edges_chunk ON graph_email_edges (chunk_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure graph schema: %w", err)
		}
	}

	s.logger.Info().Int("entity_dimension", s.dimension).Msg("graph schema ready")
	return nil
}

// Stats summarises graph contents for one tenant, or everything when
// tenantID is empty.
type Stats struct {
	Entities   int64 `json:"entities"`
	Relations  int64 `json:"relations"`
	ChunkNodes int64 `json:"chunk_nodes"`
	Mentions   int64 `json:"mentions"`
}

// Stats counts entities, relations, chunk nodes and mention edges.
func (s *Store) Stats(ctx context.Context, tenantID string) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stats Stats
	counts := []struct {
		table string
		dest  *int64
	}{
		{"graph_entities", &stats.Entities},
		{"graph_relations", &stats.Relations},
		{"graph_chunks", &stats.ChunkNodes},
		{"graph_mentions", &stats.Mentions},
	}

	for _, c := range counts {
		var query string
		var args []interface{}
		if tenantID == "" || c.table == "graph_mentions" {
			query = fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)
		} else {
			query = fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1`, c.table)
			args = append(args, tenantID)
		}
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}

	return stats, nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry wraps a mutation with the transient-failure retry policy:
// three attempts, exponential backoff starting at one second.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		err := fn(opCtx)
		if err == nil {
			return nil
		}
		if !transientDBError(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("transient graph store failure, retrying")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
}

// transientDBError reports whether a database failure is worth
// retrying: connection trouble, timeouts, resource exhaustion.
func transientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") ||
			strings.HasPrefix(code, "53") ||
			code == "57P03" ||
			code == "40001"
	}
	return false
}
