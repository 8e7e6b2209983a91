// Package vectorstore implements the chunk collection on Postgres with
// pgvector: cosine nearest-neighbour search over embedded chunks with
// database-level metadata filtering.
package vectorstore

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
	"github.com/pgvector/pgvector-go"

	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// Result is a retrieved chunk with its similarity score.
type Result struct {
	Chunk model.Chunk
	Score float64
}

// Config holds vector store settings.
type Config struct {
	Collection string
	Dimension  int
	OpTimeout  time.Duration
}

// Store is the pgvector-backed chunk collection.
type Store struct {
	db        *sql.DB
	logger    *observability.Logger
	table     string
	dimension int
	timeout   time.Duration
}

// New creates a Store over an existing connection pool.
func New(db *sql.DB, cfg Config, logger *observability.Logger) *Store {
	table := cfg.Collection
	if table == "" {
		table = "cortex_chunks"
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 1536
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Store{
		db:        db,
		logger:    logger.WithComponent("vectorstore"),
		table:     table,
		dimension: dimension,
		timeout:   timeout,
	}
}

// EnsureCollection creates the extension, table and payload indexes.
// Idempotent; runs at startup. Failure here is fatal configuration.
func (s *Store) EnsureCollection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chunk_id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			document_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			chunk_index INT NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ,
			created_at_timestamp BIGINT,
			embedding vector(%d),
			payload JSONB NOT NULL DEFAULT '{}',
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, s.dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s (tenant_id)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_document ON %s (tenant_id, document_id)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_doc_type ON %s (document_type)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_source ON %s (source)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created_ts ON %s (created_at_timestamp)`, s.table, s.table),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure collection %s: %w", s.table, err)
		}
	}

	s.logger.Info().Str("collection", s.table).Int("dimension", s.dimension).Msg("vector collection ready")
	return nil
}

// Upsert writes points keyed by chunk_id.
func (s *Store) Upsert(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	return s.withRetry(ctx, "upsert", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		stmt := fmt.Sprintf(`INSERT INTO %s
			(chunk_id, tenant_id, document_id, source, document_type, title, chunk_index, content, created_at, created_at_timestamp, embedding, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (chunk_id) DO UPDATE SET
				content = EXCLUDED.content,
				created_at = EXCLUDED.created_at,
				created_at_timestamp = EXCLUDED.created_at_timestamp,
				embedding = EXCLUDED.embedding,
				payload = EXCLUDED.payload,
				ingested_at = now()`, s.table)

		for _, c := range chunks {
			if _, err := tx.ExecContext(ctx, stmt,
				c.ChunkID, c.TenantID, c.DocumentID, c.Source, c.DocumentType, c.Title,
				c.Index, c.Content, c.CreatedAt, c.CreatedAtTimestamp,
				pgvector.NewVector(c.Embedding), c.Metadata,
			); err != nil {
				return fmt.Errorf("upsert chunk %s: %w", c.ChunkID, err)
			}
		}

		return tx.Commit()
	})
}

// ReplaceDocument deletes a document's prior chunks and inserts the new
// set in one transaction, so re-ingestion replaces rather than
// accumulates.
func (s *Store) ReplaceDocument(ctx context.Context, tenantID, documentID string, chunks []model.Chunk) error {
	return s.withRetry(ctx, "replace_document", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND document_id = $2`, s.table),
			tenantID, documentID,
		); err != nil {
			return fmt.Errorf("delete prior chunks: %w", err)
		}

		stmt := fmt.Sprintf(`INSERT INTO %s
			(chunk_id, tenant_id, document_id, source, document_type, title, chunk_index, content, created_at, created_at_timestamp, embedding, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, s.table)

		for _, c := range chunks {
			if _, err := tx.ExecContext(ctx, stmt,
				c.ChunkID, c.TenantID, c.DocumentID, c.Source, c.DocumentType, c.Title,
				c.Index, c.Content, c.CreatedAt, c.CreatedAtTimestamp,
				pgvector.NewVector(c.Embedding), c.Metadata,
			); err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
			}
		}

		return tx.Commit()
	})
}

// Search returns the k nearest chunks by cosine distance, restricted by
// the filter. Score is 1 - cosine distance.
func (s *Store) Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]Result, error) {
	if k <= 0 {
		k = 20
	}

	where, args, err := filter.compile(2)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT chunk_id, tenant_id, document_id, source, document_type, title,
		chunk_index, content, created_at, created_at_timestamp, payload,
		1 - (embedding <=> $1) AS score
		FROM %s`, s.table)
	if where != "" {
		query += " WHERE " + where
	}
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT %d", k)

	queryArgs := append([]interface{}{pgvector.NewVector(vector)}, args...)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var createdAt sql.NullTime
		var createdTS sql.NullInt64
		if err := rows.Scan(
			&r.Chunk.ChunkID, &r.Chunk.TenantID, &r.Chunk.DocumentID, &r.Chunk.Source,
			&r.Chunk.DocumentType, &r.Chunk.Title, &r.Chunk.Index, &r.Chunk.Content,
			&createdAt, &createdTS, &r.Chunk.Metadata, &r.Score,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if createdAt.Valid {
			t := createdAt.Time
			r.Chunk.CreatedAt = &t
		}
		if createdTS.Valid {
			ts := createdTS.Int64
			r.Chunk.CreatedAtTimestamp = &ts
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// ChunksByDocument returns a document's stored chunks in chunk order,
// without embeddings. Graph backfill reads chunk content from here
// rather than keeping a second copy of it.
func (s *Store) ChunksByDocument(ctx context.Context, tenantID, documentID string) ([]model.Chunk, error) {
	query := fmt.Sprintf(`SELECT chunk_id, tenant_id, document_id, source, document_type, title,
		chunk_index, content, created_at, created_at_timestamp, payload
		FROM %s WHERE tenant_id = $1 AND document_id = $2
		ORDER BY chunk_index`, s.table)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("chunks by document: %w", err)
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var createdAt sql.NullTime
		var createdTS sql.NullInt64
		if err := rows.Scan(
			&c.ChunkID, &c.TenantID, &c.DocumentID, &c.Source,
			&c.DocumentType, &c.Title, &c.Index, &c.Content,
			&createdAt, &createdTS, &c.Metadata,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if createdAt.Valid {
			t := createdAt.Time
			c.CreatedAt = &t
		}
		if createdTS.Valid {
			ts := createdTS.Int64
			c.CreatedAtTimestamp = &ts
		}
		chunks = append(chunks, c)
	}

	return chunks, rows.Err()
}

// DeleteByDocument removes all chunks of one document.
func (s *Store) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	return s.withRetry(ctx, "delete_by_document", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND document_id = $2`, s.table),
			tenantID, documentID,
		)
		return err
	})
}

// DeleteByFilter removes all chunks matching the filter.
func (s *Store) DeleteByFilter(ctx context.Context, filter *Filter) error {
	where, args, err := filter.compile(1)
	if err != nil {
		return err
	}
	if where == "" {
		return fmt.Errorf("refusing unfiltered delete")
	}

	return s.withRetry(ctx, "delete_by_filter", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, where), args...)
		return err
	})
}

// Count returns the number of stored points for a tenant; empty tenant
// counts everything.
func (s *Store) Count(ctx context.Context, tenantID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var count int64
	var err error
	if tenantID == "" {
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1`, s.table), tenantID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
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
		s.logger.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("transient vector store failure, retrying")
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
		return strings.HasPrefix(code, "08") || // connection exception
			strings.HasPrefix(code, "53") || // insufficient resources
			code == "57P03" || // cannot connect now
			code == "40001" // serialization failure
	}
	return false
}
