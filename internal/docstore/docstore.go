// Package docstore persists document bookkeeping rows: content hashes
// for duplicate suppression, ingestion counts and per-document status.
// It runs on SQLite for single-node deployments and Postgres for shared
// ones; the SQL is written to work on both.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

// ErrNotFound is returned when no matching record exists.
var ErrNotFound = errors.New("record not found")

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Record is one document bookkeeping row.
type Record struct {
	TenantID           string
	DocumentID         string
	Source             string
	SourceID           string
	DocumentType       string
	Title              string
	ContentHash        string
	CreatedAtTimestamp *int64
	ChunkCount         int
	EntityCount        int
	RelationCount      int
	Status             model.Status
	Metadata           model.Metadata
	IngestedAt         time.Time
}

// Store is the document repository.
type Store struct {
	db DB
}

// New creates a document store over an existing connection.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open opens a document database by driver name, "sqlite3" or
// "postgres".
func Open(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the documents table. Idempotent; runs at
// startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			tenant_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			source_id TEXT NOT NULL DEFAULT '',
			document_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL,
			created_at_timestamp BIGINT,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			entity_count INTEGER NOT NULL DEFAULT 0,
			relation_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'success',
			metadata TEXT NOT NULL DEFAULT '{}',
			ingested_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, source, source_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents (tenant_id, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_docid ON documents (tenant_id, document_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure documents table: %w", err)
		}
	}
	return nil
}

// Upsert writes a document row keyed by (tenant_id, source, source_id);
// re-ingestion replaces the prior row.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now().UTC()
	}
	if rec.Metadata == nil {
		rec.Metadata = model.Metadata{}
	}

	query := `
		INSERT INTO documents (tenant_id, document_id, source, source_id, document_type, title,
			content_hash, created_at_timestamp, chunk_count, entity_count, relation_count,
			status, metadata, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, source, source_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			document_type = EXCLUDED.document_type,
			title = EXCLUDED.title,
			content_hash = EXCLUDED.content_hash,
			created_at_timestamp = EXCLUDED.created_at_timestamp,
			chunk_count = EXCLUDED.chunk_count,
			entity_count = EXCLUDED.entity_count,
			relation_count = EXCLUDED.relation_count,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			ingested_at = EXCLUDED.ingested_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.TenantID, rec.DocumentID, rec.Source, rec.SourceID, rec.DocumentType, rec.Title,
		rec.ContentHash, rec.CreatedAtTimestamp, rec.ChunkCount, rec.EntityCount, rec.RelationCount,
		string(rec.Status), rec.Metadata, rec.IngestedAt,
	)
	return err
}

// FindByContentHash looks up a prior document with the same content
// hash for duplicate suppression.
func (s *Store) FindByContentHash(ctx context.Context, tenantID, contentHash string) (*Record, error) {
	query := selectColumns + ` FROM documents WHERE tenant_id = $1 AND content_hash = $2 LIMIT 1`
	return s.queryOne(ctx, query, tenantID, contentHash)
}

// FindByDocumentID looks up a document row by its stable identifier.
func (s *Store) FindByDocumentID(ctx context.Context, tenantID, documentID string) (*Record, error) {
	query := selectColumns + ` FROM documents WHERE tenant_id = $1 AND document_id = $2 LIMIT 1`
	return s.queryOne(ctx, query, tenantID, documentID)
}

// FindBySourceID looks up a document row by its external identity.
func (s *Store) FindBySourceID(ctx context.Context, tenantID, source, sourceID string) (*Record, error) {
	query := selectColumns + ` FROM documents WHERE tenant_id = $1 AND source = $2 AND source_id = $3`
	return s.queryOne(ctx, query, tenantID, source, sourceID)
}

// ListNeedingGraphBackfill returns documents whose graph side is
// missing or incomplete: partial successes and rows with no extracted
// entities.
func (s *Store) ListNeedingGraphBackfill(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectColumns + ` FROM documents
		WHERE tenant_id = $1 AND status IN ('partial_success', 'error')
		ORDER BY ingested_at
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List returns document rows for a tenant, newest first.
func (s *Store) List(ctx context.Context, tenantID string, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectColumns + ` FROM documents
		WHERE tenant_id = $1
		ORDER BY ingested_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListTenants returns every tenant that has at least one document row.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM documents ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// Delete removes a document row.
func (s *Store) Delete(ctx context.Context, tenantID, documentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	return err
}

// Count returns the number of document rows for a tenant; empty tenant
// counts everything.
func (s *Store) Count(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	var err error
	if tenantID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, tenantID).Scan(&count)
	}
	return count, err
}

const selectColumns = `SELECT tenant_id, document_id, source, source_id, document_type, title,
	content_hash, created_at_timestamp, chunk_count, entity_count, relation_count,
	status, metadata, ingested_at`

func (s *Store) queryOne(ctx context.Context, query string, args ...interface{}) (*Record, error) {
	rec := &Record{}
	var createdTS sql.NullInt64
	var status string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.TenantID, &rec.DocumentID, &rec.Source, &rec.SourceID, &rec.DocumentType, &rec.Title,
		&rec.ContentHash, &createdTS, &rec.ChunkCount, &rec.EntityCount, &rec.RelationCount,
		&status, &rec.Metadata, &rec.IngestedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if createdTS.Valid {
		ts := createdTS.Int64
		rec.CreatedAtTimestamp = &ts
	}
	rec.Status = model.Status(status)
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var createdTS sql.NullInt64
		var status string
		if err := rows.Scan(
			&rec.TenantID, &rec.DocumentID, &rec.Source, &rec.SourceID, &rec.DocumentType, &rec.Title,
			&rec.ContentHash, &createdTS, &rec.ChunkCount, &rec.EntityCount, &rec.RelationCount,
			&status, &rec.Metadata, &rec.IngestedAt,
		); err != nil {
			return nil, err
		}
		if createdTS.Valid {
			ts := createdTS.Int64
			rec.CreatedAtTimestamp = &ts
		}
		rec.Status = model.Status(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}
