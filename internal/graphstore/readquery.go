package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	readQueryDefaultLimit = 20
	readQueryMaxLimit     = 100
)

// ReadQuery is a structured, parameterised read-only query over the
// graph. Query planning from natural language happens upstream; this
// type is the closed surface that generated output is parsed into, so
// nothing model-derived ever reaches SQL as text.
type ReadQuery struct {
	TenantID       string   `json:"-"`
	EntityTerms    []string `json:"entity_terms"`
	Labels         []string `json:"labels"`
	StartTimestamp *int64   `json:"start_timestamp"`
	EndTimestamp   *int64   `json:"end_timestamp"`
	Limit          int      `json:"limit"`
}

// Record is one read-query result row. Only the whitelisted fields
// text, label, type, name, title, created_at and created_at_timestamp
// are ever populated.
type Record struct {
	Text               string     `json:"text"`
	Label              string     `json:"label"`
	Type               string     `json:"type"`
	Name               string     `json:"name"`
	Title              string     `json:"title"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	CreatedAtTimestamp *int64     `json:"created_at_timestamp,omitempty"`
}

// compile renders the query as SQL with positional parameters. The
// SELECT list is fixed to the whitelisted fields.
func (q ReadQuery) compile() (string, []interface{}) {
	query := `SELECT c.content, e.label, c.document_type, e.name, c.title, c.created_at, c.created_at_timestamp
		FROM graph_chunks c
		JOIN graph_mentions m ON m.chunk_id = c.chunk_id
		JOIN graph_entities e ON e.id = m.entity_id
		WHERE c.tenant_id = $1`
	args := []interface{}{q.TenantID}

	if terms := cleanTerms(q.EntityTerms); len(terms) > 0 {
		var clauses []string
		for _, term := range terms {
			args = append(args, "%"+strings.ToLower(term)+"%")
			clauses = append(clauses, fmt.Sprintf("lower(e.name) LIKE $%d", len(args)))
		}
		query += " AND (" + strings.Join(clauses, " OR ") + ")"
	}
	if len(q.Labels) > 0 {
		args = append(args, pq.Array(q.Labels))
		query += fmt.Sprintf(" AND e.label = ANY($%d)", len(args))
	}
	if q.StartTimestamp != nil {
		args = append(args, *q.StartTimestamp)
		query += fmt.Sprintf(" AND c.created_at_timestamp >= $%d", len(args))
	}
	if q.EndTimestamp != nil {
		args = append(args, *q.EndTimestamp)
		query += fmt.Sprintf(" AND c.created_at_timestamp <= $%d", len(args))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = readQueryDefaultLimit
	}
	if limit > readQueryMaxLimit {
		limit = readQueryMaxLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY c.created_at_timestamp DESC NULLS LAST LIMIT $%d", len(args))

	return query, args
}

// RunReadQuery executes a structured read query and returns the
// whitelisted record set.
func (s *Store) RunReadQuery(ctx context.Context, q ReadQuery) ([]Record, error) {
	if q.TenantID == "" {
		return nil, fmt.Errorf("read query requires a tenant")
	}

	query, args := q.compile()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var createdAt sql.NullTime
		var createdTS sql.NullInt64
		if err := rows.Scan(&r.Text, &r.Label, &r.Type, &r.Name, &r.Title, &createdAt, &createdTS); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if createdAt.Valid {
			t := createdAt.Time
			r.CreatedAt = &t
		}
		if createdTS.Valid {
			ts := createdTS.Int64
			r.CreatedAtTimestamp = &ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
