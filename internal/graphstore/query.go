package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

// Fact is a materialised relation triple with entity names resolved.
type Fact struct {
	Source      string
	SourceLabel string
	Relation    string
	Target      string
	TargetLabel string
}

// String renders the triple for prompt context.
func (f Fact) String() string {
	return fmt.Sprintf("%s (%s) -[%s]-> %s (%s)", f.Source, f.SourceLabel, f.Relation, f.Target, f.TargetLabel)
}

// SearchEntityNames finds entities whose name contains any of the given
// terms, case-insensitively.
func (s *Store) SearchEntityNames(ctx context.Context, tenantID string, terms []string, limit int) ([]model.Entity, error) {
	terms = cleanTerms(terms)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var clauses []string
	args := []interface{}{tenantID}
	for _, term := range terms {
		args = append(args, "%"+strings.ToLower(term)+"%")
		clauses = append(clauses, fmt.Sprintf("lower(name) LIKE $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT id, tenant_id, label, name, properties, created_at_timestamp
		FROM graph_entities
		WHERE tenant_id = $1 AND (%s)
		ORDER BY length(name), id
		LIMIT $%d`, strings.Join(clauses, " OR "), len(args))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search entity names: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// Expand returns the relation triples within two hops of the seed
// entities, with entity names resolved.
func (s *Store) Expand(ctx context.Context, tenantID string, seedIDs []int64, limit int) ([]Fact, error) {
	if len(seedIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `WITH seeds AS (
			SELECT unnest($2::bigint[]) AS id
		), hop1 AS (
			SELECT r.source_id, r.label, r.target_id
			FROM graph_relations r
			WHERE r.tenant_id = $1
				AND (r.source_id IN (SELECT id FROM seeds) OR r.target_id IN (SELECT id FROM seeds))
		), frontier AS (
			SELECT source_id AS id FROM hop1
			UNION
			SELECT target_id FROM hop1
			UNION
			SELECT id FROM seeds
		), hop2 AS (
			SELECT DISTINCT r.source_id, r.label, r.target_id
			FROM graph_relations r
			WHERE r.tenant_id = $1
				AND (r.source_id IN (SELECT id FROM frontier) OR r.target_id IN (SELECT id FROM frontier))
		)
		SELECT src.name, src.label, h.label, dst.name, dst.label
		FROM hop2 h
		JOIN graph_entities src ON src.id = h.source_id
		JOIN graph_entities dst ON dst.id = h.target_id
		ORDER BY src.name, h.label, dst.name
		LIMIT $3`, tenantID, pq.Array(seedIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("expand graph: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.Source, &f.SourceLabel, &f.Relation, &f.Target, &f.TargetLabel); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// ChunksForEntities returns chunk nodes that mention any of the given
// entities, newest first, optionally restricted to a timestamp window.
func (s *Store) ChunksForEntities(ctx context.Context, tenantID string, entityIDs []int64, startTS, endTS *int64, limit int) ([]model.Chunk, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT DISTINCT c.chunk_id, c.tenant_id, c.document_id, c.source, c.document_type,
			c.title, c.chunk_index, c.content, c.created_at, c.created_at_timestamp
		FROM graph_chunks c
		JOIN graph_mentions m ON m.chunk_id = c.chunk_id
		WHERE c.tenant_id = $1 AND m.entity_id = ANY($2)`
	args := []interface{}{tenantID, pq.Array(entityIDs)}
	if startTS != nil {
		args = append(args, *startTS)
		query += fmt.Sprintf(" AND c.created_at_timestamp >= $%d", len(args))
	}
	if endTS != nil {
		args = append(args, *endTS)
		query += fmt.Sprintf(" AND c.created_at_timestamp <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY c.created_at_timestamp DESC NULLS LAST LIMIT $%d", len(args))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chunks for entities: %w", err)
	}
	defer rows.Close()
	return scanChunkNodes(rows)
}

func scanChunkNodes(rows *sql.Rows) ([]model.Chunk, error) {
	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var createdAt sql.NullTime
		var createdTS sql.NullInt64
		if err := rows.Scan(&c.ChunkID, &c.TenantID, &c.DocumentID, &c.Source, &c.DocumentType,
			&c.Title, &c.Index, &c.Content, &createdAt, &createdTS); err != nil {
			return nil, fmt.Errorf("scan chunk node: %w", err)
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

func cleanTerms(terms []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		// LIKE metacharacters would widen the match unexpectedly.
		term = strings.NewReplacer("%", `\%`, "_", `\_`).Replace(term)
		key := strings.ToLower(term)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, term)
	}
	return out
}
