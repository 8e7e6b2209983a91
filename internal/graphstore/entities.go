package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

// MergeEntity upserts an entity keyed by (tenant, label, lower(name)).
// On conflict the existing node wins: properties gain only new keys from
// the incoming set, the stored embedding is kept unless absent, and the
// first-seen timestamp is preserved. Returns the entity id and whether a
// new node was created.
func (s *Store) MergeEntity(ctx context.Context, e model.Entity) (int64, bool, error) {
	var embedding interface{}
	if len(e.Embedding) > 0 {
		embedding = pgvector.NewVector(e.Embedding)
	}
	props := e.Properties
	if props == nil {
		props = model.Metadata{}
	}

	var id int64
	var created bool
	err := s.withRetry(ctx, "merge_entity", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `INSERT INTO graph_entities
			(tenant_id, label, name, properties, embedding, created_at_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, label, lower(name)) DO UPDATE SET
				properties = EXCLUDED.properties || graph_entities.properties,
				embedding = COALESCE(graph_entities.embedding, EXCLUDED.embedding)
			RETURNING id, (xmax = 0)`,
			e.TenantID, e.Label, e.Name, props, embedding, time.Now().Unix(),
		).Scan(&id, &created)
	})
	if err != nil {
		return 0, false, fmt.Errorf("merge entity %s %q: %w", e.Label, e.Name, err)
	}
	return id, created, nil
}

// SetEntityEmbedding writes an embedding back onto an entity, used by
// the dedup engine's self-heal step.
func (s *Store) SetEntityEmbedding(ctx context.Context, entityID int64, embedding []float32) error {
	return s.withRetry(ctx, "set_entity_embedding", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE graph_entities SET embedding = $2 WHERE id = $1`,
			entityID, pgvector.NewVector(embedding))
		return err
	})
}

// EntitiesMissingEmbedding returns entities with no embedding, up to
// limit, for embedding regeneration.
func (s *Store) EntitiesMissingEmbedding(ctx context.Context, tenantID string, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, label, name, properties, created_at_timestamp
		FROM graph_entities
		WHERE tenant_id = $1 AND embedding IS NULL
		ORDER BY id
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("entities missing embedding: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// DedupCandidates returns entities that should trigger a duplicate
// check: non-null embedding, and either no first-seen timestamp (legacy
// rows are always rechecked) or first seen at or after sinceTimestamp.
// A nil sinceTimestamp scans every embedded entity.
func (s *Store) DedupCandidates(ctx context.Context, tenantID string, sinceTimestamp *int64) ([]model.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT id, tenant_id, label, name, properties, created_at_timestamp
		FROM graph_entities
		WHERE tenant_id = $1 AND embedding IS NOT NULL`
	args := []interface{}{tenantID}
	if sinceTimestamp != nil {
		query += ` AND (created_at_timestamp IS NULL OR created_at_timestamp >= $2)`
		args = append(args, *sinceTimestamp)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dedup candidates: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// EntityMatch is a similarity search hit.
type EntityMatch struct {
	Entity model.Entity
	Score  float64
}

// SimilarToEntity returns the topK nearest same-label entities to the
// given entity by cosine similarity, excluding the entity itself. The
// search runs against the whole entity index regardless of any dedup
// lookback window.
func (s *Store) SimilarToEntity(ctx context.Context, tenantID string, entityID int64, topK int) ([]EntityMatch, error) {
	if topK <= 0 {
		topK = 10
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT e.id, e.tenant_id, e.label, e.name, e.properties, e.created_at_timestamp,
			1 - (e.embedding <=> ref.embedding) AS score
		FROM graph_entities e,
			(SELECT label, embedding FROM graph_entities WHERE id = $2) ref
		WHERE e.tenant_id = $1
			AND e.id <> $2
			AND e.label = ref.label
			AND e.embedding IS NOT NULL
			AND ref.embedding IS NOT NULL
		ORDER BY e.embedding <=> ref.embedding
		LIMIT $3`, tenantID, entityID, topK)
	if err != nil {
		return nil, fmt.Errorf("similar entities for %d: %w", entityID, err)
	}
	defer rows.Close()

	var matches []EntityMatch
	for rows.Next() {
		var m EntityMatch
		var createdTS sql.NullInt64
		if err := rows.Scan(&m.Entity.ID, &m.Entity.TenantID, &m.Entity.Label, &m.Entity.Name,
			&m.Entity.Properties, &createdTS, &m.Score); err != nil {
			return nil, fmt.Errorf("scan entity match: %w", err)
		}
		if createdTS.Valid {
			ts := createdTS.Int64
			m.Entity.CreatedAtTimestamp = &ts
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// SimilarEntities returns the topK nearest entities to a query vector
// by cosine similarity, across all labels.
func (s *Store) SimilarEntities(ctx context.Context, tenantID string, vector []float32, topK int) ([]EntityMatch, error) {
	if topK <= 0 {
		topK = 10
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, label, name, properties, created_at_timestamp,
			1 - (embedding <=> $2) AS score
		FROM graph_entities
		WHERE tenant_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, tenantID, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("similar entities: %w", err)
	}
	defer rows.Close()

	var matches []EntityMatch
	for rows.Next() {
		var m EntityMatch
		var createdTS sql.NullInt64
		if err := rows.Scan(&m.Entity.ID, &m.Entity.TenantID, &m.Entity.Label, &m.Entity.Name,
			&m.Entity.Properties, &createdTS, &m.Score); err != nil {
			return nil, fmt.Errorf("scan entity match: %w", err)
		}
		if createdTS.Valid {
			ts := createdTS.Int64
			m.Entity.CreatedAtTimestamp = &ts
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// RelationshipCounts returns, for each requested entity id, the number
// of relations touching it in either direction.
func (s *Store) RelationshipCounts(ctx context.Context, entityIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(entityIDs))
	if len(entityIDs) == 0 {
		return counts, nil
	}
	for _, id := range entityIDs {
		counts[id] = 0
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT e.id, COUNT(r.id)
		FROM graph_entities e
		LEFT JOIN graph_relations r ON r.source_id = e.id OR r.target_id = e.id
		WHERE e.id = ANY($1)
		GROUP BY e.id`, pq.Array(entityIDs))
	if err != nil {
		return nil, fmt.Errorf("relationship counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan relationship count: %w", err)
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// EntitiesByIDs fetches entities by id; missing ids are silently
// absent from the result.
func (s *Store) EntitiesByIDs(ctx context.Context, entityIDs []int64) ([]model.Entity, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, label, name, properties, created_at_timestamp
		FROM graph_entities
		WHERE id = ANY($1)
		ORDER BY id`, pq.Array(entityIDs))
	if err != nil {
		return nil, fmt.Errorf("entities by ids: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func scanEntities(rows *sql.Rows) ([]model.Entity, error) {
	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		var createdTS sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Label, &e.Name, &e.Properties, &createdTS); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if createdTS.Valid {
			ts := createdTS.Int64
			e.CreatedAtTimestamp = &ts
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
