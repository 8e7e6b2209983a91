package graphstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

// MergeNodes folds duplicate entities into the primary in one
// transaction: relations, mention edges and email edges are re-pointed
// to the primary (duplicate edges collapse), the primary keeps its own
// name and embedding, property keys the primary lacks are filled from
// the duplicates, the oldest non-null first-seen timestamp across the
// set is preserved, and the duplicates are deleted. Already-merged
// duplicates are skipped, so replaying a merge is a no-op. Returns the
// number of nodes actually merged away.
func (s *Store) MergeNodes(ctx context.Context, tenantID string, primaryID int64, duplicateIDs []int64) (int, error) {
	var merged int
	err := s.withRetry(ctx, "merge_nodes", func(ctx context.Context) error {
		merged = 0

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		primary, ok, err := lockEntity(ctx, tx, tenantID, primaryID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("primary entity %d not found", primaryID)
		}

		var dups []model.Entity
		for _, id := range duplicateIDs {
			if id == primaryID {
				continue
			}
			dup, ok, err := lockEntity(ctx, tx, tenantID, id)
			if err != nil {
				return err
			}
			if !ok {
				continue // already merged away
			}
			dups = append(dups, dup)
		}
		if len(dups) == 0 {
			return tx.Commit()
		}

		dupIDs := make([]int64, len(dups))
		for i, d := range dups {
			dupIDs[i] = d.ID
		}

		repoint := []struct{ insert, delete string }{
			{
				insert: `INSERT INTO graph_relations (tenant_id, source_id, label, target_id)
					SELECT tenant_id, $1, label, target_id FROM graph_relations
					WHERE source_id = ANY($2) AND target_id <> $1 AND target_id <> ALL($2)
					ON CONFLICT (tenant_id, source_id, label, target_id) DO NOTHING`,
				delete: `DELETE FROM graph_relations WHERE source_id = ANY($1)`,
			},
			{
				insert: `INSERT INTO graph_relations (tenant_id, source_id, label, target_id)
					SELECT tenant_id, source_id, label, $1 FROM graph_relations
					WHERE target_id = ANY($2) AND source_id <> $1 AND source_id <> ALL($2)
					ON CONFLICT (tenant_id, source_id, label, target_id) DO NOTHING`,
				delete: `DELETE FROM graph_relations WHERE target_id = ANY($1)`,
			},
			{
				insert: `INSERT INTO graph_mentions (chunk_id, entity_id)
					SELECT chunk_id, $1 FROM graph_mentions WHERE entity_id = ANY($2)
					ON CONFLICT (chunk_id, entity_id) DO NOTHING`,
				delete: `DELETE FROM graph_mentions WHERE entity_id = ANY($1)`,
			},
			{
				insert: `INSERT INTO graph_email_edges (entity_id, chunk_id, label)
					SELECT $1, chunk_id, label FROM graph_email_edges WHERE entity_id = ANY($2)
					ON CONFLICT (entity_id, chunk_id, label) DO NOTHING`,
				delete: `DELETE FROM graph_email_edges WHERE entity_id = ANY($1)`,
			},
		}
		for _, step := range repoint {
			if _, err := tx.ExecContext(ctx, step.insert, primaryID, pq.Array(dupIDs)); err != nil {
				return fmt.Errorf("repoint edges: %w", err)
			}
			if _, err := tx.ExecContext(ctx, step.delete, pq.Array(dupIDs)); err != nil {
				return fmt.Errorf("drop duplicate edges: %w", err)
			}
		}

		props := model.Metadata{}
		oldest := primary.CreatedAtTimestamp
		for _, d := range dups {
			for k, v := range d.Properties {
				props[k] = v
			}
			if d.CreatedAtTimestamp != nil && (oldest == nil || *d.CreatedAtTimestamp < *oldest) {
				oldest = d.CreatedAtTimestamp
			}
		}
		for k, v := range primary.Properties {
			props[k] = v
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE graph_entities SET properties = $2, created_at_timestamp = $3 WHERE id = $1`,
			primaryID, props, oldest); err != nil {
			return fmt.Errorf("update primary %d: %w", primaryID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM graph_entities WHERE id = ANY($1)`, pq.Array(dupIDs)); err != nil {
			return fmt.Errorf("delete duplicates: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		merged = len(dups)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return merged, nil
}

func lockEntity(ctx context.Context, tx *sql.Tx, tenantID string, id int64) (model.Entity, bool, error) {
	var e model.Entity
	var createdTS sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT id, tenant_id, label, name, properties, created_at_timestamp
		FROM graph_entities
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE`, tenantID, id).Scan(&e.ID, &e.TenantID, &e.Label, &e.Name, &e.Properties, &createdTS)
	if err == sql.ErrNoRows {
		return model.Entity{}, false, nil
	}
	if err != nil {
		return model.Entity{}, false, fmt.Errorf("lock entity %d: %w", id, err)
	}
	if createdTS.Valid {
		ts := createdTS.Int64
		e.CreatedAtTimestamp = &ts
	}
	return e, true, nil
}
