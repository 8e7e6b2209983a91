package graphstore

import (
	"context"
	"fmt"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

// MergeRelation upserts a directed relation; the identical triple
// collapses onto the existing row. Returns whether a new edge was
// created.
func (s *Store) MergeRelation(ctx context.Context, tenantID string, sourceID int64, label string, targetID int64) (bool, error) {
	var created bool
	err := s.withRetry(ctx, "merge_relation", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO graph_relations
			(tenant_id, source_id, label, target_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, source_id, label, target_id) DO NOTHING`,
			tenantID, sourceID, label, targetID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("merge relation %d -[%s]-> %d: %w", sourceID, label, targetID, err)
	}
	return created, nil
}

// UpsertChunkNode writes the provenance node for one chunk, keyed by
// chunk_id. The chunk node carries the document timestamps used by
// time-filtered graph queries.
func (s *Store) UpsertChunkNode(ctx context.Context, c model.Chunk) error {
	err := s.withRetry(ctx, "upsert_chunk_node", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO graph_chunks
			(chunk_id, tenant_id, document_id, source, document_type, title, chunk_index, content, created_at, created_at_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (chunk_id) DO UPDATE SET
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				created_at = EXCLUDED.created_at,
				created_at_timestamp = EXCLUDED.created_at_timestamp`,
			c.ChunkID, c.TenantID, c.DocumentID, c.Source, c.DocumentType, c.Title,
			c.Index, c.Content, c.CreatedAt, c.CreatedAtTimestamp)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert chunk node %s: %w", c.ChunkID, err)
	}
	return nil
}

// LinkMentions adds MENTIONS edges from a chunk node to each entity.
// Existing edges are left alone.
func (s *Store) LinkMentions(ctx context.Context, chunkID string, entityIDs []int64) error {
	if len(entityIDs) == 0 {
		return nil
	}

	err := s.withRetry(ctx, "link_mentions", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, entityID := range entityIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO graph_mentions (chunk_id, entity_id)
				VALUES ($1, $2)
				ON CONFLICT (chunk_id, entity_id) DO NOTHING`, chunkID, entityID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("link mentions for chunk %s: %w", chunkID, err)
	}
	return nil
}

// LinkEmailEdge adds a SENT or RECEIVED edge from an email participant
// entity to a chunk node.
func (s *Store) LinkEmailEdge(ctx context.Context, entityID int64, chunkID, label string) error {
	if label != EdgeSent && label != EdgeReceived {
		return fmt.Errorf("invalid email edge label %q", label)
	}

	err := s.withRetry(ctx, "link_email_edge", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO graph_email_edges (entity_id, chunk_id, label)
			VALUES ($1, $2, $3)
			ON CONFLICT (entity_id, chunk_id, label) DO NOTHING`, entityID, chunkID, label)
		return err
	})
	if err != nil {
		return fmt.Errorf("link %s edge %d -> %s: %w", label, entityID, chunkID, err)
	}
	return nil
}

// DeleteDocumentChunks removes a document's chunk nodes; mention and
// email edges cascade. Entities are context-free and stay.
func (s *Store) DeleteDocumentChunks(ctx context.Context, tenantID, documentID string) error {
	return s.withRetry(ctx, "delete_document_chunks", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM graph_chunks WHERE tenant_id = $1 AND document_id = $2`,
			tenantID, documentID)
		return err
	})
}
