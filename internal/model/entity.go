package model

import "fmt"

// Entity is a typed node in the property graph. Entities are
// context-free: no document-specific properties and no timestamps from
// documents. CreatedAtTimestamp is row bookkeeping (when the entity
// first appeared in the graph) used by the dedup lookback, not a
// document property.
type Entity struct {
	ID                 int64     `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Label              string    `json:"label"`
	Name               string    `json:"name"`
	Properties         Metadata  `json:"properties,omitempty"`
	Embedding          []float32 `json:"embedding,omitempty"`
	CreatedAtTimestamp *int64    `json:"created_at_timestamp,omitempty"`

	// RelationshipCount is populated by dedup candidate queries; it is
	// not stored.
	RelationshipCount int `json:"relationship_count,omitempty"`
}

// EmbeddingText returns the canonical text an entity embedding is
// computed from.
func (e *Entity) EmbeddingText() string {
	return fmt.Sprintf("%s: %s", e.Label, e.Name)
}

// ForbiddenEntityPropertyKeys lists document-derived keys that must
// never appear on an entity. Chunk nodes are exempt.
var ForbiddenEntityPropertyKeys = map[string]struct{}{
	"document_id": {},
	"title":       {},
	"file_size":   {},
	"source":      {},
	"source_id":   {},
	"tenant_id":   {},
}

// Relation is a typed, directed edge between two entities.
type Relation struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`
	SourceID int64  `json:"source_id"`
	TargetID int64  `json:"target_id"`
	Label    string `json:"label"`
}
