package model

import (
	"time"
)

// Chunk is a contiguous substring of a document's content sized for
// embedding. The same chunk is written to the vector store (with its
// embedding) and materialised as a chunk node in the graph for
// provenance; chunk_id correlates the two.
type Chunk struct {
	ChunkID            string     `json:"chunk_id"`
	DocumentID         string     `json:"document_id"`
	TenantID           string     `json:"tenant_id"`
	Source             string     `json:"source"`
	DocumentType       string     `json:"document_type"`
	Title              string     `json:"title"`
	Content            string     `json:"content"`
	Index              int        `json:"index"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	CreatedAtTimestamp *int64     `json:"created_at_timestamp,omitempty"`
	Embedding          []float32  `json:"embedding,omitempty"`
	Metadata           Metadata   `json:"metadata,omitempty"`
}

// SourceNode is a retrieved chunk as exposed to query consumers.
// Callers deduplicate by (source, document_id) when presenting sources;
// the engine does not.
type SourceNode struct {
	DocumentID         string     `json:"document_id"`
	Title              string     `json:"title"`
	Source             string     `json:"source"`
	DocumentType       string     `json:"document_type"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	CreatedAtTimestamp *int64     `json:"created_at_timestamp,omitempty"`
	Excerpt            string     `json:"excerpt"`
	Score              float64    `json:"score"`
}

// ExcerptOf shortens chunk content for source display.
func ExcerptOf(content string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 200
	}
	if len(content) <= maxChars {
		return content
	}
	return content[:maxChars] + "..."
}
