// Package model holds the shared domain types of the Cortex core:
// documents, chunks, entities, relations and result statuses. Store
// packages own persistence of these values; the model never caches
// entity identity across requests.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// MaxContentChars caps document content before chunking. Longer content
// is truncated, never rejected.
const MaxContentChars = 100000

// Document is a normalized document record as delivered by external
// connectors. The core treats documents as immutable per
// (tenant_id, source, source_id).
type Document struct {
	DocID        string     `json:"doc_id"`
	TenantID     string     `json:"tenant_id"`
	Source       string     `json:"source"`
	SourceID     string     `json:"source_id"`
	DocumentType string     `json:"document_type"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`

	// ParentDocID links attachments to their carrying document so a
	// missing created_at can be inherited.
	ParentDocID string `json:"parent_doc_id,omitempty"`

	// Extra carries document-type-specific structured fields used by
	// the extractor, e.g. sender_address and to_addresses for email.
	Extra Metadata `json:"extra,omitempty"`
}

// SenderAddress returns the email sender, if present.
func (d *Document) SenderAddress() string {
	if d.Extra == nil {
		return ""
	}
	if v, ok := d.Extra["sender_address"].(string); ok {
		return v
	}
	return ""
}

// RecipientAddresses returns the email recipients, if present.
func (d *Document) RecipientAddresses() []string {
	if d.Extra == nil {
		return nil
	}
	switch v := d.Extra["to_addresses"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// NormalizeContent strips null bytes, trims whitespace and enforces the
// content cap.
func NormalizeContent(content string) string {
	content = strings.ReplaceAll(content, "\x00", "")
	content = strings.TrimSpace(content)
	if len(content) > MaxContentChars {
		content = content[:MaxContentChars]
	}
	return content
}

// ContentHash returns the stable digest of the normalized content used
// for duplicate suppression.
func (d *Document) ContentHash() string {
	sum := sha256.Sum256([]byte(NormalizeContent(d.Content)))
	return hex.EncodeToString(sum[:])
}

// CreatedAtTimestamp derives Unix seconds from CreatedAt; nil when the
// document carries no timestamp.
func (d *Document) CreatedAtTimestamp() *int64 {
	if d.CreatedAt == nil {
		return nil
	}
	ts := d.CreatedAt.Unix()
	return &ts
}
