// Package jobs provides the Redis-backed job substrate: a durable FIFO
// queue with at-least-once delivery and bounded retries, workers that
// execute registered handlers under a per-job deadline, a single-leader
// periodic scheduler behind a distributed lock, and the operator-facing
// backfill task.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job types dispatched by workers.
const (
	TypeIngestDocument = "ingest_document"
	TypeDedupRun       = "dedup_run"
	TypeGraphBackfill  = "graph_backfill"
)

// SchedulerLockKey is the shared key all scheduler instances compete
// for. Exactly one holds it at a time.
const SchedulerLockKey = "cortex:scheduler:lock"

const keyPrefix = "cortex:jobs:"

func queueKey(name string) string      { return keyPrefix + name }
func processingKey(name string) string { return keyPrefix + name + ":processing" }
func delayedKey(name string) string    { return keyPrefix + name + ":delayed" }
func statusKey(id string) string       { return keyPrefix + "status:" + id }

// Job is one unit of queued work. The whole record travels through the
// queue as JSON; the status copy under its own key is what observers
// read.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	TenantID    string          `json:"tenant_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	State       State           `json:"state"`
	Error       string          `json:"error,omitempty"`
	FinishedAt  int64           `json:"finished_at,omitempty"`
}

// NewJob builds a pending job carrying a JSON payload.
func NewJob(jobType, tenantID string, payload interface{}) (*Job, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		raw = b
	}
	return &Job{
		ID:       uuid.NewString(),
		Type:     jobType,
		TenantID: tenantID,
		Payload:  raw,
	}, nil
}

// DecodePayload unmarshals the job payload into dst.
func (j *Job) DecodePayload(dst interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// IngestPayload asks a worker to ingest one document.
type IngestPayload struct {
	Document model.Document `json:"document"`
}

// DedupPayload asks a worker to run entity deduplication for the job's
// tenant.
type DedupPayload struct {
	DryRun bool `json:"dry_run"`
}

// BackfillPayload asks a worker to re-derive the graph side of one
// previously ingested document.
type BackfillPayload struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
	SourceID   string `json:"source_id"`
}
