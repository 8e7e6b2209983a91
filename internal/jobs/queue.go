package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thunderbirdlabs/cortex/internal/observability"
)

const (
	defaultMaxAttempts = 3
	statusTTL          = 24 * time.Hour
	promoteBatch       = 100
)

// QueueConfig holds queue tuning.
type QueueConfig struct {
	Name        string
	MaxAttempts int
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Name == "" {
		c.Name = "ingest"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Delivery is one job leased from the queue. The raw bytes are kept so
// the ack can remove exactly what was moved to the processing list.
type Delivery struct {
	Job *Job
	raw []byte
}

// Queue is a durable FIFO job queue with at-least-once delivery.
// Failed jobs park on a delayed set with exponential backoff until
// their retry is due; jobs that exhaust their attempts are marked
// failed and dropped from the queue.
type Queue struct {
	broker Broker
	config QueueConfig
	logger *observability.Logger
	now    func() time.Time
}

// NewQueue creates a queue on the given broker.
func NewQueue(broker Broker, cfg QueueConfig, logger *observability.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		broker: broker,
		config: cfg,
		logger: logger.WithComponent("jobs").With().Str("queue", cfg.Name).Logger(),
		now:    time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.config.Name }

// Enqueue makes a job durable and visible to workers.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.Type == "" {
		return fmt.Errorf("job requires a type")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.config.MaxAttempts
	}
	job.State = StatePending
	job.EnqueuedAt = q.now().Unix()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.broker.Push(ctx, queueKey(q.config.Name), payload); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	q.writeStatus(ctx, job)

	q.logger.Debug().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("tenant_id", job.TenantID).
		Msg("Job enqueued")
	return nil
}

// Dequeue leases the next job, blocking up to wait. A nil delivery
// means the wait elapsed with the queue empty. The job stays on the
// processing list until Ack or Fail.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	raw, err := q.broker.Move(ctx, queueKey(q.config.Name), processingKey(q.config.Name), wait)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		// A payload that does not decode can never succeed; drop it
		// rather than poison the processing list.
		q.logger.Error().Err(err).Msg("Dropping undecodable job payload")
		if remErr := q.broker.Remove(ctx, processingKey(q.config.Name), raw); remErr != nil {
			return nil, fmt.Errorf("remove undecodable payload: %w", remErr)
		}
		return nil, nil
	}

	job.State = StateRunning
	q.writeStatus(ctx, &job)
	return &Delivery{Job: &job, raw: raw}, nil
}

// Ack marks a leased job completed and removes it from the processing
// list.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.broker.Remove(ctx, processingKey(q.config.Name), d.raw); err != nil {
		return fmt.Errorf("ack job %s: %w", d.Job.ID, err)
	}
	d.Job.State = StateCompleted
	d.Job.Error = ""
	d.Job.FinishedAt = q.now().Unix()
	q.writeStatus(ctx, d.Job)
	return nil
}

// Fail records a failed attempt. The job is parked on the delayed set
// with exponential backoff until its retry is due, or marked failed for
// good once its attempts are spent.
func (q *Queue) Fail(ctx context.Context, d *Delivery, jobErr error) error {
	if err := q.broker.Remove(ctx, processingKey(q.config.Name), d.raw); err != nil {
		return fmt.Errorf("release job %s: %w", d.Job.ID, err)
	}

	job := d.Job
	job.Attempts++
	job.Error = jobErr.Error()

	if job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
		job.FinishedAt = q.now().Unix()
		q.writeStatus(ctx, job)
		q.logger.Warn().
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Int("attempts", job.Attempts).
			Err(jobErr).
			Msg("Job failed permanently")
		return nil
	}

	job.State = StatePending
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s for retry: %w", job.ID, err)
	}
	eta := q.now().Add(retryDelay(job.Attempts))
	if err := q.broker.Delay(ctx, delayedKey(q.config.Name), payload, eta); err != nil {
		return fmt.Errorf("delay job %s: %w", job.ID, err)
	}
	q.writeStatus(ctx, job)

	q.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Int("attempts", job.Attempts).
		Dur("retry_in", retryDelay(job.Attempts)).
		Err(jobErr).
		Msg("Job scheduled for retry")
	return nil
}

// retryDelay backs off 1s, 2s, 4s by attempt count.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<(attempt-1)) * time.Second
}

// Promote moves due delayed jobs back onto the queue and returns how
// many it moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	due, err := q.broker.Due(ctx, delayedKey(q.config.Name), q.now(), promoteBatch)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	moved := 0
	for _, payload := range due {
		if err := q.broker.Push(ctx, queueKey(q.config.Name), payload); err != nil {
			return moved, fmt.Errorf("promote job: %w", err)
		}
		if err := q.broker.Undelay(ctx, delayedKey(q.config.Name), payload); err != nil {
			return moved, fmt.Errorf("remove promoted job: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Debug().Int("count", moved).Msg("Promoted delayed jobs")
	}
	return moved, nil
}

// Status reads the current status record of a job.
func (q *Queue) Status(ctx context.Context, jobID string) (*Job, error) {
	raw, err := q.broker.GetStatus(ctx, statusKey(jobID))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode status of job %s: %w", jobID, err)
	}
	return &job, nil
}

// Len reports how many jobs are waiting on the queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.broker.ListLen(ctx, queueKey(q.config.Name))
}

// writeStatus persists the observer-facing copy of the job. Status is
// advisory; failures are logged, not propagated.
func (q *Queue) writeStatus(ctx context.Context, job *Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		q.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job status marshal failed")
		return
	}
	if err := q.broker.SetStatus(ctx, statusKey(job.ID), payload, statusTTL); err != nil {
		q.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Job status write failed")
	}
}
