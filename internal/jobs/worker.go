package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/metrics"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

const (
	dequeueWait     = 5 * time.Second
	promoteInterval = time.Second
)

// Handler executes one job. A returned error schedules a retry until
// the job's attempts are spent.
type Handler func(ctx context.Context, job *Job) error

// Worker pulls jobs from a queue and dispatches them to registered
// handlers under a per-job deadline.
type Worker struct {
	queue    *Queue
	handlers map[string]Handler
	timeout  time.Duration
	logger   *observability.Logger
	metrics  *metrics.Collector
}

// NewWorker creates a worker. collector may be nil.
func NewWorker(queue *Queue, jobTimeout time.Duration, logger *observability.Logger, collector *metrics.Collector) *Worker {
	if jobTimeout <= 0 {
		jobTimeout = time.Hour
	}
	return &Worker{
		queue:    queue,
		handlers: map[string]Handler{},
		timeout:  jobTimeout,
		logger:   logger.WithComponent("worker"),
		metrics:  collector,
	}
}

// Register binds a handler to a job type. Not safe to call once Run has
// started.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run processes jobs until the context is cancelled. Due retries are
// promoted back onto the queue as it runs.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Str("queue", w.queue.Name()).Dur("job_timeout", w.timeout).Msg("Worker started")

	go w.promoteLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker stopped")
			return ctx.Err()
		default:
		}

		delivery, err := w.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info().Msg("Worker stopped")
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("Dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			continue
		}
		w.process(ctx, delivery)
	}
}

// process runs one job and settles its delivery on every exit path.
func (w *Worker) process(ctx context.Context, d *Delivery) {
	job := d.Job
	logger := w.logger.With().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("tenant_id", job.TenantID).
		Logger()

	handler, ok := w.handlers[job.Type]
	if !ok {
		// Another worker in the pool may carry this handler; retry
		// semantics give it that chance before the job dies.
		logger.Warn().Msg("No handler for job type")
		w.settle(ctx, d, fmt.Errorf("no handler for job type %q", job.Type))
		return
	}

	logger.Info().Int("attempt", job.Attempts+1).Msg("Job started")
	start := time.Now()

	jctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := w.runHandler(jctx, handler, job)
	if err == nil && jctx.Err() != nil {
		err = fmt.Errorf("job exceeded its %s time limit", w.timeout)
	}

	w.settle(ctx, d, err)
	logger.Info().
		Dur("duration", time.Since(start)).
		Bool("succeeded", err == nil).
		Msg("Job finished")
}

// runHandler contains handler panics so one bad job cannot take the
// worker down.
func (w *Worker) runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// settle acks or fails the delivery and records the outcome. The
// settlement itself uses a fresh short deadline so a cancelled job
// context cannot strand the delivery on the processing list.
func (w *Worker) settle(ctx context.Context, d *Delivery, jobErr error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if jobErr == nil {
		if err := w.queue.Ack(sctx, d); err != nil {
			w.logger.Error().Str("job_id", d.Job.ID).Err(err).Msg("Job ack failed")
		}
		w.count("completed")
		return
	}

	if err := w.queue.Fail(sctx, d, jobErr); err != nil {
		w.logger.Error().Str("job_id", d.Job.ID).Err(err).Msg("Job failure handling failed")
	}
	if d.Job.State == StateFailed {
		w.count("failed")
	} else {
		w.count("retried")
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Promote(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("Promoting delayed jobs failed")
			}
		}
	}
}

func (w *Worker) count(status string) {
	if w.metrics == nil {
		return
	}
	w.metrics.JobsProcessed.WithLabelValues(w.queue.Name(), status).Inc()
}
