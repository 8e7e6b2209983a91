package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// newTestQueue builds a queue on an in-memory broker with a settable
// clock so retry etas are deterministic.
func newTestQueue(t *testing.T, broker Broker) (*Queue, *atomic.Int64) {
	t.Helper()
	q := NewQueue(broker, QueueConfig{Name: "ingest"}, observability.NopLogger())
	clock := &atomic.Int64{}
	clock.Store(1730000000)
	q.now = func() time.Time { return time.Unix(clock.Load(), 0) }
	return q, clock
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	broker := newMemBroker()
	q, _ := newTestQueue(t, broker)

	job := &Job{Type: TypeIngestDocument, TenantID: "acme"}
	require.NoError(t, q.Enqueue(context.Background(), job))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, int64(1730000000), job.EnqueuedAt)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	status, err := q.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, status.State)
}

func TestEnqueueRequiresType(t *testing.T) {
	q, _ := newTestQueue(t, newMemBroker())

	err := q.Enqueue(context.Background(), &Job{TenantID: "acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type")
}

func TestDequeueIsFIFO(t *testing.T) {
	broker := newMemBroker()
	q, _ := newTestQueue(t, broker)
	ctx := context.Background()

	for _, tenant := range []string{"first", "second", "third"} {
		require.NoError(t, q.Enqueue(ctx, &Job{Type: TypeIngestDocument, TenantID: tenant}))
	}

	var tenants []string
	for i := 0; i < 3; i++ {
		d, err := q.Dequeue(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, StateRunning, d.Job.State)
		tenants = append(tenants, d.Job.TenantID)
	}

	assert.Equal(t, []string{"first", "second", "third"}, tenants)
	assert.Equal(t, 3, broker.listCount(processingKey("ingest")))
	assert.Equal(t, 0, broker.listCount(queueKey("ingest")))
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t, newMemBroker())

	d, err := q.Dequeue(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestDequeueDropsUndecodablePayload(t *testing.T) {
	broker := newMemBroker()
	q, _ := newTestQueue(t, broker)
	ctx := context.Background()

	require.NoError(t, broker.Push(ctx, queueKey("ingest"), []byte("not json")))

	d, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, 0, broker.listCount(queueKey("ingest")))
	assert.Equal(t, 0, broker.listCount(processingKey("ingest")))
}

func TestAckCompletesJob(t *testing.T) {
	broker := newMemBroker()
	q, _ := newTestQueue(t, broker)
	ctx := context.Background()

	job := &Job{Type: TypeIngestDocument, TenantID: "acme"}
	require.NoError(t, q.Enqueue(ctx, job))
	d, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.Ack(ctx, d))

	assert.Equal(t, 0, broker.listCount(processingKey("ingest")))
	status, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, int64(1730000000), status.FinishedAt)
}

func TestFailSchedulesRetry(t *testing.T) {
	broker := newMemBroker()
	q, clock := newTestQueue(t, broker)
	ctx := context.Background()

	job := &Job{Type: TypeIngestDocument, TenantID: "acme"}
	require.NoError(t, q.Enqueue(ctx, job))
	d, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.Fail(ctx, d, errors.New("boom")))

	assert.Equal(t, 0, broker.listCount(processingKey("ingest")))
	assert.Equal(t, 1, broker.delayedCount(delayedKey("ingest")))
	scores := broker.delayedScores(delayedKey("ingest"))
	require.Len(t, scores, 1)
	assert.Equal(t, float64(1730000001), scores[0])

	status, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, status.State)
	assert.Equal(t, 1, status.Attempts)
	assert.Equal(t, "boom", status.Error)

	// Not due yet: nothing to promote.
	moved, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	clock.Add(1)
	moved, err = q.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, 0, broker.delayedCount(delayedKey("ingest")))

	d, err = q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Job.Attempts)
}

func TestFailBacksOffExponentially(t *testing.T) {
	broker := newMemBroker()
	q, clock := newTestQueue(t, broker)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{Type: TypeIngestDocument, TenantID: "acme"}))

	// First failure parks the job one second out.
	d, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Fail(ctx, d, errors.New("boom")))
	scores := broker.delayedScores(delayedKey("ingest"))
	require.Len(t, scores, 1)
	assert.Equal(t, float64(clock.Load()+1), scores[0])

	clock.Add(1)
	_, err = q.Promote(ctx)
	require.NoError(t, err)

	// Second failure backs off two seconds.
	d, err = q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Fail(ctx, d, errors.New("boom")))
	scores = broker.delayedScores(delayedKey("ingest"))
	require.Len(t, scores, 1)
	assert.Equal(t, float64(clock.Load()+2), scores[0])
}

func TestFailAfterMaxAttemptsIsTerminal(t *testing.T) {
	broker := newMemBroker()
	q, clock := newTestQueue(t, broker)
	ctx := context.Background()

	job := &Job{Type: TypeIngestDocument, TenantID: "acme"}
	require.NoError(t, q.Enqueue(ctx, job))

	for attempt := 1; attempt <= 3; attempt++ {
		d, err := q.Dequeue(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		require.NoError(t, q.Fail(ctx, d, errors.New("boom")))
		clock.Add(8)
		_, err = q.Promote(ctx)
		require.NoError(t, err)
	}

	status, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, "boom", status.Error)
	assert.NotZero(t, status.FinishedAt)

	assert.Equal(t, 0, broker.delayedCount(delayedKey("ingest")))
	assert.Equal(t, 0, broker.listCount(queueKey("ingest")))
	assert.Equal(t, 0, broker.listCount(processingKey("ingest")))
}

func TestRetryDelayBackoff(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(0))
	assert.Equal(t, time.Second, retryDelay(1))
	assert.Equal(t, 2*time.Second, retryDelay(2))
	assert.Equal(t, 4*time.Second, retryDelay(3))
}

func TestStatusUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t, newMemBroker())

	_, err := q.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStatusNotFound)
}
