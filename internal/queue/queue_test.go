package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observatoryhq/observatory/internal/queue"
	"github.com/observatoryhq/observatory/pkg/models"
)

// setupQueue starts a miniredis instance and returns a Queue bound to it.
func setupQueue(t *testing.T, opts queue.Options) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if opts.RetryBaseWait == 0 {
		opts.RetryBaseWait = time.Millisecond
	}
	return queue.New(client, opts), mr
}

func enqueue(t *testing.T, q *queue.Queue, priority string, convs ...string) *models.BatchJob {
	t.Helper()
	job, err := q.Enqueue(context.Background(), convs, nil, priority)
	require.NoError(t, err)
	return job
}

func TestEnqueue_PersistsBatch(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	job := enqueue(t, q, "", "conv-1", "conv-2")
	assert.Equal(t, models.BatchStatusQueued, job.Status)
	assert.Equal(t, models.PriorityNormal, job.Priority)

	got, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, []string{"conv-1", "conv-2"}, got.ConversationIDs)
	assert.Equal(t, models.BatchStatusQueued, got.Status)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestEnqueue_RejectsEmptyBatch(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})

	_, err := q.Enqueue(context.Background(), nil, nil, models.PriorityNormal)
	var vErr *queue.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestEnqueue_RejectsOversizedBatch(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{MaxBatchSize: 3})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []string{"a", "b", "c", "d"}, nil, models.PriorityNormal)
	var vErr *queue.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "maximum is 3")

	// Nothing was queued; the batch is never truncated to fit.
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestEnqueue_RejectsUnknownPriority(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})

	_, err := q.Enqueue(context.Background(), []string{"a"}, nil, "urgent")
	var vErr *queue.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestEnqueue_QueueFull(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{MaxQueueSize: 2})

	enqueue(t, q, "", "a")
	enqueue(t, q, models.PriorityHigh, "b")

	_, err := q.Enqueue(context.Background(), []string{"c"}, nil, models.PriorityNormal)
	assert.ErrorIs(t, err, queue.ErrQueueFull)
}

func TestEnqueue_ConcurrentNeverOvershootsDepthLimit(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{MaxQueueSize: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, []string{"a"}, nil, models.PriorityNormal)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	accepted, rejected := 0, 0
	for err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, queue.ErrQueueFull)
			rejected++
		}
	}
	assert.Equal(t, 5, accepted)
	assert.Equal(t, 15, rejected)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestEnqueue_PayloadCarriesMetadataTTL(t *testing.T) {
	ttl := 90 * 24 * time.Hour
	q, mr := setupQueue(t, queue.Options{MetadataTTL: ttl})

	job := enqueue(t, q, "", "a")
	assert.Equal(t, ttl, mr.TTL("observatory:batch:"+job.ID.String()))
}

func TestUpdateStatus_PreservesPayloadTTL(t *testing.T) {
	ttl := time.Hour
	q, mr := setupQueue(t, queue.Options{MetadataTTL: ttl})
	ctx := context.Background()

	job := enqueue(t, q, "", "a")
	require.NoError(t, q.UpdateStatus(ctx, job.ID, models.BatchStatusRunning, ""))
	assert.Equal(t, ttl, mr.TTL("observatory:batch:"+job.ID.String()))
}

func TestDequeue_FIFOWithinList(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	a := enqueue(t, q, "", "a")
	b := enqueue(t, q, "", "b")
	c := enqueue(t, q, "", "c")

	for _, want := range []uuid.UUID{a.ID, b.ID, c.ID} {
		got, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, models.BatchStatusDequeued, got.Status)
	}
}

func TestDequeue_PriorityListDrainsFirst(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	a := enqueue(t, q, "", "a")
	b := enqueue(t, q, "", "b")
	c := enqueue(t, q, "", "c")
	d := enqueue(t, q, models.PriorityHigh, "d")

	for _, want := range []uuid.UUID{d.ID, a.ID, b.ID, c.ID} {
		got, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
	}
}

func TestDequeue_EmptyQueue(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})

	got, err := q.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeue_ExclusiveAcrossWorkers(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	const n = 20
	want := make(map[uuid.UUID]bool, n)
	for i := 0; i < n; i++ {
		job := enqueue(t, q, "", "conv")
		want[job.ID] = true
	}

	var mu sync.Mutex
	claimed := make(map[uuid.UUID]int, n)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx, 0)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, n)
	for id, count := range claimed {
		assert.True(t, want[id])
		assert.Equal(t, 1, count, "batch %s claimed more than once", id)
	}
}

func TestCancel_QueuedBatch(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	job := enqueue(t, q, "", "a")
	require.NoError(t, q.Cancel(ctx, job.ID))

	got, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, got.Status)

	cancelled, err := q.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Removed from its list: nothing left to claim.
	next, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCancel_ClaimedBatchRaisesFlag(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	job := enqueue(t, q, "", "a")
	claimed, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, q.Cancel(ctx, job.ID))

	cancelled, err := q.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCancel_UnknownBatch(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	assert.ErrorIs(t, q.Cancel(context.Background(), uuid.New()), queue.ErrNotFound)
}

func TestCancel_TerminalIsNoOp(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	job := enqueue(t, q, "", "a")
	require.NoError(t, q.UpdateStatus(ctx, job.ID, models.BatchStatusCompleted, ""))

	require.NoError(t, q.Cancel(ctx, job.ID))

	got, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
}

func TestReprioritize_MovesQueuedBatch(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	a := enqueue(t, q, "", "a")
	b := enqueue(t, q, "", "b")

	require.NoError(t, q.Reprioritize(ctx, b.ID, models.PriorityHigh))

	got, err := q.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, got.Priority)

	// b now precedes a.
	first, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, b.ID, first.ID)

	second, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, a.ID, second.ID)
}

func TestReprioritize_ClaimedBatchKeepsPosition(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	job := enqueue(t, q, "", "a")
	claimed, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The id is gone from both lists; only the payload field changes.
	require.NoError(t, q.Reprioritize(ctx, job.ID, models.PriorityHigh))

	got, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, got.Priority)

	next, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestReprioritize_LastWriteWins(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	job := enqueue(t, q, "", "a")
	require.NoError(t, q.Reprioritize(ctx, job.ID, models.PriorityHigh))
	require.NoError(t, q.Reprioritize(ctx, job.ID, models.PriorityNormal))

	got, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, got.Priority)

	first, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, job.ID, first.ID)
}

func TestReprioritize_UnknownPriority(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})

	err := q.Reprioritize(context.Background(), uuid.New(), "urgent")
	var vErr *queue.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestReprioritize_UnknownBatch(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	err := q.Reprioritize(context.Background(), uuid.New(), models.PriorityHigh)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestUpdateStatus_RecordsError(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	job := enqueue(t, q, "", "a")
	require.NoError(t, q.UpdateStatus(ctx, job.ID, models.BatchStatusFailed, "analyzer unavailable"))

	got, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "analyzer unavailable", *got.Error)
}

func TestStatus_UnknownBatch(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	_, err := q.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestQueueStats_CountsPerList(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	enqueue(t, q, "", "a")
	enqueue(t, q, "", "b")
	enqueue(t, q, models.PriorityHigh, "c")

	stats, err := q.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Normal)
	assert.Equal(t, int64(1), stats.Priority)
	assert.Equal(t, int64(3), stats.Pending)
}

func TestBackendFailure_SurfacesQueueError(t *testing.T) {
	q, mr := setupQueue(t, queue.Options{MaxRetries: 2})

	job := enqueue(t, q, "", "a")
	mr.Close()

	_, err := q.Status(context.Background(), job.ID)
	var qErr *queue.QueueError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "status", qErr.Op)
	assert.Error(t, qErr.Unwrap())
}

func TestClear_DropsEverything(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()

	job := enqueue(t, q, "", "a")
	enqueue(t, q, models.PriorityHigh, "b")

	require.NoError(t, q.Clear(ctx))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = q.Status(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}
