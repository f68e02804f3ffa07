package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/observatoryhq/observatory/pkg/models"
)

// enqueueScript checks queue depth, persists the payload, and pushes the id
// in one atomic step, so concurrent enqueues can never overshoot the depth
// limit. Returns 1 on success, 0 when the queue is full.
var enqueueScript = redis.NewScript(`
local depth = redis.call('LLEN', KEYS[1]) + redis.call('LLEN', KEYS[2])
if depth >= tonumber(ARGV[3]) then
  return 0
end
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[4])
redis.call('RPUSH', KEYS[4], ARGV[1])
return 1
`)

// moveScript moves a still-queued id from one priority list to the other.
// LREM+RPUSH run as one script so no worker can observe the id in neither
// list. Returns the number of ids moved (0 if the id was already claimed).
var moveScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed > 0 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return removed
`)

// cancelScript removes the id from both lists and raises the cooperative
// cancellation flag in the same step, so a cancel can never leave the id
// queued with the flag unset.
var cancelScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1]) + redis.call('LREM', KEYS[2], 1, ARGV[1])
redis.call('SET', KEYS[3], '1', 'PX', ARGV[2])
return removed
`)

// Options configures a Queue. Zero values fall back to the defaults the
// service ships with.
type Options struct {
	MaxBatchSize  int
	MaxQueueSize  int
	MaxRetries    int
	RetryBaseWait time.Duration
	MetadataTTL   time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 1000
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 10000
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseWait <= 0 {
		o.RetryBaseWait = 100 * time.Millisecond
	}
	if o.MetadataTTL <= 0 {
		o.MetadataTTL = 90 * 24 * time.Hour
	}
}

// Stats summarizes queue depth per priority list.
type Stats struct {
	Pending  int64 `json:"pending_jobs"`
	Normal   int64 `json:"normal_queue_size"`
	Priority int64 `json:"priority_queue_size"`
}

// Queue is a durable two-list priority queue over Redis. Payloads live under
// one key per batch; the lists hold only ids. Pops are exclusive at the
// storage layer, so concurrent workers never claim the same batch.
type Queue struct {
	client *redis.Client
	opts   Options
}

// New creates a Queue on an existing Redis client.
func New(client *redis.Client, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{client: client, opts: opts}
}

// Ping checks backend connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue validates the batch, persists its payload, and pushes its id onto
// the list matching priority. Depth check, payload write, and index insertion
// run as one script.
func (q *Queue) Enqueue(ctx context.Context, conversationIDs []string, options map[string]any, priority string) (*models.BatchJob, error) {
	if len(conversationIDs) == 0 {
		return nil, &ValidationError{Reason: "conversation_ids must not be empty"}
	}
	if len(conversationIDs) > q.opts.MaxBatchSize {
		return nil, &ValidationError{Reason: fmt.Sprintf(
			"conversation_ids has %d entries, maximum is %d", len(conversationIDs), q.opts.MaxBatchSize)}
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	if priority != models.PriorityNormal && priority != models.PriorityHigh {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown priority %q", priority)}
	}

	job := &models.BatchJob{
		ID:              uuid.New(),
		ConversationIDs: conversationIDs,
		Options:         options,
		Priority:        priority,
		Status:          models.BatchStatusQueued,
		CreatedAt:       time.Now().UTC(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal batch job: %w", err)
	}

	listKey := normalQueueKey
	if priority == models.PriorityHigh {
		listKey = priorityQueueKey
	}

	err = q.withRetry(ctx, "enqueue", func() error {
		ok, err := enqueueScript.Run(ctx, q.client,
			[]string{normalQueueKey, priorityQueueKey, batchKey(job.ID), listKey},
			job.ID.String(), payload, q.opts.MaxQueueSize, q.opts.MetadataTTL.Milliseconds()).Int()
		if err != nil {
			return err
		}
		if ok == 0 {
			return backoff.Permanent(ErrQueueFull)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Dequeue claims the next batch: the priority list is drained first with a
// non-blocking pop, then the normal list is waited on up to timeout. Returns
// nil with no error when nothing arrives in time.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*models.BatchJob, error) {
	var raw string
	err := q.withRetry(ctx, "dequeue", func() error {
		id, err := q.client.LPop(ctx, priorityQueueKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if errors.Is(err, redis.Nil) {
			if timeout > 0 {
				res, err := q.client.BLPop(ctx, timeout, normalQueueKey).Result()
				if errors.Is(err, redis.Nil) {
					return nil
				}
				if err != nil {
					return err
				}
				id = res[1]
			} else {
				id, err = q.client.LPop(ctx, normalQueueKey).Result()
				if errors.Is(err, redis.Nil) {
					return nil
				}
				if err != nil {
					return err
				}
			}
		}
		raw = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, &QueueError{Op: "dequeue", Err: fmt.Errorf("malformed id %q in queue", raw)}
	}

	job, err := q.Status(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Payload expired or was cleared between push and pop; nothing to run.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Status = models.BatchStatusDequeued
	if err := q.writePayload(ctx, "dequeue", job); err != nil {
		return nil, err
	}
	return job, nil
}

// Reprioritize moves a still-queued batch between the priority lists. Once a
// worker has claimed the id the queue position is never changed
// retroactively; the payload's priority field is still rewritten
// (last-write-wins).
func (q *Queue) Reprioritize(ctx context.Context, id uuid.UUID, newPriority string) error {
	if newPriority != models.PriorityNormal && newPriority != models.PriorityHigh {
		return &ValidationError{Reason: fmt.Sprintf("unknown priority %q", newPriority)}
	}

	job, err := q.Status(ctx, id)
	if err != nil {
		return err
	}
	if job.Priority != newPriority {
		from, to := priorityQueueKey, normalQueueKey
		if newPriority == models.PriorityHigh {
			from, to = normalQueueKey, priorityQueueKey
		}
		err = q.withRetry(ctx, "reprioritize", func() error {
			return moveScript.Run(ctx, q.client, []string{from, to}, id.String()).Err()
		})
		if err != nil {
			return err
		}
	}

	job.Priority = newPriority
	return q.writePayload(ctx, "reprioritize", job)
}

// Cancel marks the batch cancelled. A still-queued id is removed from its
// list; a claimed one keeps running until the worker observes the
// cancellation flag. Cancelling a terminal batch is a no-op.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := q.Status(ctx, id)
	if err != nil {
		return err
	}
	if models.BatchTerminal(job.Status) {
		return nil
	}

	err = q.withRetry(ctx, "cancel", func() error {
		return cancelScript.Run(ctx, q.client,
			[]string{normalQueueKey, priorityQueueKey, cancelFlagKey(id)},
			id.String(), q.opts.MetadataTTL.Milliseconds()).Err()
	})
	if err != nil {
		return err
	}

	job.Status = models.BatchStatusCancelled
	return q.writePayload(ctx, "cancel", job)
}

// IsCancelled reports whether a cooperative cancellation flag has been raised
// for the batch. Workers check this before and during processing.
func (q *Queue) IsCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := q.client.Exists(ctx, cancelFlagKey(id)).Result()
	if err != nil {
		return false, &QueueError{Op: "is_cancelled", Err: err}
	}
	return n > 0, nil
}

// Status returns the current payload for a batch.
func (q *Queue) Status(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	var job models.BatchJob
	err := q.withRetry(ctx, "status", func() error {
		raw, err := q.client.Get(ctx, batchKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateStatus rewrites the payload's status (and error message, if any).
// Used by workers to record batch progress and terminal states.
func (q *Queue) UpdateStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error {
	job, err := q.Status(ctx, id)
	if err != nil {
		return err
	}
	job.Status = status
	if errMsg != "" {
		job.Error = &errMsg
	}
	return q.writePayload(ctx, "update_status", job)
}

// Size returns the total number of queued ids across both lists.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	var depth int64
	err := q.withRetry(ctx, "size", func() error {
		var err error
		depth, err = q.depth(ctx)
		return err
	})
	return depth, err
}

// QueueStats returns per-list depths for the stats endpoint.
func (q *Queue) QueueStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := q.withRetry(ctx, "stats", func() error {
		pipe := q.client.Pipeline()
		normal := pipe.LLen(ctx, normalQueueKey)
		priority := pipe.LLen(ctx, priorityQueueKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		stats.Normal = normal.Val()
		stats.Priority = priority.Val()
		stats.Pending = stats.Normal + stats.Priority
		return nil
	})
	return stats, err
}

// Clear drops both lists and all batch payloads. Test helper.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, normalQueueKey, priorityQueueKey).Err(); err != nil {
		return &QueueError{Op: "clear", Err: err}
	}
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, "observatory:batch:*", 100).Result()
		if err != nil {
			return &QueueError{Op: "clear", Err: err}
		}
		if len(keys) > 0 {
			if err := q.client.Del(ctx, keys...).Err(); err != nil {
				return &QueueError{Op: "clear", Err: err}
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (q *Queue) depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	normal := pipe.LLen(ctx, normalQueueKey)
	priority := pipe.LLen(ctx, priorityQueueKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return normal.Val() + priority.Val(), nil
}

func (q *Queue) writePayload(ctx context.Context, op string, job *models.BatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal batch job: %w", err)
	}
	return q.withRetry(ctx, op, func() error {
		return q.client.Set(ctx, batchKey(job.ID), payload, q.opts.MetadataTTL).Err()
	})
}

// withRetry runs fn with capped exponential backoff. Transient backend errors
// are retried MaxRetries times; exhaustion surfaces a QueueError naming the
// operation. Validation and not-found conditions pass through unwrapped.
func (q *Queue) withRetry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponential(q.opts.RetryBaseWait), uint64(q.opts.MaxRetries)), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err == nil {
		return nil
	}

	var vErr *ValidationError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrQueueFull) || errors.As(err, &vErr) {
		return err
	}
	return &QueueError{Op: op, Err: err}
}

func newExponential(base time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = 2 * time.Second
	return bo
}
