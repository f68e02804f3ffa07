// Package worker consumes batch jobs from the durable queue and drives each
// one through the job manager.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/observatoryhq/observatory/internal/analyzer"
	"github.com/observatoryhq/observatory/internal/jobs"
	"github.com/observatoryhq/observatory/internal/notify"
	"github.com/observatoryhq/observatory/internal/queue"
	"github.com/observatoryhq/observatory/internal/results"
	"github.com/observatoryhq/observatory/internal/validate"
	"github.com/observatoryhq/observatory/pkg/models"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	// cancelPollInterval is how often a running batch re-checks its
	// cooperative cancellation flag.
	cancelPollInterval = time.Second
	// recordTimeout bounds terminal-state writes made after the pool ctx is
	// already gone.
	recordTimeout = 10 * time.Second
)

// Options configures a Pool.
type Options struct {
	Count        int
	PollTimeout  time.Duration
	BatchTimeout time.Duration
	// Notifier, when set, delivers batch lifecycle webhooks to the batch's
	// callback_url option.
	Notifier notify.Notifier
	// Validator screens each conversation before analysis. Defaults to
	// validate.New(0).
	Validator *validate.Validator
}

// Pool runs N workers, each looping dequeue → process. Backend errors back
// the loop off exponentially; ctx cancellation drains the pool.
type Pool struct {
	queue    *queue.Queue
	manager  *jobs.Manager
	analyzer analyzer.Analyzer
	results  results.Writer
	opts     Options
}

func NewPool(q *queue.Queue, m *jobs.Manager, a analyzer.Analyzer, w results.Writer, opts Options) *Pool {
	if opts.Count <= 0 {
		opts.Count = 2
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.Validator == nil {
		opts.Validator = validate.New(0)
	}
	return &Pool{queue: q, manager: m, analyzer: a, results: w, opts: opts}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Count; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	slog.Info("batch worker started", "worker", worker)
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			slog.Info("batch worker stopped", "worker", worker)
			return
		}

		batch, err := p.queue.Dequeue(ctx, p.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("batch worker stopped", "worker", worker)
				return
			}
			slog.Error("dequeue failed", "worker", worker, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		if batch == nil {
			continue
		}
		p.process(ctx, batch)
	}
}

// process runs one claimed batch through the job manager and records its
// terminal state.
func (p *Pool) process(ctx context.Context, batch *models.BatchJob) {
	log := slog.With("batch_id", batch.ID, "conversations", len(batch.ConversationIDs))

	cancelled, err := p.queue.IsCancelled(ctx, batch.ID)
	if err != nil {
		log.Error("cancellation check failed", "error", err)
	}
	if cancelled {
		log.Info("batch cancelled before processing")
		p.recordTerminal(ctx, batch, models.BatchStatusCancelled, "", nil)
		return
	}

	if err := p.queue.UpdateStatus(ctx, batch.ID, models.BatchStatusRunning, ""); err != nil {
		log.Error("mark batch running failed", "error", err)
	}

	jobID := p.manager.Create(p.batchTask(batch), p.opts.BatchTimeout)

	// Bridge the queue's cooperative cancellation flag to the manager while
	// the batch runs.
	watchCtx, stopWatch := context.WithCancel(ctx)
	go p.watchCancellation(watchCtx, batch.ID, jobID)

	job, err := p.manager.Wait(ctx, jobID)
	stopWatch()
	if err != nil {
		// Shutdown mid-batch. The pool ctx is gone, so the durable payload
		// keeps saying running unless we record the terminal state on a
		// fresh context.
		log.Info("batch interrupted", "error", err)
		rctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		p.recordTerminal(rctx, batch, models.BatchStatusCancelled, "interrupted by shutdown", nil)
		return
	}

	switch job.Status {
	case models.JobStatusCompleted:
		p.recordTerminal(ctx, batch, models.BatchStatusCompleted, "", job.Result)
		log.Info("batch completed")
	case models.JobStatusCancelled:
		p.recordTerminal(ctx, batch, models.BatchStatusCancelled, "batch cancelled", nil)
		log.Info("batch cancelled")
	case models.JobStatusTimedOut:
		p.recordTerminal(ctx, batch, models.BatchStatusFailed, errString(job.Error), nil)
		log.Warn("batch timed out")
	default:
		p.recordTerminal(ctx, batch, models.BatchStatusFailed, errString(job.Error), nil)
		log.Warn("batch failed", "error", errString(job.Error))
	}
}

// batchTask builds the manager task that analyzes every conversation in the
// batch. Per-conversation failures are recorded, not fatal; the task itself
// only fails on cancellation or timeout.
func (p *Pool) batchTask(batch *models.BatchJob) jobs.Task {
	return func(ctx context.Context) (any, error) {
		perConv := make(map[string]any, len(batch.ConversationIDs))
		completed, failed := 0, 0
		total := len(batch.ConversationIDs)
		callback := callbackURL(batch)
		lastDecile := 0

		for _, convID := range batch.ConversationIDs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			clean, err := p.opts.Validator.Validate(convID)
			if err != nil {
				failed++
				perConv[convID] = map[string]any{"status": "failed", "error": err.Error()}
			} else if out, err := p.analyzer.Analyze(ctx, clean, batch.Options); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				failed++
				perConv[convID] = map[string]any{"status": "failed", "error": err.Error()}
			} else {
				completed++
				perConv[convID] = map[string]any{"status": "completed", "analysis": out}
			}

			// Progress webhook at every 10% step; completion has its own
			// event.
			if p.opts.Notifier != nil && callback != "" && total > 0 {
				decile := (completed + failed) * 10 / total
				if decile > lastDecile && decile < 10 {
					lastDecile = decile
					if err := p.opts.Notifier.BatchProgress(ctx, callback, batch.ID, total, completed, failed); err != nil {
						slog.Warn("batch progress webhook", "batch_id", batch.ID, "error", err)
					}
				}
			}
		}

		return map[string]any{
			"results":   perConv,
			"completed": completed,
			"failed":    failed,
		}, nil
	}
}

// watchCancellation polls the queue's cancellation flag and forwards it to
// the manager job. Stops when watchCtx is cancelled (batch finished).
func (p *Pool) watchCancellation(ctx context.Context, batchID, jobID uuid.UUID) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := p.queue.IsCancelled(ctx, batchID)
			if err != nil || !cancelled {
				continue
			}
			if err := p.manager.Cancel(jobID); err != nil {
				slog.Error("forward batch cancellation", "batch_id", batchID, "error", err)
			}
			return
		}
	}
}

// recordTerminal writes the batch's terminal status to the queue payload and
// hands the result record to the persistence collaborator.
func (p *Pool) recordTerminal(ctx context.Context, batch *models.BatchJob, status, errMsg string, result any) {
	if err := p.queue.UpdateStatus(ctx, batch.ID, status, errMsg); err != nil {
		slog.Error("record batch status", "batch_id", batch.ID, "status", status, "error", err)
	}

	doc := &results.BatchResult{
		BatchID:    batch.ID,
		Status:     status,
		FinishedAt: time.Now().UTC(),
	}
	if m, ok := result.(map[string]any); ok {
		if r, ok := m["results"].(map[string]any); ok {
			doc.Results = r
		}
		if n, ok := m["completed"].(int); ok {
			doc.Completed = n
		}
		if n, ok := m["failed"].(int); ok {
			doc.Failed = n
		}
	}
	if err := p.results.WriteBatch(ctx, doc); err != nil {
		slog.Error("write batch result", "batch_id", batch.ID, "error", err)
	}

	if p.opts.Notifier == nil {
		return
	}
	callback := callbackURL(batch)
	if callback == "" {
		return
	}
	total := len(batch.ConversationIDs)
	var err error
	if status == models.BatchStatusCompleted {
		err = p.opts.Notifier.BatchComplete(ctx, callback, batch.ID, total, doc.Completed, doc.Failed)
	} else {
		err = p.opts.Notifier.BatchFailed(ctx, callback, batch.ID, errMsg)
	}
	if err != nil {
		slog.Warn("batch terminal webhook", "batch_id", batch.ID, "status", status, "error", err)
	}
}

// callbackURL extracts the optional webhook destination from the batch
// options.
func callbackURL(batch *models.BatchJob) string {
	url, _ := batch.Options["callback_url"].(string)
	return url
}

func errString(e *string) string {
	if e == nil {
		return ""
	}
	return *e
}
