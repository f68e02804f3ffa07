package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/observatoryhq/observatory/pkg/models"
)

var ErrNotFound = errors.New("job not found")

const defaultCancelGrace = 5 * time.Second

// Task is a unit of analysis work. It must honor ctx cancellation: the
// manager's cancel and timeout guarantees are cooperative, so a task only
// stops at its next ctx check or I/O suspension point.
type Task func(ctx context.Context) (any, error)

// Manager runs tasks as independently cancellable, timeout-bound goroutines
// and answers status queries for them. It never deletes job records; expiry
// is owned by the caller.
type Manager struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*entry
	cancelGrace time.Duration
	hook        func(models.Job)
	wg          sync.WaitGroup
}

type entry struct {
	job             models.Job
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

type outcome struct {
	result any
	err    error
}

// NewManager creates a Manager. cancelGrace bounds how long a supervising
// goroutine waits for a cancelled or timed-out task to unwind before the
// terminal status is recorded anyway.
func NewManager(cancelGrace time.Duration) *Manager {
	if cancelGrace <= 0 {
		cancelGrace = defaultCancelGrace
	}
	return &Manager{
		jobs:        make(map[uuid.UUID]*entry),
		cancelGrace: cancelGrace,
	}
}

// WithTerminalHook registers a callback invoked once per job with its
// terminal snapshot, used to hand records to the persistence collaborator.
// Must be set before the first Create.
func (m *Manager) WithTerminalHook(hook func(models.Job)) *Manager {
	m.hook = hook
	return m
}

// Create registers a pending job, schedules task for concurrent execution,
// and returns the job id without waiting for completion. timeout 0 means
// unbounded.
func (m *Manager) Create(task Task, timeout time.Duration) uuid.UUID {
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	e := &entry{
		job: models.Job{
			ID:        id,
			Status:    models.JobStatusPending,
			CreatedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if timeout > 0 {
		e.job.Timeout = &timeout
	}

	m.mu.Lock()
	m.jobs[id] = e
	m.mu.Unlock()

	m.wg.Add(1)
	go m.supervise(ctx, id, task, timeout)

	return id
}

// Status returns a snapshot of the job. The snapshot is a copy; mutating it
// has no effect on the tracked job.
func (m *Manager) Status(id uuid.UUID) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return e.job, nil
}

// Wait blocks until the job reaches a terminal state or ctx expires, then
// returns the terminal snapshot.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (models.Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return models.Job{}, ErrNotFound
	}

	select {
	case <-e.done:
		return m.Status(id)
	case <-ctx.Done():
		return models.Job{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. Cancelling a job that already
// reached a terminal state is a no-op. Cancelling a pending job that has not
// started prevents it from ever running.
func (m *Manager) Cancel(id uuid.UUID) error {
	m.mu.Lock()

	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if models.JobTerminal(e.job.Status) {
		m.mu.Unlock()
		return nil
	}

	e.cancelRequested = true
	var terminal *models.Job
	if e.job.Status == models.JobStatusPending {
		// The supervisor has not claimed the job yet; mark it terminal here
		// so the task never starts.
		m.markTerminal(e, models.JobStatusCancelled, nil, "job cancelled")
		snapshot := e.job
		terminal = &snapshot
	}
	e.cancel()
	m.mu.Unlock()

	if terminal != nil && m.hook != nil {
		m.hook(*terminal)
	}
	return nil
}

// Count returns the number of tracked jobs per status.
func (m *Manager) Count() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, e := range m.jobs {
		counts[e.job.Status]++
	}
	return counts
}

// Shutdown cancels every live job and waits for all supervisors to finish,
// up to ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, e := range m.jobs {
		if !models.JobTerminal(e.job.Status) {
			e.cancelRequested = true
			e.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job manager shutdown: %w", ctx.Err())
	}
}

// supervise drives one job from pending to exactly one terminal state.
func (m *Manager) supervise(ctx context.Context, id uuid.UUID, task Task, timeout time.Duration) {
	defer m.wg.Done()

	m.mu.Lock()
	e := m.jobs[id]
	if e.job.Status != models.JobStatusPending {
		// Cancelled before it ever started.
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	e.job.Status = models.JobStatusRunning
	e.job.StartedAt = &now
	m.mu.Unlock()

	runCtx := ctx
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(ctx, timeout)
		defer timeoutCancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in job task", "job_id", id, "error", r)
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := task(runCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// A task that stops because its ctx fired is reporting the
			// cancellation or timeout, not its own failure.
			if errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded) {
				if runCtx.Err() != nil {
					m.finalizeInterrupted(id, e, timeout)
					return
				}
			}
			m.finalize(id, models.JobStatusFailed, nil, out.err.Error())
			return
		}
		m.finalize(id, models.JobStatusCompleted, out.result, "")

	case <-runCtx.Done():
		// Cancellation is cooperative: give the task a bounded grace period
		// to observe ctx and unwind before the status is recorded.
		select {
		case <-done:
		case <-time.After(m.cancelGrace):
			slog.Warn("job task did not stop within grace period", "job_id", id)
		}

		m.finalizeInterrupted(id, e, timeout)
	}
}

// finalizeInterrupted records the terminal state for a job whose run context
// fired: cancelled when the stop was requested, timed out otherwise.
func (m *Manager) finalizeInterrupted(id uuid.UUID, e *entry, timeout time.Duration) {
	m.mu.Lock()
	requested := e.cancelRequested
	m.mu.Unlock()

	if requested {
		m.finalize(id, models.JobStatusCancelled, nil, "job cancelled")
		return
	}
	m.finalize(id, models.JobStatusTimedOut, nil,
		fmt.Sprintf("job timed out after %s", timeout))
}

// finalize records the terminal state exactly once and fires the terminal
// hook. A job that is already terminal (cancelled while the supervisor was
// still selecting) is left untouched.
func (m *Manager) finalize(id uuid.UUID, status string, result any, errMsg string) {
	m.mu.Lock()

	e, ok := m.jobs[id]
	if !ok || models.JobTerminal(e.job.Status) {
		m.mu.Unlock()
		return
	}
	m.markTerminal(e, status, result, errMsg)
	snapshot := e.job
	m.mu.Unlock()

	if m.hook != nil {
		m.hook(snapshot)
	}
}

// markTerminal mutates the entry into a terminal state. Caller holds the lock
// and has verified the job is not already terminal.
func (m *Manager) markTerminal(e *entry, status string, result any, errMsg string) {
	now := time.Now().UTC()
	e.job.Status = status
	e.job.CompletedAt = &now
	if status == models.JobStatusCompleted {
		e.job.Result = result
	}
	if errMsg != "" && status != models.JobStatusCompleted {
		e.job.Error = &errMsg
	}
	close(e.done)
}
