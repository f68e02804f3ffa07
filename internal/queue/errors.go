package queue

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull = errors.New("queue is at capacity")
	ErrNotFound  = errors.New("batch job not found")
)

// ValidationError rejects malformed input before it reaches the queue.
// An invalid batch is never enqueued, and never truncated to fit.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid batch: " + e.Reason
}

// QueueError reports a backend failure after internal retries were exhausted.
// Op names the queue operation that failed.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}
