package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/observatoryhq/observatory/internal/api/response"
	"github.com/observatoryhq/observatory/internal/queue"
)

// Batch serves batch analysis requests against the durable queue.
type Batch struct {
	queue *queue.Queue
}

func NewBatch(q *queue.Queue) *Batch {
	return &Batch{queue: q}
}

type batchRequest struct {
	ConversationIDs []string       `json:"conversation_ids"`
	Options         map[string]any `json:"options,omitempty"`
	Priority        string         `json:"priority,omitempty"`
}

type reprioritizeRequest struct {
	Priority string `json:"priority"`
}

// Submit validates and enqueues a batch, returning its id immediately.
func (h *Batch) Submit(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest,
			"VALIDATION_ERROR", "Request body must be valid JSON", nil)
		return
	}

	job, err := h.queue.Enqueue(r.Context(), req.ConversationIDs, req.Options, req.Priority)
	if err != nil {
		writeQueueError(w, err)
		return
	}

	response.Accepted(w, map[string]any{
		"batch_id": job.ID,
		"status":   job.Status,
		"priority": job.Priority,
	})
}

// Status returns the batch payload.
func (h *Batch) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r, "batchID")
	if !ok {
		return
	}

	job, err := h.queue.Status(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	response.JSON(w, job)
}

// Cancel marks the batch cancelled; a queued batch is removed, a claimed one
// stops at its next cooperative check.
func (h *Batch) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r, "batchID")
	if !ok {
		return
	}

	if err := h.queue.Cancel(r.Context(), id); err != nil {
		writeQueueError(w, err)
		return
	}

	job, err := h.queue.Status(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	response.JSON(w, job)
}

// Reprioritize moves a still-queued batch between priority lists.
func (h *Batch) Reprioritize(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r, "batchID")
	if !ok {
		return
	}

	var req reprioritizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest,
			"VALIDATION_ERROR", "Request body must be valid JSON", nil)
		return
	}

	if err := h.queue.Reprioritize(r.Context(), id, req.Priority); err != nil {
		writeQueueError(w, err)
		return
	}

	job, err := h.queue.Status(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	response.JSON(w, job)
}

// Stats reports queue depth per priority list.
func (h *Batch) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	response.JSON(w, stats)
}

func writeQueueError(w http.ResponseWriter, err error) {
	var vErr *queue.ValidationError
	switch {
	case errors.As(err, &vErr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", vErr.Error(), nil)
	case errors.Is(err, queue.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Batch not found", nil)
	case errors.Is(err, queue.ErrQueueFull):
		response.Error(w, http.StatusServiceUnavailable,
			"QUEUE_FULL", "Queue is at capacity, retry later", nil)
	default:
		response.Error(w, http.StatusServiceUnavailable,
			"QUEUE_ERROR", "Queue backend unavailable", nil)
	}
}
