package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/observatoryhq/observatory/internal/analyzer"
	"github.com/observatoryhq/observatory/internal/api/response"
	"github.com/observatoryhq/observatory/internal/jobs"
	"github.com/observatoryhq/observatory/internal/validate"
)

// Analyze serves single-conversation analysis: submit, poll, cancel.
type Analyze struct {
	manager   *jobs.Manager
	analyzer  analyzer.Analyzer
	validator *validate.Validator
	timeout   time.Duration
}

func NewAnalyze(m *jobs.Manager, a analyzer.Analyzer, v *validate.Validator, timeout time.Duration) *Analyze {
	if v == nil {
		v = validate.New(0)
	}
	return &Analyze{manager: m, analyzer: a, validator: v, timeout: timeout}
}

type analyzeRequest struct {
	Conversation string         `json:"conversation"`
	Options      map[string]any `json:"options,omitempty"`
}

// Submit registers a job for the conversation and returns its id without
// waiting for the analysis.
func (h *Analyze) Submit(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest,
			"VALIDATION_ERROR", "Request body must be valid JSON", nil)
		return
	}
	conversation, err := h.validator.Validate(req.Conversation)
	if err != nil {
		var verr *validate.Error
		details := map[string]any(nil)
		if errors.As(err, &verr) {
			details = map[string]any{"reason": verr.Reason}
		}
		response.Error(w, http.StatusBadRequest,
			"VALIDATION_ERROR", err.Error(), details)
		return
	}

	task := func(ctx context.Context) (any, error) {
		return h.analyzer.Analyze(ctx, conversation, req.Options)
	}
	jobID := h.manager.Create(task, h.timeout)

	response.Accepted(w, map[string]any{
		"job_id": jobID,
		"status": "pending",
	})
}

// Poll returns the current job snapshot.
func (h *Analyze) Poll(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r, "jobID")
	if !ok {
		return
	}

	job, err := h.manager.Status(id)
	if errors.Is(err, jobs.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}
	response.JSON(w, job)
}

// Cancel requests cooperative cancellation. Cancelling a finished job is a
// no-op and still returns the terminal snapshot.
func (h *Analyze) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r, "jobID")
	if !ok {
		return
	}

	if err := h.manager.Cancel(id); errors.Is(err, jobs.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}

	job, err := h.manager.Status(id)
	if err != nil {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}
	response.JSON(w, job)
}

func parseJobID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest,
			"VALIDATION_ERROR", "Invalid job id", nil)
		return uuid.Nil, false
	}
	return id, true
}
