// Package analyzer is the boundary to the conversation-analysis engine. The
// engine itself is an external collaborator; this package only defines the
// callable shape the job layer drives and a thin HTTP client for it.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/observatoryhq/observatory/internal/config"
)

var ErrUnavailable = errors.New("analyzer unavailable")

// Analyzer runs one conversation through the analysis engine.
type Analyzer interface {
	Analyze(ctx context.Context, conversation string, options map[string]any) (map[string]any, error)
}

// HTTPAnalyzer calls an Ollama-style inference endpoint.
type HTTPAnalyzer struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewHTTP(cfg config.AnalyzerConfig) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, conversation string, options map[string]any) (map[string]any, error) {
	body, err := json.Marshal(generateRequest{
		Model:   a.model,
		Prompt:  conversation,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}

	return map[string]any{
		"analysis": out.Response,
		"model":    a.model,
	}, nil
}

var _ Analyzer = (*HTTPAnalyzer)(nil)
