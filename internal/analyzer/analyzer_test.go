package analyzer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observatoryhq/observatory/internal/analyzer"
	"github.com/observatoryhq/observatory/internal/config"
)

func newAnalyzer(baseURL string) *analyzer.HTTPAnalyzer {
	return analyzer.NewHTTP(config.AnalyzerConfig{
		BaseURL: baseURL,
		Model:   "observer",
		Timeout: 5 * time.Second,
	})
}

func TestAnalyze_Success(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"response": "the caller is frustrated about billing",
			"done":     true,
		})
	}))
	defer srv.Close()

	a := newAnalyzer(srv.URL)
	out, err := a.Analyze(context.Background(), "transcript text", map[string]any{"temperature": 0.2})
	require.NoError(t, err)

	assert.Equal(t, "/api/generate", gotPath)
	assert.Equal(t, "observer", gotBody["model"])
	assert.Equal(t, "transcript text", gotBody["prompt"])
	assert.Equal(t, false, gotBody["stream"])

	assert.Equal(t, "the caller is frustrated about billing", out["analysis"])
	assert.Equal(t, "observer", out["model"])
}

func TestAnalyze_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newAnalyzer(srv.URL)
	_, err := a.Analyze(context.Background(), "transcript", nil)
	assert.ErrorIs(t, err, analyzer.ErrUnavailable)
}

func TestAnalyze_ConnectionRefusedIsUnavailable(t *testing.T) {
	a := newAnalyzer("http://127.0.0.1:1")
	_, err := a.Analyze(context.Background(), "transcript", nil)
	assert.ErrorIs(t, err, analyzer.ErrUnavailable)
}

func TestAnalyze_HonorsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	a := newAnalyzer(srv.URL)
	_, err := a.Analyze(ctx, "transcript", nil)
	assert.Error(t, err)
}
