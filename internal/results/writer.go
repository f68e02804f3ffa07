// Package results hands terminal job and batch records to the persistence
// collaborator. The Redis writer applies the service retention policy:
// full results for 30 days, status metadata for 90.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/observatoryhq/observatory/pkg/models"
)

// BatchResult is the terminal record of a batch run.
type BatchResult struct {
	BatchID    uuid.UUID      `json:"batch_id"`
	Status     string         `json:"status"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Results    map[string]any `json:"results,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Writer is the boundary to the external result store.
type Writer interface {
	WriteJob(ctx context.Context, job *models.Job) error
	WriteBatch(ctx context.Context, res *BatchResult) error
}

// RedisWriter stores result documents in Redis with TTL-based retention.
type RedisWriter struct {
	client      *redis.Client
	resultTTL   time.Duration
	metadataTTL time.Duration
}

func NewRedisWriter(client *redis.Client, resultTTL, metadataTTL time.Duration) *RedisWriter {
	return &RedisWriter{client: client, resultTTL: resultTTL, metadataTTL: metadataTTL}
}

func (w *RedisWriter) WriteJob(ctx context.Context, job *models.Job) error {
	full, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	// Metadata outlives the result body.
	meta := *job
	meta.Result = nil
	metaDoc, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	pipe := w.client.TxPipeline()
	pipe.Set(ctx, jobResultKey(job.ID), full, w.resultTTL)
	pipe.Set(ctx, jobMetaKey(job.ID), metaDoc, w.metadataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write job record: %w", err)
	}
	return nil
}

func (w *RedisWriter) WriteBatch(ctx context.Context, res *BatchResult) error {
	full, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal batch record: %w", err)
	}

	meta := *res
	meta.Results = nil
	metaDoc, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal batch metadata: %w", err)
	}

	pipe := w.client.TxPipeline()
	pipe.Set(ctx, batchResultKey(res.BatchID), full, w.resultTTL)
	pipe.Set(ctx, batchMetaKey(res.BatchID), metaDoc, w.metadataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write batch record: %w", err)
	}
	return nil
}

func jobResultKey(id uuid.UUID) string {
	return fmt.Sprintf("observatory:result:job:%s", id)
}

func jobMetaKey(id uuid.UUID) string {
	return fmt.Sprintf("observatory:meta:job:%s", id)
}

func batchResultKey(id uuid.UUID) string {
	return fmt.Sprintf("observatory:result:batch:%s", id)
}

func batchMetaKey(id uuid.UUID) string {
	return fmt.Sprintf("observatory:meta:batch:%s", id)
}
