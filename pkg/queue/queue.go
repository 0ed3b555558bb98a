// Package queue persists async ask jobs in Redis. The API enqueues and
// polls; workers drain the queue and run the answer pipeline without
// streaming. Redis is the only coordination point, so workers scale
// horizontally and jobs survive process restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/pipeline"
)

const (
	jobKeyPrefix    = "atlas:job:"
	resultKeyPrefix = "atlas:result:"
	requestQueueKey = "atlas:queue:requests"

	// jobTTL bounds how long a job and its result stay pollable.
	jobTTL = time.Hour
)

// Job status values, in transition order.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNotFound reports an unknown or expired job id.
var ErrNotFound = errors.New("job not found or expired")

// Job is one dequeued ask request.
type Job struct {
	ID        string
	Request   pipeline.Request
	UserID    string
	CreatedAt string
	Status    string
}

// Status is the job state returned to pollers.
type Status struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Stats summarizes queue depth and job counts by status.
type Stats struct {
	QueueLength int64 `json:"queue_length"`
	Queued      int   `json:"queued"`
	Processing  int   `json:"processing"`
	Completed   int   `json:"completed"`
	Failed      int   `json:"failed"`
}

// Queue stores jobs as hashes under atlas:job:<id> with ids flowing
// through the atlas:queue:requests list.
type Queue struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Dial connects to Redis for queue use. Unlike the span registry the
// queue cannot degrade to in-memory, so an unreachable server is an
// error.
func Dial(cfg config.RedisConfig) (*redis.Client, error) {
	cfg.SetDefaults()
	if cfg.URL == "" {
		return nil, errors.New("async queue requires a redis url")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Enqueue persists the request and pushes its id onto the work list.
func (q *Queue) Enqueue(ctx context.Context, req pipeline.Request, userID string) (string, error) {
	id := uuid.NewString()
	blob, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding job request: %w", err)
	}

	key := jobKeyPrefix + id
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":     StatusQueued,
		"created_at": time.Now().Format(time.RFC3339),
		"user_id":    userID,
		"query":      string(blob),
	})
	pipe.Expire(ctx, key, jobTTL)
	pipe.LPush(ctx, requestQueueKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queueing job: %w", err)
	}

	slog.Info("Queued async request", "job_id", id)
	return id, nil
}

// Status reads the current job state, including the result or error
// blob once the job is terminal.
func (q *Queue) Status(ctx context.Context, id string) (Status, error) {
	fields, err := q.client.HGetAll(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return Status{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Status{}, ErrNotFound
	}

	st := Status{
		RequestID: id,
		Status:    fields["status"],
		CreatedAt: fields["created_at"],
		UserID:    fields["user_id"],
	}

	switch st.Status {
	case StatusCompleted, StatusFailed:
		blob, err := q.client.Get(ctx, resultKeyPrefix+id).Result()
		if err != nil {
			if err != redis.Nil {
				slog.Warn("Failed to read job result", "job_id", id, "error", err)
			}
			return st, nil
		}
		if st.Status == StatusCompleted {
			st.Result = json.RawMessage(blob)
		} else {
			st.Error = json.RawMessage(blob)
		}
	}
	return st, nil
}

// Next blocks up to timeout for a queued id and loads its job. A nil
// job with nil error means the queue stayed empty.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, timeout, requestQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for job: %w", err)
	}

	id := res[1]
	fields, err := q.client.HGetAll(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	if len(fields) == 0 {
		// The hash expired between push and pop.
		slog.Warn("Job data not found for queued id", "job_id", id)
		return nil, nil
	}

	var req pipeline.Request
	if err := json.Unmarshal([]byte(fields["query"]), &req); err != nil {
		return nil, fmt.Errorf("decoding job %s request: %w", id, err)
	}

	return &Job{
		ID:        id,
		Request:   req,
		UserID:    fields["user_id"],
		CreatedAt: fields["created_at"],
		Status:    fields["status"],
	}, nil
}

// SetProcessing marks a job as picked up by a worker.
func (q *Queue) SetProcessing(ctx context.Context, id string) error {
	if err := q.client.HSet(ctx, jobKeyPrefix+id, "status", StatusProcessing).Err(); err != nil {
		return fmt.Errorf("marking job %s processing: %w", id, err)
	}
	return nil
}

// SetCompleted stores the result blob and marks the job completed.
func (q *Queue) SetCompleted(ctx context.Context, id string, result any) error {
	return q.setTerminal(ctx, id, StatusCompleted, result)
}

// SetFailed stores the error blob and marks the job failed.
func (q *Queue) SetFailed(ctx context.Context, id string, jobErr any) error {
	return q.setTerminal(ctx, id, StatusFailed, jobErr)
}

func (q *Queue) setTerminal(ctx context.Context, id, status string, blob any) error {
	payload, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encoding job %s %s blob: %w", id, status, err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKeyPrefix+id, "status", status)
	pipe.Set(ctx, resultKeyPrefix+id, payload, jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing job %s %s: %w", id, status, err)
	}
	return nil
}

// Stats reports the work list depth and live job counts by status.
// Jobs are scanned rather than indexed; the 1h TTL keeps the keyspace
// small.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	length, err := q.client.LLen(ctx, requestQueueKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("reading queue length: %w", err)
	}
	stats := Stats{QueueLength: length}

	iter := q.client.Scan(ctx, 0, jobKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		status, err := q.client.HGet(ctx, iter.Val(), "status").Result()
		if err != nil {
			continue
		}
		switch status {
		case StatusQueued:
			stats.Queued++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("scanning jobs: %w", err)
	}
	return stats, nil
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
