package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/atlas-hass/atlas/pkg/pipeline"
	"github.com/atlas-hass/atlas/pkg/telemetry"
)

const (
	// brpopTimeout bounds each blocking pop so shutdown is observed
	// within a second.
	brpopTimeout = time.Second

	// errorPause spaces out retries when Redis itself is failing.
	errorPause = time.Second
)

// JobResult is the blob stored for a completed job.
type JobResult struct {
	pipeline.Result
	ProcessingTime float64 `json:"processing_time"`
	WorkerID       string  `json:"worker_id"`
	ProcessedAt    float64 `json:"processed_at"`
}

// JobError is the blob stored for a failed job.
type JobError struct {
	Error    string `json:"error"`
	WorkerID string `json:"worker_id"`
}

// Worker drains the request queue, answering each job through the full
// pipeline without streaming.
type Worker struct {
	queue    *Queue
	pipeline *pipeline.Pipeline
	metrics  *telemetry.Metrics
	id       string
}

// WorkerOptions wires a worker. ID defaults to worker-<pid>.
type WorkerOptions struct {
	Queue    *Queue
	Pipeline *pipeline.Pipeline
	Metrics  *telemetry.Metrics
	ID       string
}

// NewWorker builds a worker; it does not start consuming until Run.
func NewWorker(opts WorkerOptions) *Worker {
	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("worker-%d", os.Getpid())
	}
	return &Worker{
		queue:    opts.Queue,
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		id:       id,
	}
}

// Run consumes jobs until ctx is cancelled. Cancellation is the
// shutdown signal, so it returns nil.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Starting queue worker", "worker_id", w.id)
	var processed int

	for {
		if ctx.Err() != nil {
			slog.Info("Queue worker stopped", "worker_id", w.id, "processed", processed)
			return nil
		}

		job, err := w.queue.Next(ctx, brpopTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Error("Failed to fetch next job", "worker_id", w.id, "error", err)
			select {
			case <-time.After(errorPause):
			case <-ctx.Done():
			}
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, job)
		processed++
	}
}

// process runs one job to a terminal status.
func (w *Worker) process(ctx context.Context, job *Job) {
	slog.Info("Processing job", "worker_id", w.id, "job_id", job.ID)
	if err := w.queue.SetProcessing(ctx, job.ID); err != nil {
		slog.Warn("Failed to mark job processing", "job_id", job.ID, "error", err)
	}

	start := time.Now()
	res, err := w.pipeline.Run(ctx, job.Request, nil)
	if err != nil {
		if setErr := w.queue.SetFailed(ctx, job.ID, JobError{Error: err.Error(), WorkerID: w.id}); setErr != nil {
			slog.Error("Failed to store job failure", "job_id", job.ID, "error", setErr)
		}
		w.metrics.RecordQueueJob(ctx, StatusFailed)
		slog.Error("Job failed", "worker_id", w.id, "job_id", job.ID, "error", err)
		return
	}

	result := JobResult{
		Result:         res,
		ProcessingTime: time.Since(start).Seconds(),
		WorkerID:       w.id,
		ProcessedAt:    float64(time.Now().UnixMicro()) / 1e6,
	}
	if err := w.queue.SetCompleted(ctx, job.ID, result); err != nil {
		slog.Error("Failed to store job result", "job_id", job.ID, "error", err)
		return
	}
	w.metrics.RecordQueueJob(ctx, StatusCompleted)
	slog.Info("Job completed", "worker_id", w.id, "job_id", job.ID,
		"seconds", time.Since(start).Seconds())
}
