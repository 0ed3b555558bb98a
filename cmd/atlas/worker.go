package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/queue"
)

// WorkerCmd starts an async queue worker. Workers share nothing except
// Redis, so any number can run beside the server.
type WorkerCmd struct {
	ID string `help:"Worker identifier (defaults to worker-<pid>)."`
}

func (c *WorkerCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Worker shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if !cfg.AsyncEnabled() {
		return errors.New("async processing is disabled in configuration")
	}
	if cfg.Redis.URL == "" {
		return errors.New("worker requires REDIS_URL")
	}
	slog.Info("Configuration loaded", "summary", cfg.Summary())

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	if rt.queue == nil {
		return errors.New("worker could not connect to the request queue")
	}

	worker := queue.NewWorker(queue.WorkerOptions{
		Queue:    rt.queue,
		Pipeline: rt.pipeline,
		Metrics:  rt.metrics,
		ID:       c.ID,
	})

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker error: %w", err)
	}
	return nil
}
