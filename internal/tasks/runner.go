// Package tasks runs the durable background queue: a worker pool claims
// due tasks from the store, executes registered handlers under a per-task
// timeout, and retries failures with exponential backoff until the attempt
// ceiling dead-letters them. Delivery is at-least-once; handlers are
// idempotent by construction.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"brainvault/internal/apperrors"
	"brainvault/internal/config"
	"brainvault/internal/logging"
	"brainvault/internal/store"
)

// Task type names understood by the runner.
const (
	TypeMemoryMetadata  = "memory_metadata"
	TypeMemoryIngest    = "memory_ingest"
	TypeMemoryDedupe    = "memory_dedupe"
	TypeVectorReconcile = "vector_reconcile"
)

// MemoryPayload is the payload shared by the memory-scoped task types.
type MemoryPayload struct {
	MemoryID int64 `json:"memory_id"`
}

// Handler executes one task. Returning a non-retryable error dead-letters
// the task immediately; any other error schedules a retry.
type Handler func(ctx context.Context, task *store.Task) error

// Runner polls the task queue with a pool of workers.
type Runner struct {
	store    *store.Store
	cfg      *config.TasksConfig
	handlers map[string]Handler
	logger   logging.Logger
	wg       sync.WaitGroup
}

// NewRunner creates a runner with no handlers registered.
func NewRunner(st *store.Store, cfg *config.TasksConfig) *Runner {
	return &Runner{
		store:    st,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		logger:   logging.WithComponent("tasks"),
	}
}

// Register installs the handler for a task type. Must be called before Run.
func (r *Runner) Register(taskType string, h Handler) {
	r.handlers[taskType] = h
}

// Enqueue queues a task for background execution.
func (r *Runner) Enqueue(ctx context.Context, taskType string, userID int64, payload interface{}) (*store.Task, error) {
	if _, ok := r.handlers[taskType]; !ok {
		return nil, apperrors.Newf(apperrors.CodeValidationError, "no handler for task type %q", taskType)
	}
	return r.store.EnqueueTask(ctx, taskType, userID, payload)
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained.
func (r *Runner) Run(ctx context.Context) {
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func(worker int) {
			defer r.wg.Done()
			r.workerLoop(ctx, worker)
		}(i)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.staleSweepLoop(ctx)
	}()

	r.wg.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	interval := time.Duration(r.cfg.PollIntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	for {
		task, err := r.store.ClaimTask(ctx)
		if err != nil {
			r.logger.Error("task claim failed", "worker", worker, "error", err)
		}
		if task != nil {
			r.execute(ctx, task)
			// Immediately look for the next due task.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// execute runs one claimed task under the per-task timeout and settles its
// outcome: done, retry with backoff, or dead-letter.
func (r *Runner) execute(ctx context.Context, task *store.Task) {
	handler, ok := r.handlers[task.Type]
	if !ok {
		r.logger.Error("no handler registered for claimed task", "task_id", task.ID, "type", task.Type)
		_ = r.store.DeadLetterTask(ctx, task.ID, fmt.Sprintf("no handler for type %q", task.Type))
		return
	}

	timeout := time.Duration(r.cfg.TaskTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	err := handler(taskCtx, task)
	cancel()

	if err == nil {
		if cerr := r.store.CompleteTask(ctx, task.ID); cerr != nil {
			r.logger.Error("failed to mark task done", "task_id", task.ID, "error", cerr)
		}
		return
	}

	if !apperrors.Retryable(err) || task.Attempts >= r.cfg.MaxAttempts {
		r.logger.Error("task dead-lettered",
			"task_id", task.ID, "type", task.Type, "attempts", task.Attempts, "error", err)
		_ = r.store.DeadLetterTask(ctx, task.ID, err.Error())
		return
	}

	delay := r.backoff(task.Attempts)
	r.logger.Warn("task failed, retrying",
		"task_id", task.ID, "type", task.Type, "attempts", task.Attempts,
		"retry_in", delay, "error", err)
	_ = r.store.RetryTask(ctx, task.ID, time.Now().UTC().Add(delay), err.Error())
}

// backoff is base × 2^(attempts-1), capped.
func (r *Runner) backoff(attempts int) time.Duration {
	base := time.Duration(r.cfg.BackoffBaseSeconds) * time.Second
	if base <= 0 {
		base = 2 * time.Second
	}
	ceiling := time.Duration(r.cfg.BackoffCapSeconds) * time.Second
	if ceiling <= 0 {
		ceiling = 10 * time.Minute
	}

	if attempts < 1 {
		attempts = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempts-1))
	if exp > float64(ceiling) {
		return ceiling
	}
	return time.Duration(exp)
}

// staleSweepLoop periodically returns tasks abandoned by dead workers to
// the pending queue.
func (r *Runner) staleSweepLoop(ctx context.Context) {
	timeout := time.Duration(r.cfg.TaskTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	ticker := time.NewTicker(timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.RequeueStaleRunning(ctx, 2*timeout)
			if err != nil {
				r.logger.Error("stale task sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Warn("requeued stale running tasks", "count", n)
			}
		}
	}
}

// DecodeMemoryPayload parses the common {memory_id} payload.
func DecodeMemoryPayload(task *store.Task) (MemoryPayload, error) {
	var p MemoryPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return p, apperrors.Wrap(apperrors.CodeValidationError, "malformed task payload", err)
	}
	if p.MemoryID == 0 {
		return p, apperrors.New(apperrors.CodeValidationError, "task payload missing memory_id")
	}
	return p, nil
}
