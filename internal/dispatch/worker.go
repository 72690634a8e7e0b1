package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler executes one dispatched task. The returned value is stored as the
// task's JSON result; a non-nil error marks the task failed.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Worker executes due tasks from the task table.
type Worker struct {
	store       TaskStore
	poll        time.Duration
	concurrency int
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[Operation]Handler
}

// NewWorker creates a Worker. If pollInterval is <= 0 it defaults to 500ms;
// if concurrency is <= 0 it defaults to 1.
func NewWorker(store TaskStore, pollInterval time.Duration, concurrency int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		store:       store,
		poll:        pollInterval,
		concurrency: concurrency,
		logger:      slog.Default(),
		handlers:    make(map[Operation]Handler),
	}
}

// Handle registers h for op, replacing any earlier registration.
func (w *Worker) Handle(op Operation, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[op] = h
}

func (w *Worker) operations() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ops := make([]string, 0, len(w.handlers))
	for op := range w.handlers {
		ops = append(ops, string(op))
	}
	return ops
}

func (w *Worker) handler(op Operation) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[op]
	return h, ok
}

// Run requeues tasks a previous process left running, then starts
// concurrency polling loops and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	n, err := w.store.RequeueRunningTasks()
	if err != nil {
		return fmt.Errorf("requeueing orphaned tasks: %w", err)
	}
	if n > 0 {
		w.logger.Warn("requeued tasks left running by a previous process", "count", n)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for range w.concurrency {
		g.Go(func() error {
			w.loop(gCtx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and executes a single due task.
// Returns true if a task was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimNextTask(w.operations())
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	result, err := w.execute(ctx, Operation(task.Operation), json.RawMessage(task.PayloadJSON))
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown: the outcome is unknown, so the task runs again.
		w.logger.Info("task interrupted, releasing", "task_id", task.ID, "op", task.Operation, "error", err)
		if relErr := w.store.ReleaseTask(task.ID); relErr != nil {
			w.logger.Error("failed to release task", "task_id", task.ID, "error", relErr)
		}
		return true, nil
	}
	if err != nil {
		w.logger.Warn("task failed", "task_id", task.ID, "op", task.Operation, "error", err)
		if failErr := w.store.FailTask(task.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark task as failed", "task_id", task.ID, "error", failErr)
		}
		return true, nil
	}

	body, err := json.Marshal(result)
	if err != nil {
		body = []byte("null")
	}
	if err := w.store.CompleteTask(task.ID, string(body)); err != nil {
		return true, fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	w.logger.Info("task completed", "task_id", task.ID, "op", task.Operation)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, op Operation, payload json.RawMessage) (result any, err error) {
	h, ok := w.handler(op)
	if !ok {
		return nil, fmt.Errorf("no handler registered for %q", op)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
