package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/wingman/internal/storage"
)

// Operation names a kind of dispatched work.
type Operation string

const (
	OpEnrich     Operation = "enrich"
	OpSendOpener Operation = "send_opener"
	OpUnmatch    Operation = "unmatch"
)

// State is the externally visible lifecycle of a task.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Status is the result of polling a task handle.
type Status struct {
	TaskID    string          `json:"task_id"`
	Operation Operation       `json:"operation"`
	State     State           `json:"state"`
	NotBefore time.Time       `json:"not_before"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ErrUnknownTask is returned by Poll when the handle is not (or no longer) retained.
var ErrUnknownTask = errors.New("unknown task")

// Queue accepts work to run no earlier than an offset from now and reports its status.
type Queue interface {
	Submit(ctx context.Context, op Operation, payload any, notBefore time.Duration) (string, error)
	Poll(ctx context.Context, taskID string) (Status, error)
}

// TaskStore is the durable task table backing StoreQueue and Worker.
// Implemented by storage.Store.
type TaskStore interface {
	EnqueueTask(task storage.Task) error
	GetTask(id string) (storage.Task, error)
	ClaimNextTask(operations []string) (*storage.Task, error)
	CompleteTask(id string, resultJSON string) error
	FailTask(id string, errMsg string) error
	ReleaseTask(id string) error
	RequeueRunningTasks() (int, error)
}

// StoreQueue is a Queue persisted in the local task table. Tasks are executed
// by a Worker polling the same table.
type StoreQueue struct {
	store TaskStore
	now   func() time.Time
}

// NewStoreQueue creates a StoreQueue over store.
func NewStoreQueue(store TaskStore) *StoreQueue {
	return &StoreQueue{store: store, now: time.Now}
}

func (q *StoreQueue) Submit(ctx context.Context, op Operation, payload any, notBefore time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling payload: %w", err)
	}
	task := storage.Task{
		ID:          uuid.New().String(),
		Operation:   string(op),
		PayloadJSON: string(body),
		MaxAttempts: 1,
		RunAfter:    q.now().Add(notBefore),
	}
	if err := q.store.EnqueueTask(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (q *StoreQueue) Poll(_ context.Context, taskID string) (Status, error) {
	task, err := q.store.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, ErrUnknownTask
	}
	if err != nil {
		return Status{}, err
	}
	st := Status{
		TaskID:    task.ID,
		Operation: Operation(task.Operation),
		NotBefore: task.RunAfter,
		Error:     task.LastError,
	}
	switch task.Status {
	case storage.TaskRunning:
		st.State = StateRunning
	case storage.TaskCompleted:
		st.State = StateDone
		if task.ResultJSON != "" {
			st.Result = json.RawMessage(task.ResultJSON)
		}
	case storage.TaskFailed:
		st.State = StateFailed
	default:
		st.State = StatePending
	}
	return st, nil
}
