package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const taskColumns = `id, operation, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, result_json, last_error`

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var runAfter, createdAt, updatedAt string
	var result, lastError sql.NullString
	if err := row.Scan(&t.ID, &t.Operation, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &result, &lastError); err != nil {
		return Task{}, err
	}
	t.ResultJSON = result.String
	t.LastError = lastError.String
	var err error
	if t.RunAfter, err = parseTime(runAfter); err != nil {
		return Task{}, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at for task %s: %w", t.ID, err)
	}
	return t, nil
}

// EnqueueTask persists a pending task that becomes claimable at task.RunAfter.
func (s *Store) EnqueueTask(task Task) error {
	now := time.Now()
	runAfter := now
	if !task.RunAfter.IsZero() {
		runAfter = task.RunAfter
	}
	maxAttempts := task.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	payload := task.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, operation, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		task.ID, task.Operation, payload, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now),
	)
	return wrap("enqueue task", err)
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(id string) (Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, wrap("get task", err)
}

// ClaimNextTask atomically moves the earliest due pending task of one of the
// given operations to running. Returns nil when nothing is due.
func (s *Store) ClaimNextTask(operations []string) (*Task, error) {
	if len(operations) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(operations)-1)
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'pending' AND run_after <= ? AND operation IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(operations)+1)
	args = append(args, now)
	for _, op := range operations {
		args = append(args, op)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, wrap("claim task", fmt.Errorf("beginning claim transaction: %w", err))
	}

	t, err := scanTask(tx.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, wrap("claim task", fmt.Errorf("selecting next task: %w", err))
	}

	res, err := tx.Exec(`UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		tx.Rollback()
		return nil, wrap("claim task", fmt.Errorf("updating task status: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, wrap("claim task", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("claim task", fmt.Errorf("committing claim: %w", err))
	}

	t.Status = TaskRunning
	if t.UpdatedAt, err = parseTime(now); err != nil {
		return nil, err
	}
	return &t, nil
}

// CompleteTask marks a task completed and stores its JSON result.
func (s *Store) CompleteTask(id string, resultJSON string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = 'completed', result_json = ?, updated_at = ? WHERE id = ?`,
		resultJSON, formatTime(time.Now()), id)
	if err != nil {
		return wrap("complete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("complete task", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask records a failed attempt. Tasks with attempts left go back to
// pending with exponential backoff; the rest are marked failed.
func (s *Store) FailTask(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return wrap("fail task", fmt.Errorf("beginning fail transaction: %w", err))
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM tasks WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return wrap("fail task", err)
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE tasks SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(`UPDATE tasks SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return wrap("fail task", err)
	}

	return wrap("fail task", tx.Commit())
}

// ReleaseTask returns a running task to pending without counting an attempt.
// Used when the worker is interrupted before the handler finished.
func (s *Store) ReleaseTask(id string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'running'`,
		formatTime(time.Now()), id)
	if err != nil {
		return wrap("release task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("release task", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueRunningTasks moves every running task back to pending and returns
// how many were moved. Run at worker start: a running row at that point was
// orphaned by a previous process.
func (s *Store) RequeueRunningTasks() (int, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = 'pending', updated_at = ? WHERE status = 'running'`,
		formatTime(time.Now()))
	if err != nil {
		return 0, wrap("requeue running tasks", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("requeue running tasks", err)
}

// QueuedMatchIDs returns the match ids named in the payload of every pending
// or running task of operation.
func (s *Store) QueuedMatchIDs(operation string) (map[string]bool, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT json_extract(payload_json, '$.match_id')
		FROM tasks
		WHERE operation = ? AND status IN ('pending', 'running')`, operation)
	if err != nil {
		return nil, wrap("queued match ids", err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("queued match ids", err)
		}
		if id.Valid && id.String != "" {
			ids[id.String] = true
		}
	}
	return ids, wrap("queued match ids", rows.Err())
}
