package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"brainvault/internal/apperrors"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// Task is one durable unit of background work. Delivery is at-least-once;
// handlers must tolerate replays.
type Task struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	UserID    int64           `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	NextRunAt time.Time       `json:"next_run_at"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const taskColumns = `id, type, user_id, payload, status, attempts, next_run_at,
	last_error, created_at, updated_at`

// EnqueueTask inserts a pending task runnable immediately.
func (s *Store) EnqueueTask(ctx context.Context, taskType string, userID int64, payload interface{}) (*Task, error) {
	data, err := marshalJSON(payload, "{}")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		Type:      taskType,
		UserID:    userID,
		Payload:   json.RawMessage(data),
		Status:    TaskPending,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	id, err := s.insertID(ctx, s.db,
		`INSERT INTO tasks (type, user_id, payload, status, attempts, next_run_at,
			last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Type, t.UserID, data, string(t.Status), 0, t.NextRunAt, "", now, now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to enqueue task", err)
	}
	t.ID = id
	return t, nil
}

func scanTask(scan func(dest ...interface{}) error) (*Task, error) {
	var t Task
	var payload, status string
	err := scan(&t.ID, &t.Type, &t.UserID, &payload, &status, &t.Attempts,
		&t.NextRunAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Payload = json.RawMessage(payload)
	return &t, nil
}

// ClaimTask atomically moves the oldest due pending task to running and
// returns it. Returns nil when nothing is due. The claim is optimistic: the
// UPDATE is conditioned on the task still being pending, and a lost race
// just retries on the worker's next poll.
func (s *Store) ClaimTask(ctx context.Context) (*Task, error) {
	now := time.Now().UTC()

	row := s.queryRow(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at, id LIMIT 1`,
		string(TaskPending), now)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to select task", err)
	}

	res, err := s.exec(ctx, s.db,
		`UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TaskRunning), now, t.ID, string(TaskPending))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to claim task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to check claim", err)
	}
	if n == 0 {
		// Another worker won the race.
		return nil, nil
	}

	t.Status = TaskRunning
	t.Attempts++
	return t, nil
}

// CompleteTask marks a task done.
func (s *Store) CompleteTask(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE tasks SET status = ?, last_error = '', updated_at = ? WHERE id = ?`,
		string(TaskDone), time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to complete task", err)
	}
	return nil
}

// RetryTask re-queues a failed task to run at the given instant.
func (s *Store) RetryTask(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE tasks SET status = ?, next_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(TaskPending), runAt, lastError, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to retry task", err)
	}
	return nil
}

// DeadLetterTask parks a task that exhausted its attempts or hit a
// permanent error.
func (s *Store) DeadLetterTask(ctx context.Context, id int64, lastError string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(TaskDead), lastError, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to dead-letter task", err)
	}
	return nil
}

// RequeueStaleRunning returns running tasks older than the cutoff to
// pending. Covers workers that died mid-task.
func (s *Store) RequeueStaleRunning(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.exec(ctx, s.db,
		`UPDATE tasks SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(TaskPending), time.Now().UTC(), string(TaskRunning), cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternalError, "failed to requeue stale tasks", err)
	}
	return res.RowsAffected()
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("task", id)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read task", err)
	}
	return t, nil
}
