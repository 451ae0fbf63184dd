// Package worker runs the claim-execute-submit loop over the task queue.
//
// The pool owns N cooperative workers. Each worker claims at most one
// task at a time, drives the delegate runner, and either submits the
// result for review or spends a retry. Worker identity and liveness live
// in the workers and heartbeats tables so `drover status` and zombie
// recovery can see the whole pool from outside the process.
package worker

import (
	"database/sql"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/droverhq/drover/errors"
)

// Worker statuses in the registry.
const (
	StatusIdle    = "idle"
	StatusBusy    = "busy"
	StatusStopped = "stopped"
	StatusDead    = "dead"
)

// NewWorkerID mints a short worker id, w-<base58>.
func NewWorkerID() string {
	id := uuid.New()
	return "w-" + base58.Encode(id[:8])
}

// Info is one registry row, for status displays.
type Info struct {
	WorkerID       string    `json:"worker_id"`
	PID            int       `json:"pid"`
	Status         string    `json:"status"`
	Shard          string    `json:"shard,omitempty"`
	Model          string    `json:"model,omitempty"`
	CurrentTask    string    `json:"current_task,omitempty"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	CrashCount     int       `json:"crash_count"`
	StartedAt      time.Time `json:"started_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// Beat is one liveness report.
type Beat struct {
	Status           string
	TaskID           string
	TaskType         string
	ProgressPercent  float64
	ExpectedTimeoutS int
}

// Registry persists worker identity and liveness.
type Registry struct {
	db *sql.DB
}

// NewRegistry returns a registry bound to db.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register upserts the worker's row at startup. Counters survive a
// re-register under the same id.
func (r *Registry) Register(workerID, model, shard string) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		INSERT INTO workers (worker_id, pid, status, shard, model, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			pid = excluded.pid, status = excluded.status,
			shard = excluded.shard, model = excluded.model,
			started_at = excluded.started_at, last_heartbeat = excluded.last_heartbeat
	`, workerID, os.Getpid(), StatusIdle, shard, model, now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to register worker %s", workerID)
	}
	return nil
}

// Heartbeat records a beat in both tables: the registry row feeds zombie
// detection, the heartbeats row feeds status displays.
func (r *Registry) Heartbeat(workerID string, beat Beat) error {
	now := time.Now().UTC()

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin heartbeat transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE workers SET status = ?, current_task = ?, last_heartbeat = ?
		WHERE worker_id = ?
	`, beat.Status, beat.TaskID, now, workerID)
	if err != nil {
		return errors.Wrap(err, "failed to update worker heartbeat")
	}

	_, err = tx.Exec(`
		INSERT INTO heartbeats (worker_id, timestamp, status, task_id, task_type,
			progress_percent, expected_timeout_s, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			timestamp = excluded.timestamp, status = excluded.status,
			task_id = excluded.task_id, task_type = excluded.task_type,
			progress_percent = excluded.progress_percent,
			expected_timeout_s = excluded.expected_timeout_s,
			last_activity_at = excluded.last_activity_at
	`, workerID, now, beat.Status, beat.TaskID, beat.TaskType,
		beat.ProgressPercent, beat.ExpectedTimeoutS, now)
	if err != nil {
		return errors.Wrap(err, "failed to upsert heartbeat")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit heartbeat")
	}
	return nil
}

// TaskCompleted bumps the completion counter.
func (r *Registry) TaskCompleted(workerID string) error {
	return r.bump(workerID, "tasks_completed")
}

// TaskFailed bumps the failure counter.
func (r *Registry) TaskFailed(workerID string) error {
	return r.bump(workerID, "tasks_failed")
}

func (r *Registry) bump(workerID, column string) error {
	// column is one of two compile-time constants, never user input.
	_, err := r.db.Exec(
		`UPDATE workers SET `+column+` = `+column+` + 1 WHERE worker_id = ?`, workerID)
	if err != nil {
		return errors.Wrapf(err, "failed to bump %s for worker %s", column, workerID)
	}
	return nil
}

// Stopped marks the worker's clean exit.
func (r *Registry) Stopped(workerID string) error {
	_, err := r.db.Exec(`
		UPDATE workers SET status = ?, current_task = '' WHERE worker_id = ?
	`, StatusStopped, workerID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark worker %s stopped", workerID)
	}
	return nil
}

// List returns every registry row, newest first.
func (r *Registry) List() ([]Info, error) {
	rows, err := r.db.Query(`
		SELECT worker_id, pid, status, shard, model, current_task,
		       tasks_completed, tasks_failed, crash_count, started_at, last_heartbeat
		FROM workers ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.WorkerID, &info.PID, &info.Status, &info.Shard,
			&info.Model, &info.CurrentTask, &info.TasksCompleted, &info.TasksFailed,
			&info.CrashCount, &info.StartedAt, &info.LastHeartbeat); err != nil {
			return nil, errors.Wrap(err, "failed to scan worker row")
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating workers")
	}
	return infos, nil
}
