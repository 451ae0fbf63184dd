package task

import (
	"database/sql"
	"time"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
)

// TimeoutFunc maps a task type to its liveness window. The recovery
// sweeps add nothing on top: callers bake grace into the returned value.
type TimeoutFunc func(taskType string) time.Duration

// RecoverStale requeues RUNNING tasks whose own heartbeat stopped for
// longer than the type's liveness window. A task out of retries fails
// instead of requeueing, so recovery can never grant executions beyond
// the retry budget. Returns the number of tasks recovered or failed.
func (s *Store) RecoverStale(staleFor TimeoutFunc) (int, error) {
	now := time.Now().UTC()
	tasks, err := s.listRunning()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range tasks {
		beat := lastBeat(t)
		if beat.IsZero() || now.Sub(beat) <= staleFor(string(t.Type)) {
			continue
		}
		if err := s.recoverTask(t, event.StaleRecovered, now.Sub(beat)); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// RecoverZombies requeues RUNNING tasks whose worker went silent at the
// registry level, then buries the worker: its row is marked dead and its
// heartbeat record is removed. This catches workers that died without
// releasing their claim at all, where task-level heartbeats were never
// written.
func (s *Store) RecoverZombies(zombieFor TimeoutFunc) (int, error) {
	now := time.Now().UTC()
	tasks, err := s.listRunning()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range tasks {
		// No registry row means the worker never registered or was
		// already buried; fall back to the task's own clock.
		silentSince := lastBeat(t)
		var lastHeartbeat sql.NullTime
		err := s.db.QueryRow(`SELECT last_heartbeat FROM workers WHERE worker_id = ?`, t.AssignedWorker).
			Scan(&lastHeartbeat)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return recovered, errors.Wrap(err, "failed to read worker heartbeat")
		}
		if lastHeartbeat.Valid {
			silentSince = lastHeartbeat.Time
		}

		if silentSince.IsZero() || now.Sub(silentSince) <= zombieFor(string(t.Type)) {
			continue
		}
		if err := s.recoverTask(t, event.ZombieRecovered, now.Sub(silentSince)); err != nil {
			return recovered, err
		}
		if err := s.buryWorker(t.AssignedWorker, now); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// recoverTask requeues one RUNNING task (or fails it when retries are
// spent) in a single transaction with its event. The WHERE clause
// re-checks ownership so a worker that legitimately progressed in the
// meantime wins over the sweep.
func (s *Store) recoverTask(t *Task, kind event.Type, silence time.Duration) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin recovery transaction")
	}
	defer tx.Rollback()

	var query string
	var args []interface{}
	if t.CanRetry() {
		query = `
			UPDATE tasks
			SET state = ?, retry_count = retry_count + 1, parent_task_id = task_id,
			    assigned_worker = '', started_at = NULL, heartbeat_at = NULL,
			    last_activity_at = NULL, not_before = NULL, updated_at = ?
			WHERE task_id = ? AND state = ? AND assigned_worker = ?
		`
		args = []interface{}{string(StateQueued), now, t.ID, string(StateRunning), t.AssignedWorker}
	} else {
		query = `
			UPDATE tasks
			SET state = ?, error = ?, error_kind = ?, completed_at = ?, updated_at = ?
			WHERE task_id = ? AND state = ? AND assigned_worker = ?
		`
		args = []interface{}{
			string(StateFailed), "worker went silent and retry budget is spent", "timeout",
			now, now, t.ID, string(StateRunning), t.AssignedWorker,
		}
	}

	result, err := tx.Exec(query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to recover task")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if affected == 0 {
		// The worker moved the task first. Nothing to recover.
		return nil
	}

	payload := map[string]interface{}{
		"worker":    t.AssignedWorker,
		"silent_s":  int(silence.Seconds()),
		"requeued":  t.CanRetry(),
		"task_type": string(t.Type),
	}
	e := event.New(kind, ActorRecovery, t.ID, t.TraceID, payload)
	if err := s.events.AppendTx(tx, e); err != nil {
		return err
	}
	if !t.CanRetry() {
		failed := event.New(event.TaskFailed, ActorRecovery, t.ID, t.TraceID, map[string]interface{}{
			"kind":  "timeout",
			"error": "worker went silent and retry budget is spent",
		})
		if err := s.events.AppendTx(tx, failed); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit recovery")
	}
	return nil
}

// RecoverWorkerTasks requeues every RUNNING task owned by a worker whose
// process is known to be gone, then buries the worker. Unlike the
// timeout sweeps this acts immediately: a dead pid needs no grace.
func (s *Store) RecoverWorkerTasks(workerID string) (int, error) {
	if workerID == "" {
		return 0, nil
	}
	now := time.Now().UTC()
	tasks, err := s.listRunning()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range tasks {
		if t.AssignedWorker != workerID {
			continue
		}
		if err := s.recoverTask(t, event.ZombieRecovered, 0); err != nil {
			return recovered, err
		}
		recovered++
	}
	if err := s.buryWorker(workerID, now); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// buryWorker marks a zombie worker dead and destroys its heartbeat row.
func (s *Store) buryWorker(workerID string, now time.Time) error {
	if workerID == "" {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin bury transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE workers
		SET status = 'dead', crash_count = crash_count + 1, crashed_at = ?, current_task = ''
		WHERE worker_id = ? AND status != 'dead'
	`, now, workerID)
	if err != nil {
		return errors.Wrap(err, "failed to mark worker dead")
	}
	if _, err := tx.Exec(`DELETE FROM heartbeats WHERE worker_id = ?`, workerID); err != nil {
		return errors.Wrap(err, "failed to delete heartbeat")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit bury")
	}
	return nil
}

func (s *Store) listRunning() ([]*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM tasks WHERE state = ?`
	rows, err := s.db.Query(query, string(StateRunning))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := ScanTaskFromRows(rows, &t); err != nil {
			return nil, errors.Wrap(err, "failed to scan running task")
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating running tasks")
	}
	return tasks, nil
}

// lastBeat is the most recent liveness signal on the task row itself.
func lastBeat(t *Task) time.Time {
	if t.HeartbeatAt != nil {
		return *t.HeartbeatAt
	}
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return time.Time{}
}
