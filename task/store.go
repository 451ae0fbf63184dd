package task

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/redact"
)

// Actor names recorded on store-emitted events.
const (
	ActorSupervisor = "supervisor"
	ActorRecovery   = "recovery"
)

// priorityRankCase orders rows CRITICAL first. Unknown priorities sort
// last so a corrupted row cannot jump the queue.
const priorityRankCase = `CASE priority
		WHEN 'CRITICAL' THEN 0
		WHEN 'HIGH' THEN 1
		WHEN 'MEDIUM' THEN 2
		WHEN 'LOW' THEN 3
		ELSE 4
	END`

// Store handles task persistence. Every state transition is a single
// transaction that also appends the corresponding event, so the event log
// and the task table can never disagree about what happened.
type Store struct {
	db     *sql.DB
	events *event.Log
}

// NewStore returns a store bound to db that writes audit records through
// events.
func NewStore(db *sql.DB, events *event.Log) *Store {
	return &Store{db: db, events: events}
}

// Create inserts a QUEUED task. Idempotent on task id: creating an id
// that already exists returns ErrConflict and writes nothing.
func (s *Store) Create(t *Task, actor string) error {
	metadataJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin create transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT OR IGNORE INTO tasks (
			task_id, name, type, priority, state, lane, shard,
			assigned_model, phase, payload, max_retries,
			parent_task_id, trace_id, created_at, updated_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.Exec(query,
		t.ID, t.Name, string(t.Type), string(t.Priority), string(StateQueued),
		t.Lane, t.Shard, t.AssignedModel, string(t.Phase), t.Payload,
		t.MaxRetries, t.ParentTaskID, t.TraceID, t.CreatedAt, t.UpdatedAt,
		metadataJSON,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create task")
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if inserted == 0 {
		return errors.Wrapf(errors.ErrConflict, "task already exists: %s", t.ID)
	}

	created := event.New(event.TaskCreated, actor, t.ID, t.TraceID, map[string]interface{}{
		"name":     t.Name,
		"type":     string(t.Type),
		"priority": string(t.Priority),
	})
	if err := s.events.AppendTx(tx, created); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit create")
	}
	t.State = StateQueued
	return nil
}

// Get retrieves a task by id.
func (s *Store) Get(id string) (*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM tasks WHERE task_id = ?`
	var t Task
	err := ScanTaskFromRow(s.db.QueryRow(query, id), &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return &t, nil
}

// Claim atomically hands the best QUEUED task to workerID and moves it to
// RUNNING. Eligibility: shard and model restrictions must match the
// worker exactly (a worker without a model never claims a model-assigned
// task), and any retry backoff must have elapsed. Among eligible rows the
// highest priority wins, ties broken by oldest created_at.
//
// Returns (nil, nil) when nothing is claimable; the caller backs off and
// polls again. Under concurrent claims at most one worker wins any given
// row — the UPDATE re-checks state and the loser sees zero rows.
func (s *Store) Claim(workerID, model, shard string) (*Task, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	query := `
		SELECT ` + StandardTaskSelectColumns() + `
		FROM tasks
		WHERE state = ?
		  AND (assigned_model = '' OR assigned_model = ?)
		  AND (shard = '' OR shard = ?)
		  AND (not_before IS NULL OR not_before <= ?)
		ORDER BY ` + priorityRankCase + `, created_at ASC, task_id ASC
		LIMIT 1
	`
	var t Task
	err = ScanTaskFromRow(tx.QueryRow(query, string(StateQueued), model, shard, now), &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select claimable task")
	}

	update := `
		UPDATE tasks
		SET state = ?, assigned_worker = ?, started_at = ?,
		    heartbeat_at = ?, last_activity_at = ?, updated_at = ?
		WHERE task_id = ? AND state = ?
	`
	result, err := tx.Exec(update,
		string(StateRunning), workerID, now, now, now, now,
		t.ID, string(StateQueued),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim task")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check rows affected")
	}
	if affected != 1 {
		// Lost the race; the row moved under us.
		return nil, nil
	}

	claimed := event.New(event.TaskClaimed, workerID, t.ID, t.TraceID, map[string]interface{}{
		"worker":      workerID,
		"priority":    string(t.Priority),
		"retry_count": t.RetryCount,
	})
	if err := s.events.AppendTx(tx, claimed); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	t.State = StateRunning
	t.AssignedWorker = workerID
	t.StartedAt = &now
	t.HeartbeatAt = &now
	t.LastActivityAt = &now
	t.UpdatedAt = now
	return &t, nil
}

// UpdateHeartbeat refreshes the task-level liveness timestamps. Returns
// ErrConflict when the task is no longer RUNNING under workerID, which
// tells the worker its task was recovered out from under it.
func (s *Store) UpdateHeartbeat(taskID, workerID string) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE tasks
		SET heartbeat_at = ?, last_activity_at = ?, updated_at = ?
		WHERE task_id = ? AND state = ? AND assigned_worker = ?
	`, now, now, now, taskID, string(StateRunning), workerID)
	if err != nil {
		return errors.Wrap(err, "failed to update heartbeat")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrConflict, "task %s is not running under worker %s", taskID, workerID)
	}
	return nil
}

// Submit moves a task the worker finished into REVIEW for the supervisor
// to judge.
func (s *Store) Submit(taskID, workerID, result string) error {
	now := time.Now().UTC()
	e := event.New(event.TaskSubmitted, workerID, taskID, "", map[string]interface{}{
		"worker": workerID,
	})
	return s.execTransition(
		`UPDATE tasks SET state = ?, result = ?, updated_at = ?
		 WHERE task_id = ? AND state = ? AND assigned_worker = ?`,
		[]interface{}{string(StateReview), result, now, taskID, string(StateRunning), workerID},
		e,
		"task %s is not running under worker %s", taskID, workerID,
	)
}

// Fail marks a RUNNING task FAILED. Terminal; only recovery of the
// workspace directory remains.
func (s *Store) Fail(taskID, actor, errKind, errMsg string) error {
	now := time.Now().UTC()
	masked := redact.Mask(errMsg)
	e := event.New(event.TaskFailed, actor, taskID, "", map[string]interface{}{
		"kind":  errKind,
		"error": masked,
	})
	return s.execTransition(
		`UPDATE tasks SET state = ?, error = ?, error_kind = ?, completed_at = ?, updated_at = ?
		 WHERE task_id = ? AND state = ?`,
		[]interface{}{string(StateFailed), masked, errKind, now, now, taskID, string(StateRunning)},
		e,
		"task %s is not running", taskID,
	)
}

// RequeueForRetry returns a RUNNING task to QUEUED after a delegate
// failure, consuming one retry. notBefore gates the next claim so backoff
// is enforced across the whole pool; pass the zero time for an immediate
// retry. The task keeps its trace id and records its own id as
// parent_task_id to mark the row as a derived attempt.
func (s *Store) RequeueForRetry(taskID, workerID, errKind, errMsg string, notBefore time.Time) error {
	now := time.Now().UTC()
	var nb interface{}
	if !notBefore.IsZero() {
		nb = notBefore.UTC()
	}
	masked := redact.Mask(errMsg)
	e := event.New(event.TaskRequeued, workerID, taskID, "", map[string]interface{}{
		"reason": "retry",
		"kind":   errKind,
		"error":  masked,
	})
	return s.execTransition(
		`UPDATE tasks
		 SET state = ?, retry_count = retry_count + 1, parent_task_id = task_id,
		     error = ?, error_kind = ?, not_before = ?,
		     assigned_worker = '', started_at = NULL, heartbeat_at = NULL,
		     last_activity_at = NULL, updated_at = ?
		 WHERE task_id = ? AND state = ? AND assigned_worker = ? AND retry_count < max_retries`,
		[]interface{}{string(StateQueued), masked, errKind, nb, now, taskID, string(StateRunning), workerID},
		e,
		"task %s cannot be requeued by worker %s", taskID, workerID,
	)
}

// Release hands a claimed task back to the queue without consuming a
// retry. Workers call this on shutdown or pause so claimed work is never
// stranded.
func (s *Store) Release(taskID, workerID string) error {
	now := time.Now().UTC()
	e := event.New(event.TaskRequeued, workerID, taskID, "", map[string]interface{}{
		"reason": "released",
	})
	return s.execTransition(
		`UPDATE tasks
		 SET state = ?, assigned_worker = '', started_at = NULL,
		     heartbeat_at = NULL, last_activity_at = NULL,
		     not_before = NULL, updated_at = ?
		 WHERE task_id = ? AND state = ? AND assigned_worker = ?`,
		[]interface{}{string(StateQueued), now, taskID, string(StateRunning), workerID},
		e,
		"task %s is not running under worker %s", taskID, workerID,
	)
}

// Reject moves a reviewed task to REJECTED with the supervisor's
// feedback. The task stays owned by the review loop until it is requeued
// or escalated.
func (s *Store) Reject(taskID, feedback string) error {
	now := time.Now().UTC()
	e := event.New(event.TaskRejected, ActorSupervisor, taskID, "", nil)
	return s.execTransition(
		`UPDATE tasks SET state = ?, feedback = ?, updated_at = ?
		 WHERE task_id = ? AND state = ?`,
		[]interface{}{string(StateRejected), feedback, now, taskID, string(StateReview)},
		e,
		"task %s is not in review", taskID,
	)
}

// RequeueAfterRejection gives a REJECTED task another execution with the
// review feedback appended to its payload, so the next delegate sees what
// was wrong with the previous attempt. Consumes one retry; trace id is
// preserved and parent_task_id marks the derived attempt.
func (s *Store) RequeueAfterRejection(taskID, feedbackBlock string) error {
	now := time.Now().UTC()
	e := event.New(event.TaskRequeued, ActorSupervisor, taskID, "", map[string]interface{}{
		"reason": "rejection",
	})
	return s.execTransition(
		`UPDATE tasks
		 SET state = ?, payload = payload || ?, retry_count = retry_count + 1,
		     parent_task_id = task_id, assigned_worker = '',
		     started_at = NULL, heartbeat_at = NULL, last_activity_at = NULL,
		     not_before = NULL, updated_at = ?
		 WHERE task_id = ? AND state = ?`,
		[]interface{}{string(StateQueued), feedbackBlock, now, taskID, string(StateRejected)},
		e,
		"task %s is not rejected", taskID,
	)
}

// Escalate finishes a task whose rejection budget is spent.
// REJECTED_TERMINAL is terminal; a human picks it up from
// tasks/rejected/.
func (s *Store) Escalate(taskID string) error {
	now := time.Now().UTC()
	e := event.New(event.Escalation, ActorSupervisor, taskID, "", map[string]interface{}{
		"reason": "rejection retries exhausted",
	})
	return s.execTransition(
		`UPDATE tasks SET state = ?, completed_at = ?, updated_at = ?
		 WHERE task_id = ? AND state = ?`,
		[]interface{}{string(StateRejectedTerminal), now, now, taskID, string(StateRejected)},
		e,
		"task %s is not rejected", taskID,
	)
}

// Approve records a passing consensus verdict. The task is completed in a
// separate step once its workspace has been promoted.
func (s *Store) Approve(taskID string) error {
	now := time.Now().UTC()
	return s.execTransition(
		`UPDATE tasks SET state = ?, updated_at = ?
		 WHERE task_id = ? AND state = ?`,
		[]interface{}{string(StateApproved), now, taskID, string(StateReview)},
		nil,
		"task %s is not in review", taskID,
	)
}

// Complete finishes an APPROVED task.
func (s *Store) Complete(taskID string) error {
	now := time.Now().UTC()
	e := event.New(event.TaskCompleted, ActorSupervisor, taskID, "", nil)
	return s.execTransition(
		`UPDATE tasks SET state = ?, completed_at = ?, updated_at = ?
		 WHERE task_id = ? AND state = ?`,
		[]interface{}{string(StateCompleted), now, now, taskID, string(StateApproved)},
		e,
		"task %s is not approved", taskID,
	)
}

// AdvancePhase moves a task one step along the pipeline. Phases never
// move backwards and never skip: to must be exactly from.Next().
func (s *Store) AdvancePhase(taskID string, from, to Phase) error {
	if from.Next() != to {
		return errors.NewValidationError("illegal phase transition %s -> %s", from, to)
	}
	now := time.Now().UTC()
	e := event.New(event.PhaseChange, ActorSupervisor, taskID, "", map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	return s.execTransition(
		`UPDATE tasks SET phase = ?, updated_at = ?
		 WHERE task_id = ? AND phase = ?`,
		[]interface{}{string(to), now, taskID, string(from)},
		e,
		"task %s is not in phase %s", taskID, from,
	)
}

// execTransition runs a conditional UPDATE and its event in one
// transaction. The WHERE clause carries the from-state guard, so exactly
// one row must change; anything else is a conflict and rolls back.
func (s *Store) execTransition(query string, args []interface{}, e *event.Event, conflictFormat string, conflictArgs ...interface{}) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transition transaction")
	}
	defer tx.Rollback()

	result, err := tx.Exec(query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to execute transition")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if affected != 1 {
		return errors.Wrapf(errors.ErrConflict, conflictFormat, conflictArgs...)
	}

	if e != nil {
		if e.TraceID == "" {
			if err := s.fillTraceID(tx, e); err != nil {
				return err
			}
		}
		if err := s.events.AppendTx(tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transition")
	}
	return nil
}

// fillTraceID resolves the trace id for events built without one, inside
// the same transaction as the transition they describe.
func (s *Store) fillTraceID(tx *sql.Tx, e *event.Event) error {
	err := tx.QueryRow(`SELECT trace_id FROM tasks WHERE task_id = ?`, e.TaskID).Scan(&e.TraceID)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve trace id for task %s", e.TaskID)
	}
	return nil
}

// List returns tasks in a given state, newest first. Pass an empty state
// for all tasks.
func (s *Store) List(state State, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM tasks`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, task_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := ScanTaskFromRows(rows, &t); err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating tasks")
	}
	return tasks, nil
}

// CountByState returns row counts per state for status displays.
func (s *Store) CountByState() (map[State]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count tasks")
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan task count")
		}
		counts[State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating task counts")
	}
	return counts, nil
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal task metadata")
	}
	return string(data), nil
}
