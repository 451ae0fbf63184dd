package task

import (
	"database/sql"
	"encoding/json"

	"github.com/droverhq/drover/errors"
)

// TaskScanArgs holds the nullable column targets for scanning a task row.
type TaskScanArgs struct {
	NotBefore      sql.NullTime
	StartedAt      sql.NullTime
	CompletedAt    sql.NullTime
	HeartbeatAt    sql.NullTime
	LastActivityAt sql.NullTime
	MetadataJSON   string
}

// GetTaskScanTargets returns scan destinations for the task and its
// nullable columns, in the order of StandardTaskSelectColumns.
func GetTaskScanTargets(t *Task, args *TaskScanArgs) []interface{} {
	return []interface{}{
		&t.ID,
		&t.Name,
		&t.Type,
		&t.Priority,
		&t.State,
		&t.Lane,
		&t.Shard,
		&t.AssignedWorker,
		&t.AssignedModel,
		&t.Phase,
		&t.Payload,
		&t.Feedback,
		&t.Result,
		&t.Error,
		&t.ErrorKind,
		&t.RetryCount,
		&t.MaxRetries,
		&t.ParentTaskID,
		&t.TraceID,
		&args.NotBefore,
		&t.CreatedAt,
		&t.UpdatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.HeartbeatAt,
		&args.LastActivityAt,
		&args.MetadataJSON,
	}
}

// ProcessTaskScanArgs moves the nullable columns onto the task struct and
// decodes metadata.
func ProcessTaskScanArgs(t *Task, args *TaskScanArgs) error {
	if args.NotBefore.Valid {
		t.NotBefore = &args.NotBefore.Time
	}
	if args.StartedAt.Valid {
		t.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		t.CompletedAt = &args.CompletedAt.Time
	}
	if args.HeartbeatAt.Valid {
		t.HeartbeatAt = &args.HeartbeatAt.Time
	}
	if args.LastActivityAt.Valid {
		t.LastActivityAt = &args.LastActivityAt.Time
	}
	if args.MetadataJSON != "" && args.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(args.MetadataJSON), &t.Metadata); err != nil {
			return errors.Wrapf(err, "failed to unmarshal metadata for task %s", t.ID)
		}
	}
	return nil
}

// ScanTaskFromRow scans a single task from a sql.Row.
func ScanTaskFromRow(row *sql.Row, t *Task) error {
	args := &TaskScanArgs{}
	if err := row.Scan(GetTaskScanTargets(t, args)...); err != nil {
		return err
	}
	return ProcessTaskScanArgs(t, args)
}

// ScanTaskFromRows scans a single task from sql.Rows inside a loop.
func ScanTaskFromRows(rows *sql.Rows, t *Task) error {
	args := &TaskScanArgs{}
	if err := rows.Scan(GetTaskScanTargets(t, args)...); err != nil {
		return err
	}
	return ProcessTaskScanArgs(t, args)
}

// StandardTaskSelectColumns is the column list every task SELECT uses,
// matching the scan target order.
func StandardTaskSelectColumns() string {
	return `task_id, name, type, priority, state, lane, shard,
		assigned_worker, assigned_model, phase,
		payload, feedback, result, error, error_kind,
		retry_count, max_retries, parent_task_id, trace_id, not_before,
		created_at, updated_at, started_at, completed_at,
		heartbeat_at, last_activity_at, metadata`
}
