package event

import (
	"database/sql"
	"encoding/json"
	"os"
	"sync"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/redact"
)

// Log persists events to the state store and mirrors each record as a
// masked JSONL line under logs/events.log. The database rows are the
// source of truth; the mirror exists for tailing and post-mortems and is
// best-effort (a transaction that rolls back after AppendTx may leave a
// stray mirror line).
type Log struct {
	db *sql.DB

	mirrorMu sync.Mutex
	mirror   *os.File
}

// NewLog opens (or creates) the JSONL mirror at mirrorPath and returns a
// log bound to db. Pass an empty mirrorPath to disable the mirror, which
// tests and read-only CLI commands do.
func NewLog(db *sql.DB, mirrorPath string) (*Log, error) {
	l := &Log{db: db}
	if mirrorPath != "" {
		f, err := os.OpenFile(mirrorPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open event mirror %s", mirrorPath)
		}
		l.mirror = f
	}
	return l, nil
}

// Close releases the mirror file handle. The database handle is owned by
// the caller and is left open.
func (l *Log) Close() error {
	l.mirrorMu.Lock()
	defer l.mirrorMu.Unlock()
	if l.mirror == nil {
		return nil
	}
	err := l.mirror.Close()
	l.mirror = nil
	return err
}

const insertEventQuery = `
	INSERT INTO events (event_type, actor, task_id, trace_id, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
`

// Append writes an event in its own implicit transaction.
func (l *Log) Append(e *Event) error {
	payloadJSON, err := marshalPayload(e.Payload)
	if err != nil {
		return err
	}
	result, err := l.db.Exec(insertEventQuery,
		string(e.Type), e.Actor, e.TaskID, e.TraceID, payloadJSON, e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to append event")
	}
	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return l.writeMirror(e)
}

// AppendTx writes an event inside an existing transaction so the record
// commits or rolls back together with the state change that produced it.
// Claims, submissions, verdicts and failures go through this path.
func (l *Log) AppendTx(tx *sql.Tx, e *Event) error {
	payloadJSON, err := marshalPayload(e.Payload)
	if err != nil {
		return err
	}
	result, err := tx.Exec(insertEventQuery,
		string(e.Type), e.Actor, e.TaskID, e.TraceID, payloadJSON, e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to append event")
	}
	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return l.writeMirror(e)
}

// marshalPayload serializes the payload with every value passed through
// the credential mask. Secrets never reach the events table.
func marshalPayload(payload map[string]interface{}) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(redact.MaskMap(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal event payload")
	}
	return string(data), nil
}

// writeMirror appends one masked JSONL line. The whole serialized line is
// masked again so identifiers and actor strings are covered too, not just
// payload values.
func (l *Log) writeMirror(e *Event) error {
	l.mirrorMu.Lock()
	defer l.mirrorMu.Unlock()
	if l.mirror == nil {
		return nil
	}
	line, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event for mirror")
	}
	if _, err := l.mirror.Write(append([]byte(redact.Mask(string(line))), '\n')); err != nil {
		return errors.Wrap(err, "failed to write event mirror")
	}
	return nil
}

const selectEventColumns = `id, event_type, actor, task_id, trace_id, payload, created_at`

// ListByTrace returns every event carrying the trace id, oldest first.
// This is the primary read path: one trace id covers a task's entire
// history including requeues.
func (l *Log) ListByTrace(traceID string) ([]*Event, error) {
	query := `SELECT ` + selectEventColumns + ` FROM events WHERE trace_id = ? ORDER BY id ASC`
	rows, err := l.db.Query(query, traceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events by trace")
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByTask returns every event for a task id, oldest first.
func (l *Log) ListByTask(taskID string) ([]*Event, error) {
	query := `SELECT ` + selectEventColumns + ` FROM events WHERE task_id = ? ORDER BY id ASC`
	rows, err := l.db.Query(query, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events by task")
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRecent returns the newest events first, bounded by limit.
func (l *Log) ListRecent(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + selectEventColumns + ` FROM events ORDER BY id DESC LIMIT ?`
	rows, err := l.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Last returns the most recent event, or ErrNotFound on an empty log.
func (l *Log) Last() (*Event, error) {
	query := `SELECT ` + selectEventColumns + ` FROM events ORDER BY id DESC LIMIT 1`
	row := l.db.QueryRow(query)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "event log is empty")
	}
	return e, err
}

// CountByType returns per-type event counts for status displays.
func (l *Log) CountByType() (map[Type]int, error) {
	rows, err := l.db.Query(`SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count events")
	}
	defer rows.Close()

	counts := make(map[Type]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan event count")
		}
		counts[Type(eventType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating event counts")
	}
	return counts, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scannable) (*Event, error) {
	var e Event
	var eventType, payloadJSON string

	if err := row.Scan(&e.ID, &eventType, &e.Actor, &e.TaskID, &e.TraceID, &payloadJSON, &e.CreatedAt); err != nil {
		return nil, err
	}

	e.Type = Type(eventType)
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal payload for event %d", e.ID)
		}
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating events")
	}
	return events, nil
}
