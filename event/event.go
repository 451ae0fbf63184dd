// Package event provides the append-only audit trail for the daemon.
//
// Every state change in the system produces an event row keyed by
// trace_id, so a task's full history can be reconstructed with a single
// scan. Events are immutable: the store exposes append and read
// operations only.
package event

import (
	"time"
)

// Type identifies what happened. The set is closed; consumers switch on
// these values when rendering timelines or asserting ordering.
type Type string

// Task lifecycle events.
const (
	TaskCreated   Type = "TASK_CREATED"
	TaskInvalid   Type = "TASK_INVALID"
	TaskClaimed   Type = "TASK_CLAIMED"
	TaskSubmitted Type = "TASK_SUBMITTED"
	TaskCompleted Type = "TASK_COMPLETED"
	TaskRejected  Type = "TASK_REJECTED"
	TaskRequeued  Type = "TASK_REQUEUED"
	TaskFailed    Type = "TASK_FAILED"
	Escalation    Type = "ESCALATION"
	PhaseChange   Type = "PHASE_CHANGE"
)

// Delegate and review events.
const (
	DelegateSuccess  Type = "DELEGATE_SUCCESS"
	DelegateFailure  Type = "DELEGATE_FAILURE"
	GatesRun         Type = "GATES_RUN"
	ConsensusApprove Type = "CONSENSUS_APPROVE"
	ConsensusReject  Type = "CONSENSUS_REJECT"
	NoConsensus      Type = "NO_CONSENSUS"
)

// Recovery and budget events.
const (
	StaleRecovered  Type = "STALE_RECOVERED"
	ZombieRecovered Type = "ZOMBIE_RECOVERED"
	BudgetPause     Type = "BUDGET_PAUSE"
	BudgetResume    Type = "BUDGET_RESUME"
	BudgetKill      Type = "BUDGET_KILL"
)

// Daemon lifecycle events.
const (
	ComponentRestart Type = "COMPONENT_RESTART"
	ComponentFatal   Type = "COMPONENT_FATAL"
	DaemonStarted    Type = "DAEMON_STARTED"
	DaemonStopped    Type = "DAEMON_STOPPED"
)

// Event is a single audit entry. TaskID and TraceID are empty for
// daemon-scoped events (BUDGET_*, COMPONENT_*, DAEMON_*).
type Event struct {
	ID        int64                  `json:"id,omitempty"`
	Type      Type                   `json:"event_type"`
	Actor     string                 `json:"actor"`
	TaskID    string                 `json:"task_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// New builds an event stamped with the current time. Payload may be nil.
func New(eventType Type, actor, taskID, traceID string, payload map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Actor:     actor,
		TaskID:    taskID,
		TraceID:   traceID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
