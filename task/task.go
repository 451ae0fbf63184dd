// Package task defines the unit of work and its durable state machine.
//
// A task is created from a queue artifact, claimed by exactly one worker,
// executed by a delegate, reviewed by the supervisor, and archived in a
// terminal state. Rows are never deleted; history lives in the event log
// keyed by trace_id.
package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the durable lifecycle position of a task.
type State string

const (
	StateQueued           State = "QUEUED"
	StateRunning          State = "RUNNING"
	StateReview           State = "REVIEW"
	StateApproved         State = "APPROVED"
	StateCompleted        State = "COMPLETED"
	StateRejected         State = "REJECTED"
	StateRejectedTerminal State = "REJECTED_TERMINAL"
	StateFailed           State = "FAILED"
)

// IsTerminal reports whether the state is final. Terminal rows are
// immutable: no transition, requeue or recovery may touch them.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejectedTerminal:
		return true
	default:
		return false
	}
}

// IsValidState returns true if the string is a known State.
func IsValidState(s string) bool {
	switch State(s) {
	case StateQueued, StateRunning, StateReview, StateApproved,
		StateCompleted, StateRejected, StateRejectedTerminal, StateFailed:
		return true
	default:
		return false
	}
}

// validTransitions is the closed edge set of the task state machine.
var validTransitions = map[State][]State{
	StateQueued:   {StateRunning},
	StateRunning:  {StateReview, StateQueued, StateFailed},
	StateReview:   {StateApproved, StateRejected},
	StateApproved: {StateCompleted},
	StateRejected: {StateQueued, StateRejectedTerminal},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders claims: CRITICAL beats HIGH beats MEDIUM beats LOW,
// with ties broken by created_at ascending.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Priorities lists every priority from most to least urgent. The queue
// directory layout mirrors this order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank maps a priority to its sort position; lower claims first. Unknown
// values rank below LOW so a corrupted row can never jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority matches a string against the known priorities,
// case-insensitively. Returns false for anything else.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToUpper(s)) {
	case PriorityCritical:
		return PriorityCritical, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityMedium:
		return PriorityMedium, true
	case PriorityLow:
		return PriorityLow, true
	default:
		return "", false
	}
}

// Type categorizes the work and selects the heartbeat timeout budget.
type Type string

const (
	TypeResearch       Type = "RESEARCH"
	TypeDesign         Type = "DESIGN"
	TypeImplementation Type = "IMPLEMENTATION"
	TypeBugfix         Type = "BUGFIX"
	TypeTestSuite      Type = "TEST_SUITE"
	TypeSecurityAudit  Type = "SECURITY_AUDIT"
	TypeReviewCode     Type = "REVIEW_CODE"
	TypeLint           Type = "LINT"
	TypeFormat         Type = "FORMAT"
	TypeCoverage       Type = "COVERAGE"
	TypeGeneral        Type = "GENERAL"
)

// Types lists every known task type.
var Types = []Type{
	TypeResearch, TypeDesign, TypeImplementation, TypeBugfix,
	TypeTestSuite, TypeSecurityAudit, TypeReviewCode,
	TypeLint, TypeFormat, TypeCoverage, TypeGeneral,
}

// ParseType matches a string against the known types,
// case-insensitively. Unknown strings fall back to GENERAL.
func ParseType(s string) Type {
	normalized := Type(strings.ToUpper(s))
	for _, t := range Types {
		if t == normalized {
			return t
		}
	}
	return TypeGeneral
}

// Phase is the macro position of a task in the brainstorm-to-complete
// pipeline. Phases only move forward and never skip a step; the
// supervisor is the sole writer.
type Phase string

const (
	PhaseBrainstorm Phase = "BRAINSTORM"
	PhaseDocument   Phase = "DOCUMENT"
	PhasePlan       Phase = "PLAN"
	PhaseExecute    Phase = "EXECUTE"
	PhaseTrack      Phase = "TRACK"
	PhaseComplete   Phase = "COMPLETE"
)

// Phases in pipeline order.
var Phases = []Phase{PhaseBrainstorm, PhaseDocument, PhasePlan, PhaseExecute, PhaseTrack, PhaseComplete}

// Next returns the phase that follows p, or "" when p is COMPLETE or
// unknown.
func (p Phase) Next() Phase {
	for i, phase := range Phases {
		if phase == p && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return ""
}

// Task is the unit of work.
type Task struct {
	ID             string                 `json:"task_id"`
	Name           string                 `json:"name"`
	Type           Type                   `json:"type"`
	Priority       Priority               `json:"priority"`
	State          State                  `json:"state"`
	Lane           string                 `json:"lane,omitempty"`
	Shard          string                 `json:"shard,omitempty"`
	AssignedWorker string                 `json:"assigned_worker,omitempty"`
	AssignedModel  string                 `json:"assigned_model,omitempty"`
	Phase          Phase                  `json:"phase"`
	Payload        string                 `json:"payload,omitempty"`
	Feedback       string                 `json:"feedback,omitempty"`
	Result         string                 `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorKind      string                 `json:"error_kind,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	ParentTaskID   string                 `json:"parent_task_id,omitempty"`
	TraceID        string                 `json:"trace_id"`
	NotBefore      *time.Time             `json:"not_before,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	HeartbeatAt    *time.Time             `json:"heartbeat_at,omitempty"`
	LastActivityAt *time.Time             `json:"last_activity_at,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// New builds a QUEUED task with a fresh trace id. The id is the artifact
// stem chosen by the intake watcher; callers that mint synthetic tasks
// pass any unique string.
func New(id, name string, taskType Type, priority Priority, payload string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         id,
		Name:       name,
		Type:       taskType,
		Priority:   priority,
		State:      StateQueued,
		Phase:      PhaseBrainstorm,
		Payload:    payload,
		MaxRetries: 3,
		TraceID:    uuid.New().String(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CanRetry reports whether another execution fits the retry budget.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// IsTerminal reports whether the task reached a final state.
func (t *Task) IsTerminal() bool {
	return t.State.IsTerminal()
}

// Duration returns wall time from first claim to completion, or zero if
// either endpoint is missing.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
