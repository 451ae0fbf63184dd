package task

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StateQueued, StateRunning, true},
		{StateRunning, StateReview, true},
		{StateRunning, StateQueued, true},
		{StateRunning, StateFailed, true},
		{StateReview, StateApproved, true},
		{StateReview, StateRejected, true},
		{StateApproved, StateCompleted, true},
		{StateRejected, StateQueued, true},
		{StateRejected, StateRejectedTerminal, true},

		{StateQueued, StateReview, false},
		{StateQueued, StateCompleted, false},
		{StateReview, StateCompleted, false},
		{StateCompleted, StateQueued, false},
		{StateFailed, StateQueued, false},
		{StateRejectedTerminal, StateQueued, false},
		{StateRunning, StateApproved, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateIsTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateRejectedTerminal}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []State{StateQueued, StateRunning, StateReview, StateApproved, StateRejected}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityCritical.Rank() >= PriorityHigh.Rank() {
		t.Error("CRITICAL should rank before HIGH")
	}
	if PriorityHigh.Rank() >= PriorityMedium.Rank() {
		t.Error("HIGH should rank before MEDIUM")
	}
	if PriorityMedium.Rank() >= PriorityLow.Rank() {
		t.Error("MEDIUM should rank before LOW")
	}
	if Priority("BOGUS").Rank() <= PriorityLow.Rank() {
		t.Error("unknown priorities must rank after LOW")
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in    string
		want  Priority
		valid bool
	}{
		{"CRITICAL", PriorityCritical, true},
		{"critical", PriorityCritical, true},
		{"High", PriorityHigh, true},
		{"MEDIUM", PriorityMedium, true},
		{"low", PriorityLow, true},
		{"urgent", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParsePriority(tt.in)
		if ok != tt.valid || got != tt.want {
			t.Errorf("ParsePriority(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.valid)
		}
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{"IMPLEMENTATION", TypeImplementation},
		{"implementation", TypeImplementation},
		{"Test_Suite", TypeTestSuite},
		{"lint", TypeLint},
		{"something-else", TypeGeneral},
		{"", TypeGeneral},
	}
	for _, tt := range tests {
		if got := ParseType(tt.in); got != tt.want {
			t.Errorf("ParseType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPhaseNext(t *testing.T) {
	tests := []struct {
		in   Phase
		want Phase
	}{
		{PhaseBrainstorm, PhaseDocument},
		{PhaseDocument, PhasePlan},
		{PhasePlan, PhaseExecute},
		{PhaseExecute, PhaseTrack},
		{PhaseTrack, PhaseComplete},
		{PhaseComplete, ""},
		{Phase("BOGUS"), ""},
	}
	for _, tt := range tests {
		if got := tt.in.Next(); got != tt.want {
			t.Errorf("%s.Next() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewTask(t *testing.T) {
	created := New("t1", "write hello", TypeGeneral, PriorityHigh, "write hello")

	if created.State != StateQueued {
		t.Errorf("new task state = %s, want QUEUED", created.State)
	}
	if created.Phase != PhaseBrainstorm {
		t.Errorf("new task phase = %s, want BRAINSTORM", created.Phase)
	}
	if created.TraceID == "" {
		t.Error("new task must get a trace id")
	}
	if created.MaxRetries != 3 {
		t.Errorf("default max retries = %d, want 3", created.MaxRetries)
	}
	if !created.CanRetry() {
		t.Error("fresh task should have retry budget")
	}

	other := New("t2", "", TypeGeneral, PriorityLow, "")
	if other.TraceID == created.TraceID {
		t.Error("trace ids must be unique per task")
	}
}

func TestTaskDuration(t *testing.T) {
	var tk Task
	if tk.Duration() != 0 {
		t.Error("duration without endpoints should be zero")
	}

	start := time.Now()
	end := start.Add(42 * time.Second)
	tk.StartedAt = &start
	tk.CompletedAt = &end
	if tk.Duration() != 42*time.Second {
		t.Errorf("duration = %s, want 42s", tk.Duration())
	}
}
