package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/consensus"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/gates"
	"github.com/droverhq/drover/internal/testutil"
	"github.com/droverhq/drover/locks"
	"github.com/droverhq/drover/phase"
	"github.com/droverhq/drover/task"
)

// scriptedGates returns a fixed report for every run.
type scriptedGates struct {
	report *gates.Report
	err    error
	runs   int
}

func (s *scriptedGates) Run(ctx context.Context, workspace, taskID, traceID string) (*gates.Report, error) {
	s.runs++
	return s.report, s.err
}

// scriptedDecider returns a fixed outcome for every round.
type scriptedDecider struct {
	outcome *consensus.Outcome
	err     error
	rounds  int
}

func (s *scriptedDecider) Decide(ctx context.Context, taskID, traceID, prompt string) (*consensus.Outcome, error) {
	s.rounds++
	return s.outcome, s.err
}

func passingReport() *gates.Report {
	r := &gates.Report{Results: map[string]gates.Result{}}
	for _, id := range gates.CheckIDs() {
		r.Results[id] = gates.Result{ID: id, Verdict: gates.Pass, Blocking: gates.IsBlocking(id)}
		r.Order = append(r.Order, id)
	}
	return r
}

func failingReport(id, details string) *gates.Report {
	r := passingReport()
	res := r.Results[id]
	res.Verdict = gates.Fail
	res.Details = details
	res.Name = "Coverage"
	r.Results[id] = res
	return r
}

func outcomeOf(decision string, votes ...consensus.Vote) *consensus.Outcome {
	return &consensus.Outcome{
		Decision: decision,
		Mode:     "majority",
		Votes:    votes,
		Callable: len(votes),
	}
}

func approveOutcome() *consensus.Outcome {
	return outcomeOf(consensus.DecisionApprove,
		consensus.Vote{Model: "claude", Decision: consensus.DecisionApprove, Confidence: 0.9, Counted: true},
		consensus.Vote{Model: "codex", Decision: consensus.DecisionApprove, Confidence: 0.7, Counted: true},
	)
}

type fixture struct {
	cfg    *config.Config
	sup    *Supervisor
	tasks  *task.Store
	events *event.Log
}

func newFixture(t *testing.T, g gateRunner, d decider) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.Root = t.TempDir()
	cfg.Task.MaxRejectionRetries = 1
	require.NoError(t, cfg.EnsureLayout())

	conn := testutil.CreateTestDB(t)
	events, err := event.NewLog(conn, "")
	require.NoError(t, err)
	tasks := task.NewStore(conn, events)
	lockMgr, err := locks.NewManager(cfg.LocksDir())
	require.NoError(t, err)
	phases := phase.NewMachine(tasks, zap.NewNop().Sugar())

	sup := New(cfg, tasks, events, g, d, lockMgr, phases, zap.NewNop().Sugar())
	return &fixture{cfg: cfg, sup: sup, tasks: tasks, events: events}
}

// submitTask drives a task to REVIEW the way a worker would.
func (f *fixture) submitTask(t *testing.T, id string) *task.Task {
	t.Helper()
	tk := task.New(id, id, task.TypeGeneral, task.PriorityMedium, "do the thing")
	require.NoError(t, f.tasks.Create(tk, "test"))
	claimed, err := f.tasks.Claim("w-test", "", "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, id, claimed.ID)
	require.NoError(t, f.tasks.Submit(id, "w-test", "result body"))

	// Workspace as the worker leaves it.
	dir := f.cfg.TaskDir("review", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "OUTPUT.md"), []byte("result body\n"), 0o644))

	got, err := f.tasks.Get(id)
	require.NoError(t, err)
	return got
}

func (f *fixture) eventTypes(t *testing.T, taskID string) []event.Type {
	t.Helper()
	evts, err := f.events.ListByTask(taskID)
	require.NoError(t, err)
	types := make([]event.Type, len(evts))
	for i, e := range evts {
		types[i] = e.Type
	}
	return types
}

func TestSweepApprovesAndCompletes(t *testing.T) {
	g := &scriptedGates{report: passingReport()}
	d := &scriptedDecider{outcome: approveOutcome()}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	f.sup.Sweep(context.Background())

	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Equal(t, 1, g.runs)
	assert.Equal(t, 1, d.rounds)

	// Workspace archived under completed/.
	_, err = os.Stat(filepath.Join(f.cfg.TaskDir("completed", "t1"), "OUTPUT.md"))
	assert.NoError(t, err)
	_, err = os.Stat(f.cfg.TaskDir("review", "t1"))
	assert.True(t, os.IsNotExist(err))

	types := f.eventTypes(t, "t1")
	assert.Contains(t, types, event.GatesRun)
	assert.Contains(t, types, event.ConsensusApprove)
	assert.Contains(t, types, event.TaskCompleted)
}

func TestSweepRejectsOnGateFailureAndRequeues(t *testing.T) {
	g := &scriptedGates{report: failingReport(gates.CheckCoverage, "coverage 61% below threshold 80%")}
	d := &scriptedDecider{outcome: approveOutcome()}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	f.sup.Sweep(context.Background())

	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.Payload, "Feedback from review")
	assert.Contains(t, got.Payload, gates.CheckCoverage)
	assert.Contains(t, got.Payload, "coverage 61%")
	assert.Equal(t, 0, d.rounds, "failed gates never reach consensus")
}

func TestSweepEscalatesWhenRejectionBudgetSpent(t *testing.T) {
	g := &scriptedGates{report: failingReport(gates.CheckCoverage, "still short")}
	d := &scriptedDecider{outcome: approveOutcome()}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	// First rejection requeues.
	f.sup.Sweep(context.Background())
	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	require.Equal(t, task.StateQueued, got.State)

	// Second attempt fails review again; budget of one requeue is spent.
	claimed, err := f.tasks.Claim("w-test", "", "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, f.tasks.Submit("t1", "w-test", "second result"))
	dir := f.cfg.TaskDir("review", "t1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	f.sup.Sweep(context.Background())

	got, err = f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateRejectedTerminal, got.State)
	_, err = os.Stat(f.cfg.TaskDir("rejected", "t1"))
	assert.NoError(t, err)

	types := f.eventTypes(t, "t1")
	assert.Contains(t, types, event.Escalation)
}

func TestSweepConsensusRejectRequeuesWithVotes(t *testing.T) {
	g := &scriptedGates{report: passingReport()}
	d := &scriptedDecider{outcome: outcomeOf(consensus.DecisionReject,
		consensus.Vote{Model: "claude", Decision: consensus.DecisionReject, Counted: true, Reasoning: "tests missing for error paths"},
		consensus.Vote{Model: "codex", Decision: consensus.DecisionReject, Counted: true},
		consensus.Vote{Model: "gemini", Decision: consensus.DecisionAbstain, Counted: false},
	)}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	f.sup.Sweep(context.Background())

	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Contains(t, got.Payload, "tests missing for error paths")

	types := f.eventTypes(t, "t1")
	assert.Contains(t, types, event.ConsensusReject)
}

func TestSweepNoConsensusRejects(t *testing.T) {
	g := &scriptedGates{report: passingReport()}
	d := &scriptedDecider{outcome: outcomeOf(consensus.DecisionNoConsensus,
		consensus.Vote{Model: "claude", Decision: consensus.DecisionAbstain, Counted: false},
	)}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	f.sup.Sweep(context.Background())

	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Contains(t, got.Payload, "quorum")

	types := f.eventTypes(t, "t1")
	assert.Contains(t, types, event.NoConsensus)
}

func TestSweepResumesOrphanedRejection(t *testing.T) {
	// A crash between Reject and requeue leaves the task REJECTED; the
	// next sweep settles it.
	g := &scriptedGates{report: passingReport()}
	d := &scriptedDecider{outcome: approveOutcome()}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")
	require.NoError(t, f.tasks.Reject("t1", "needs work"))

	f.sup.Sweep(context.Background())

	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Contains(t, got.Payload, "needs work")
	assert.Equal(t, 0, g.runs, "a rejected task is settled, not re-judged")
}

func TestSweepGateEngineErrorLeavesTaskInReview(t *testing.T) {
	g := &scriptedGates{err: assert.AnError}
	d := &scriptedDecider{outcome: approveOutcome()}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	f.sup.Sweep(context.Background())

	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateReview, got.State)
	assert.Equal(t, 0, d.rounds)
}

func TestSweepAdvancesPhasesOnApproval(t *testing.T) {
	g := &scriptedGates{report: passingReport()}
	d := &scriptedDecider{outcome: approveOutcome()}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	// Workspace carries every phase artifact; the passing report clears
	// the gate preconditions, so the task walks to COMPLETE.
	dir := f.cfg.TaskDir("review", "t1")
	for _, name := range []string{"BRAINSTORM.md", "DESIGN.md", "PLAN.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644))
	}

	f.sup.Sweep(context.Background())

	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Equal(t, task.PhaseComplete, got.Phase)
}

func TestSweepStopsPhaseWalkAtMissingArtifact(t *testing.T) {
	g := &scriptedGates{report: passingReport()}
	d := &scriptedDecider{outcome: approveOutcome()}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	dir := f.cfg.TaskDir("review", "t1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BRAINSTORM.md"), []byte("x\n"), 0o644))

	f.sup.Sweep(context.Background())

	got, err := f.tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
	// Advanced past BRAINSTORM, stopped where DESIGN.md is missing.
	assert.Equal(t, task.PhaseDocument, got.Phase)
}

func TestStartStopLoop(t *testing.T) {
	g := &scriptedGates{report: passingReport()}
	d := &scriptedDecider{outcome: approveOutcome()}
	f := newFixture(t, g, d)
	f.submitTask(t, "t1")

	f.sup.Start(context.Background())
	defer f.sup.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.tasks.Get("t1")
		require.NoError(t, err)
		if got.State == task.StateCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task never completed under the running loop")
}

func TestConsensusReviewerTally(t *testing.T) {
	r := &ConsensusReviewer{engine: &scriptedDecider{outcome: outcomeOf(consensus.DecisionApprove,
		consensus.Vote{Model: "claude", Decision: consensus.DecisionApprove, Counted: true},
		consensus.Vote{Model: "codex", Decision: consensus.DecisionApprove, Counted: true},
		consensus.Vote{Model: "gemini", Decision: consensus.DecisionReject, Counted: true},
	)}}

	ok, detail, err := r.ReviewDiff(context.Background(), "t1", "tr1", "diff --git a b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "APPROVE 2/3 (majority)", detail)
}
