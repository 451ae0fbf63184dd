// Package phase enforces the forward-only pipeline a task moves through:
// BRAINSTORM, DOCUMENT, PLAN, EXECUTE, TRACK, COMPLETE.
//
// Each step has preconditions: the early transitions require planning
// artifacts in the workspace, the late ones require gate verdicts. The
// supervisor is the only caller; the durable phase column lives on the
// task row and is written through the task store's guarded transition.
package phase

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/gates"
	"github.com/droverhq/drover/task"
)

// Named precondition failures. Callers distinguish a blocked transition
// from a store conflict with errors.Is.
var (
	// ErrMissingArtifact means a required planning file is absent from
	// the workspace.
	ErrMissingArtifact = errors.New("phase artifact precondition not met")

	// ErrGatesNotPassed means a required gate check did not pass.
	ErrGatesNotPassed = errors.New("phase gate precondition not met")

	// ErrGatesNotEvaluated means a required check is missing from the
	// gate report entirely.
	ErrGatesNotEvaluated = errors.New("phase gates not evaluated")
)

// preconditions for the transition out of a phase.
type preconditions struct {
	artifacts []string // workspace files that must exist
	gatesPass []string // checks that must carry PASS
	gatesRun  []string // checks that must merely be evaluated
}

var table = map[task.Phase]preconditions{
	task.PhaseBrainstorm: {artifacts: []string{"BRAINSTORM.md"}},
	task.PhaseDocument:   {artifacts: []string{"DESIGN.md"}},
	task.PhasePlan:       {artifacts: []string{"PLAN.md"}},
	task.PhaseExecute: {gatesPass: []string{
		gates.CheckTestSuite, gates.CheckCoverage, gates.CheckLint,
		gates.CheckTypeCheck, gates.CheckSecurityScan, gates.CheckBuild,
		gates.CheckDependencyAudit, gates.CheckBreakingChanges,
		gates.CheckMultiModel,
	}},
	task.PhaseTrack: {gatesRun: []string{
		gates.CheckSize, gates.CheckPerformance, gates.CheckCommitFormat,
	}},
}

// Machine advances tasks through the pipeline.
type Machine struct {
	tasks *task.Store
	log   *zap.SugaredLogger
}

// NewMachine returns a machine writing through the task store.
func NewMachine(tasks *task.Store, log *zap.SugaredLogger) *Machine {
	return &Machine{tasks: tasks, log: log.Named("phase")}
}

// Advance moves the task from its current phase to the next one, after
// checking the transition's preconditions against the workspace and the
// latest gate report. report may be nil when the transition needs none.
func (m *Machine) Advance(taskID, workspace string, from task.Phase, report *gates.Report) error {
	to := from.Next()
	if to == "" {
		return errors.NewValidationError("phase %s has no successor", from)
	}
	if err := CheckPreconditions(from, workspace, report); err != nil {
		return err
	}
	if err := m.tasks.AdvancePhase(taskID, from, to); err != nil {
		return err
	}
	m.log.Infow("Phase advanced",
		"task_id", taskID,
		"from", from,
		"to", to,
	)
	return nil
}

// CheckPreconditions validates the transition out of a phase without
// performing it.
func CheckPreconditions(from task.Phase, workspace string, report *gates.Report) error {
	pre := table[from]

	for _, name := range pre.artifacts {
		if _, err := os.Stat(filepath.Join(workspace, name)); err != nil {
			return errors.Wrapf(ErrMissingArtifact, "%s required to leave %s", name, from)
		}
	}

	if len(pre.gatesPass) > 0 || len(pre.gatesRun) > 0 {
		if report == nil {
			return errors.Wrapf(ErrGatesNotEvaluated, "leaving %s requires a gate report", from)
		}
	}
	for _, id := range pre.gatesPass {
		res, ok := report.Results[id]
		if !ok {
			return errors.Wrapf(ErrGatesNotEvaluated, "%s missing from gate report", id)
		}
		if res.Verdict != gates.Pass {
			return errors.Wrapf(ErrGatesNotPassed, "%s is %s", id, res.Verdict)
		}
	}
	for _, id := range pre.gatesRun {
		if _, ok := report.Results[id]; !ok {
			return errors.Wrapf(ErrGatesNotEvaluated, "%s missing from gate report", id)
		}
	}
	return nil
}
