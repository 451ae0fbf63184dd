// Package supervisor judges submitted work. It watches for tasks in
// REVIEW, runs the quality gates and the consensus round under the
// task's artifact lock, and drives the verdict to a durable state:
// approved work completes and its workspace is archived, rejected work
// is requeued with feedback until the rejection budget is spent, then
// escalated for a human.
//
// The loop is re-entrant: every judgment starts from durable state, so
// a crash mid-review is retried from scratch on the next poll.
package supervisor

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/consensus"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/gates"
	"github.com/droverhq/drover/locks"
	"github.com/droverhq/drover/phase"
	"github.com/droverhq/drover/task"
)

// lockTimeout bounds the wait for a task's artifact lock. A held lock
// means another supervisor instance is already judging the task.
const lockTimeout = 30 * time.Second

// gateRunner runs the check table against a workspace. Satisfied by
// *gates.Engine.
type gateRunner interface {
	Run(ctx context.Context, workspace, taskID, traceID string) (*gates.Report, error)
}

// decider runs one consensus round. Satisfied by *consensus.Engine.
type decider interface {
	Decide(ctx context.Context, taskID, traceID, prompt string) (*consensus.Outcome, error)
}

// Supervisor owns the review loop.
type Supervisor struct {
	cfg       *config.Config
	tasks     *task.Store
	events    *event.Log
	gates     gateRunner
	consensus decider
	locks     *locks.Manager
	phases    *phase.Machine
	log       *zap.SugaredLogger

	poll         time.Duration
	maxRejection int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a supervisor from config.
func New(cfg *config.Config, tasks *task.Store, events *event.Log, gateEngine gateRunner, consensusEngine decider, lockMgr *locks.Manager, phases *phase.Machine, log *zap.SugaredLogger) *Supervisor {
	poll := time.Duration(cfg.Supervisor.PollS) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	maxRejection := cfg.Task.MaxRejectionRetries
	if maxRejection <= 0 {
		maxRejection = 2
	}
	return &Supervisor{
		cfg:          cfg,
		tasks:        tasks,
		events:       events,
		gates:        gateEngine,
		consensus:    consensusEngine,
		locks:        lockMgr,
		phases:       phases,
		log:          log.Named("supervisor"),
		poll:         poll,
		maxRejection: maxRejection,
	}
}

// Start launches the review loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		// Immediate sweep so reviews interrupted by a restart resume
		// before the first tick.
		s.Sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
	s.log.Infow("Supervisor started", "poll", s.poll)
}

// Stop cancels the loop and waits for the current sweep.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Infow("Supervisor stopped")
}

// Sweep judges every task awaiting a verdict. REJECTED tasks are
// included so a crash between rejection and requeue is resumed.
func (s *Supervisor) Sweep(ctx context.Context) {
	for _, state := range []task.State{task.StateReview, task.StateRejected} {
		pending, err := s.tasks.List(state, 0)
		if err != nil {
			s.log.Errorw("Failed to list tasks for review", "state", state, "error", err)
			continue
		}
		for _, t := range pending {
			if ctx.Err() != nil {
				return
			}
			var err error
			if t.State == task.StateReview {
				err = s.review(ctx, t)
			} else {
				err = s.settleRejection(t)
			}
			if err != nil {
				s.log.Errorw("Review failed",
					"task_id", t.ID,
					"trace_id", t.TraceID,
					"error", err,
				)
			}
		}
	}
}

// review judges one submitted task under its artifact lock.
func (s *Supervisor) review(ctx context.Context, t *task.Task) error {
	return s.locks.WithLock(locks.ForTaskArtifact(t.ID), lockTimeout, func() error {
		workspace := s.cfg.TaskDir("review", t.ID)

		report, err := s.gates.Run(ctx, workspace, t.ID, t.TraceID)
		if err != nil {
			// Engine failure is not a verdict; the task stays in REVIEW
			// for the next sweep.
			return errors.Wrap(err, "gate engine failed")
		}
		if err := s.events.Append(event.New(event.GatesRun, task.ActorSupervisor, t.ID, t.TraceID, map[string]interface{}{
			"verdicts": report.Summary(),
			"approved": report.Approved(),
		})); err != nil {
			return err
		}

		if !report.Approved() {
			return s.reject(t, gateFeedback(report))
		}

		outcome, err := s.consensus.Decide(ctx, t.ID, t.TraceID, approvalPrompt(t))
		if err != nil {
			return errors.Wrap(err, "consensus round failed")
		}
		switch outcome.Decision {
		case consensus.DecisionApprove:
			if err := s.events.Append(event.New(event.ConsensusApprove, task.ActorSupervisor, t.ID, t.TraceID, outcome.Breakdown())); err != nil {
				return err
			}
			return s.approve(t, report)
		case consensus.DecisionNoConsensus:
			if err := s.events.Append(event.New(event.NoConsensus, task.ActorSupervisor, t.ID, t.TraceID, outcome.Breakdown())); err != nil {
				return err
			}
			return s.reject(t, "consensus round could not reach quorum")
		default:
			if err := s.events.Append(event.New(event.ConsensusReject, task.ActorSupervisor, t.ID, t.TraceID, outcome.Breakdown())); err != nil {
				return err
			}
			return s.reject(t, consensusFeedback(outcome))
		}
	})
}

// approve completes the task: phase advancement where the gate report
// allows it, then APPROVED -> COMPLETED and workspace archival.
func (s *Supervisor) approve(t *task.Task, report *gates.Report) error {
	if err := s.tasks.Approve(t.ID); err != nil {
		return err
	}

	workspace := s.cfg.TaskDir("review", t.ID)
	s.advancePhases(t, workspace, report)

	if err := s.tasks.Complete(t.ID); err != nil {
		return err
	}
	if err := moveWorkspace(s.cfg, t.ID, "review", "completed"); err != nil {
		s.log.Warnw("Failed to archive workspace", "task_id", t.ID, "error", err)
	}
	s.log.Infow("Task completed", "task_id", t.ID, "trace_id", t.TraceID)
	return nil
}

// advancePhases walks the task forward while preconditions hold. Blocked
// transitions are expected and end the walk quietly.
func (s *Supervisor) advancePhases(t *task.Task, workspace string, report *gates.Report) {
	current := t.Phase
	for current != task.PhaseComplete && current != "" {
		if err := s.phases.Advance(t.ID, workspace, current, report); err != nil {
			if errors.Is(err, phase.ErrMissingArtifact) ||
				errors.Is(err, phase.ErrGatesNotPassed) ||
				errors.Is(err, phase.ErrGatesNotEvaluated) {
				return
			}
			s.log.Warnw("Phase advance failed", "task_id", t.ID, "error", err)
			return
		}
		current = current.Next()
	}
}

// reject records the verdict and settles the rejection in the same
// sweep.
func (s *Supervisor) reject(t *task.Task, feedback string) error {
	if err := s.tasks.Reject(t.ID, feedback); err != nil {
		return err
	}
	fresh, err := s.tasks.Get(t.ID)
	if err != nil {
		return err
	}
	return s.settleRejection(fresh)
}

// settleRejection requeues a REJECTED task with feedback, or escalates
// when the rejection budget is spent.
func (s *Supervisor) settleRejection(t *task.Task) error {
	if t.RetryCount < s.maxRejection {
		block := feedbackBlock(t.Feedback, t.RetryCount+1)
		if err := s.tasks.RequeueAfterRejection(t.ID, block); err != nil {
			return err
		}
		s.log.Infow("Task requeued after rejection",
			"task_id", t.ID,
			"retry_count", t.RetryCount+1,
		)
		return nil
	}

	if err := s.tasks.Escalate(t.ID); err != nil {
		return err
	}
	if err := moveWorkspace(s.cfg, t.ID, "review", "rejected"); err != nil {
		s.log.Warnw("Failed to archive rejected workspace", "task_id", t.ID, "error", err)
	}
	s.log.Warnw("Task escalated for human review", "task_id", t.ID, "trace_id", t.TraceID)
	return nil
}

// gateFeedback renders the failing gates for the next attempt.
func gateFeedback(report *gates.Report) string {
	var b strings.Builder
	b.WriteString("The following quality gates failed:\n")
	for _, res := range report.BlockingFailures() {
		b.WriteString("- ")
		b.WriteString(res.ID)
		b.WriteString(" (")
		b.WriteString(res.Name)
		b.WriteString(")")
		if res.Details != "" {
			b.WriteString(": ")
			b.WriteString(res.Details)
		}
		b.WriteString("\n")
	}
	b.WriteString("Address each failure before resubmitting.")
	return b.String()
}

// consensusFeedback summarizes the rejecting votes.
func consensusFeedback(outcome *consensus.Outcome) string {
	var b strings.Builder
	b.WriteString("The review consensus rejected this submission:\n")
	for _, v := range outcome.Votes {
		if !v.Counted || v.Decision != consensus.DecisionReject {
			continue
		}
		b.WriteString("- ")
		b.WriteString(v.Model)
		if v.Reasoning != "" {
			b.WriteString(": ")
			b.WriteString(v.Reasoning)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// feedbackBlock is appended to the task payload on requeue so the next
// delegate sees what was wrong with the previous attempt.
func feedbackBlock(feedback string, attempt int) string {
	var b strings.Builder
	b.WriteString("\n\n---\n## Feedback from review (attempt ")
	b.WriteString(strconv.Itoa(attempt))
	b.WriteString(")\n\n")
	b.WriteString(feedback)
	b.WriteString("\n")
	return b.String()
}

// approvalPrompt asks the consensus electorate for the final verdict on
// a submission.
func approvalPrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString("# Final review: ")
	b.WriteString(t.Name)
	b.WriteString("\n\nTask type: ")
	b.WriteString(string(t.Type))
	b.WriteString("\n\n## Original instructions\n\n")
	b.WriteString(t.Payload)
	b.WriteString("\n\n## Submitted result\n\n")
	b.WriteString(t.Result)
	b.WriteString("\n\nJudge whether the result satisfies the instructions. ")
	b.WriteString("Respond with a single JSON envelope; decision APPROVE or REJECT.\n")
	return b.String()
}
