package gates

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/redact"
)

// Reviewer supplies the multi-model verdict for EXE-009. The supervisor
// wires the consensus engine in; a nil reviewer leaves the check not
// configured.
type Reviewer interface {
	ReviewDiff(ctx context.Context, taskID, traceID, diff string) (approved bool, detail string, err error)
}

// Engine evaluates the check table against a workspace.
type Engine struct {
	cfg      *config.Config
	reviewer Reviewer
	log      *zap.SugaredLogger

	// checkTimeout bounds each tool-backed command.
	checkTimeout time.Duration
}

// NewEngine builds an engine. reviewer may be nil, which turns EXE-009
// into a configured-out SKIP.
func NewEngine(cfg *config.Config, reviewer Reviewer, log *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:          cfg,
		reviewer:     reviewer,
		log:          log.Named("gates"),
		checkTimeout: 10 * time.Minute,
	}
}

// Run evaluates every check against the workspace. The returned report
// always covers the full table; a check that cannot execute carries SKIP
// (or FAIL under the fail_blocking missing-tool policy) rather than
// being absent. An error means the engine itself could not run, which
// blocks approval outright.
func (e *Engine) Run(ctx context.Context, workspace, taskID, traceID string) (*Report, error) {
	manifest, err := LoadManifest(workspace)
	if err != nil {
		return nil, err
	}

	git, err := openWorkspaceRepo(workspace)
	if err != nil {
		return nil, err
	}

	disabled := make(map[string]bool, len(e.cfg.Gates.Disabled))
	for _, id := range e.cfg.Gates.Disabled {
		disabled[id] = true
	}

	report := newReport()
	for _, def := range checkTable {
		start := time.Now()
		var res Result
		switch {
		case disabled[def.ID]:
			res = Result{Verdict: Skip, Details: "disabled by config"}
		case isToolCheck(def.ID):
			res = e.runToolCheck(ctx, workspace, manifest, def.ID)
		case def.ID == CheckBreakingChanges:
			res = e.checkBreakingChanges(git)
		case def.ID == CheckMultiModel:
			res = e.runReview(ctx, git, taskID, traceID)
		case def.ID == CheckSize:
			res = e.checkDiffSize(git)
		case def.ID == CheckPerformance:
			res = e.checkPerformance(workspace)
		case def.ID == CheckCommitFormat:
			res = e.checkCommitFormat(git)
		}
		res.ID = def.ID
		res.Name = def.Name
		res.Blocking = def.Blocking
		res.Duration = time.Since(start)
		report.add(res)

		e.log.Debugw("Gate check evaluated",
			"task_id", taskID,
			"check", def.ID,
			"verdict", res.Verdict,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	return report, nil
}

func isToolCheck(id string) bool {
	for _, t := range toolChecks {
		if t == id {
			return true
		}
	}
	return false
}

// runToolCheck executes a manifest-bound command in the workspace. The
// command's exit status is the verdict; exit status is never masked by
// the engine.
func (e *Engine) runToolCheck(ctx context.Context, workspace string, manifest *Manifest, id string) Result {
	command := manifest.CommandFor(id, e.cfg.Gates.Commands)
	if command == "" {
		return Result{Verdict: Skip, Details: "not configured"}
	}

	argv, err := shellquote.Split(command)
	if err != nil || len(argv) == 0 {
		return Result{Verdict: Fail, Details: "malformed command: " + redact.Mask(command)}
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return e.missingTool(argv[0])
	}

	ctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workspace
	out, err := cmd.CombinedOutput()
	output := string(out)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Verdict: Fail, Details: "check timed out"}
		}
		return Result{Verdict: Fail, Details: firstLine(output)}
	}
	if id == CheckCoverage {
		return e.judgeCoverage(output)
	}
	return Result{Verdict: Pass}
}

// missingTool applies the configured policy for a check whose binary is
// absent from PATH.
func (e *Engine) missingTool(tool string) Result {
	if e.cfg.Gates.MissingToolPolicy == config.MissingToolSkip {
		return Result{Verdict: Skip, Details: "tool not found: " + tool}
	}
	return Result{Verdict: Fail, Details: "tool not found: " + tool}
}

// coveragePattern matches the last percentage a coverage command prints,
// e.g. "coverage: 84.2% of statements".
var coveragePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// judgeCoverage compares the reported percentage against the threshold.
// A clean exit with no recognizable percentage passes on exit status
// alone.
func (e *Engine) judgeCoverage(output string) Result {
	matches := coveragePattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return Result{Verdict: Pass, Details: "no coverage figure in output"}
	}
	pct, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return Result{Verdict: Pass, Details: "no coverage figure in output"}
	}
	threshold := float64(e.cfg.Gates.CoverageThresholdPct)
	if threshold <= 0 {
		threshold = 80
	}
	if pct < threshold {
		return Result{
			Verdict: Fail,
			Details: "coverage " + strconv.FormatFloat(pct, 'f', 1, 64) + "% below threshold",
		}
	}
	return Result{Verdict: Pass}
}

// runReview hands the workspace diff to the consensus reviewer. An empty
// diff has nothing to judge and passes; the same goes for a workspace
// with no git context.
func (e *Engine) runReview(ctx context.Context, git *workspaceRepo, taskID, traceID string) Result {
	if e.reviewer == nil {
		return Result{Verdict: Skip, Details: "not configured"}
	}
	if git == nil {
		return Result{Verdict: Pass, Details: "no git context"}
	}
	diff, err := git.headDiff()
	if err != nil {
		return Result{Verdict: Fail, Details: redact.Mask(err.Error())}
	}
	if strings.TrimSpace(diff) == "" {
		return Result{Verdict: Pass, Details: "empty diff"}
	}

	approved, detail, err := e.reviewer.ReviewDiff(ctx, taskID, traceID, diff)
	if err != nil {
		return Result{Verdict: Fail, Details: redact.Mask(err.Error())}
	}
	if !approved {
		return Result{Verdict: Fail, Details: detail}
	}
	return Result{Verdict: Pass, Details: detail}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return redact.Mask(s)
}
