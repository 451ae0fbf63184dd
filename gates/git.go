package gates

import (
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/redact"
)

// workspaceRepo wraps the workspace's git repository for the in-process
// checks. A nil workspaceRepo means the workspace has no usable git
// context; the git-backed checks pass in that case.
type workspaceRepo struct {
	head   *object.Commit
	parent *object.Commit // nil for a root commit
}

// openWorkspaceRepo resolves HEAD and its first parent. Returns
// (nil, nil) when the directory is not a repository or has no commits.
func openWorkspaceRepo(workspace string) (*workspaceRepo, error) {
	repo, err := git.PlainOpen(workspace)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open workspace repository")
	}

	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve workspace HEAD")
	}
	head, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, errors.Wrap(err, "failed to load HEAD commit")
	}

	var parent *object.Commit
	if head.NumParents() > 0 {
		parent, err = head.Parent(0)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load parent commit")
		}
	}
	return &workspaceRepo{head: head, parent: parent}, nil
}

// headDiff renders the patch the HEAD commit introduced. A root commit
// diffs against the empty tree.
func (w *workspaceRepo) headDiff() (string, error) {
	headTree, err := w.head.Tree()
	if err != nil {
		return "", errors.Wrap(err, "failed to load HEAD tree")
	}
	var parentTree *object.Tree
	if w.parent != nil {
		parentTree, err = w.parent.Tree()
		if err != nil {
			return "", errors.Wrap(err, "failed to load parent tree")
		}
	}
	changes, err := object.DiffTree(parentTree, headTree)
	if err != nil {
		return "", errors.Wrap(err, "failed to diff workspace trees")
	}
	patch, err := changes.Patch()
	if err != nil {
		return "", errors.Wrap(err, "failed to render workspace patch")
	}
	return patch.String(), nil
}

// changedLines counts added plus deleted lines in the HEAD commit.
func (w *workspaceRepo) changedLines() (int, error) {
	stats, err := w.head.Stats()
	if err != nil {
		return 0, errors.Wrap(err, "failed to compute commit stats")
	}
	total := 0
	for _, fs := range stats {
		total += fs.Addition + fs.Deletion
	}
	return total, nil
}

// fileAt reads a file from a commit's tree, or "" when absent.
func fileAt(c *object.Commit, path string) (string, error) {
	if c == nil {
		return "", nil
	}
	f, err := c.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	reader, err := f.Reader()
	if err != nil {
		return "", err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// breakingMarkers document an intentional break in the commit message.
var breakingMarkers = []string{"BREAKING CHANGE", "BREAKING-CHANGE"}

// checkBreakingChanges compares the VERSION file across the HEAD commit.
// A major version bump must be documented in the commit message with a
// breaking-change marker or a conventional-commit "!" flag. A workspace
// without version context passes.
func (e *Engine) checkBreakingChanges(w *workspaceRepo) Result {
	if w == nil {
		return Result{Verdict: Pass, Details: "no git context"}
	}

	current, err := fileAt(w.head, "VERSION")
	if err != nil {
		return Result{Verdict: Fail, Details: redact.Mask(err.Error())}
	}
	previous, err := fileAt(w.parent, "VERSION")
	if err != nil {
		return Result{Verdict: Fail, Details: redact.Mask(err.Error())}
	}
	if current == "" || previous == "" {
		return Result{Verdict: Pass, Details: "no version context"}
	}

	cur, err := semver.NewVersion(current)
	if err != nil {
		return Result{Verdict: Pass, Details: "unparseable VERSION: " + current}
	}
	prev, err := semver.NewVersion(previous)
	if err != nil {
		return Result{Verdict: Pass, Details: "unparseable previous VERSION: " + previous}
	}

	if cur.Major() <= prev.Major() {
		return Result{Verdict: Pass}
	}
	if isBreakDocumented(w.head.Message) {
		return Result{Verdict: Pass, Details: "major bump documented"}
	}
	return Result{
		Verdict: Fail,
		Details: "undocumented major version bump " + prev.String() + " -> " + cur.String(),
	}
}

func isBreakDocumented(message string) bool {
	for _, marker := range breakingMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	// feat(scope)!: style flag on the subject line.
	subject, _, _ := strings.Cut(message, "\n")
	if before, _, found := strings.Cut(subject, ":"); found && strings.HasSuffix(strings.TrimSpace(before), "!") {
		return true
	}
	return false
}

// checkDiffSize warns when the HEAD commit changed more lines than the
// configured limit. Advisory only.
func (e *Engine) checkDiffSize(w *workspaceRepo) Result {
	if w == nil {
		return Result{Verdict: Pass, Details: "no git context"}
	}
	lines, err := w.changedLines()
	if err != nil {
		return Result{Verdict: Skip, Details: redact.Mask(err.Error())}
	}
	limit := e.cfg.Gates.MaxDiffLines
	if limit <= 0 {
		limit = 1500
	}
	if lines > limit {
		return Result{
			Verdict: Warn,
			Details: strconv.Itoa(lines) + " changed lines exceed limit of " + strconv.Itoa(limit),
		}
	}
	return Result{Verdict: Pass}
}

// conventionalPattern matches "type(scope)!: subject" commit subjects.
var conventionalPattern = regexp.MustCompile(
	`^(feat|fix|docs|style|refactor|perf|test|build|ci|chore|revert)(\([^)]+\))?!?: .+`)

// checkCommitFormat warns when the HEAD commit subject does not follow
// the conventional-commits form. Advisory only.
func (e *Engine) checkCommitFormat(w *workspaceRepo) Result {
	if w == nil {
		return Result{Verdict: Pass, Details: "no git context"}
	}
	subject, _, _ := strings.Cut(w.head.Message, "\n")
	subject = strings.TrimSpace(subject)
	if conventionalPattern.MatchString(subject) {
		return Result{Verdict: Pass}
	}
	return Result{Verdict: Warn, Details: "non-conventional subject: " + redact.Mask(subject)}
}
