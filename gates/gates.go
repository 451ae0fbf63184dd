// Package gates runs the quality checks a workspace must clear before a
// task's output is accepted.
//
// Twelve checks with stable ids: EXE-001..EXE-009 are blocking, the
// TRK-01x checks are advisory. Tool-backed checks read their commands
// from the workspace manifest .drover/gates.toml with the global
// gates.commands table as fallback; git-backed checks read the workspace
// repository in-process and never shell out.
package gates

import (
	"time"
)

// Verdict is the outcome of one check.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
	Skip Verdict = "SKIP"
	Warn Verdict = "WARN"
)

// Check ids. The numeric ids are stable and appear in events, feedback
// blocks and gate manifests.
const (
	CheckTestSuite       = "EXE-001"
	CheckCoverage        = "EXE-002"
	CheckLint            = "EXE-003"
	CheckTypeCheck       = "EXE-004"
	CheckSecurityScan    = "EXE-005"
	CheckBuild           = "EXE-006"
	CheckDependencyAudit = "EXE-007"
	CheckBreakingChanges = "EXE-008"
	CheckMultiModel      = "EXE-009"
	CheckSize            = "TRK-010"
	CheckPerformance     = "TRK-011"
	CheckCommitFormat    = "TRK-012"
)

// definition describes one check in the fixed table.
type definition struct {
	ID       string
	Name     string
	Blocking bool
}

// checkTable in evaluation order. Tool-backed checks run first so cheap
// structural failures surface before a consensus round is spent.
var checkTable = []definition{
	{CheckTestSuite, "Test suite", true},
	{CheckCoverage, "Coverage", true},
	{CheckLint, "Lint", true},
	{CheckTypeCheck, "Type check", true},
	{CheckSecurityScan, "Security scan", true},
	{CheckBuild, "Build", true},
	{CheckDependencyAudit, "Dependency audit", true},
	{CheckBreakingChanges, "Breaking changes", true},
	{CheckMultiModel, "Multi-model review", true},
	{CheckSize, "Size check", false},
	{CheckPerformance, "Performance", false},
	{CheckCommitFormat, "Commit format", false},
}

// toolChecks are the ids resolved through the command manifest.
var toolChecks = []string{
	CheckTestSuite, CheckCoverage, CheckLint, CheckTypeCheck,
	CheckSecurityScan, CheckBuild, CheckDependencyAudit,
}

// IsBlocking reports whether a failing check prevents approval.
func IsBlocking(id string) bool {
	for _, d := range checkTable {
		if d.ID == id {
			return d.Blocking
		}
	}
	return false
}

// CheckIDs returns every check id in evaluation order.
func CheckIDs() []string {
	ids := make([]string, len(checkTable))
	for i, d := range checkTable {
		ids[i] = d.ID
	}
	return ids
}

// Result is one check's outcome.
type Result struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Verdict  Verdict       `json:"verdict"`
	Blocking bool          `json:"blocking"`
	Details  string        `json:"details,omitempty"`
	Duration time.Duration `json:"duration_ms,omitempty"`
}

// Report is a full engine run, keyed by check id and kept in evaluation
// order for rendering.
type Report struct {
	Results map[string]Result `json:"results"`
	Order   []string          `json:"order"`
}

func newReport() *Report {
	return &Report{
		Results: make(map[string]Result, len(checkTable)),
		Order:   make([]string, 0, len(checkTable)),
	}
}

func (r *Report) add(res Result) {
	r.Results[res.ID] = res
	r.Order = append(r.Order, res.ID)
}

// BlockingFailures returns blocking checks that failed, in order.
func (r *Report) BlockingFailures() []Result {
	var out []Result
	for _, id := range r.Order {
		res := r.Results[id]
		if res.Blocking && res.Verdict == Fail {
			out = append(out, res)
		}
	}
	return out
}

// Approved reports whether no blocking check failed.
func (r *Report) Approved() bool {
	return len(r.BlockingFailures()) == 0
}

// Passed reports whether the named checks all carry a PASS verdict.
// Missing checks count as not passed.
func (r *Report) Passed(ids ...string) bool {
	for _, id := range ids {
		if res, ok := r.Results[id]; !ok || res.Verdict != Pass {
			return false
		}
	}
	return true
}

// Summary returns per-verdict counts for event payloads.
func (r *Report) Summary() map[string]int {
	counts := make(map[string]int, 4)
	for _, res := range r.Results {
		counts[string(res.Verdict)]++
	}
	return counts
}
