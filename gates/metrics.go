package gates

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/redact"
)

// Workspace-relative metric files for TRK-011. Both are flat maps of
// metric name to number; higher is worse (latencies, allocations, binary
// size).
const (
	metricsFile  = ".drover/metrics.yaml"
	baselineFile = ".drover/baseline.yaml"
)

// checkPerformance compares the workspace metrics against the committed
// baseline. A metric that grew by more than gates.perf_regression_pct is
// a regression. Advisory only; a workspace without both files skips.
func (e *Engine) checkPerformance(workspace string) Result {
	current, ok, err := loadMetrics(filepath.Join(workspace, metricsFile))
	if err != nil {
		return Result{Verdict: Skip, Details: redact.Mask(err.Error())}
	}
	if !ok {
		return Result{Verdict: Skip, Details: "no metrics recorded"}
	}
	baseline, ok, err := loadMetrics(filepath.Join(workspace, baselineFile))
	if err != nil {
		return Result{Verdict: Skip, Details: redact.Mask(err.Error())}
	}
	if !ok {
		return Result{Verdict: Skip, Details: "no baseline recorded"}
	}

	allowedPct := e.cfg.Gates.PerfRegressionPct
	if allowedPct <= 0 {
		allowedPct = 10.0
	}

	for name, base := range baseline {
		cur, ok := current[name]
		if !ok || base <= 0 {
			continue
		}
		growthPct := (cur - base) / base * 100
		if growthPct > allowedPct {
			return Result{
				Verdict: Warn,
				Details: name + " regressed " +
					strconv.FormatFloat(growthPct, 'f', 1, 64) + "% over baseline",
			}
		}
	}
	return Result{Verdict: Pass}
}

func loadMetrics(path string) (map[string]float64, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	metrics := make(map[string]float64)
	if err := yaml.Unmarshal(data, &metrics); err != nil {
		return nil, false, err
	}
	return metrics, true, nil
}
