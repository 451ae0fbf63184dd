package supervisor

import (
	"context"
	"strconv"
	"strings"

	"github.com/droverhq/drover/consensus"
)

// ConsensusReviewer adapts a consensus round to the multi-model review
// gate: the workspace diff is put before the electorate and the gate
// passes only on an APPROVE outcome.
type ConsensusReviewer struct {
	engine decider
}

// NewConsensusReviewer wraps a consensus engine for gate reviews.
func NewConsensusReviewer(engine *consensus.Engine) *ConsensusReviewer {
	return &ConsensusReviewer{engine: engine}
}

// ReviewDiff runs one consensus round over the diff.
func (r *ConsensusReviewer) ReviewDiff(ctx context.Context, taskID, traceID, diff string) (bool, string, error) {
	outcome, err := r.engine.Decide(ctx, taskID, traceID, reviewPrompt(diff))
	if err != nil {
		return false, "", err
	}
	return outcome.Approved(), voteTally(outcome), nil
}

// voteTally renders the round as "APPROVE 2/3 (majority)".
func voteTally(outcome *consensus.Outcome) string {
	counted := 0
	agreeing := 0
	for _, v := range outcome.Votes {
		if !v.Counted {
			continue
		}
		counted++
		if v.Decision == outcome.Decision {
			agreeing++
		}
	}
	var b strings.Builder
	b.WriteString(outcome.Decision)
	b.WriteString(" ")
	b.WriteString(strconv.Itoa(agreeing))
	b.WriteString("/")
	b.WriteString(strconv.Itoa(counted))
	b.WriteString(" (")
	b.WriteString(outcome.Mode)
	b.WriteString(")")
	return b.String()
}

func reviewPrompt(diff string) string {
	var b strings.Builder
	b.WriteString("# Code review\n\n")
	b.WriteString("Review the following change for correctness, safety, and fit. ")
	b.WriteString("Respond with a single JSON envelope; decision APPROVE or REJECT.\n\n")
	b.WriteString("```diff\n")
	b.WriteString(diff)
	if !strings.HasSuffix(diff, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")
	return b.String()
}
