// Package consensus aggregates verdicts from multiple delegate models
// into a single decision.
//
// All models are queried in parallel with one prompt. A model whose
// breaker is open abstains without being called and is not counted
// toward the electorate; if fewer models are callable than the quorum
// requires, the round yields NO_CONSENSUS and the caller escalates.
package consensus

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/delegate"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/redact"
)

// Decision values a round can produce.
const (
	DecisionApprove     = "APPROVE"
	DecisionReject      = "REJECT"
	DecisionAbstain     = "ABSTAIN"
	DecisionNoConsensus = "NO_CONSENSUS"
)

// maxParallel bounds the fan-out; the model set is small but a bound
// keeps a misconfigured chain from spawning unbounded subprocesses.
const maxParallel = 4

// Vote is one model's contribution to a round.
type Vote struct {
	Model      string  `json:"model"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Counted    bool    `json:"counted"`
	Error      string  `json:"error,omitempty"`
}

// Outcome is the aggregate of one round.
type Outcome struct {
	Decision string        `json:"decision"`
	Mode     string        `json:"mode"`
	Votes    []Vote        `json:"votes"`
	Callable int           `json:"callable"`
	Duration time.Duration `json:"duration_ms"`
}

// Approved reports whether the round settled on APPROVE.
func (o *Outcome) Approved() bool {
	return o.Decision == DecisionApprove
}

// Breakdown summarizes the votes for event payloads.
func (o *Outcome) Breakdown() map[string]interface{} {
	votes := make([]map[string]interface{}, 0, len(o.Votes))
	for _, v := range o.Votes {
		votes = append(votes, map[string]interface{}{
			"model":      v.Model,
			"decision":   v.Decision,
			"confidence": v.Confidence,
			"counted":    v.Counted,
		})
	}
	return map[string]interface{}{
		"decision": o.Decision,
		"mode":     o.Mode,
		"callable": o.Callable,
		"votes":    votes,
	}
}

// caller is the slice of the delegate invoker a round needs.
type caller interface {
	Invoke(ctx context.Context, req delegate.Request) (*delegate.Envelope, error)
	Available(model string) bool
}

// Engine runs consensus rounds over the configured model set.
type Engine struct {
	cfg     *config.Config
	invoker caller
	models  []string
	mode    string
	quorumK int
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewEngine builds an engine from config. Models default to the full
// known set, mode to majority, quorum to 2.
func NewEngine(cfg *config.Config, invoker *delegate.Invoker, log *zap.SugaredLogger) *Engine {
	return newEngine(cfg, invoker, log)
}

func newEngine(cfg *config.Config, invoker caller, log *zap.SugaredLogger) *Engine {
	models := cfg.Consensus.Models
	if len(models) == 0 {
		models = config.KnownModels()
	}
	mode := cfg.Consensus.Mode
	if mode == "" {
		mode = config.ConsensusMajority
	}
	quorumK := cfg.Consensus.QuorumK
	if quorumK <= 0 {
		quorumK = 2
	}
	return &Engine{
		cfg:     cfg,
		invoker: invoker,
		models:  models,
		mode:    mode,
		quorumK: quorumK,
		timeout: 5 * time.Minute,
		log:     log.Named("consensus"),
	}
}

// Decide polls every model in parallel and aggregates the verdicts under
// the configured mode. The outcome lists every vote, including abstentions
// from blocked models, so the event payload shows the full electorate.
func (e *Engine) Decide(ctx context.Context, taskID, traceID, prompt string) (*Outcome, error) {
	start := time.Now()

	votes := make([]Vote, len(e.models))
	callable := 0
	for i, model := range e.models {
		if !e.invoker.Available(model) {
			votes[i] = Vote{Model: model, Decision: DecisionAbstain, Counted: false}
			continue
		}
		callable++
		votes[i] = Vote{Model: model, Counted: true}
	}

	if callable < e.quorumK {
		e.log.Warnw("Consensus round cannot reach quorum",
			"task_id", taskID,
			"callable", callable,
			"quorum_k", e.quorumK,
		)
		return &Outcome{
			Decision: DecisionNoConsensus,
			Mode:     e.mode,
			Votes:    votes,
			Callable: callable,
			Duration: time.Since(start),
		}, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i := range votes {
		if !votes[i].Counted {
			continue
		}
		i := i
		g.Go(func() error {
			env, err := e.invoker.Invoke(gctx, delegate.Request{
				Model:    e.models[i],
				Prompt:   prompt,
				TaskType: "REVIEW_CODE",
				TaskID:   taskID,
				TraceID:  traceID,
				Timeout:  e.timeout,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// A failed call abstains rather than sinking the round.
				votes[i].Decision = DecisionAbstain
				votes[i].Error = redact.Mask(err.Error())
				return nil
			}
			votes[i].Decision = env.Decision
			votes[i].Confidence = env.Confidence
			votes[i].Reasoning = redact.Mask(env.Reasoning)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "consensus round failed")
	}

	outcome := &Outcome{
		Decision: e.aggregate(votes),
		Mode:     e.mode,
		Votes:    votes,
		Callable: callable,
		Duration: time.Since(start),
	}
	e.log.Infow("Consensus round settled",
		"task_id", taskID,
		"decision", outcome.Decision,
		"mode", e.mode,
		"callable", callable,
	)
	return outcome, nil
}

// aggregate folds counted votes into one decision per the mode.
func (e *Engine) aggregate(votes []Vote) string {
	switch e.mode {
	case config.ConsensusQuorum:
		return e.aggregateQuorum(votes)
	case config.ConsensusWeighted:
		return e.aggregateWeighted(votes)
	case config.ConsensusVeto:
		return aggregateVeto(votes)
	default:
		return aggregateMajority(votes)
	}
}

// aggregateMajority picks the most common decision; ties abstain.
func aggregateMajority(votes []Vote) string {
	counts := map[string]int{}
	for _, v := range votes {
		if v.Counted {
			counts[v.Decision]++
		}
	}
	type entry struct {
		decision string
		count    int
	}
	entries := make([]entry, 0, len(counts))
	for d, c := range counts {
		entries = append(entries, entry{d, c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].decision < entries[j].decision
	})
	if len(entries) == 0 {
		return DecisionAbstain
	}
	if len(entries) > 1 && entries[0].count == entries[1].count {
		return DecisionAbstain
	}
	return entries[0].decision
}

// aggregateQuorum approves on at least quorum_k APPROVE votes.
func (e *Engine) aggregateQuorum(votes []Vote) string {
	approvals := 0
	for _, v := range votes {
		if v.Counted && v.Decision == DecisionApprove {
			approvals++
		}
	}
	if approvals >= e.quorumK {
		return DecisionApprove
	}
	return DecisionReject
}

// aggregateWeighted sums weight-scaled confidences per decision; the
// highest sum wins and ties abstain.
func (e *Engine) aggregateWeighted(votes []Vote) string {
	sums := map[string]float64{}
	for _, v := range votes {
		if !v.Counted || v.Decision == DecisionAbstain {
			continue
		}
		confidence := v.Confidence
		if confidence == 0 {
			confidence = 0.5
		}
		sums[v.Decision] += confidence * e.cfg.WeightFor(v.Model)
	}
	best, bestSum := DecisionAbstain, 0.0
	tied := false
	for _, d := range []string{DecisionApprove, DecisionReject} {
		switch sum := sums[d]; {
		case sum > bestSum:
			best, bestSum, tied = d, sum, false
		case sum == bestSum && sum > 0:
			tied = true
		}
	}
	if tied || bestSum == 0 {
		return DecisionAbstain
	}
	return best
}

// aggregateVeto lets any single REJECT sink the round.
func aggregateVeto(votes []Vote) string {
	approved := false
	for _, v := range votes {
		if !v.Counted {
			continue
		}
		if v.Decision == DecisionReject {
			return DecisionReject
		}
		if v.Decision == DecisionApprove {
			approved = true
		}
	}
	if approved {
		return DecisionApprove
	}
	return DecisionAbstain
}
