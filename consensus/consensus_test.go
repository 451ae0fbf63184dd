package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/delegate"
	"github.com/droverhq/drover/errors"
)

// fakeInvoker returns a scripted envelope per model.
type fakeInvoker struct {
	envelopes map[string]*delegate.Envelope
	errs      map[string]error
	blocked   map[string]bool
}

func (f *fakeInvoker) Available(model string) bool {
	return !f.blocked[model]
}

func (f *fakeInvoker) Invoke(_ context.Context, req delegate.Request) (*delegate.Envelope, error) {
	if err := f.errs[req.Model]; err != nil {
		return nil, err
	}
	if env := f.envelopes[req.Model]; env != nil {
		return env, nil
	}
	return &delegate.Envelope{
		Model:      req.Model,
		Status:     delegate.StatusSuccess,
		Decision:   delegate.DecisionApprove,
		Confidence: 0.8,
	}, nil
}

func vote(model, decision string, confidence float64) *delegate.Envelope {
	return &delegate.Envelope{
		Model:      model,
		Status:     delegate.StatusSuccess,
		Decision:   decision,
		Confidence: confidence,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, fake *fakeInvoker) *Engine {
	t.Helper()
	if fake.blocked == nil {
		fake.blocked = map[string]bool{}
	}
	return newEngine(cfg, fake, zap.NewNop().Sugar())
}

func TestMajorityApproves(t *testing.T) {
	fake := &fakeInvoker{envelopes: map[string]*delegate.Envelope{
		"claude": vote("claude", delegate.DecisionApprove, 0.9),
		"codex":  vote("codex", delegate.DecisionApprove, 0.7),
		"gemini": vote("gemini", delegate.DecisionReject, 0.8),
	}}
	e := newTestEngine(t, &config.Config{}, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, out.Decision)
	assert.True(t, out.Approved())
	assert.Equal(t, 3, out.Callable)
	assert.Len(t, out.Votes, 3)
}

func TestMajorityTieAbstains(t *testing.T) {
	fake := &fakeInvoker{
		envelopes: map[string]*delegate.Envelope{
			"claude": vote("claude", delegate.DecisionApprove, 0.9),
			"codex":  vote("codex", delegate.DecisionReject, 0.9),
		},
		blocked: map[string]bool{"gemini": true},
	}
	e := newTestEngine(t, &config.Config{}, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionAbstain, out.Decision)
	assert.Equal(t, 2, out.Callable)
}

func TestBlockedModelAbstainsUncounted(t *testing.T) {
	fake := &fakeInvoker{
		envelopes: map[string]*delegate.Envelope{
			"claude": vote("claude", delegate.DecisionApprove, 0.9),
			"codex":  vote("codex", delegate.DecisionApprove, 0.9),
		},
		blocked: map[string]bool{"gemini": true},
	}
	e := newTestEngine(t, &config.Config{}, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, out.Decision)

	var gemini Vote
	for _, v := range out.Votes {
		if v.Model == "gemini" {
			gemini = v
		}
	}
	assert.Equal(t, DecisionAbstain, gemini.Decision)
	assert.False(t, gemini.Counted)
}

func TestNoConsensusBelowQuorum(t *testing.T) {
	fake := &fakeInvoker{blocked: map[string]bool{"claude": true, "codex": true}}
	e := newTestEngine(t, &config.Config{}, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionNoConsensus, out.Decision)
	assert.Equal(t, 1, out.Callable)
}

func TestQuorumMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Consensus.Mode = config.ConsensusQuorum
	cfg.Consensus.QuorumK = 2

	fake := &fakeInvoker{envelopes: map[string]*delegate.Envelope{
		"claude": vote("claude", delegate.DecisionApprove, 0.9),
		"codex":  vote("codex", delegate.DecisionReject, 0.9),
		"gemini": vote("gemini", delegate.DecisionReject, 0.9),
	}}
	e := newTestEngine(t, cfg, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, out.Decision)

	fake.envelopes["codex"] = vote("codex", delegate.DecisionApprove, 0.6)
	out, err = e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, out.Decision)
}

func TestWeightedMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Consensus.Mode = config.ConsensusWeighted
	cfg.Consensus.Weights = map[string]float64{"claude": 3.0}

	// One heavy APPROVE outweighs two light REJECTs.
	fake := &fakeInvoker{envelopes: map[string]*delegate.Envelope{
		"claude": vote("claude", delegate.DecisionApprove, 0.9),
		"codex":  vote("codex", delegate.DecisionReject, 0.8),
		"gemini": vote("gemini", delegate.DecisionReject, 0.8),
	}}
	e := newTestEngine(t, cfg, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, out.Decision)
}

func TestVetoMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Consensus.Mode = config.ConsensusVeto

	fake := &fakeInvoker{envelopes: map[string]*delegate.Envelope{
		"claude": vote("claude", delegate.DecisionApprove, 0.95),
		"codex":  vote("codex", delegate.DecisionApprove, 0.95),
		"gemini": vote("gemini", delegate.DecisionReject, 0.51),
	}}
	e := newTestEngine(t, cfg, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, out.Decision)
}

func TestFailedCallAbstains(t *testing.T) {
	fake := &fakeInvoker{
		envelopes: map[string]*delegate.Envelope{
			"claude": vote("claude", delegate.DecisionApprove, 0.9),
			"codex":  vote("codex", delegate.DecisionApprove, 0.9),
		},
		errs: map[string]error{"gemini": errors.ErrTimeout},
	}
	e := newTestEngine(t, &config.Config{}, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, out.Decision)

	var gemini Vote
	for _, v := range out.Votes {
		if v.Model == "gemini" {
			gemini = v
		}
	}
	assert.Equal(t, DecisionAbstain, gemini.Decision)
	assert.NotEmpty(t, gemini.Error)
	assert.True(t, gemini.Counted, "a failed call still spends its seat")
}

func TestBreakdownPayload(t *testing.T) {
	fake := &fakeInvoker{}
	e := newTestEngine(t, &config.Config{}, fake)

	out, err := e.Decide(context.Background(), "t1", "tr1", "judge this")
	require.NoError(t, err)

	payload := out.Breakdown()
	assert.Equal(t, DecisionApprove, payload["decision"])
	assert.Equal(t, 3, payload["callable"])
	votes, ok := payload["votes"].([]map[string]interface{})
	require.True(t, ok)
	assert.Len(t, votes, 3)
}
