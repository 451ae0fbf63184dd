// Package delegate runs external AI model processes under the single
// envelope contract: prompt on stdin, one JSON object on stdout.
//
// The invoker owns the resilience around a single call (breaker check,
// launch pacing, hard timeout, process-group kill, envelope validation,
// cost accounting); the runner owns the policy across calls (classified
// retry with backoff and the fallback chain).
package delegate

import (
	"encoding/json"

	"github.com/droverhq/drover/errors"
)

// Decisions a delegate may return.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
	DecisionAbstain = "ABSTAIN"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the JSON object a delegate prints on stdout. A payload
// that fails validation is an integrity error, never a success.
type Envelope struct {
	Model        string  `json:"model"`
	Status       string  `json:"status"`
	Decision     string  `json:"decision"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	Output       string  `json:"output"`
	TraceID      string  `json:"trace_id"`
	DurationMS   int     `json:"duration_ms"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// ParseEnvelope decodes and validates delegate stdout.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrapf(errors.ErrIntegrity, "envelope is not valid JSON: %v", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the schema's required fields and ranges.
func (e *Envelope) Validate() error {
	switch e.Status {
	case StatusSuccess, StatusError:
	default:
		return errors.Wrapf(errors.ErrIntegrity, "envelope status %q is not success|error", e.Status)
	}
	switch e.Decision {
	case DecisionApprove, DecisionReject, DecisionAbstain:
	default:
		return errors.Wrapf(errors.ErrIntegrity, "envelope decision %q is not APPROVE|REJECT|ABSTAIN", e.Decision)
	}
	if e.Confidence < 0.0 || e.Confidence > 1.0 {
		return errors.Wrapf(errors.ErrIntegrity, "envelope confidence %.3f outside [0,1]", e.Confidence)
	}
	if e.Model == "" {
		return errors.Wrap(errors.ErrIntegrity, "envelope missing model")
	}
	return nil
}
