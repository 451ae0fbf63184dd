// Package budget meters delegate spend and enforces the rate ceilings
// that keep an unattended pipeline from burning money.
//
// Every delegate call lands here as a cost sample: a row in the
// cost_samples table, a line in the per-day JSONL journal under
// state/costs/, and an entry in the in-memory 60-second window the
// watchdog reads. The watchdog pauses claims when spend crosses the soft
// rate and kills the daemon when it crosses the hard rate.
package budget

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/errors"
)

// Pricing is the per-model token price entry from the strategy table.
type Pricing struct {
	InputUSDPer1K  float64
	OutputUSDPer1K float64
}

// PriceTable maps model name to its pricing. Models missing from the
// table cost nothing, which keeps the tracker usable before prices are
// configured.
type PriceTable map[string]Pricing

// Sample is one delegate call's worth of spend.
type Sample struct {
	Model        string    `json:"model"`
	TaskType     string    `json:"task_type,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   int       `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Tracker records cost samples and serves the windowed spend rate.
type Tracker struct {
	db         *sql.DB
	prices     PriceTable
	journalDir string
	window     *Window
	log        *zap.SugaredLogger

	mu      sync.Mutex // Serializes journal appends
	timeNow func() time.Time
}

// NewTracker creates a tracker that journals to journalDir and rebuilds
// its rate window from the trailing minute of cost_samples, so a restart
// cannot blind the watchdog to spend that just happened.
func NewTracker(db *sql.DB, prices PriceTable, journalDir string, log *zap.SugaredLogger) (*Tracker, error) {
	return newTrackerWithClock(db, prices, journalDir, log, time.Now)
}

func newTrackerWithClock(db *sql.DB, prices PriceTable, journalDir string, log *zap.SugaredLogger, timeNow func() time.Time) (*Tracker, error) {
	if err := os.MkdirAll(journalDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create cost journal directory")
	}
	t := &Tracker{
		db:         db,
		prices:     prices,
		journalDir: journalDir,
		window:     NewWindowWithClock(timeNow),
		log:        log,
		timeNow:    timeNow,
	}
	if err := t.rebuildWindow(); err != nil {
		return nil, err
	}
	return t, nil
}

// Cost computes the dollar cost of a call from its token counts and the
// model's price table entry.
func (t *Tracker) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := t.prices[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*p.InputUSDPer1K +
		float64(outputTokens)/1000*p.OutputUSDPer1K
}

// RecordRequest persists one cost sample. The table write is
// authoritative; the journal line is best-effort and only logged on
// failure, since losing a mirror line must not fail the delegate call
// that produced it.
func (t *Tracker) RecordRequest(s Sample) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = t.timeNow().UTC()
	}
	if s.CostUSD == 0 {
		s.CostUSD = t.Cost(s.Model, s.InputTokens, s.OutputTokens)
	}

	_, err := t.db.Exec(`
		INSERT INTO cost_samples (model, task_type, task_id, trace_id,
			input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Model, s.TaskType, s.TaskID, s.TraceID,
		s.InputTokens, s.OutputTokens, s.CostUSD, s.DurationMS, s.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to record cost sample")
	}

	t.window.Add(s.CreatedAt, s.CostUSD)

	if err := t.appendJournal(s); err != nil {
		t.log.Warnw("Failed to append cost journal", "error", err, "model", s.Model)
	}
	return nil
}

// SpendRatePerMinute returns the rolling spend over the trailing minute.
func (t *Tracker) SpendRatePerMinute() float64 {
	return t.window.RatePerMinute()
}

// appendJournal writes the sample as one JSONL line in the day's file.
func (t *Tracker) appendJournal(s Sample) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := filepath.Join(t.journalDir, s.CreatedAt.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open cost journal")
	}
	defer f.Close()

	line, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "failed to marshal cost sample")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "failed to write cost journal")
	}
	return nil
}

// rebuildWindow reloads the trailing minute of samples after a restart.
func (t *Tracker) rebuildWindow() error {
	cutoff := t.timeNow().UTC().Add(-60 * time.Second)
	rows, err := t.db.Query(`
		SELECT cost_usd, created_at FROM cost_samples
		WHERE created_at > ?
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return errors.Wrap(err, "failed to rebuild cost window")
	}
	defer rows.Close()

	for rows.Next() {
		var cost float64
		var at time.Time
		if err := rows.Scan(&cost, &at); err != nil {
			return errors.Wrap(err, "failed to scan cost sample")
		}
		t.window.Add(at, cost)
	}
	return errors.Wrap(rows.Err(), "error iterating cost samples")
}
