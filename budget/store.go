package budget

import (
	"database/sql"
	"time"

	"github.com/droverhq/drover/errors"
)

// ModelSpend is an aggregate row for status displays.
type ModelSpend struct {
	Model    string
	Calls    int
	CostUSD  float64
	InTokens int
	OutTokens int
}

// DaySpend is a per-day aggregate row.
type DaySpend struct {
	Day     string
	Calls   int
	CostUSD float64
}

// Store serves spend aggregates from the cost_samples table.
type Store struct {
	db *sql.DB
}

// NewStore returns an aggregate reader bound to db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SpendByModel sums spend per model since the given time. Pass the zero
// time for all history.
func (s *Store) SpendByModel(since time.Time) ([]ModelSpend, error) {
	query := `
		SELECT model, COUNT(*), COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM cost_samples
	`
	args := []interface{}{}
	if !since.IsZero() {
		query += ` WHERE created_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` GROUP BY model ORDER BY model`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate spend by model")
	}
	defer rows.Close()

	var out []ModelSpend
	for rows.Next() {
		var m ModelSpend
		if err := rows.Scan(&m.Model, &m.Calls, &m.CostUSD, &m.InTokens, &m.OutTokens); err != nil {
			return nil, errors.Wrap(err, "failed to scan model spend")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "error iterating model spend")
}

// SpendByDay sums spend per calendar day over the last n days.
func (s *Store) SpendByDay(days int) ([]DaySpend, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.Query(`
		SELECT DATE(created_at), COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM cost_samples
		WHERE created_at >= ?
		GROUP BY DATE(created_at)
		ORDER BY DATE(created_at) DESC
	`, since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate spend by day")
	}
	defer rows.Close()

	var out []DaySpend
	for rows.Next() {
		var d DaySpend
		if err := rows.Scan(&d.Day, &d.Calls, &d.CostUSD); err != nil {
			return nil, errors.Wrap(err, "failed to scan day spend")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "error iterating day spend")
}

// SpendToday returns the running total for the current UTC day.
func (s *Store) SpendToday() (float64, error) {
	var total float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_samples
		WHERE DATE(created_at) = DATE('now')
	`).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum today's spend")
	}
	return total, nil
}
