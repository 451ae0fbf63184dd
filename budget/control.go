package budget

import (
	"database/sql"
	"time"

	"github.com/droverhq/drover/errors"
)

// Control table keys.
const (
	controlPaused      = "paused"
	controlPauseReason = "pause_reason"
)

// Pause reasons. Budget pauses supersede operator pauses: a SIGUSR2
// resume does not clear a budget pause, only the watchdog does.
const (
	PauseReasonBudget   = "budget"
	PauseReasonOperator = "operator"
)

// Controls persists the process-wide paused flag in the control table so
// pause state survives restarts and is observable across processes.
type Controls struct {
	db *sql.DB
}

// NewControls returns a control-flag accessor bound to db.
func NewControls(db *sql.DB) *Controls {
	return &Controls{db: db}
}

// Pause sets the paused flag with a reason. Idempotent.
func (c *Controls) Pause(reason string) error {
	if err := c.set(controlPaused, "true"); err != nil {
		return err
	}
	return c.set(controlPauseReason, reason)
}

// Resume clears the paused flag when the current reason matches. An
// operator resume cannot clear a budget pause.
func (c *Controls) Resume(reason string) error {
	paused, current, err := c.State()
	if err != nil {
		return err
	}
	if !paused {
		return nil
	}
	if current == PauseReasonBudget && reason != PauseReasonBudget {
		return errors.Wrapf(errors.ErrConflict,
			"pause held by budget watchdog; %s cannot resume it", reason)
	}
	if err := c.set(controlPaused, "false"); err != nil {
		return err
	}
	return c.set(controlPauseReason, "")
}

// State reports whether claims are paused and why.
func (c *Controls) State() (paused bool, reason string, err error) {
	var value string
	err = c.db.QueryRow(`SELECT value FROM control WHERE key = ?`, controlPaused).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", errors.Wrap(err, "failed to read pause flag")
	}
	if value != "true" {
		return false, "", nil
	}

	err = c.db.QueryRow(`SELECT value FROM control WHERE key = ?`, controlPauseReason).Scan(&reason)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return true, "", errors.Wrap(err, "failed to read pause reason")
	}
	return true, reason, nil
}

// IsPaused is the hot-path check workers make before every claim.
func (c *Controls) IsPaused() bool {
	paused, _, err := c.State()
	if err != nil {
		// Fail closed: a store we cannot read is no place to claim from.
		return true
	}
	return paused
}

func (c *Controls) set(key, value string) error {
	_, err := c.db.Exec(`
		INSERT INTO control (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return errors.Wrapf(err, "failed to set control key %s", key)
}
