package errors

import "context"

// Error kinds classify failures for retry policy, breaker accounting and
// event payloads. Kinds are stable strings, not Go types: they cross
// process boundaries in events and task rows.
const (
	KindValidation       = "validation"
	KindNotFound         = "not_found"
	KindConflict         = "conflict"
	KindTimeout          = "timeout"
	KindRateLimit        = "rate_limit"
	KindAuthError        = "auth_error"
	KindModelUnavailable = "model_unavailable"
	KindTransient        = "transient"
	KindBudgetExceeded   = "budget_exceeded"
	KindIntegrity        = "integrity"
	KindUnknown          = "unknown"
)

// SentinelFor is the inverse of KindOf: it returns the sentinel error
// for a kind so classified failures can be rebuilt as error chains.
// Unknown kinds return nil; callers wrap a plain error instead.
func SentinelFor(kind string) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindTimeout:
		return ErrTimeout
	case KindRateLimit:
		return ErrRateLimit
	case KindAuthError:
		return ErrAuth
	case KindModelUnavailable:
		return ErrModelUnavailable
	case KindTransient:
		return ErrTransient
	case KindBudgetExceeded:
		return ErrBudgetExceeded
	case KindIntegrity:
		return ErrIntegrity
	default:
		return nil
	}
}

// KindOf maps an error chain onto its kind. Unrecognized errors are
// KindUnknown, which the retry policy treats as non-retryable.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrAuth):
		return KindAuthError
	case Is(err, ErrRateLimit):
		return KindRateLimit
	case Is(err, ErrTimeout), Is(err, context.DeadlineExceeded):
		return KindTimeout
	case Is(err, ErrModelUnavailable):
		return KindModelUnavailable
	case Is(err, ErrTransient):
		return KindTransient
	case Is(err, ErrIntegrity):
		return KindIntegrity
	case Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case Is(err, ErrValidation):
		return KindValidation
	case Is(err, ErrNotFound):
		return KindNotFound
	case Is(err, ErrConflict):
		return KindConflict
	default:
		return KindUnknown
	}
}
