package delegate

import (
	"strings"

	"github.com/droverhq/drover/errors"
)

// Classify maps a failed call's stderr and exit error onto an error
// kind. Classification is pattern-based: delegates are opaque commands,
// so their diagnostics on stderr are the only signal available.
func Classify(stderr string, err error) string {
	if kind := errors.KindOf(err); err != nil && kind != errors.KindUnknown {
		return kind
	}

	combined := strings.ToLower(stderr)
	if err != nil {
		combined += " " + strings.ToLower(err.Error())
	}

	switch {
	case strings.Contains(combined, "rate limit"),
		strings.Contains(combined, "too many requests"),
		strings.Contains(combined, "429"):
		return errors.KindRateLimit

	case strings.Contains(combined, "unauthorized"),
		strings.Contains(combined, "invalid api key"),
		strings.Contains(combined, "authentication"),
		strings.Contains(combined, "401"),
		strings.Contains(combined, "403"):
		return errors.KindAuthError

	case strings.Contains(combined, "deadline exceeded"),
		strings.Contains(combined, "timed out"),
		strings.Contains(combined, "timeout"):
		return errors.KindTimeout

	case strings.Contains(combined, "model not found"),
		strings.Contains(combined, "unavailable"),
		strings.Contains(combined, "overloaded"),
		strings.Contains(combined, "503"):
		return errors.KindModelUnavailable

	case strings.Contains(combined, "connection"),
		strings.Contains(combined, "network"),
		strings.Contains(combined, "temporar"),
		strings.Contains(combined, "reset by peer"),
		strings.Contains(combined, "500"),
		strings.Contains(combined, "502"):
		return errors.KindTransient

	default:
		return errors.KindUnknown
	}
}

// Policy is one row of the retry matrix.
type Policy struct {
	MaxRetries int  // Retries of the same model before moving on
	Fallback   bool // Whether the chain rotates to the next model
	Fatal      bool // Whether the error ends the execution immediately
}

// PolicyFor returns the retry policy for a classified kind. Breaker
// effects are not encoded here; the invoker reports every failure to the
// breaker registry, which applies its own kind-specific rules.
func PolicyFor(kind string) Policy {
	switch kind {
	case errors.KindRateLimit:
		return Policy{MaxRetries: 3, Fallback: true}
	case errors.KindTimeout:
		return Policy{MaxRetries: 2, Fallback: true}
	case errors.KindModelUnavailable:
		return Policy{MaxRetries: 1, Fallback: true}
	case errors.KindTransient:
		return Policy{MaxRetries: 2, Fallback: false}
	case errors.KindAuthError:
		return Policy{Fatal: true}
	case errors.KindIntegrity:
		return Policy{Fatal: true}
	default: // unknown
		return Policy{MaxRetries: 0, Fallback: true}
	}
}
