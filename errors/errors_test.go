package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestNewf(t *testing.T) {
	err := Newf("error: %s %d", "test", 42)
	require.NotNil(t, err)
	assert.Equal(t, "error: test 42", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWrapPreservesSentinelKind(t *testing.T) {
	err := Wrap(ErrConflict, "transition QUEUED->RUNNING raced")
	err = Wrapf(err, "task %s", "t-123")

	assert.True(t, Is(err, ErrConflict))
	assert.False(t, Is(err, ErrNotFound))
	assert.True(t, IsConflictError(err))
}

func TestSentinelPredicates(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		predicate func(error) bool
	}{
		{"not found", Wrap(ErrNotFound, "task t-1"), IsNotFoundError},
		{"conflict", Wrap(ErrConflict, "stale state"), IsConflictError},
		{"timeout", Wrap(ErrTimeout, "delegate call"), IsTimeoutError},
		{"auth", Wrap(ErrAuth, "api key rejected"), IsAuthError},
		{"budget", Wrap(ErrBudgetExceeded, "rate 1.5/min"), IsBudgetExceededError},
		{"integrity", Wrap(ErrIntegrity, "bad envelope"), IsIntegrityError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.predicate(tc.err))
			assert.False(t, tc.predicate(New("unrelated")))
			assert.False(t, tc.predicate(nil))
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrValidation, ErrConflict, ErrTimeout,
		ErrRateLimit, ErrAuth, ErrModelUnavailable, ErrTransient,
		ErrBudgetExceeded, ErrIntegrity,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, Is(a, b), "sentinel %v must not match %v", a, b)
		}
	}
}

type customError struct {
	msg string
}

func (e *customError) Error() string {
	return e.msg
}

func TestAs(t *testing.T) {
	original := &customError{msg: "custom"}
	wrapped := Wrap(original, "wrapped")

	var target *customError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "custom", target.msg)
}

func TestWithHint(t *testing.T) {
	err := New("error")
	withHint := WithHint(err, "try this fix")

	hints := GetAllHints(withHint)
	require.Len(t, hints, 1)
	assert.Equal(t, "try this fix", hints[0])
}

func TestWithDetail(t *testing.T) {
	err := New("error")
	withDetail := WithDetail(err, "detailed information")

	details := GetAllDetails(withDetail)
	require.Len(t, details, 1)
	assert.Equal(t, "detailed information", details[0])
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("task %s missing", "t-9")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "task t-9 missing")
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("priority %q unknown", "URGENT")
	assert.True(t, Is(err, ErrValidation))
	assert.Contains(t, err.Error(), `priority "URGENT" unknown`)
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")

	// Format with stack trace
	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithStack(nil))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func TestErrorChaining(t *testing.T) {
	base := ErrModelUnavailable

	err := Wrap(base, "claude breaker open")
	err = WithHint(err, "check delegate credentials")
	err = WithDetail(err, "chain exhausted after 3 models")
	err = Wrap(err, "invoke failed")

	// Should preserve all context
	assert.True(t, Is(err, base))
	assert.Contains(t, err.Error(), "invoke failed")
	assert.Contains(t, err.Error(), "claude breaker open")

	hints := GetAllHints(err)
	assert.Contains(t, hints, "check delegate credentials")

	details := GetAllDetails(err)
	assert.Contains(t, details, "chain exhausted after 3 models")
}

func ExampleWrap() {
	baseErr := New("connection failed")
	err := Wrap(baseErr, "failed to open state store")
	fmt.Println(err)
	// Output: failed to open state store: connection failed
}
