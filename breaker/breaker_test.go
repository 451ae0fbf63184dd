package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/errors"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Test Case 1: Opens At Threshold
// Given: Breaker with failure_threshold=5
// When: 4 consecutive failures, then a 5th
// Then: Calls allowed through the 4th failure, refused after the 5th
func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newMockClock(time.Now())
	b := NewWithClock("claude", 5, 60*time.Second, clock.Now)

	for i := 0; i < 4; i++ {
		if !b.ShouldCall() {
			t.Fatalf("Call %d: breaker should still be closed", i+1)
		}
		b.RecordFailure(errors.KindTransient)
	}
	if !b.ShouldCall() {
		t.Fatal("breaker must stay closed below the threshold")
	}

	b.RecordFailure(errors.KindTransient)

	if b.ShouldCall() {
		t.Error("breaker must refuse calls once the threshold is reached")
	}
	if got := b.Snapshot().State; got != Open {
		t.Errorf("state = %s, want OPEN", got)
	}
}

// Test Case 2: Success Resets The Run
// Given: Breaker with failure_threshold=5 and 4 accumulated failures
// When: A success lands, then 4 more failures
// Then: The breaker stays closed (the run restarted from zero)
func TestBreaker_SuccessResetsRun(t *testing.T) {
	clock := newMockClock(time.Now())
	b := NewWithClock("claude", 5, 60*time.Second, clock.Now)

	for i := 0; i < 4; i++ {
		b.RecordFailure(errors.KindTransient)
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure(errors.KindTransient)
	}

	if !b.ShouldCall() {
		t.Error("breaker should be closed: failures were not consecutive")
	}
}

// Test Case 3: Cooldown Then Probe Closes
// Given: An open breaker with cooldown=60s
// When: 60s pass and the single probe succeeds
// Then: The breaker closes
func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := newMockClock(time.Now())
	b := NewWithClock("claude", 5, 60*time.Second, clock.Now)

	for i := 0; i < 5; i++ {
		b.RecordFailure(errors.KindTransient)
	}
	if b.ShouldCall() {
		t.Fatal("breaker should be open")
	}

	clock.Advance(59 * time.Second)
	if b.ShouldCall() {
		t.Fatal("cooldown has not elapsed yet")
	}

	clock.Advance(1 * time.Second)
	if !b.ShouldCall() {
		t.Fatal("cooldown elapsed: the probe must be admitted")
	}
	if got := b.Snapshot().State; got != HalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}

	b.RecordSuccess()
	if got := b.Snapshot().State; got != Closed {
		t.Errorf("state = %s, want CLOSED after probe success", got)
	}
	if !b.ShouldCall() {
		t.Error("closed breaker must admit calls")
	}
}

// Test Case 4: Probe Failure Reopens
// Given: A half-open breaker with one probe in flight
// When: The probe fails
// Then: The breaker reopens and a fresh cooldown starts
func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := newMockClock(time.Now())
	b := NewWithClock("claude", 5, 60*time.Second, clock.Now)

	for i := 0; i < 5; i++ {
		b.RecordFailure(errors.KindTransient)
	}
	clock.Advance(60 * time.Second)
	if !b.ShouldCall() {
		t.Fatal("probe should be admitted")
	}

	b.RecordFailure(errors.KindTransient)
	if got := b.Snapshot().State; got != Open {
		t.Fatalf("state = %s, want OPEN after probe failure", got)
	}

	// The cooldown restarted: still refused before another full wait.
	clock.Advance(30 * time.Second)
	if b.ShouldCall() {
		t.Error("breaker must hold the new cooldown after a failed probe")
	}
	clock.Advance(30 * time.Second)
	if !b.ShouldCall() {
		t.Error("second cooldown elapsed: probe must be admitted again")
	}
}

// Test Case 5: Single Probe In Flight
// Given: A breaker entering HALF_OPEN
// When: Two callers ask at once
// Then: Only the first is admitted until the probe resolves
func TestBreaker_SingleProbe(t *testing.T) {
	clock := newMockClock(time.Now())
	b := NewWithClock("claude", 5, 60*time.Second, clock.Now)

	for i := 0; i < 5; i++ {
		b.RecordFailure(errors.KindTransient)
	}
	clock.Advance(60 * time.Second)

	if !b.ShouldCall() {
		t.Fatal("first caller is the probe")
	}
	if b.ShouldCall() {
		t.Error("second caller must wait for the probe to resolve")
	}

	b.RecordSuccess()
	if !b.ShouldCall() {
		t.Error("after the probe closes the breaker, calls flow again")
	}
}

// Test Case 6: Auth Errors Are Neutral
// Given: A closed breaker
// When: Many auth_error failures are recorded
// Then: The breaker never opens
func TestBreaker_AuthErrorsNeutral(t *testing.T) {
	clock := newMockClock(time.Now())
	b := NewWithClock("claude", 5, 60*time.Second, clock.Now)

	for i := 0; i < 20; i++ {
		b.RecordFailure(errors.KindAuthError)
	}

	if !b.ShouldCall() {
		t.Error("auth errors must never open the breaker")
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
}

// Test Case 7: Model Unavailable Forces Open
// Given: A closed breaker with no prior failures
// When: One model_unavailable failure is recorded
// Then: The breaker is open immediately
func TestBreaker_ModelUnavailableForcesOpen(t *testing.T) {
	clock := newMockClock(time.Now())
	b := NewWithClock("gemini", 5, 60*time.Second, clock.Now)

	b.RecordFailure(errors.KindModelUnavailable)

	if b.ShouldCall() {
		t.Error("model_unavailable must force the breaker open")
	}
	if got := b.Snapshot().State; got != Open {
		t.Errorf("state = %s, want OPEN", got)
	}
}

func TestRegistry_PerModelIsolation(t *testing.T) {
	clock := newMockClock(time.Now())
	r := NewRegistryWithClock(5, 60*time.Second, clock.Now)

	for i := 0; i < 5; i++ {
		r.RecordFailure("claude", errors.KindTransient)
	}

	if r.ShouldCall("claude") {
		t.Error("claude's breaker should be open")
	}
	if !r.ShouldCall("codex") {
		t.Error("codex's breaker is independent and should be closed")
	}
}

func TestRegistry_AllBlocked(t *testing.T) {
	clock := newMockClock(time.Now())
	r := NewRegistryWithClock(5, 60*time.Second, clock.Now)
	chain := []string{"claude", "codex", "gemini"}

	if r.AllBlocked(chain) {
		t.Fatal("fresh breakers are all closed")
	}

	for _, model := range chain {
		r.RecordFailure(model, errors.KindModelUnavailable)
	}
	if !r.AllBlocked(chain) {
		t.Error("every breaker is open: the chain is blocked")
	}

	// AllBlocked must not consume the half-open probe slot.
	clock.Advance(60 * time.Second)
	if r.AllBlocked(chain) {
		t.Fatal("cooldowns elapsed: probes are available")
	}
	if !r.ShouldCall("claude") {
		t.Error("the probe slot must still be free after AllBlocked checks")
	}
}
