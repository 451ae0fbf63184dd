package budget

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/testutil"
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

func testPrices() PriceTable {
	return PriceTable{
		"claude": {InputUSDPer1K: 0.003, OutputUSDPer1K: 0.015},
		"codex":  {InputUSDPer1K: 0.002, OutputUSDPer1K: 0.008},
	}
}

func newTestTracker(t *testing.T, clock *mockClock) (*Tracker, string) {
	t.Helper()
	conn := testutil.CreateTestDB(t)
	dir := t.TempDir()
	tracker, err := newTrackerWithClock(conn, testPrices(), dir, zap.NewNop().Sugar(), clock.Now)
	require.NoError(t, err)
	return tracker, dir
}

func TestCostFromPriceTable(t *testing.T) {
	tracker, _ := newTestTracker(t, newMockClock(time.Now()))

	// 1000 in + 2000 out on claude: 1*0.003 + 2*0.015
	assert.InDelta(t, 0.033, tracker.Cost("claude", 1000, 2000), 1e-9)
	// Unpriced models cost nothing rather than erroring.
	assert.Zero(t, tracker.Cost("gemini", 1000, 2000))
}

func TestRecordRequestFeedsWindowAndJournal(t *testing.T) {
	clock := newMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	tracker, dir := newTestTracker(t, clock)

	require.NoError(t, tracker.RecordRequest(Sample{
		Model:        "claude",
		TaskID:       "t1",
		TraceID:      "trace-1",
		InputTokens:  1000,
		OutputTokens: 2000,
		DurationMS:   4200,
	}))

	assert.InDelta(t, 0.033, tracker.SpendRatePerMinute(), 1e-9)

	// The journal holds one JSONL line in the day's file.
	f, err := os.Open(filepath.Join(dir, "2026-03-14.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var s Sample
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &s))
	assert.Equal(t, "claude", s.Model)
	assert.InDelta(t, 0.033, s.CostUSD, 1e-9)
	assert.False(t, scanner.Scan())
}

func TestSpendRateExpires(t *testing.T) {
	clock := newMockClock(time.Now().UTC())
	tracker, _ := newTestTracker(t, clock)

	require.NoError(t, tracker.RecordRequest(Sample{Model: "claude", InputTokens: 1000}))
	assert.Greater(t, tracker.SpendRatePerMinute(), 0.0)

	clock.Advance(61 * time.Second)
	assert.Zero(t, tracker.SpendRatePerMinute())
}

func TestWindowRebuildOnRestart(t *testing.T) {
	clock := newMockClock(time.Now().UTC())
	conn := testutil.CreateTestDB(t)
	dir := t.TempDir()

	first, err := newTrackerWithClock(conn, testPrices(), dir, zap.NewNop().Sugar(), clock.Now)
	require.NoError(t, err)
	require.NoError(t, first.RecordRequest(Sample{Model: "claude", OutputTokens: 2000}))

	// A second tracker over the same store sees the spend that just
	// happened; the watchdog is not blinded by a restart.
	second, err := newTrackerWithClock(conn, testPrices(), dir, zap.NewNop().Sugar(), clock.Now)
	require.NoError(t, err)
	assert.InDelta(t, first.SpendRatePerMinute(), second.SpendRatePerMinute(), 1e-9)
}

func TestSpendAggregates(t *testing.T) {
	clock := newMockClock(time.Now().UTC())
	conn := testutil.CreateTestDB(t)
	tracker, err := newTrackerWithClock(conn, testPrices(), t.TempDir(), zap.NewNop().Sugar(), clock.Now)
	require.NoError(t, err)

	require.NoError(t, tracker.RecordRequest(Sample{Model: "claude", InputTokens: 1000}))
	require.NoError(t, tracker.RecordRequest(Sample{Model: "claude", InputTokens: 1000}))
	require.NoError(t, tracker.RecordRequest(Sample{Model: "codex", InputTokens: 1000}))

	store := NewStore(conn)
	byModel, err := store.SpendByModel(time.Time{})
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	assert.Equal(t, "claude", byModel[0].Model)
	assert.Equal(t, 2, byModel[0].Calls)
	assert.InDelta(t, 0.006, byModel[0].CostUSD, 1e-9)

	today, err := store.SpendToday()
	require.NoError(t, err)
	assert.InDelta(t, 0.008, today, 1e-9)
}
