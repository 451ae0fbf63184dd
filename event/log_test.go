package event

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/internal/testutil"
	"github.com/droverhq/drover/redact"
)

func TestAppendAndListByTrace(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log, err := NewLog(conn, "")
	require.NoError(t, err)

	require.NoError(t, log.Append(New(TaskCreated, "intake", "t1", "tr-1", nil)))
	require.NoError(t, log.Append(New(TaskClaimed, "worker-1", "t1", "tr-1", map[string]interface{}{"worker": "worker-1"})))
	require.NoError(t, log.Append(New(TaskCreated, "intake", "t2", "tr-2", nil)))
	require.NoError(t, log.Append(New(TaskCompleted, "supervisor", "t1", "tr-1", nil)))

	events, err := log.ListByTrace("tr-1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Oldest first, ids monotonically increasing.
	assert.Equal(t, TaskCreated, events[0].Type)
	assert.Equal(t, TaskClaimed, events[1].Type)
	assert.Equal(t, TaskCompleted, events[2].Type)
	assert.Less(t, events[0].ID, events[1].ID)
	assert.Less(t, events[1].ID, events[2].ID)

	assert.Equal(t, "worker-1", events[1].Payload["worker"])
}

func TestAppendTxRollbackDiscardsEvent(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log, err := NewLog(conn, "")
	require.NoError(t, err)

	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, log.AppendTx(tx, New(TaskClaimed, "worker-1", "t1", "tr-1", nil)))
	require.NoError(t, tx.Rollback())

	events, err := log.ListByTask("t1")
	require.NoError(t, err)
	assert.Empty(t, events)

	tx, err = conn.Begin()
	require.NoError(t, err)
	require.NoError(t, log.AppendTx(tx, New(TaskClaimed, "worker-1", "t1", "tr-1", nil)))
	require.NoError(t, tx.Commit())

	events, err = log.ListByTask("t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TaskClaimed, events[0].Type)
}

func TestLast(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log, err := NewLog(conn, "")
	require.NoError(t, err)

	_, err = log.Last()
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, log.Append(New(DaemonStarted, "daemon", "", "", nil)))
	require.NoError(t, log.Append(New(BudgetKill, "budget-watchdog", "", "", map[string]interface{}{"rate_per_min": 1.5})))

	last, err := log.Last()
	require.NoError(t, err)
	assert.Equal(t, BudgetKill, last.Type)
	assert.Equal(t, 1.5, last.Payload["rate_per_min"])
}

func TestCountByType(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log, err := NewLog(conn, "")
	require.NoError(t, err)

	require.NoError(t, log.Append(New(TaskCreated, "intake", "t1", "tr-1", nil)))
	require.NoError(t, log.Append(New(TaskCreated, "intake", "t2", "tr-2", nil)))
	require.NoError(t, log.Append(New(TaskFailed, "worker-1", "t1", "tr-1", nil)))

	counts, err := log.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[TaskCreated])
	assert.Equal(t, 1, counts[TaskFailed])
}

func TestMirrorWritesMaskedJSONL(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	mirrorPath := filepath.Join(t.TempDir(), "events.log")

	log, err := NewLog(conn, mirrorPath)
	require.NoError(t, err)

	require.NoError(t, log.Append(New(DelegateFailure, "worker-1", "t1", "tr-1", map[string]interface{}{
		"error":  "call rejected: api_key=sk-live-FAKEFAKEFAKEFAKE0000",
		"stderr": "Authorization: Bearer abc123def456token",
	})))
	require.NoError(t, log.Append(New(TaskFailed, "worker-1", "t1", "tr-1", nil)))
	require.NoError(t, log.Close())

	f, err := os.Open(mirrorPath)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	for _, line := range lines {
		// Every line is valid JSON and survives a second mask pass
		// unchanged, meaning no secret pattern leaked through.
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		assert.Equal(t, line, redact.Mask(line))
	}
	assert.NotContains(t, lines[0], "sk-live-FAKEFAKEFAKEFAKE0000")
	assert.NotContains(t, lines[0], "abc123def456token")
	assert.Contains(t, lines[0], redact.Marker)
}

func TestMirrorSecretsNeverReachDatabase(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log, err := NewLog(conn, "")
	require.NoError(t, err)

	require.NoError(t, log.Append(New(DelegateFailure, "worker-1", "t1", "tr-1", map[string]interface{}{
		"error": "token=ghp_AAAAAAAAAAAAAAAAAAAA rejected",
	})))

	events, err := log.ListByTask("t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotContains(t, events[0].Payload["error"], "ghp_")
	assert.Contains(t, events[0].Payload["error"], redact.Marker)
}
