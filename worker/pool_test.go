package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/delegate"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/internal/testutil"
	"github.com/droverhq/drover/task"
)

// scriptedRunner returns a fixed outcome, optionally after a delay or
// blocking until cancellation.
type scriptedRunner struct {
	env        *delegate.Envelope
	err        error
	delay      time.Duration
	blockOnCtx bool
}

func (s *scriptedRunner) Execute(ctx context.Context, req delegate.Request) (*delegate.Envelope, error) {
	if s.blockOnCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	env := *s.env
	return &env, nil
}

type stubPauser struct{ paused bool }

func (s *stubPauser) IsPaused() bool { return s.paused }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.Root = t.TempDir()
	cfg.Pool.Size = 1
	cfg.Pool.MinPollMS = 10
	cfg.Pool.MaxPollMS = 50
	cfg.Pool.ShutdownGraceS = 2
	cfg.Retry.BaseS = 60
	require.NoError(t, cfg.EnsureLayout())
	return cfg
}

func newTestPool(t *testing.T, cfg *config.Config, runner executor, controls pauser) (*Pool, *task.Store) {
	t.Helper()
	conn := testutil.CreateTestDB(t)
	events, err := event.NewLog(conn, "")
	require.NoError(t, err)
	tasks := task.NewStore(conn, events)
	registry := NewRegistry(conn)
	return newPool(cfg, tasks, registry, runner, controls, zap.NewNop().Sugar()), tasks
}

func waitForState(t *testing.T, tasks *task.Store, id string, want task.State) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := tasks.Get(id)
		require.NoError(t, err)
		if got.State == want {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, _ := tasks.Get(id)
	t.Fatalf("task %s never reached %s (stuck at %s)", id, want, got.State)
	return nil
}

func successEnvelope() *delegate.Envelope {
	return &delegate.Envelope{
		Model:      "claude",
		Status:     delegate.StatusSuccess,
		Decision:   delegate.DecisionApprove,
		Confidence: 0.9,
		Output:     "all done",
	}
}

func TestPoolExecutesTaskToReview(t *testing.T) {
	cfg := testConfig(t)
	pool, tasks := newTestPool(t, cfg, &scriptedRunner{env: successEnvelope()}, &stubPauser{})

	tk := task.New("t1", "hello", task.TypeGeneral, task.PriorityHigh, "write hello")
	require.NoError(t, tasks.Create(tk, "test"))

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	got := waitForState(t, tasks, "t1", task.StateReview)
	assert.Equal(t, "all done", got.Result)

	// Workspace moved to review/ with both artifacts.
	reviewDir := cfg.TaskDir("review", "t1")
	for _, name := range []string{taskArtifact, outputArtifact} {
		_, err := os.Stat(filepath.Join(reviewDir, name))
		assert.NoError(t, err, "missing %s", name)
	}
	_, err := os.Stat(cfg.TaskDir("running", "t1"))
	assert.True(t, os.IsNotExist(err))
}

func TestPoolRequeuesOnRetryableFailure(t *testing.T) {
	cfg := testConfig(t)
	runner := &scriptedRunner{err: errors.Wrap(errors.ErrTimeout, "delegate timed out")}
	pool, tasks := newTestPool(t, cfg, runner, &stubPauser{})

	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	require.NoError(t, tasks.Create(tk, "test"))

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	deadline := time.Now().Add(5 * time.Second)
	var got *task.Task
	for time.Now().Before(deadline) {
		var err error
		got, err = tasks.Get("t1")
		require.NoError(t, err)
		if got.RetryCount == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, got)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Equal(t, errors.KindTimeout, got.ErrorKind)
	// Backoff gates the next claim.
	require.NotNil(t, got.NotBefore)
	assert.True(t, got.NotBefore.After(time.Now()))
}

func TestPoolFailsTaskWhenRetriesSpent(t *testing.T) {
	cfg := testConfig(t)
	runner := &scriptedRunner{err: errors.Wrap(errors.ErrTransient, "io failed")}
	pool, tasks := newTestPool(t, cfg, runner, &stubPauser{})

	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	tk.MaxRetries = 0
	require.NoError(t, tasks.Create(tk, "test"))

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	got := waitForState(t, tasks, "t1", task.StateFailed)
	assert.Equal(t, errors.KindTransient, got.ErrorKind)
}

func TestPoolDoesNotClaimWhilePaused(t *testing.T) {
	cfg := testConfig(t)
	pool, tasks := newTestPool(t, cfg, &scriptedRunner{env: successEnvelope()}, &stubPauser{paused: true})

	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	require.NoError(t, tasks.Create(tk, "test"))

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	time.Sleep(300 * time.Millisecond)
	got, err := tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Empty(t, got.AssignedWorker)
}

func TestPoolReleasesClaimWhenDrainExpires(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.ShutdownGraceS = 1
	pool, tasks := newTestPool(t, cfg, &scriptedRunner{blockOnCtx: true}, &stubPauser{})

	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	require.NoError(t, tasks.Create(tk, "test"))

	require.NoError(t, pool.Start(context.Background()))
	waitForState(t, tasks, "t1", task.StateRunning)

	pool.Stop()

	got, err := tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Equal(t, 0, got.RetryCount, "released claims do not spend retries")
}

func TestStopDrainsInFlightTask(t *testing.T) {
	cfg := testConfig(t)
	runner := &scriptedRunner{env: successEnvelope(), delay: 300 * time.Millisecond}
	pool, tasks := newTestPool(t, cfg, runner, &stubPauser{})

	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	require.NoError(t, tasks.Create(tk, "test"))

	require.NoError(t, pool.Start(context.Background()))
	waitForState(t, tasks, "t1", task.StateRunning)

	// Stop lands inside the delegate call; the grace window lets it
	// finish and submit instead of being killed.
	pool.Stop()

	got, err := tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateReview, got.State)
	assert.Equal(t, "all done", got.Result)
}

func TestBoundWorkerClaimsModelAssignedTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.Size = 0
	cfg.Pool.Bindings = []config.PoolBinding{{Model: "claude", Count: 1}}
	pool, tasks := newTestPool(t, cfg, &scriptedRunner{env: successEnvelope()}, &stubPauser{})

	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	tk.AssignedModel = "claude"
	require.NoError(t, tasks.Create(tk, "test"))

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	got := waitForState(t, tasks, "t1", task.StateReview)
	assert.Equal(t, "all done", got.Result)

	infos, err := pool.registry.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "claude", infos[0].Model)
}

func TestPoolSkipsModelAssignedTask(t *testing.T) {
	cfg := testConfig(t)
	pool, tasks := newTestPool(t, cfg, &scriptedRunner{env: successEnvelope()}, &stubPauser{})

	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	tk.AssignedModel = "claude"
	require.NoError(t, tasks.Create(tk, "test"))

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	time.Sleep(300 * time.Millisecond)
	got, err := tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State, "a worker without a model never claims a model-assigned task")
}

func TestBuildPrompt(t *testing.T) {
	tk := task.New("t1", "refactor parser", task.TypeBugfix, task.PriorityHigh, "fix the thing")
	prompt := BuildPrompt(tk)
	assert.Contains(t, prompt, "refactor parser")
	assert.Contains(t, prompt, "BUGFIX")
	assert.Contains(t, prompt, "fix the thing")
	assert.NotContains(t, prompt, "Review feedback")

	tk.Feedback = "coverage too low"
	tk.RetryCount = 1
	prompt = BuildPrompt(tk)
	assert.Contains(t, prompt, "Review feedback")
	assert.Contains(t, prompt, "coverage too low")
	assert.Contains(t, prompt, "Attempt: 2")
}

func TestRegistryLifecycle(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	registry := NewRegistry(conn)

	id := NewWorkerID()
	assert.True(t, len(id) > 2 && id[:2] == "w-")

	require.NoError(t, registry.Register(id, "claude", "api"))
	require.NoError(t, registry.Heartbeat(id, Beat{Status: StatusBusy, TaskID: "t1", TaskType: "GENERAL"}))
	require.NoError(t, registry.TaskCompleted(id))
	require.NoError(t, registry.TaskCompleted(id))
	require.NoError(t, registry.TaskFailed(id))

	infos, err := registry.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, id, info.WorkerID)
	assert.Equal(t, StatusBusy, info.Status)
	assert.Equal(t, "t1", info.CurrentTask)
	assert.Equal(t, "claude", info.Model)
	assert.Equal(t, 2, info.TasksCompleted)
	assert.Equal(t, 1, info.TasksFailed)

	require.NoError(t, registry.Stopped(id))
	infos, err = registry.List()
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, infos[0].Status)
	assert.Empty(t, infos[0].CurrentTask)
}
