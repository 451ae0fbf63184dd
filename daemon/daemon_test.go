package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/internal/testutil"
	"github.com/droverhq/drover/task"
	"github.com/droverhq/drover/worker"
)

// flakyComponent fails its first n starts.
type flakyComponent struct {
	name     string
	failures int
	starts   int
	stops    int
}

func (f *flakyComponent) Name() string { return f.name }

func (f *flakyComponent) Start(ctx context.Context) error {
	f.starts++
	if f.starts <= f.failures {
		return assert.AnError
	}
	return nil
}

func (f *flakyComponent) Stop() { f.stops++ }

func testDaemonConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.Root = t.TempDir()
	require.NoError(t, cfg.EnsureLayout())
	return cfg
}

func newBareDaemon(t *testing.T, cfg *config.Config, components ...Component) (*Daemon, *event.Log) {
	t.Helper()
	conn := testutil.CreateTestDB(t)
	events, err := event.NewLog(conn, "")
	require.NoError(t, err)
	return &Daemon{
		cfg:            cfg,
		log:            zap.NewNop().Sugar(),
		conn:           conn,
		events:         events,
		controls:       budget.NewControls(conn),
		components:     components,
		maxRestarts:    3,
		restartBackoff: time.Millisecond,
	}, events
}

func TestStartComponentsRetriesThenSucceeds(t *testing.T) {
	cfg := testDaemonConfig(t)
	flaky := &flakyComponent{name: "intake", failures: 2}
	d, events := newBareDaemon(t, cfg, flaky)

	require.NoError(t, d.startComponents(context.Background()))
	assert.Equal(t, 3, flaky.starts)

	counts, err := events.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[event.ComponentRestart])
	assert.Zero(t, counts[event.ComponentFatal])
}

func TestStartComponentsFatalAfterBudget(t *testing.T) {
	cfg := testDaemonConfig(t)
	flaky := &flakyComponent{name: "pool", failures: 100}
	d, events := newBareDaemon(t, cfg, flaky)
	d.maxRestarts = 2

	err := d.startComponents(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, flaky.starts, "initial attempt plus two restarts")

	counts, err := events.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[event.ComponentRestart])
	assert.Equal(t, 1, counts[event.ComponentFatal])
}

func TestStopComponentsReverseOrder(t *testing.T) {
	cfg := testDaemonConfig(t)
	var order []string
	mk := func(name string) Component {
		return named(name,
			func(ctx context.Context) error { return nil },
			func() { order = append(order, name) })
	}
	d, _ := newBareDaemon(t, cfg, mk("first"), mk("second"), mk("third"))

	require.NoError(t, d.startComponents(context.Background()))
	assert.True(t, d.stopComponents())
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestSweeperReapsDeadWorker(t *testing.T) {
	cfg := testDaemonConfig(t)
	conn := testutil.CreateTestDB(t)
	events, err := event.NewLog(conn, "")
	require.NoError(t, err)
	tasks := task.NewStore(conn, events)
	registry := worker.NewRegistry(conn)

	workerID := worker.NewWorkerID()
	require.NoError(t, registry.Register(workerID, "", ""))

	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	require.NoError(t, tasks.Create(tk, "test"))
	claimed, err := tasks.Claim(workerID, "", "")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	s := newSweeper(cfg, tasks, registry, zap.NewNop().Sugar())
	s.pidAlive = func(pid int) bool { return false }
	s.Sweep()

	got, err := tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, got.State)
	assert.Empty(t, got.AssignedWorker)

	infos, err := registry.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, worker.StatusDead, infos[0].Status)

	counts, err := events.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[event.ZombieRecovered])
}

func TestSweeperLeavesLiveWorkersAlone(t *testing.T) {
	cfg := testDaemonConfig(t)
	conn := testutil.CreateTestDB(t)
	events, err := event.NewLog(conn, "")
	require.NoError(t, err)
	tasks := task.NewStore(conn, events)
	registry := worker.NewRegistry(conn)

	workerID := worker.NewWorkerID()
	require.NoError(t, registry.Register(workerID, "", ""))
	tk := task.New("t1", "t1", task.TypeGeneral, task.PriorityMedium, "body")
	require.NoError(t, tasks.Create(tk, "test"))
	_, err = tasks.Claim(workerID, "", "")
	require.NoError(t, err)

	s := newSweeper(cfg, tasks, registry, zap.NewNop().Sugar())
	s.pidAlive = func(pid int) bool { return true }
	s.Sweep()

	got, err := tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateRunning, got.State)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testDaemonConfig(t)
	d, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer d.Close()
	d.restartBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- d.Run(ctx) }()

	// Give the components a moment to come up, then pull the plug.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, ExitOK, code)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon never stopped")
	}

	counts, err := d.events.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[event.DaemonStarted])
	assert.Equal(t, 1, counts[event.DaemonStopped])
}

func TestBudgetKillSkipsStopEvent(t *testing.T) {
	cfg := testDaemonConfig(t)
	d, _ := newBareDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.requestKill("budget kill", cancel)
	assert.True(t, d.wasKilled())
	assert.Error(t, ctx.Err())
}

func TestPriceTableFromStrategy(t *testing.T) {
	cfg := &config.Config{}
	cfg.Delegate.Claude.InputUSDPer1K = 0.003
	cfg.Delegate.Claude.OutputUSDPer1K = 0.015

	table := priceTable(cfg)
	assert.Equal(t, 0.003, table["claude"].InputUSDPer1K)
	assert.Equal(t, 0.015, table["claude"].OutputUSDPer1K)
	assert.Zero(t, table["gemini"].InputUSDPer1K)
}
