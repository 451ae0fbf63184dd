// Package intake bridges the file-system queue into the state store.
//
// Operators (or upstream tooling) drop task artifacts into
// tasks/queue/{CRITICAL,HIGH,MEDIUM,LOW}/<task_id>.task. The watcher
// scans the tree on a poll interval, with fsnotify wakeups between
// polls, and turns each artifact into a QUEUED task row. A successfully
// ingested artifact is deleted; a malformed one is moved aside with a
// .invalid suffix so the operator can inspect it.
package intake

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/redact"
	"github.com/droverhq/drover/task"
)

// ActorIntake is recorded on events the watcher emits.
const ActorIntake = "intake"

// artifactExt is the only extension the watcher ingests. Everything else
// in the queue tree is left alone.
const artifactExt = ".task"

// invalidSuffix marks a quarantined artifact.
const invalidSuffix = ".invalid"

// debouncePeriod coalesces bursts of fsnotify events into one rescan.
const debouncePeriod = 500 * time.Millisecond

// Watcher owns the queue tree.
type Watcher struct {
	cfg    *config.Config
	tasks  *task.Store
	events *event.Log
	log    *zap.SugaredLogger

	pollInterval time.Duration
	defaultMax   int

	wake chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher builds a watcher over the configured queue root.
func NewWatcher(cfg *config.Config, tasks *task.Store, events *event.Log, log *zap.SugaredLogger) *Watcher {
	poll := time.Duration(cfg.Queue.PollS) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	defaultMax := cfg.Task.MaxRetries
	if defaultMax <= 0 {
		defaultMax = 3
	}
	return &Watcher{
		cfg:          cfg,
		tasks:        tasks,
		events:       events,
		log:          log.Named("intake"),
		pollInterval: poll,
		defaultMax:   defaultMax,
		wake:         make(chan struct{}, 1),
	}
}

// Start launches the scan loop and the fsnotify listener. An initial
// scan runs immediately so artifacts dropped while the daemon was down
// are picked up before the first tick.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create queue watcher")
	}
	for _, p := range config.QueuePriorities {
		dir := w.cfg.QueueSubdir(p)
		if err := notifier.Add(dir); err != nil {
			notifier.Close()
			return errors.Wrapf(err, "failed to watch queue dir %s", dir)
		}
	}

	w.wg.Add(2)
	go w.notifyLoop(ctx, notifier)
	go w.scanLoop(ctx)

	w.log.Infow("Queue watcher started",
		"queue_dir", w.cfg.QueueDir(),
		"poll_interval", w.pollInterval,
	)
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Infow("Queue watcher stopped")
}

// notifyLoop turns fsnotify create/rename events into debounced wakeups.
func (w *Watcher) notifyLoop(ctx context.Context, notifier *fsnotify.Watcher) {
	defer w.wg.Done()
	defer notifier.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-notifier.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(ev.Name) != artifactExt {
				continue
			}
			w.scheduleWake()
		case err, ok := <-notifier.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Queue watcher error", "error", err)
		}
	}
}

// scheduleWake debounces rapid drops into a single rescan.
func (w *Watcher) scheduleWake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debouncePeriod, func() {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	})
}

// scanLoop rescans on every tick and on every wakeup.
func (w *Watcher) scanLoop(ctx context.Context) {
	defer w.wg.Done()

	w.scanOnce()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce()
		case <-w.wake:
			w.scanOnce()
		}
	}
}

func (w *Watcher) scanOnce() {
	if n, err := w.Scan(); err != nil {
		w.log.Errorw("Queue scan failed", "error", err)
	} else if n > 0 {
		w.log.Infow("Ingested queue artifacts", "count", n)
	}
}

// Scan walks every priority directory once, highest priority first, and
// ingests each .task artifact it finds. Returns the number of tasks
// created.
func (w *Watcher) Scan() (int, error) {
	ingested := 0
	for _, p := range config.QueuePriorities {
		dir := w.cfg.QueueSubdir(p)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return ingested, errors.Wrapf(err, "failed to read queue dir %s", dir)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != artifactExt {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			ok, err := w.ingest(path, p)
			if err != nil {
				w.log.Warnw("Failed to ingest artifact",
					"path", path,
					"error", redact.Mask(err.Error()),
				)
				continue
			}
			if ok {
				ingested++
			}
		}
	}
	return ingested, nil
}

// ingest turns one artifact into a task row and deletes the artifact.
// Returns false when the artifact was skipped or quarantined.
func (w *Watcher) ingest(path, dirPriority string) (bool, error) {
	name := filepath.Base(path)
	if redact.IsSensitivePath(strings.TrimSuffix(name, artifactExt)) {
		w.log.Warnw("Refusing to ingest sensitive artifact", "path", path)
		return false, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read artifact %s", path)
	}

	id := strings.TrimSuffix(name, artifactExt)
	fm, payload, err := SplitFrontMatter(string(raw))
	if err != nil {
		return false, w.quarantine(path, id, err)
	}

	t := w.buildTask(id, fm, payload, dirPriority, name)
	if err := w.tasks.Create(t, ActorIntake); err != nil {
		if errors.IsConflictError(err) {
			// Already ingested; the artifact is a leftover duplicate.
			w.log.Infow("Dropping duplicate artifact", "task_id", id)
			return false, os.Remove(path)
		}
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return true, errors.Wrapf(err, "failed to remove ingested artifact %s", path)
	}
	w.log.Infow("Task created from artifact",
		"task_id", t.ID,
		"type", t.Type,
		"priority", t.Priority,
		"trace_id", t.TraceID,
	)
	return true, nil
}

// buildTask assembles the task row from the artifact pieces. Priority
// comes from the parent directory, then a filename prefix, then MEDIUM.
func (w *Watcher) buildTask(id string, fm *FrontMatter, payload, dirPriority, filename string) *task.Task {
	priority, ok := task.ParsePriority(dirPriority)
	if !ok {
		priority = priorityFromFilename(filename)
	}

	taskName := fm.Name
	if taskName == "" {
		taskName = id
	}
	t := task.New(id, taskName, task.ParseType(fm.Type), priority, payload)
	t.AssignedModel = fm.Model
	t.Shard = fm.Shard
	t.Lane = fm.Lane
	if fm.MaxRetries > 0 {
		t.MaxRetries = fm.MaxRetries
	} else {
		t.MaxRetries = w.defaultMax
	}
	return t
}

// priorityFromFilename checks for a HIGH_foo.task style prefix. Files
// with no recognizable prefix default to MEDIUM.
func priorityFromFilename(filename string) task.Priority {
	stem := strings.TrimSuffix(filename, artifactExt)
	for _, sep := range []string{"_", "-"} {
		if prefix, _, found := strings.Cut(stem, sep); found {
			if p, ok := task.ParsePriority(prefix); ok {
				return p
			}
		}
	}
	return task.PriorityMedium
}

// quarantine moves a malformed artifact aside and records TASK_INVALID.
// The original parse error is returned so the scan log names the cause.
func (w *Watcher) quarantine(path, id string, cause error) error {
	aside := path + invalidSuffix
	if err := os.Rename(path, aside); err != nil {
		return errors.Wrapf(err, "failed to quarantine artifact %s", path)
	}
	e := event.New(event.TaskInvalid, ActorIntake, id, "", map[string]interface{}{
		"artifact": filepath.Base(aside),
		"error":    redact.Mask(cause.Error()),
	})
	if err := w.events.Append(e); err != nil {
		return err
	}
	w.log.Warnw("Quarantined malformed artifact",
		"task_id", id,
		"moved_to", aside,
		"error", redact.Mask(cause.Error()),
	)
	return cause
}
