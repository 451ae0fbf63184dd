package delegate

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/droverhq/drover/breaker"
	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/redact"
)

// Request describes a single delegate call.
type Request struct {
	Model    string
	Prompt   string
	TaskType string
	TaskID   string
	TraceID  string
	Timeout  time.Duration
}

// modelRuntime is the resolved strategy entry for one model.
type modelRuntime struct {
	argv    []string
	env     []string
	limiter *budget.Limiter
}

// Invoker executes delegate processes. One invoker is shared by the
// whole pool; per-model serialization happens inside the breaker
// registry and the pacing limiters.
type Invoker struct {
	models   map[string]*modelRuntime
	breakers *breaker.Registry
	tracker  *budget.Tracker
	events   *event.Log
	log      *zap.SugaredLogger
}

// NewInvoker builds the per-model strategy table from configuration.
// Models that are disabled or have no command are left out of the table
// and behave as unavailable.
func NewInvoker(cfg *config.Config, breakers *breaker.Registry, tracker *budget.Tracker, events *event.Log, log *zap.SugaredLogger) (*Invoker, error) {
	models := make(map[string]*modelRuntime)
	for _, name := range config.KnownModels() {
		mc, _ := cfg.Delegate.Model(name)
		if !mc.Enabled || mc.Command == "" {
			continue
		}
		argv, err := shellquote.Split(mc.Command)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse delegate command for %s", name)
		}
		models[name] = &modelRuntime{
			argv:    argv,
			env:     scrubbedEnv(mc.EnvPassthrough),
			limiter: budget.NewLimiter(mc.MaxCallsPerMinute),
		}
	}
	return &Invoker{
		models:   models,
		breakers: breakers,
		tracker:  tracker,
		events:   events,
		log:      log.Named("delegate"),
	}, nil
}

// Available reports whether a model is configured and its breaker admits
// calls right now.
func (i *Invoker) Available(model string) bool {
	if _, ok := i.models[model]; !ok {
		return false
	}
	return i.breakers.ShouldCall(model)
}

// Invoke runs one delegate call end to end. Every outcome is accounted:
// the breaker hears about success or classified failure, the cost
// tracker records whatever token counts came back, and a
// DELEGATE_SUCCESS or DELEGATE_FAILURE event lands in the log.
func (i *Invoker) Invoke(ctx context.Context, req Request) (*Envelope, error) {
	rt, ok := i.models[req.Model]
	if !ok {
		return nil, errors.Wrapf(errors.ErrModelUnavailable, "model %s is not configured", req.Model)
	}
	if !i.breakers.ShouldCall(req.Model) {
		return nil, errors.Wrapf(errors.ErrModelUnavailable, "circuit breaker open for %s", req.Model)
	}

	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	// A launch slot that never opens inside the task timeout is a rate
	// limit, not a timeout: the model was never called.
	if err := rt.limiter.Wait(callCtx); err != nil {
		i.accountFailure(req, errors.KindRateLimit, "launch pacing window exhausted", 0, nil)
		return nil, err
	}

	start := time.Now()
	stdout, stderr, runErr := i.runProcess(callCtx, rt, req)
	durationMS := int(time.Since(start).Milliseconds())

	if runErr != nil {
		kind := Classify(stderr, runErr)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = errors.KindTimeout
		}
		i.accountFailure(req, kind, stderr, durationMS, nil)
		if sentinel := errors.SentinelFor(kind); sentinel != nil {
			return nil, errors.Wrapf(sentinel, "delegate %s failed: %s",
				req.Model, redact.Mask(firstLine(stderr)))
		}
		return nil, errors.Wrapf(runErr, "delegate %s failed", req.Model)
	}

	env, err := ParseEnvelope(stdout)
	if err != nil {
		i.accountFailure(req, errors.KindIntegrity, err.Error(), durationMS, nil)
		return nil, err
	}

	if env.Status != StatusSuccess {
		kind := Classify(stderr+" "+env.Reasoning, nil)
		i.accountFailure(req, kind, env.Reasoning, durationMS, env)
		if sentinel := errors.SentinelFor(kind); sentinel != nil {
			return nil, errors.Wrapf(sentinel, "delegate %s returned error envelope", req.Model)
		}
		return nil, errors.Newf("delegate %s returned error envelope: %s",
			req.Model, redact.Mask(firstLine(env.Reasoning)))
	}

	i.breakers.RecordSuccess(req.Model)
	i.recordCost(req, env, durationMS)
	i.appendEvent(event.DelegateSuccess, req, map[string]interface{}{
		"model":       req.Model,
		"decision":    env.Decision,
		"confidence":  env.Confidence,
		"duration_ms": durationMS,
	})
	return env, nil
}

// runProcess spawns the delegate in its own process group with the
// prompt on stdin and a scrubbed environment. On context expiry the
// whole group is killed, so a delegate that forked children cannot
// outlive its call.
func (i *Invoker) runProcess(ctx context.Context, rt *modelRuntime, req Request) (stdout []byte, stderr string, err error) {
	args := append(append([]string{}, rt.argv[1:]...),
		"--timeout", strconv.Itoa(int(req.Timeout.Seconds())),
		"--trace-id", req.TraceID,
	)
	cmd := exec.Command(rt.argv[0], args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = rt.env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, "", errors.Wrapf(errors.ErrModelUnavailable, "failed to start delegate: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		// Negative pid signals the process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return outBuf.Bytes(), errBuf.String(),
			errors.Wrapf(errors.ErrTimeout, "delegate killed after %s", req.Timeout)
	case waitErr := <-done:
		if waitErr != nil {
			return outBuf.Bytes(), errBuf.String(),
				errors.Wrapf(waitErr, "delegate exited with error")
		}
		return outBuf.Bytes(), errBuf.String(), nil
	}
}

// baseEnvPrefixes is the environment a delegate inherits by default.
// Anything else, credentials included, must be named explicitly in
// delegate.<model>.env_passthrough.
var baseEnvPrefixes = []string{
	"PATH=", "HOME=", "USER=", "LOGNAME=", "SHELL=",
	"LANG=", "LC_", "TERM=", "TMPDIR=", "TZ=", "XDG_",
}

// scrubbedEnv builds the child environment: the base set plus the named
// passthrough variables.
func scrubbedEnv(passthrough []string) []string {
	allowed := make(map[string]bool, len(passthrough))
	for _, name := range passthrough {
		allowed[name] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if allowed[name] {
			env = append(env, kv)
			continue
		}
		for _, prefix := range baseEnvPrefixes {
			if strings.HasPrefix(kv, prefix) {
				env = append(env, kv)
				break
			}
		}
	}
	return env
}

// accountFailure reports a failed call to the breaker, the cost tracker
// and the event log. env may be nil when no envelope came back.
func (i *Invoker) accountFailure(req Request, kind, detail string, durationMS int, env *Envelope) {
	i.breakers.RecordFailure(req.Model, kind)
	i.recordCost(req, env, durationMS)
	i.appendEvent(event.DelegateFailure, req, map[string]interface{}{
		"model":       req.Model,
		"kind":        kind,
		"error":       redact.Mask(firstLine(detail)),
		"duration_ms": durationMS,
	})
	i.log.Warnw("Delegate call failed",
		"model", req.Model,
		"task_id", req.TaskID,
		"kind", kind,
		"error", redact.Mask(firstLine(detail)))
}

func (i *Invoker) recordCost(req Request, env *Envelope, durationMS int) {
	sample := budget.Sample{
		Model:      req.Model,
		TaskType:   req.TaskType,
		TaskID:     req.TaskID,
		TraceID:    req.TraceID,
		DurationMS: durationMS,
	}
	if env != nil {
		sample.InputTokens = env.InputTokens
		sample.OutputTokens = env.OutputTokens
		if env.DurationMS > 0 {
			sample.DurationMS = env.DurationMS
		}
	}
	if err := i.tracker.RecordRequest(sample); err != nil {
		i.log.Errorw("Failed to record cost sample", "model", req.Model, "error", err)
	}
}

func (i *Invoker) appendEvent(t event.Type, req Request, payload map[string]interface{}) {
	if err := i.events.Append(event.New(t, "delegate:"+req.Model, req.TaskID, req.TraceID, payload)); err != nil {
		i.log.Errorw("Failed to append delegate event", "type", string(t), "error", err)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
