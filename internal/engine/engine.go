package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/etna/internal/mempool"
	"github.com/seantiz/etna/internal/model"
	"github.com/seantiz/etna/internal/script"
	"github.com/seantiz/etna/internal/store"
)

const (
	// DefaultHookInterval is the instruction count between cancellation checks.
	DefaultHookInterval = 10

	// DefaultStopWait bounds how long Execute waits for a cancelled script to
	// actually stop before queueing the replacement anyway.
	DefaultStopWait = 5 * time.Second

	// DefaultPollInterval is how often Execute re-checks whether the current
	// script has stopped.
	DefaultPollInterval = 10 * time.Millisecond
)

// Config holds the engine's tunables. Zero values take the package defaults.
type Config struct {
	Pool         mempool.Config
	HookInterval int
	StopWait     time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HookInterval <= 0 {
		c.HookInterval = DefaultHookInterval
	}
	if c.StopWait <= 0 {
		c.StopWait = DefaultStopWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Module is a native capability attached to every fresh interpreter instance.
// Modules are attached in registration order so later modules can rely on
// earlier ones.
type Module interface {
	Name() string
	Attach(inst script.Instance) error
}

type job struct {
	runID  string
	source string
}

// Engine runs scripts one at a time on a dedicated worker goroutine.
//
// Execute replaces whatever is queued: there is a single pending slot, and a
// newer submission supersedes an older one that has not started. If a script
// is currently running it is cancelled cooperatively and Execute waits, up to
// StopWait, for it to stop before queueing its replacement. Each run gets a
// fresh interpreter instance and a fresh allocator pool; nothing leaks from
// one script to the next.
type Engine struct {
	cfg    Config
	interp script.Interpreter
	store  store.Store
	logger *slog.Logger
	broker *OutputBroker

	mu      sync.Mutex
	modules []Module
	pending *job
	token   script.CancelToken

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}

	running      atomic.Bool
	pool         atomic.Pointer[mempool.Pool]
	currentRunID atomic.Pointer[string]

	cbMu    sync.Mutex
	onError func(runID string, err error)
	onStop  func(runID string)
}

// New creates an engine and starts its worker goroutine. The store may be nil
// when run records are not wanted.
func New(cfg Config, interp script.Interpreter, s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg.withDefaults(),
		interp: interp,
		store:  s,
		logger: logger,
		broker: NewOutputBroker(),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.worker()
	return e
}

// Broker returns the engine's script output broker.
func (e *Engine) Broker() *OutputBroker {
	return e.broker
}

// RegisterModule adds a native module. It applies to runs started after the
// call; the currently running script is unaffected.
func (e *Engine) RegisterModule(m Module) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modules = append(e.modules, m)
}

// OnError sets the callback invoked from the worker goroutine when a run
// fails. The callback runs before the worker picks up the next script, so it
// must not block on Execute.
func (e *Engine) OnError(fn func(runID string, err error)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onError = fn
}

// OnStop sets the callback invoked from the worker goroutine after every run,
// whatever the outcome.
func (e *Engine) OnStop(fn func(runID string)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onStop = fn
}

// IsRunning reports whether a script is executing right now.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// CurrentRunID returns the ID of the most recently started run, or "" if
// nothing has run yet.
func (e *Engine) CurrentRunID() string {
	if id := e.currentRunID.Load(); id != nil {
		return *id
	}
	return ""
}

// PoolStats returns allocator statistics for the most recent run, or zeroes
// if nothing has run yet.
func (e *Engine) PoolStats() mempool.Stats {
	if p := e.pool.Load(); p != nil {
		return p.Stats()
	}
	return mempool.Stats{}
}

// Execute submits source for execution and returns the run ID. If a script is
// running it is cancelled first and Execute waits, bounded by StopWait, for
// it to stop. A previously queued script that never started is superseded and
// recorded as failed.
func (e *Engine) Execute(ctx context.Context, source string) (string, error) {
	id := model.NewID()

	if e.store != nil {
		run := &model.Run{
			ID:        id,
			Status:    model.StatusPending,
			CodeSize:  len(source),
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.CreateRun(ctx, run); err != nil {
			return "", fmt.Errorf("create run: %w", err)
		}
	}

	if e.running.Load() {
		e.token.Cancel()
		if !e.waitStopped() {
			e.logger.Warn("script did not stop within wait budget, queueing anyway",
				"run_id", id, "stop_wait", e.cfg.StopWait)
			stopWaitTimeouts.Inc()
		}
	}

	e.mu.Lock()
	superseded := e.pending
	e.pending = &job{runID: id, source: source}
	e.mu.Unlock()

	if superseded != nil {
		e.finishSuperseded(superseded)
	}

	select {
	case e.signal <- struct{}{}:
	default:
	}

	return id, nil
}

// Stop requests cancellation of the currently running script. It returns
// immediately; the script stops at its next instruction hook. A script that
// never yields cannot be stopped.
func (e *Engine) Stop() {
	if e.running.Load() {
		e.token.Cancel()
	}
}

// Close shuts down the worker. The current script is cancelled; Close waits
// for the worker to exit.
func (e *Engine) Close() {
	e.token.Cancel()
	close(e.quit)
	<-e.done
}

// waitStopped polls until the current script stops or StopWait elapses.
func (e *Engine) waitStopped() bool {
	deadline := time.Now().Add(e.cfg.StopWait)
	for time.Now().Before(deadline) {
		if !e.running.Load() {
			return true
		}
		time.Sleep(e.cfg.PollInterval)
	}
	return !e.running.Load()
}

func (e *Engine) finishSuperseded(j *job) {
	runsTotal.WithLabelValues(model.StatusFailed).Inc()
	if e.store == nil {
		return
	}
	now := time.Now().UTC()
	run := &model.Run{
		ID:         j.runID,
		Status:     model.StatusFailed,
		Error:      "superseded before start",
		FinishedAt: &now,
	}
	if err := e.store.FinishRun(context.Background(), run); err != nil {
		e.logger.Error("failed to record superseded run", "run_id", j.runID, "error", err)
	}
}

func (e *Engine) worker() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case <-e.signal:
			for {
				j := e.takePending()
				if j == nil {
					break
				}
				e.runJob(j)
			}
		}
	}
}

// takePending claims the queued job. The running flag is raised here, before
// the interpreter instance is constructed, so an Execute or Stop arriving
// while modules attach still cancels the run that is about to start.
func (e *Engine) takePending() *job {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.pending
	e.pending = nil
	if j != nil {
		e.token.Reset()
		e.running.Store(true)
	}
	return j
}

// runJob executes one script start to finish: fresh pool, fresh interpreter
// instance, modules attached in order, then classification and callbacks.
// The running flag is cleared before callbacks fire so that an Execute issued
// from outside during a callback sees the engine as idle.
func (e *Engine) runJob(j *job) {
	logger := e.logger.With("run_id", j.runID)
	e.currentRunID.Store(&j.runID)
	defer e.broker.Close(j.runID)

	if e.store != nil {
		if err := e.store.UpdateRunStatus(context.Background(), j.runID, model.StatusRunning); err != nil {
			logger.Error("failed to transition to running", "error", err)
		}
	}

	e.mu.Lock()
	mods := slices.Clone(e.modules)
	e.mu.Unlock()

	pool := mempool.New(e.cfg.Pool)
	e.pool.Store(pool)

	start := time.Now().UTC()
	status := model.StatusCompleted
	var runErr error

	inst, err := e.interp.New(pool)
	if err != nil {
		status = model.StatusFailed
		runErr = fmt.Errorf("create interpreter: %w", err)
	} else {
		for _, m := range mods {
			if err := m.Attach(inst); err != nil {
				status = model.StatusFailed
				runErr = fmt.Errorf("attach module %s: %w", m.Name(), err)
				break
			}
		}
		if runErr == nil {
			inst.SetInstructionHook(e.cfg.HookInterval, runtime.Gosched)
			err = inst.Run(j.source, &e.token)
			status, runErr = classify(err)
		}
		inst.Destroy()
	}
	e.running.Store(false)

	now := time.Now().UTC()
	durationMS := int(now.Sub(start).Milliseconds())
	stats := pool.Stats()

	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(now.Sub(start).Seconds())
	poolPeakBytes.Set(float64(stats.Peak))

	switch status {
	case model.StatusFailed:
		logger.Warn("script failed", "error", runErr, "duration_ms", durationMS)
	case model.StatusStopped:
		logger.Info("script stopped", "duration_ms", durationMS)
	default:
		logger.Debug("script completed", "duration_ms", durationMS, "peak_bytes", stats.Peak)
	}

	if e.store != nil {
		run := &model.Run{
			ID:         j.runID,
			Status:     status,
			DurationMS: &durationMS,
			PeakBytes:  &stats.Peak,
			StartedAt:  &start,
			FinishedAt: &now,
		}
		if runErr != nil {
			run.Error = runErr.Error()
		}
		if err := e.store.FinishRun(context.Background(), run); err != nil {
			logger.Error("failed to finish run", "error", err)
		}
	}

	e.cbMu.Lock()
	onError, onStop := e.onError, e.onStop
	e.cbMu.Unlock()

	if status == model.StatusFailed && onError != nil {
		onError(j.runID, runErr)
	}
	if onStop != nil {
		onStop(j.runID)
	}
}

// classify maps a script run result to a terminal run status.
func classify(err error) (string, error) {
	switch {
	case err == nil:
		return model.StatusCompleted, nil
	case errors.Is(err, script.ErrInterrupted):
		return model.StatusStopped, nil
	default:
		return model.StatusFailed, err
	}
}
