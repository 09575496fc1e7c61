package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/etna/internal/engine"
	"github.com/seantiz/etna/internal/model"
	"github.com/seantiz/etna/internal/script"
	"github.com/seantiz/etna/internal/script/scripttest"
	"github.com/seantiz/etna/internal/store"
)

func newTestEngine(t *testing.T, cfg engine.Config) (*engine.Engine, *scripttest.Interpreter, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	interp := scripttest.New()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.New(cfg, interp, s, logger)
	return eng, interp, s
}

// waitForStatus polls the store until the run reaches the expected terminal
// status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status == expected {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func waitRunning(t *testing.T, eng *engine.Engine, want bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if eng.IsRunning() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("IsRunning did not become %v within %v", want, timeout)
}

func TestExecuteHappyPath(t *testing.T) {
	eng, interp, s := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	id, err := eng.Execute(context.Background(), "print hello\nspin 5")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	r := waitForStatus(t, s, id, model.StatusCompleted, 2*time.Second)
	if r.DurationMS == nil {
		t.Error("DurationMS not set")
	}
	if r.StartedAt == nil || r.FinishedAt == nil {
		t.Error("StartedAt/FinishedAt not set")
	}
	if r.Error != "" {
		t.Errorf("Error = %q, want empty", r.Error)
	}

	insts := interp.Instances()
	if len(insts) != 1 {
		t.Fatalf("len(instances) = %d, want 1", len(insts))
	}
	out := insts[0].Output()
	if len(out) != 1 || out[0] != "hello" {
		t.Errorf("output = %v, want [hello]", out)
	}
	if !insts[0].Destroyed() {
		t.Error("instance not destroyed after run")
	}
}

func TestExecuteRecordsFailure(t *testing.T) {
	eng, _, s := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	id, err := eng.Execute(context.Background(), "fail boom")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	r := waitForStatus(t, s, id, model.StatusFailed, 2*time.Second)
	if !strings.Contains(r.Error, "boom") {
		t.Errorf("Error = %q, want it to mention boom", r.Error)
	}
}

func TestStopCancelsRunningScript(t *testing.T) {
	eng, _, s := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	id, err := eng.Execute(context.Background(), "loop")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitRunning(t, eng, true, 2*time.Second)

	eng.Stop()

	waitForStatus(t, s, id, model.StatusStopped, 2*time.Second)
	waitRunning(t, eng, false, 2*time.Second)
}

func TestExecuteCancelsCurrentThenRunsNext(t *testing.T) {
	eng, _, s := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	var order []string
	done := make(chan string, 2)
	eng.OnStop(func(runID string) { done <- runID })

	first, err := eng.Execute(context.Background(), "loop")
	if err != nil {
		t.Fatalf("Execute first: %v", err)
	}
	waitRunning(t, eng, true, 2*time.Second)

	second, err := eng.Execute(context.Background(), "print takeover")
	if err != nil {
		t.Fatalf("Execute second: %v", err)
	}

	for range 2 {
		select {
		case id := <-done:
			order = append(order, id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for runs to finish")
		}
	}
	if order[0] != first || order[1] != second {
		t.Errorf("finish order = %v, want [%s %s]", order, first, second)
	}

	if r := waitForStatus(t, s, first, model.StatusStopped, time.Second); r.Status != model.StatusStopped {
		t.Errorf("first run status = %q", r.Status)
	}
	waitForStatus(t, s, second, model.StatusCompleted, time.Second)
}

// Execute must cancel a claimed run even before its script starts: the
// worker raises the running flag when it takes the job, not when the
// interpreter finally enters Run.
func TestExecuteCancelsRunBeforeScriptStarts(t *testing.T) {
	eng, _, s := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	gate := &gateModule{started: make(chan struct{}, 4), release: make(chan struct{})}
	eng.RegisterModule(gate)

	first, err := eng.Execute(context.Background(), "loop")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The worker has claimed the job and is blocked in Attach; the script
	// has not started yet.
	<-gate.started

	done := make(chan string, 1)
	go func() {
		id, err := eng.Execute(context.Background(), "print ok")
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- id
	}()

	// Give the second Execute time to observe the claimed run and cancel
	// it, then let the attach finish.
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	second := <-done
	waitForStatus(t, s, first, model.StatusStopped, 2*time.Second)
	waitForStatus(t, s, second, model.StatusCompleted, 2*time.Second)
}

func TestCallbackOrderOnFailure(t *testing.T) {
	eng, _, _ := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	events := make(chan string, 2)
	eng.OnError(func(runID string, err error) { events <- "error" })
	eng.OnStop(func(runID string) { events <- "stop" })

	if _, err := eng.Execute(context.Background(), "fail boom"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got []string
	for range 2 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for callbacks")
		}
	}
	if got[0] != "error" || got[1] != "stop" {
		t.Errorf("callback order = %v, want [error stop]", got)
	}
}

func TestErrorCallbackSeesScriptError(t *testing.T) {
	eng, _, _ := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	errCh := make(chan error, 1)
	eng.OnError(func(runID string, err error) { errCh <- err })

	if _, err := eng.Execute(context.Background(), "fail kaput"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case err := <-errCh:
		var scriptErr *script.Error
		if !errors.As(err, &scriptErr) {
			t.Fatalf("error = %T %v, want *script.Error", err, err)
		}
		if scriptErr.Message != "kaput" {
			t.Errorf("Message = %q, want %q", scriptErr.Message, "kaput")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}
}

func TestFreshInstanceAndPoolPerRun(t *testing.T) {
	eng, interp, s := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	first, err := eng.Execute(context.Background(), "alloc 256")
	if err != nil {
		t.Fatalf("Execute first: %v", err)
	}
	waitForStatus(t, s, first, model.StatusCompleted, 2*time.Second)

	if peak := eng.PoolStats().Peak; peak < 256 {
		t.Errorf("Peak = %d, want >= 256", peak)
	}

	second, err := eng.Execute(context.Background(), "print fresh")
	if err != nil {
		t.Fatalf("Execute second: %v", err)
	}
	waitForStatus(t, s, second, model.StatusCompleted, 2*time.Second)

	// The second run's pool starts clean.
	if peak := eng.PoolStats().Peak; peak != 0 {
		t.Errorf("Peak after fresh run = %d, want 0", peak)
	}

	insts := interp.Instances()
	if len(insts) != 2 {
		t.Fatalf("len(instances) = %d, want 2", len(insts))
	}
	for i, inst := range insts {
		if !inst.Destroyed() {
			t.Errorf("instance %d not destroyed", i)
		}
	}
}

func TestModulesAttachInOrder(t *testing.T) {
	eng, _, s := newTestEngine(t, engine.Config{})
	t.Cleanup(eng.Close)

	var attached []string
	done := make(chan struct{})
	eng.RegisterModule(orderModule{name: "first", log: &attached})
	eng.RegisterModule(orderModule{name: "second", log: &attached})
	eng.OnStop(func(string) { close(done) })

	id, err := eng.Execute(context.Background(), "call first\ncall second")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run")
	}
	waitForStatus(t, s, id, model.StatusCompleted, 2*time.Second)

	if len(attached) != 2 || attached[0] != "first" || attached[1] != "second" {
		t.Errorf("attach order = %v, want [first second]", attached)
	}
}

func TestUnstoppableScriptTimesOutWait(t *testing.T) {
	// The hang directive never yields, so cancellation cannot reach it. The
	// worker goroutine stays wedged for the rest of the test; Close is
	// deliberately not called.
	eng, _, s := newTestEngine(t, engine.Config{
		StopWait:     50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})

	if _, err := eng.Execute(context.Background(), "hang"); err != nil {
		t.Fatalf("Execute hang: %v", err)
	}
	waitRunning(t, eng, true, 2*time.Second)

	start := time.Now()
	queued, err := eng.Execute(context.Background(), "print never")
	if err != nil {
		t.Fatalf("Execute while hung: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute blocked %v, want bounded by StopWait", elapsed)
	}
	if !eng.IsRunning() {
		t.Error("hung script reported as stopped")
	}

	// A third submission supersedes the queued one that never started.
	if _, err := eng.Execute(context.Background(), "print also never"); err != nil {
		t.Fatalf("Execute third: %v", err)
	}
	r := waitForStatus(t, s, queued, model.StatusFailed, 2*time.Second)
	if !strings.Contains(r.Error, "superseded") {
		t.Errorf("superseded run Error = %q", r.Error)
	}
}

func TestEngineWithoutStore(t *testing.T) {
	interp := scripttest.New()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.New(engine.Config{}, interp, nil, logger)
	t.Cleanup(eng.Close)

	done := make(chan string, 1)
	eng.OnStop(func(runID string) { done <- runID })

	id, err := eng.Execute(context.Background(), "print storeless")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case got := <-done:
		if got != id {
			t.Errorf("OnStop runID = %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run")
	}
}

// gateModule blocks Attach until released, holding the run in the window
// between the worker claiming it and the script starting.
type gateModule struct {
	started chan struct{}
	release chan struct{}
}

func (m *gateModule) Name() string { return "gate" }

func (m *gateModule) Attach(script.Instance) error {
	m.started <- struct{}{}
	<-m.release
	return nil
}

// orderModule records attach order and registers a no-op native under its
// own name.
type orderModule struct {
	name string
	log  *[]string
}

func (m orderModule) Name() string { return m.name }

func (m orderModule) Attach(inst script.Instance) error {
	*m.log = append(*m.log, m.name)
	return inst.RegisterNative(m.name, func(args [][]byte) ([][]byte, error) {
		return nil, nil
	})
}
