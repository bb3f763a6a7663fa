package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/provision"
)

type describeStep struct {
	status provision.TaskStatus
	err    error
}

type fakeProvisioner struct {
	mu        sync.Mutex
	launchEnv map[string]string
	handle    provision.Handle
	launchErr error
	steps     []describeStep
	calls     int
}

func (f *fakeProvisioner) Launch(_ context.Context, env map[string]string) (provision.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchEnv = env
	if f.launchErr != nil {
		return provision.Handle{}, f.launchErr
	}
	return f.handle, nil
}

// Describe replays steps in order and repeats the last one once exhausted.
func (f *fakeProvisioner) Describe(context.Context, string) (provision.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.calls++
	step := f.steps[idx]
	return step.status, step.err
}

func (f *fakeProvisioner) describeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingObserver struct {
	mu     sync.Mutex
	phases []string
}

func (o *recordingObserver) TaskPolled(phase string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, phase)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stopped(code int) describeStep {
	return describeStep{status: provision.TaskStatus{Phase: provision.PhaseStopped, ExitCode: &code}}
}

func running() describeStep {
	return describeStep{status: provision.TaskStatus{Phase: provision.PhaseRunning}}
}

func pending() describeStep {
	return describeStep{status: provision.TaskStatus{Phase: provision.PhasePending}}
}

func notFound() describeStep {
	return describeStep{err: provision.ErrTaskNotFound}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestWatcher(p provision.Provisioner, cfg WatcherConfig, obs PollObserver) (Watcher, *sleepRecorder) {
	w := NewWatcher(p, cfg, obs, testLogger())
	rec := &sleepRecorder{}
	w.sleep = rec.sleep
	return w, rec
}

func TestRunnerLaunchPassesEnvironment(t *testing.T) {
	p := &fakeProvisioner{handle: provision.Handle{TaskID: "task-1"}}
	r := NewRunner(p)

	handle, err := r.Launch(context.Background(), " https://example.com/app.git ", "brave-otter")
	if err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	if handle.TaskID != "task-1" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if p.launchEnv[EnvSourceURL] != "https://example.com/app.git" || p.launchEnv[EnvProjectSlug] != "brave-otter" {
		t.Fatalf("unexpected env: %v", p.launchEnv)
	}
}

func TestRunnerLaunchRejectsEmptySource(t *testing.T) {
	p := &fakeProvisioner{handle: provision.Handle{TaskID: "task-1"}}
	_, err := NewRunner(p).Launch(context.Background(), "   ", "brave-otter")
	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if p.launchEnv != nil {
		t.Fatal("expected provisioner not to be called")
	}
}

func TestRunnerLaunchWrapsBackendErrors(t *testing.T) {
	backendErr := errors.New("capacity unavailable")
	p := &fakeProvisioner{launchErr: backendErr}
	_, err := NewRunner(p).Launch(context.Background(), "https://example.com/app.git", "brave-otter")
	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if !errors.Is(err, backendErr) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}

	p = &fakeProvisioner{handle: provision.Handle{}}
	if _, err := NewRunner(p).Launch(context.Background(), "https://example.com/app.git", "brave-otter"); !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError for empty task id, got %v", err)
	}
}

func TestWatcherReadyOnZeroExit(t *testing.T) {
	p := &fakeProvisioner{steps: []describeStep{pending(), running(), stopped(0)}}
	obs := &recordingObserver{}
	w, rec := newTestWatcher(p, WatcherConfig{Interval: 5 * time.Second}, obs)

	res, err := w.Wait(context.Background(), provision.Handle{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if res.Status != domain.StatusReady {
		t.Fatalf("expected READY, got %s", res.Status)
	}
	if len(rec.delays) != 2 || rec.delays[0] != 5*time.Second {
		t.Fatalf("expected two 5s sleeps, got %v", rec.delays)
	}
	if len(obs.phases) != 3 || obs.phases[2] != string(provision.PhaseStopped) {
		t.Fatalf("unexpected observed phases: %v", obs.phases)
	}
}

func TestWatcherFailOnNonZeroOrMissingExit(t *testing.T) {
	p := &fakeProvisioner{steps: []describeStep{stopped(1)}}
	w, _ := newTestWatcher(p, WatcherConfig{}, nil)
	res, err := w.Wait(context.Background(), provision.Handle{TaskID: "task-1"})
	if err != nil || res.Status != domain.StatusFailed || res.ExitCode == nil || *res.ExitCode != 1 {
		t.Fatalf("expected FAIL with exit 1, got %+v err=%v", res, err)
	}

	p = &fakeProvisioner{steps: []describeStep{{status: provision.TaskStatus{Phase: provision.PhaseStopped}}}}
	w, _ = newTestWatcher(p, WatcherConfig{}, nil)
	res, err = w.Wait(context.Background(), provision.Handle{TaskID: "task-1"})
	if err != nil || res.Status != domain.StatusFailed {
		t.Fatalf("expected FAIL for missing exit code, got %+v err=%v", res, err)
	}
}

func TestWatcherRetriesNotFoundIndefinitely(t *testing.T) {
	steps := make([]describeStep, 0, 30)
	for i := 0; i < 25; i++ {
		steps = append(steps, notFound())
	}
	steps = append(steps, stopped(0))
	p := &fakeProvisioner{steps: steps}
	w, rec := newTestWatcher(p, WatcherConfig{Interval: time.Second, MaxLookupFailures: 3}, nil)

	res, err := w.Wait(context.Background(), provision.Handle{TaskID: "task-1"})
	if err != nil || res.Status != domain.StatusReady {
		t.Fatalf("expected READY after not-found retries, got %+v err=%v", res, err)
	}
	if len(rec.delays) != 25 {
		t.Fatalf("expected one sleep per not-found lookup, got %d", len(rec.delays))
	}
	for _, d := range rec.delays {
		if d != time.Second {
			t.Fatalf("not-found retries should use the poll interval, got %s", d)
		}
	}
}

func TestWatcherBacksOffAndGivesUpOnLookupErrors(t *testing.T) {
	boom := errors.New("throttled")
	p := &fakeProvisioner{steps: []describeStep{{err: boom}}}
	w, rec := newTestWatcher(p, WatcherConfig{Interval: time.Second, MaxBackoff: 3 * time.Second, MaxLookupFailures: 4}, nil)

	_, err := w.Wait(context.Background(), provision.Handle{TaskID: "task-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped lookup error, got %v", err)
	}
	if p.describeCalls() != 4 {
		t.Fatalf("expected 4 describe calls, got %d", p.describeCalls())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, rec.delays)
		}
	}
}

func TestWatcherResetsFailuresAfterSuccess(t *testing.T) {
	boom := errors.New("throttled")
	p := &fakeProvisioner{steps: []describeStep{{err: boom}, {err: boom}, running(), {err: boom}, {err: boom}, stopped(0)}}
	w, _ := newTestWatcher(p, WatcherConfig{MaxLookupFailures: 3}, nil)

	res, err := w.Wait(context.Background(), provision.Handle{TaskID: "task-1"})
	if err != nil || res.Status != domain.StatusReady {
		t.Fatalf("expected READY, got %+v err=%v", res, err)
	}
}

func TestWatcherMaxWaitEscalates(t *testing.T) {
	p := &fakeProvisioner{steps: []describeStep{running()}}
	w := NewWatcher(p, WatcherConfig{Interval: 5 * time.Millisecond, MaxWait: 40 * time.Millisecond}, nil, testLogger())

	_, err := w.Wait(context.Background(), provision.Handle{TaskID: "task-1"})
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestWatcherHonoursCallerCancellation(t *testing.T) {
	p := &fakeProvisioner{steps: []describeStep{running()}}
	w := NewWatcher(p, WatcherConfig{Interval: 5 * time.Millisecond, MaxWait: time.Minute}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := w.Wait(ctx, provision.Handle{TaskID: "task-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
