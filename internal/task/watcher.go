package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/provision"
)

const (
	defaultPollInterval      = 5 * time.Second
	defaultMaxBackoff        = time.Minute
	defaultMaxLookupFailures = 10
)

// WatcherConfig tunes polling. MaxWait of zero waits without bound.
type WatcherConfig struct {
	Interval          time.Duration
	MaxWait           time.Duration
	MaxBackoff        time.Duration
	MaxLookupFailures int
}

// PollObserver is told about every status poll. Implementations must not block.
type PollObserver interface {
	TaskPolled(phase string)
}

// Result is the outcome derived from a stopped build unit.
type Result struct {
	Status   domain.DeploymentStatus
	ExitCode *int
	Reason   string
}

// Watcher polls a build unit until it stops and derives the deployment outcome.
type Watcher struct {
	provisioner provision.Provisioner
	cfg         WatcherConfig
	observer    PollObserver
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewWatcher builds a watcher. Zero config fields fall back to defaults.
func NewWatcher(p provision.Provisioner, cfg WatcherConfig, observer PollObserver, logger *slog.Logger) Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	if cfg.MaxLookupFailures <= 0 {
		cfg.MaxLookupFailures = defaultMaxLookupFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Watcher{
		provisioner: p,
		cfg:         cfg,
		observer:    observer,
		logger:      logger.With("component", "watcher"),
		sleep:       sleepCtx,
	}
}

// Wait polls handle until the unit stops. The result is READY for exit code 0 and FAIL
// for any other or missing code.
// Not-found lookups are retried indefinitely; other lookup errors back off exponentially and
// give up after MaxLookupFailures consecutive failures. ErrWaitTimeout is returned once
// MaxWait elapses; caller cancellation returns ctx.Err().
func (w Watcher) Wait(ctx context.Context, handle provision.Handle) (Result, error) {
	waitCtx := ctx
	if w.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, w.cfg.MaxWait)
		defer cancel()
	}
	log := w.logger.With("task_id", handle.TaskID)

	failures := 0
	for {
		status, err := w.provisioner.Describe(waitCtx, handle.TaskID)
		switch {
		case err == nil:
			failures = 0
			w.observe(string(status.Phase))
			if status.Phase == provision.PhaseStopped {
				return outcomeOf(status, log), nil
			}
			log.Debug("build unit still running", "phase", status.Phase)
			err = w.sleep(waitCtx, w.cfg.Interval)
		case errors.Is(err, provision.ErrTaskNotFound):
			w.observe("not_found")
			lookup := &TransientLookupError{TaskID: handle.TaskID, Err: err}
			log.Warn("build unit not visible yet, retrying", "error", lookup)
			err = w.sleep(waitCtx, w.cfg.Interval)
		default:
			if ctxErr := w.stopReason(ctx, waitCtx); ctxErr != nil {
				return Result{}, ctxErr
			}
			failures++
			w.observe("error")
			if failures >= w.cfg.MaxLookupFailures {
				return Result{}, fmt.Errorf("describe task %s: giving up after %d failures: %w", handle.TaskID, failures, err)
			}
			delay := w.backoff(failures)
			log.Warn("describe task failed, backing off", "attempt", failures, "delay", delay, "error", err)
			err = w.sleep(waitCtx, delay)
		}
		if err != nil {
			if reason := w.stopReason(ctx, waitCtx); reason != nil {
				return Result{}, reason
			}
			return Result{}, err
		}
	}
}

// stopReason distinguishes caller cancellation from the max-wait deadline.
func (w Watcher) stopReason(parent, waitCtx context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if waitCtx.Err() != nil {
		return ErrWaitTimeout
	}
	return nil
}

func (w Watcher) backoff(failures int) time.Duration {
	delay := w.cfg.Interval
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return delay
}

func (w Watcher) observe(phase string) {
	if w.observer != nil {
		w.observer.TaskPolled(phase)
	}
}

func outcomeOf(status provision.TaskStatus, log *slog.Logger) Result {
	res := Result{Status: domain.StatusFailed, ExitCode: status.ExitCode, Reason: status.Reason}
	if status.ExitCode != nil && *status.ExitCode == 0 {
		res.Status = domain.StatusReady
		return res
	}
	if status.ExitCode == nil {
		log.Warn("build unit stopped without an exit code", "reason", status.Reason)
	} else {
		log.Warn("build unit exited with failure", "exit_code", *status.ExitCode, "reason", status.Reason)
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
