package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/Popie52/batchqueue/internal/metrics"
	"github.com/Popie52/batchqueue/internal/model"
	"github.com/Popie52/batchqueue/internal/queue"
)

var errAborted = errors.New("attempt aborted")

// exitError is a completed attempt with a non-zero exit code.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("container exited with code %d", e.code)
}

type RealExecutorConfig struct {
	Workers    int
	RetryDelay time.Duration
}

// RealExecutor starts jobs synchronously and runs them on a pool of workers. Advance only
// performs RUNNABLE -> STARTING and queues the job; the dispatcher sees the outcome on a
// later tick.
type RealExecutor struct {
	clock   clock.Clock
	runner  Runner
	metrics metrics.MetricsFn
	cfg     RealExecutorConfig
	backlog *queue.Backlog

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func NewRealExecutor(clk clock.Clock, runner Runner, m metrics.MetricsFn, cfg RealExecutorConfig) *RealExecutor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &RealExecutor{
		clock:   clk,
		runner:  runner,
		metrics: m,
		cfg:     cfg,
		backlog: queue.NewBacklog(),
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

func (e *RealExecutor) Advance(_ context.Context, job *model.Job) error {
	if status := job.Status(); status != model.StatusRunnable {
		return &model.ErrInvalidTransition{JobID: job.ID, From: status, To: model.StatusStarting}
	}
	if err := job.Start(e.clock.Now()); err != nil {
		return err
	}
	e.metrics.IncAttempts(job.Queue)
	e.backlog.Push(job)
	return nil
}

// Abort cancels the job's running attempt, if any.
func (e *RealExecutor) Abort(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[jobID]; ok {
		cancel(errAborted)
	}
}

// Backlog is the number of started jobs not yet picked up by a worker.
func (e *RealExecutor) Backlog() int {
	return e.backlog.Len()
}

// Run starts the workers and blocks until ctx is cancelled.
func (e *RealExecutor) Run(ctx context.Context) error {
	defer e.backlog.Close()

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= e.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			e.work(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (e *RealExecutor) work(ctx context.Context, id int) {
	logger := log.WithField("worker", id)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		job, err := e.backlog.Pop(ctx)
		if err != nil {
			return
		}
		e.process(ctx, job)
	}
}

func (e *RealExecutor) process(ctx context.Context, job *model.Job) {
	logger := log.WithField("job", job.ID)

	if err := job.MarkRunning(); err != nil {
		logger.Errorf("marking job running: %v", err)
		return
	}
	if job.Status().IsTerminal() {
		return
	}

	attemptCtx, cancel := e.attemptContext(ctx, job)
	defer cancel(nil)
	if attemptCtx.Err() != nil {
		e.finish(job, attemptCtx, attemptCtx.Err())
		return
	}

	e.mu.Lock()
	e.cancels[job.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, job.ID)
		e.mu.Unlock()
	}()

	spec := NewRunSpec(job)
	attempts := uint(job.RetryAttempts())
	err := retry.Do(
		func() error {
			res, err := e.runner.Run(attemptCtx, spec)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return &exitError{code: res.ExitCode}
			}
			return nil
		},
		retry.Context(attemptCtx),
		retry.Attempts(attempts),
		retry.Delay(e.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return attemptCtx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= attempts {
				return
			}
			logger.Infof("attempt %d failed, retrying: %v", n+1, err)
			if err := job.Retry(e.clock.Now(), outcomeOf(err)); err != nil {
				logger.Errorf("retrying job: %v", err)
				return
			}
			e.metrics.IncAttempts(job.Queue)
		}),
	)
	e.finish(job, attemptCtx, err)
}

// attemptContext bounds the attempt by started_at + timeout. The remaining budget is
// measured on the executor's clock.
func (e *RealExecutor) attemptContext(ctx context.Context, job *model.Job) (context.Context, context.CancelCauseFunc) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	timeout := job.EffectiveTimeout()
	if timeout == nil {
		return attemptCtx, cancel
	}
	remaining := job.StartedAt().Add(*timeout).Sub(e.clock.Now())
	if remaining <= 0 {
		cancel(context.DeadlineExceeded)
		return attemptCtx, cancel
	}
	timed, stop := context.WithTimeoutCause(attemptCtx, remaining, context.DeadlineExceeded)
	return timed, func(cause error) {
		stop()
		cancel(cause)
	}
}

func (e *RealExecutor) finish(job *model.Job, attemptCtx context.Context, err error) {
	now := e.clock.Now()
	var outcome model.Outcome
	switch cause := context.Cause(attemptCtx); {
	case err == nil:
		zero := 0
		outcome = model.Outcome{Succeeded: true, ExitCode: &zero}
	case errors.Is(cause, context.DeadlineExceeded):
		outcome = model.Outcome{Reason: model.ReasonTimeout}
	case errors.Is(cause, errAborted):
		outcome = model.Outcome{Reason: "aborted"}
	case cause != nil:
		outcome = model.Outcome{Reason: model.ReasonHostTerminated}
	default:
		outcome = outcomeOf(err)
	}
	if ferr := job.Finish(now, outcome); ferr != nil {
		log.WithField("job", job.ID).Errorf("finishing job: %v", ferr)
	}
}

func outcomeOf(err error) model.Outcome {
	var exit *exitError
	if errors.As(err, &exit) {
		code := exit.code
		return model.Outcome{ExitCode: &code, Reason: model.ReasonAttemptFailed}
	}
	return model.Outcome{Reason: "CannotStartContainerError: " + err.Error()}
}
