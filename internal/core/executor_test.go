package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Popie52/batchqueue/internal/metrics"
	"github.com/Popie52/batchqueue/internal/model"
)

func blockUntilDone(ctx context.Context, _ RunSpec) (Result, error) {
	<-ctx.Done()
	return Result{ExitCode: -1}, ctx.Err()
}

func runnableJob(t *testing.T, retries int, timeout *time.Duration) *model.Job {
	t.Helper()
	job := model.NewJob(model.JobSpec{
		ID:    "job-1",
		Queue: "q",
		Definition: model.JobDefinition{
			Name:          "def",
			RetryAttempts: retries,
			Container:     model.ContainerProperties{Command: []string{"true"}},
		},
		Timeout:   timeout,
		CreatedAt: baseTime,
	})
	require.NoError(t, job.Pend())
	require.NoError(t, job.MarkRunnable())
	return job
}

func TestInstantExecutor(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	exec := NewInstantExecutor(clk)
	job := runnableJob(t, 1, nil)

	require.NoError(t, exec.Advance(context.Background(), job))

	detail := job.Detail()
	assert.Equal(t, model.StatusSucceeded, detail.Status)
	assert.Equal(t, baseTime, *detail.StartedAt)
	assert.Equal(t, baseTime, *detail.StoppedAt)
	assert.Equal(t, 1, detail.AttemptCount())

	var invalid *model.ErrInvalidTransition
	assert.ErrorAs(t, exec.Advance(context.Background(), job), &invalid)
	assert.Equal(t, model.StatusSucceeded, invalid.From)
}

// startExecutor runs the worker pool until the test ends.
func startExecutor(t *testing.T, clk clock.Clock, runner Runner, cfg RealExecutorConfig) *RealExecutor {
	t.Helper()
	exec := NewRealExecutor(clk, runner, metrics.Nop{}, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = exec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return exec
}

func waitTerminal(t *testing.T, job *model.Job) model.JobDetail {
	t.Helper()
	require.Eventually(t, func() bool {
		return job.Status().IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job.Detail()
}

func TestRealExecutor_AdvanceReturnsAfterStarting(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	exec := NewRealExecutor(clk, RunnerFunc(blockUntilDone), metrics.Nop{}, RealExecutorConfig{Workers: 2})
	job := runnableJob(t, 1, nil)

	require.NoError(t, exec.Advance(context.Background(), job))
	assert.Equal(t, model.StatusStarting, job.Status())
	assert.Equal(t, baseTime, job.StartedAt())
	assert.Equal(t, 1, exec.Backlog())

	var invalid *model.ErrInvalidTransition
	assert.ErrorAs(t, exec.Advance(context.Background(), job), &invalid)
}

func TestRealExecutor_Succeeds(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	var got RunSpec
	exec := startExecutor(t, clk, RunnerFunc(func(_ context.Context, spec RunSpec) (Result, error) {
		got = spec
		return Result{}, nil
	}), RealExecutorConfig{Workers: 1})
	job := runnableJob(t, 1, nil)

	require.NoError(t, exec.Advance(context.Background(), job))
	detail := waitTerminal(t, job)

	assert.Equal(t, model.StatusSucceeded, detail.Status)
	assert.True(t, detail.LastAttemptSucceeded)
	require.NotNil(t, detail.Attempts[0].ExitCode)
	assert.Equal(t, 0, *detail.Attempts[0].ExitCode)
	assert.Equal(t, []string{"true"}, got.Command)
}

func TestRealExecutor_RetriesWithinRunning(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	var calls int32
	exec := startExecutor(t, clk, RunnerFunc(func(context.Context, RunSpec) (Result, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Result{ExitCode: 1}, nil
		}
		return Result{}, nil
	}), RealExecutorConfig{Workers: 1})
	job := runnableJob(t, 3, nil)

	require.NoError(t, exec.Advance(context.Background(), job))
	detail := waitTerminal(t, job)

	assert.Equal(t, model.StatusSucceeded, detail.Status)
	assert.Equal(t, 3, detail.AttemptCount())
	assert.Equal(t, model.ReasonAttemptFailed, detail.Attempts[0].Reason)
	assert.Equal(t, 1, *detail.Attempts[0].ExitCode)
	assert.Equal(t, baseTime, *detail.StartedAt)
}

func TestRealExecutor_ExhaustsRetries(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	var calls int32
	exec := startExecutor(t, clk, RunnerFunc(func(context.Context, RunSpec) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{ExitCode: 2}, nil
	}), RealExecutorConfig{Workers: 1})
	job := runnableJob(t, 2, nil)

	require.NoError(t, exec.Advance(context.Background(), job))
	detail := waitTerminal(t, job)

	assert.Equal(t, model.StatusFailed, detail.Status)
	assert.Equal(t, model.ReasonAttemptFailed, detail.StatusReason)
	assert.Equal(t, 2, detail.AttemptCount())
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.False(t, detail.LastAttemptSucceeded)
}

func TestRealExecutor_RunnerErrorFailsJob(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	exec := startExecutor(t, clk, RunnerFunc(func(context.Context, RunSpec) (Result, error) {
		return Result{ExitCode: -1}, assert.AnError
	}), RealExecutorConfig{Workers: 1})
	job := runnableJob(t, 1, nil)

	require.NoError(t, exec.Advance(context.Background(), job))
	detail := waitTerminal(t, job)

	assert.Equal(t, model.StatusFailed, detail.Status)
	assert.Contains(t, detail.StatusReason, "CannotStartContainerError")
}

func TestRealExecutor_ExpiredBudgetTimesOut(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	exec := startExecutor(t, clk, RunnerFunc(blockUntilDone), RealExecutorConfig{Workers: 1})
	zero := time.Duration(0)
	job := runnableJob(t, 1, &zero)

	require.NoError(t, exec.Advance(context.Background(), job))
	detail := waitTerminal(t, job)

	assert.Equal(t, model.StatusFailed, detail.Status)
	assert.Equal(t, model.ReasonTimeout, detail.StatusReason)
}

func TestRealExecutor_Abort(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	running := make(chan struct{})
	exec := startExecutor(t, clk, RunnerFunc(func(ctx context.Context, spec RunSpec) (Result, error) {
		close(running)
		return blockUntilDone(ctx, spec)
	}), RealExecutorConfig{Workers: 1})
	job := runnableJob(t, 3, nil)

	require.NoError(t, exec.Advance(context.Background(), job))
	<-running
	require.NoError(t, job.Fail(clk.Now(), model.ReasonTimeout))
	exec.Abort(job.ID)

	detail := waitTerminal(t, job)
	assert.Equal(t, model.ReasonTimeout, detail.StatusReason)
	assert.Equal(t, 1, detail.AttemptCount())
}

func TestRealExecutor_ShutdownFailsInFlightJob(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	exec := NewRealExecutor(clk, RunnerFunc(blockUntilDone), metrics.Nop{}, RealExecutorConfig{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	job := runnableJob(t, 1, nil)
	require.NoError(t, exec.Advance(context.Background(), job))
	require.Eventually(t, func() bool { return job.Status() == model.StatusRunning }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, model.StatusFailed, job.Status())
	assert.Equal(t, model.ReasonHostTerminated, job.Detail().StatusReason)
}
