package core

import (
	"context"

	"k8s.io/utils/clock"

	"github.com/Popie52/batchqueue/internal/model"
)

// Executor advances a RUNNABLE job towards a terminal state. The dispatcher depends on
// nothing else, so strategies are interchangeable.
type Executor interface {
	Advance(ctx context.Context, job *model.Job) error
}

// Aborter is implemented by executors that can cancel an attempt in flight, used when
// the dispatcher forces a timeout.
type Aborter interface {
	Abort(jobID string)
}

// Runnable is implemented by executors that own background goroutines.
type Runnable interface {
	Run(ctx context.Context) error
}

// InstantExecutor completes every job successfully inside Advance, with all timestamps
// equal to the call time. It never runs anything.
type InstantExecutor struct {
	clock clock.Clock
}

func NewInstantExecutor(clk clock.Clock) *InstantExecutor {
	return &InstantExecutor{clock: clk}
}

func (e *InstantExecutor) Advance(_ context.Context, job *model.Job) error {
	if status := job.Status(); status != model.StatusRunnable {
		return &model.ErrInvalidTransition{JobID: job.ID, From: status, To: model.StatusStarting}
	}
	now := e.clock.Now()
	if err := job.Start(now); err != nil {
		return err
	}
	if err := job.MarkRunning(); err != nil {
		return err
	}
	return job.Succeed(now)
}
