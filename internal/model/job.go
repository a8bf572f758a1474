package model

import (
	"slices"
	"sync"
	"time"
)

const (
	ReasonDependencyFailed = "dependency failed"
	ReasonTimeout          = "timeout"
	ReasonHostTerminated   = "host terminated"
	ReasonAttemptFailed    = "Essential container in task exited"
)

// Attempt records one execution attempt of a job.
type Attempt struct {
	StartedAt time.Time  `json:"startedAt"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Reason    string     `json:"statusReason,omitempty"`
}

func (a Attempt) clone() Attempt {
	if a.StoppedAt != nil {
		stopped := *a.StoppedAt
		a.StoppedAt = &stopped
	}
	if a.ExitCode != nil {
		code := *a.ExitCode
		a.ExitCode = &code
	}
	return a
}

// Outcome is what an execution strategy reports for a finished attempt.
type Outcome struct {
	Succeeded bool
	ExitCode  *int
	Reason    string
}

// JobSpec holds the fields fixed at submission.
type JobSpec struct {
	ID         string
	Name       string
	Queue      string
	Definition JobDefinition
	DependsOn  []string
	Overrides  ContainerOverrides
	Timeout    *time.Duration
	CreatedAt  time.Time
	Seq        uint64
	LogStream  string
}

// Job is the mutable unit of work. Status and timestamps only change through the
// transition methods below, each of which holds the job's lock, so no two
// transitions for the same job are ever applied concurrently.
type Job struct {
	JobSpec

	mu        sync.Mutex
	status    Status
	reason    string
	startedAt time.Time
	stoppedAt time.Time
	attempts  []Attempt
}

// NewJob takes its own copy of everything in spec that the caller could still mutate.
func NewJob(spec JobSpec) *Job {
	spec.Definition = spec.Definition.Clone()
	spec.DependsOn = slices.Clone(spec.DependsOn)
	spec.Overrides = spec.Overrides.Clone()
	spec.Timeout = cloneDuration(spec.Timeout)
	return &Job{JobSpec: spec, status: StatusSubmitted}
}

// EffectiveTimeout is the job's own timeout, falling back to the definition's.
func (j *Job) EffectiveTimeout() *time.Duration {
	if j.Timeout != nil {
		return j.Timeout
	}
	return j.Definition.Timeout
}

// RetryAttempts is the number of attempts the job may make.
func (j *Job) RetryAttempts() int {
	if j.Definition.RetryAttempts < 1 {
		return DefaultRetryAttempts
	}
	return j.Definition.RetryAttempts
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// StartedAt returns the start of the first attempt, or the zero time.
func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

func (j *Job) StoppedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stoppedAt
}

func (j *Job) AttemptCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.attempts)
}

// Pend moves a freshly created job to PENDING.
func (j *Job) Pend() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.transitionLocked(StatusPending)
	return err
}

// MarkRunnable records that every dependency has succeeded.
func (j *Job) MarkRunnable() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.transitionLocked(StatusRunnable)
	return err
}

// Start begins the first attempt.
func (j *Job) Start(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	moved, err := j.transitionLocked(StatusStarting)
	if !moved {
		return err
	}
	if j.startedAt.IsZero() {
		j.startedAt = now
	}
	j.attempts = append(j.attempts, Attempt{StartedAt: now})
	return nil
}

func (j *Job) MarkRunning() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.transitionLocked(StatusRunning)
	return err
}

// Retry closes the current attempt with a failed outcome and opens the next one.
// The job stays RUNNING throughout.
func (j *Job) Retry(now time.Time, outcome Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return nil
	}
	if j.status != StatusRunning {
		return &ErrInvalidTransition{JobID: j.ID, From: j.status, To: StatusRunning}
	}
	j.closeAttemptLocked(now, outcome)
	j.attempts = append(j.attempts, Attempt{StartedAt: now})
	return nil
}

// Finish moves the job to its terminal state. Calling it on a terminal job is a no-op.
func (j *Job) Finish(now time.Time, outcome Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	to := StatusFailed
	if outcome.Succeeded {
		to = StatusSucceeded
	}
	moved, err := j.transitionLocked(to)
	if !moved {
		return err
	}
	j.closeAttemptLocked(now, outcome)
	j.stoppedAt = now
	if !outcome.Succeeded {
		j.reason = outcome.Reason
		if j.reason == "" {
			j.reason = ReasonAttemptFailed
		}
	}
	return nil
}

func (j *Job) Succeed(now time.Time) error {
	return j.Finish(now, Outcome{Succeeded: true})
}

func (j *Job) Fail(now time.Time, reason string) error {
	return j.Finish(now, Outcome{Reason: reason})
}

func (j *Job) transitionLocked(to Status) (bool, error) {
	if j.status.IsTerminal() {
		return false, nil
	}
	if !CanTransition(j.status, to) {
		return false, &ErrInvalidTransition{JobID: j.ID, From: j.status, To: to}
	}
	j.status = to
	return true, nil
}

func (j *Job) closeAttemptLocked(now time.Time, outcome Outcome) {
	if len(j.attempts) == 0 {
		return
	}
	last := &j.attempts[len(j.attempts)-1]
	if last.StoppedAt != nil {
		return
	}
	stopped := now
	last.StoppedAt = &stopped
	if outcome.ExitCode != nil {
		code := *outcome.ExitCode
		last.ExitCode = &code
	}
	if !outcome.Succeeded {
		last.Reason = outcome.Reason
	}
}
