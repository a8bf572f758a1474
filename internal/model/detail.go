package model

import (
	"slices"
	"time"
)

// JobDetail is a point-in-time copy of a job, safe to hand to callers and to persist.
type JobDetail struct {
	JobID                string             `json:"jobId"`
	JobName              string             `json:"jobName"`
	JobQueue             string             `json:"jobQueue"`
	JobDefinition        JobDefinition      `json:"jobDefinition"`
	Status               Status             `json:"status"`
	StatusReason         string             `json:"statusReason,omitempty"`
	DependsOn            []string           `json:"dependsOn,omitempty"`
	ContainerOverrides   ContainerOverrides `json:"containerOverrides"`
	Timeout              *time.Duration     `json:"timeout,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	StartedAt            *time.Time         `json:"startedAt,omitempty"`
	StoppedAt            *time.Time         `json:"stoppedAt,omitempty"`
	Attempts             []Attempt          `json:"attempts,omitempty"`
	LastAttemptSucceeded bool               `json:"lastAttemptSucceeded"`
	LogStreamName        string             `json:"logStreamName,omitempty"`
	Seq                  uint64             `json:"seq"`
}

// AttemptCount is the number of attempts started so far.
func (d *JobDetail) AttemptCount() int {
	return len(d.Attempts)
}

// JobSummary is the list view of a job.
type JobSummary struct {
	JobID        string     `json:"jobId"`
	JobName      string     `json:"jobName"`
	Status       Status     `json:"status"`
	StatusReason string     `json:"statusReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	StoppedAt    *time.Time `json:"stoppedAt,omitempty"`
}

func (j *Job) Detail() JobDetail {
	j.mu.Lock()
	defer j.mu.Unlock()
	attempts := make([]Attempt, len(j.attempts))
	for i, a := range j.attempts {
		attempts[i] = a.clone()
	}
	detail := JobDetail{
		JobID:              j.ID,
		JobName:            j.Name,
		JobQueue:           j.Queue,
		JobDefinition:      j.Definition.Clone(),
		Status:             j.status,
		StatusReason:       j.reason,
		DependsOn:          slices.Clone(j.DependsOn),
		ContainerOverrides: j.Overrides.Clone(),
		Timeout:            cloneDuration(j.Timeout),
		CreatedAt:          j.CreatedAt,
		StartedAt:          timePtr(j.startedAt),
		StoppedAt:          timePtr(j.stoppedAt),
		Attempts:           attempts,
		LogStreamName:      j.LogStream,
		Seq:                j.Seq,
	}
	if n := len(attempts); n > 0 {
		last := attempts[n-1]
		detail.LastAttemptSucceeded = last.StoppedAt != nil && last.Reason == "" && j.status == StatusSucceeded
	}
	return detail
}

func (j *Job) Summary() JobSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobSummary{
		JobID:        j.ID,
		JobName:      j.Name,
		Status:       j.status,
		StatusReason: j.reason,
		CreatedAt:    j.CreatedAt,
		StartedAt:    timePtr(j.startedAt),
		StoppedAt:    timePtr(j.stoppedAt),
	}
}

// RestoreJob rebuilds a job from a persisted record, keeping its recorded state.
func RestoreJob(d JobDetail) *Job {
	j := NewJob(JobSpec{
		ID:         d.JobID,
		Name:       d.JobName,
		Queue:      d.JobQueue,
		Definition: d.JobDefinition,
		DependsOn:  d.DependsOn,
		Overrides:  d.ContainerOverrides,
		Timeout:    d.Timeout,
		CreatedAt:  d.CreatedAt,
		Seq:        d.Seq,
		LogStream:  d.LogStreamName,
	})
	j.status = d.Status
	j.reason = d.StatusReason
	if d.StartedAt != nil {
		j.startedAt = *d.StartedAt
	}
	if d.StoppedAt != nil {
		j.stoppedAt = *d.StoppedAt
	}
	for _, a := range d.Attempts {
		j.attempts = append(j.attempts, a.clone())
	}
	return j
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
