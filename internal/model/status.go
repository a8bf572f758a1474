package model

// Status is the lifecycle state of a job.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusPending   Status = "PENDING"
	StatusRunnable  Status = "RUNNABLE"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusSubmitted,
	StatusPending,
	StatusRunnable,
	StatusStarting,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
}

var transitions = map[Status][]Status{
	StatusSubmitted: {StatusPending},
	StatusPending:   {StatusRunnable, StatusFailed},
	StatusRunnable:  {StatusStarting},
	StatusStarting:  {StatusRunning, StatusFailed},
	StatusRunning:   {StatusSucceeded, StatusFailed},
}

// IsTerminal reports whether no further transitions are possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", &ErrInvalidArgument{Name: "jobStatus", Value: s, Message: "unknown job status"}
	}
	return status, nil
}
