package core

import "github.com/Popie52/batchqueue/internal/model"

type Readiness int

const (
	Waiting Readiness = iota
	Satisfied
	Failed
)

func (r Readiness) String() string {
	switch r {
	case Satisfied:
		return "Satisfied"
	case Failed:
		return "Failed"
	default:
		return "Waiting"
	}
}

// Resolution is the verdict on a job's dependencies. JobID names the dependency that
// caused a Failed verdict.
type Resolution struct {
	Readiness Readiness
	JobID     string
	Missing   bool
}

// Reason is the status reason a dependent job records when the resolution is Failed.
func (r Resolution) Reason() string {
	if r.Missing {
		return "missing dependency " + r.JobID
	}
	return model.ReasonDependencyFailed
}

// Resolve decides whether every dependency has succeeded. A FAILED dependency short-circuits
// to Failed regardless of the others. A dependency absent from the index can only be the
// result of a purge; it resolves to Failed rather than being skipped.
func Resolve(deps []string, lookup func(id string) (*model.Job, bool)) Resolution {
	readiness := Satisfied
	for _, id := range deps {
		dep, ok := lookup(id)
		if !ok {
			return Resolution{Readiness: Failed, JobID: id, Missing: true}
		}
		switch dep.Status() {
		case model.StatusFailed:
			return Resolution{Readiness: Failed, JobID: id}
		case model.StatusSucceeded:
		default:
			readiness = Waiting
		}
	}
	return Resolution{Readiness: readiness}
}
