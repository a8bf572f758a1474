package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// Resource types carried by ErrNotFound and ErrAlreadyExists.
const (
	ResourceDefinition = "job definition"
	ResourceQueue      = "job queue"
	ResourceJob        = "job"
)

// ErrNotFound is returned whenever a referenced resource does not exist.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("%s %s does not exist", err.Type, err.Value)
	} else {
		s = fmt.Sprintf("resource %s does not exist", err.Value)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrAlreadyExists is returned when creating a resource whose identifier is taken.
type ErrAlreadyExists struct {
	Type  string
	Value string
}

func (err *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s %s already exists", err.Type, err.Value)
}

// ErrInvalidArgument is returned on malformed client input.
type ErrInvalidArgument struct {
	Name    string
	Value   interface{}
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidTransition signals a caller contract violation: a component tried to move a job
// along an edge the state machine does not have. It is never a retryable condition.
type ErrInvalidTransition struct {
	JobID string
	From  Status
	To    Status
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("job %s cannot transition from %s to %s", err.JobID, err.From, err.To)
}

// IsNotFound reports whether err is an ErrNotFound for the given resource type.
// An empty resourceType matches any ErrNotFound.
func IsNotFound(err error, resourceType string) bool {
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		return false
	}
	return resourceType == "" || notFound.Type == resourceType
}

func IsDefinitionNotFound(err error) bool { return IsNotFound(err, ResourceDefinition) }
func IsQueueNotFound(err error) bool      { return IsNotFound(err, ResourceQueue) }

// IsClientError reports whether err was caused by bad caller input rather than by the server.
func IsClientError(err error) bool {
	var (
		notFound      *ErrNotFound
		alreadyExists *ErrAlreadyExists
		invalidArg    *ErrInvalidArgument
	)
	return errors.As(err, &notFound) || errors.As(err, &alreadyExists) || errors.As(err, &invalidArg)
}
