package model

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"
)

type DefinitionStatus string

const (
	DefinitionActive   DefinitionStatus = "ACTIVE"
	DefinitionInactive DefinitionStatus = "INACTIVE"
)

type QueueState string

const (
	QueueEnabled  QueueState = "ENABLED"
	QueueDisabled QueueState = "DISABLED"
)

const (
	DefaultRetryAttempts = 1
	MaxRetryAttempts     = 10
)

// ContainerProperties describe what a job runs. The scheduler never looks inside.
type ContainerProperties struct {
	Image       string            `json:"image,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Vcpus       int               `json:"vcpus,omitempty"`
	Memory      int               `json:"memory,omitempty"`
}

// Clone returns a copy that shares no slices or maps with c.
func (c ContainerProperties) Clone() ContainerProperties {
	c.Command = slices.Clone(c.Command)
	c.Environment = maps.Clone(c.Environment)
	return c
}

// ContainerOverrides are passed through to the execution substrate untouched.
type ContainerOverrides struct {
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Vcpus       int               `json:"vcpus,omitempty"`
	Memory      int               `json:"memory,omitempty"`
}

func (o ContainerOverrides) Clone() ContainerOverrides {
	o.Command = slices.Clone(o.Command)
	o.Environment = maps.Clone(o.Environment)
	return o
}

// JobDefinition is an immutable template. Jobs hold a copy taken at submission.
type JobDefinition struct {
	Name          string              `json:"jobDefinitionName"`
	Revision      int                 `json:"revision"`
	Arn           string              `json:"jobDefinitionArn"`
	Type          string              `json:"type"`
	Status        DefinitionStatus    `json:"status"`
	Container     ContainerProperties `json:"containerProperties"`
	RetryAttempts int                 `json:"retryAttempts"`
	Timeout       *time.Duration      `json:"timeout,omitempty"`
}

// Clone returns a deep copy of the definition.
func (d JobDefinition) Clone() JobDefinition {
	d.Container = d.Container.Clone()
	d.Timeout = cloneDuration(d.Timeout)
	return d
}

func cloneDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Key is the "name:revision" alias of the definition.
func (d *JobDefinition) Key() string {
	return DefinitionKey(d.Name, d.Revision)
}

func DefinitionKey(name string, revision int) string {
	return fmt.Sprintf("%s:%d", name, revision)
}

func DefinitionArn(region, account, name string, revision int) string {
	return fmt.Sprintf("arn:aws:batch:%s:%s:job-definition/%s", region, account, DefinitionKey(name, revision))
}

var (
	regionPattern  = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-[0-9]{1,2}$`)
	accountPattern = regexp.MustCompile(`^[0-9]{12}$`)
)

// ValidateScope checks that a region and account can appear in an ARN.
func ValidateScope(region, account string) error {
	if !regionPattern.MatchString(region) {
		return &ErrInvalidArgument{Name: "region", Value: region, Message: "must look like us-east-1"}
	}
	if !accountPattern.MatchString(account) {
		return &ErrInvalidArgument{Name: "account", Value: account, Message: "must be 12 digits"}
	}
	return nil
}

// JobQueueInfo is the registered description of a queue. Membership lives in queue.JobQueue.
type JobQueueInfo struct {
	Name     string     `json:"jobQueueName"`
	Arn      string     `json:"jobQueueArn"`
	State    QueueState `json:"state"`
	Priority int        `json:"priority"`
}

func (q *JobQueueInfo) Enabled() bool {
	return q.State == QueueEnabled
}

func QueueArn(region, account, name string) string {
	return fmt.Sprintf("arn:aws:batch:%s:%s:job-queue/%s", region, account, name)
}
