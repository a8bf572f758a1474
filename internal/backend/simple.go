package backend

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/Popie52/batchqueue/internal/catalog"
	"github.com/Popie52/batchqueue/internal/core"
	"github.com/Popie52/batchqueue/internal/model"
)

// SimpleBackend forwards every operation to a full backend except SubmitJob, which runs
// the job with an InstantExecutor and dispatches it straight away. Dependencies are still
// honoured: a job whose dependencies are not yet satisfied waits for a later pass.
type SimpleBackend struct {
	full    *Batch
	instant *core.InstantExecutor
}

var _ Backend = (*SimpleBackend)(nil)

func NewSimpleBackend(full *Batch, clk clock.Clock) *SimpleBackend {
	return &SimpleBackend{
		full:    full,
		instant: core.NewInstantExecutor(clk),
	}
}

func (s *SimpleBackend) SubmitJob(ctx context.Context, req core.SubmitRequest) (string, string, error) {
	name, id, err := s.full.Dispatcher().SubmitWith(ctx, req, s.instant)
	if err != nil {
		return "", "", err
	}
	s.full.Dispatcher().Tick(ctx)
	return name, id, nil
}

func (s *SimpleBackend) DescribeJobs(ids []string) []model.JobDetail {
	return s.full.DescribeJobs(ids)
}

func (s *SimpleBackend) ListJobs(queue string, status *model.Status) ([]model.JobSummary, error) {
	return s.full.ListJobs(queue, status)
}

func (s *SimpleBackend) GetJobDefinition(id string) (*model.JobDefinition, error) {
	return s.full.GetJobDefinition(id)
}

func (s *SimpleBackend) ListJobDefinitions(name string, status model.DefinitionStatus) ([]*model.JobDefinition, error) {
	return s.full.ListJobDefinitions(name, status)
}

func (s *SimpleBackend) RegisterJobDefinition(spec catalog.DefinitionSpec) (*model.JobDefinition, error) {
	return s.full.RegisterJobDefinition(spec)
}

func (s *SimpleBackend) DeregisterJobDefinition(id string) error {
	return s.full.DeregisterJobDefinition(id)
}

func (s *SimpleBackend) GetJobQueue(id string) (*model.JobQueueInfo, error) {
	return s.full.GetJobQueue(id)
}

func (s *SimpleBackend) ListJobQueues() ([]*model.JobQueueInfo, error) {
	return s.full.ListJobQueues()
}

func (s *SimpleBackend) CreateJobQueue(spec catalog.QueueSpec) (*model.JobQueueInfo, error) {
	return s.full.CreateJobQueue(spec)
}

func (s *SimpleBackend) UpdateJobQueue(id string, update catalog.QueueUpdate) (*model.JobQueueInfo, error) {
	return s.full.UpdateJobQueue(id, update)
}

func (s *SimpleBackend) Restore(ctx context.Context, records []model.JobDetail) int {
	return s.full.Restore(ctx, records)
}

func (s *SimpleBackend) Purge(ctx context.Context, cutoff time.Time) []string {
	return s.full.Purge(ctx, cutoff)
}

func (s *SimpleBackend) Run(ctx context.Context) error {
	return s.full.Run(ctx)
}
