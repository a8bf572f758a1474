// Package backend assembles a catalog, a dispatcher and an execution strategy into the
// operations one (region, account) pair exposes.
package backend

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/Popie52/batchqueue/internal/catalog"
	"github.com/Popie52/batchqueue/internal/core"
	"github.com/Popie52/batchqueue/internal/metrics"
	"github.com/Popie52/batchqueue/internal/model"
	"github.com/Popie52/batchqueue/internal/store"
)

// Backend is every operation a caller can perform against one backend.
type Backend interface {
	SubmitJob(ctx context.Context, req core.SubmitRequest) (string, string, error)
	DescribeJobs(ids []string) []model.JobDetail
	ListJobs(queue string, status *model.Status) ([]model.JobSummary, error)

	GetJobDefinition(id string) (*model.JobDefinition, error)
	ListJobDefinitions(name string, status model.DefinitionStatus) ([]*model.JobDefinition, error)
	RegisterJobDefinition(spec catalog.DefinitionSpec) (*model.JobDefinition, error)
	DeregisterJobDefinition(id string) error

	GetJobQueue(id string) (*model.JobQueueInfo, error)
	ListJobQueues() ([]*model.JobQueueInfo, error)
	CreateJobQueue(spec catalog.QueueSpec) (*model.JobQueueInfo, error)
	UpdateJobQueue(id string, update catalog.QueueUpdate) (*model.JobQueueInfo, error)

	Restore(ctx context.Context, records []model.JobDetail) int
	Purge(ctx context.Context, cutoff time.Time) []string

	// Run drives the backend's background loops until ctx is cancelled.
	Run(ctx context.Context) error
}

type Config struct {
	Region     string
	Account    string
	Executor   core.Executor
	Store      store.JobStore
	Metrics    metrics.MetricsFn
	Dispatcher core.DispatcherConfig
}

// Batch is the full backend.
type Batch struct {
	region  string
	account string

	catalog    *catalog.Catalog
	dispatcher *core.Dispatcher
	executor   core.Executor
}

var _ Backend = (*Batch)(nil)

func NewBatch(cfg Config) (*Batch, error) {
	cat, err := catalog.New(cfg.Region, cfg.Account)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		cfg.Store = store.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Executor == nil {
		clk := cfg.Dispatcher.Clock
		if clk == nil {
			clk = clock.RealClock{}
		}
		cfg.Executor = core.NewInstantExecutor(clk)
	}
	return &Batch{
		region:     cfg.Region,
		account:    cfg.Account,
		catalog:    cat,
		dispatcher: core.NewDispatcher(cat, cfg.Executor, cfg.Store, cfg.Metrics, cfg.Dispatcher),
		executor:   cfg.Executor,
	}, nil
}

func (b *Batch) Region() string  { return b.region }
func (b *Batch) Account() string { return b.account }

// Catalog is exposed for seeding.
func (b *Batch) Catalog() *catalog.Catalog {
	return b.catalog
}

func (b *Batch) Dispatcher() *core.Dispatcher {
	return b.dispatcher
}

func (b *Batch) SubmitJob(ctx context.Context, req core.SubmitRequest) (string, string, error) {
	return b.dispatcher.Submit(ctx, req)
}

func (b *Batch) DescribeJobs(ids []string) []model.JobDetail {
	return b.dispatcher.DescribeJobs(ids)
}

func (b *Batch) ListJobs(queue string, status *model.Status) ([]model.JobSummary, error) {
	return b.dispatcher.ListJobs(queue, status)
}

func (b *Batch) GetJobDefinition(id string) (*model.JobDefinition, error) {
	return b.catalog.GetDefinition(id)
}

func (b *Batch) ListJobDefinitions(name string, status model.DefinitionStatus) ([]*model.JobDefinition, error) {
	return b.catalog.ListDefinitions(name, status)
}

func (b *Batch) RegisterJobDefinition(spec catalog.DefinitionSpec) (*model.JobDefinition, error) {
	return b.catalog.RegisterDefinition(spec)
}

func (b *Batch) DeregisterJobDefinition(id string) error {
	return b.catalog.DeregisterDefinition(id)
}

func (b *Batch) GetJobQueue(id string) (*model.JobQueueInfo, error) {
	return b.catalog.GetQueue(id)
}

func (b *Batch) ListJobQueues() ([]*model.JobQueueInfo, error) {
	return b.catalog.ListQueues()
}

func (b *Batch) CreateJobQueue(spec catalog.QueueSpec) (*model.JobQueueInfo, error) {
	return b.catalog.CreateQueue(spec)
}

func (b *Batch) UpdateJobQueue(id string, update catalog.QueueUpdate) (*model.JobQueueInfo, error) {
	return b.catalog.UpdateQueue(id, update)
}

func (b *Batch) Restore(ctx context.Context, records []model.JobDetail) int {
	return b.dispatcher.Restore(ctx, records)
}

func (b *Batch) Purge(ctx context.Context, cutoff time.Time) []string {
	return b.dispatcher.Purge(ctx, cutoff)
}

// Run runs the dispatch loop and, if the executor has one, its worker pool.
func (b *Batch) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.dispatcher.Run(ctx)
	})
	if runnable, ok := b.executor.(core.Runnable); ok {
		g.Go(func() error {
			return runnable.Run(ctx)
		})
	}
	return g.Wait()
}
