package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Popie52/batchqueue/internal/catalog"
	"github.com/Popie52/batchqueue/internal/metrics"
	"github.com/Popie52/batchqueue/internal/model"
)

const (
	testRegion  = "us-east-1"
	testAccount = "123456789012"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	clock      *clocktesting.FakeClock
	catalog    *catalog.Catalog
	store      *memStore
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, exec func(clock.Clock) Executor) *testEnv {
	t.Helper()
	clk := clocktesting.NewFakeClock(baseTime)
	cat, err := catalog.New(testRegion, testAccount)
	require.NoError(t, err)
	_, err = cat.CreateQueue(catalog.QueueSpec{Name: "q", Priority: 1})
	require.NoError(t, err)
	_, err = cat.RegisterDefinition(catalog.DefinitionSpec{Name: "sleep", Container: model.ContainerProperties{Image: "busybox", Command: []string{"sleep", "1"}}})
	require.NoError(t, err)

	st := newMemStore()
	d := NewDispatcher(cat, exec(clk), st, metrics.Nop{}, DispatcherConfig{Clock: clk, Interval: time.Second})
	return &testEnv{clock: clk, catalog: cat, store: st, dispatcher: d}
}

func instant(clk clock.Clock) Executor { return NewInstantExecutor(clk) }

func (e *testEnv) submit(t *testing.T, name string, deps ...string) string {
	t.Helper()
	_, id, err := e.dispatcher.Submit(context.Background(), SubmitRequest{
		Name:       name,
		Definition: "sleep",
		Queue:      "q",
		DependsOn:  deps,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) describe(t *testing.T, id string) model.JobDetail {
	t.Helper()
	detail, err := e.dispatcher.DescribeJob(id)
	require.NoError(t, err)
	return detail
}

func (e *testEnv) tick() {
	e.dispatcher.Tick(context.Background())
}

// manualExecutor starts jobs and leaves them RUNNING for the test to finish.
type manualExecutor struct {
	clock clock.Clock

	mu       sync.Mutex
	advanced []string
	aborted  []string
}

func (e *manualExecutor) Advance(_ context.Context, job *model.Job) error {
	if err := job.Start(e.clock.Now()); err != nil {
		return err
	}
	if err := job.MarkRunning(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanced = append(e.advanced, job.ID)
	return nil
}

func (e *manualExecutor) Abort(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = append(e.aborted, jobID)
}

func (e *manualExecutor) Advanced() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.advanced...)
}

type memStore struct {
	mu      sync.Mutex
	jobs    map[string]model.JobDetail
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]model.JobDetail)}
}

func (s *memStore) Save(_ context.Context, job model.JobDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *memStore) Load(_ context.Context) ([]model.JobDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobDetail, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *memStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) get(id string) (model.JobDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}
