package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/Popie52/batchqueue/internal/catalog"
	"github.com/Popie52/batchqueue/internal/metrics"
	"github.com/Popie52/batchqueue/internal/model"
)

func TestDispatcher_NoDependenciesSucceedsInOneTick(t *testing.T) {
	env := newTestEnv(t, instant)
	id := env.submit(t, "solo")

	detail := env.describe(t, id)
	assert.Equal(t, model.StatusPending, detail.Status)
	assert.Equal(t, "sleep/default/"+id, detail.LogStreamName)

	env.tick()

	detail = env.describe(t, id)
	assert.Equal(t, model.StatusSucceeded, detail.Status)
	require.NotNil(t, detail.StartedAt)
	require.NotNil(t, detail.StoppedAt)
	assert.False(t, detail.StoppedAt.Before(*detail.StartedAt))
	assert.Equal(t, 1, detail.AttemptCount())
	assert.True(t, detail.LastAttemptSucceeded)

	saved, ok := env.store.get(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusSucceeded, saved.Status)
}

func TestDispatcher_DependencyChain(t *testing.T) {
	env := newTestEnv(t, instant)
	a := env.submit(t, "a")
	b := env.submit(t, "b", a)

	env.tick()
	env.clock.Step(time.Second)
	env.tick()

	da, db := env.describe(t, a), env.describe(t, b)
	assert.Equal(t, model.StatusSucceeded, da.Status)
	assert.Equal(t, model.StatusSucceeded, db.Status)
	assert.False(t, da.StoppedAt.After(*db.StartedAt))
}

func TestDispatcher_DependentWaitsForLiveDependency(t *testing.T) {
	var manual *manualExecutor
	env := newTestEnv(t, func(clk clock.Clock) Executor {
		manual = &manualExecutor{clock: clk}
		return manual
	})
	a := env.submit(t, "a")
	_, b, err := env.dispatcher.SubmitWith(context.Background(), SubmitRequest{
		Name: "b", Definition: "sleep", Queue: "q", DependsOn: []string{a},
	}, NewInstantExecutor(env.clock))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.tick()
		assert.Equal(t, model.StatusRunning, env.describe(t, a).Status)
		assert.Equal(t, model.StatusPending, env.describe(t, b).Status)
	}

	job, _ := env.dispatcher.lookup(a)
	require.NoError(t, job.Succeed(env.clock.Now()))
	env.tick()

	assert.Equal(t, model.StatusSucceeded, env.describe(t, b).Status)
	assert.Equal(t, []string{a}, manual.Advanced())
}

func TestDispatcher_FailedDependencyPropagates(t *testing.T) {
	env := newTestEnv(t, func(clk clock.Clock) Executor { return &manualExecutor{clock: clk} })
	a := env.submit(t, "a")
	b := env.submit(t, "b", a)
	c := env.submit(t, "c", b)

	env.tick()
	job, _ := env.dispatcher.lookup(a)
	require.NoError(t, job.Fail(env.clock.Now(), "exit 1"))
	env.tick()

	for _, id := range []string{b, c} {
		detail := env.describe(t, id)
		assert.Equal(t, model.StatusFailed, detail.Status)
		assert.Equal(t, model.ReasonDependencyFailed, detail.StatusReason)
		assert.Nil(t, detail.StartedAt)
		assert.Zero(t, detail.AttemptCount())
	}
}

func TestDispatcher_SubmitRejectsUnknownReferences(t *testing.T) {
	env := newTestEnv(t, instant)
	known := env.submit(t, "known")
	ctx := context.Background()

	_, _, err := env.dispatcher.Submit(ctx, SubmitRequest{Name: "x", Definition: "nope", Queue: "q"})
	assert.True(t, model.IsDefinitionNotFound(err))

	_, _, err = env.dispatcher.Submit(ctx, SubmitRequest{Name: "x", Definition: "sleep", Queue: "nope"})
	assert.True(t, model.IsQueueNotFound(err))

	_, _, err = env.dispatcher.Submit(ctx, SubmitRequest{Name: "x", Definition: "sleep", Queue: "q", DependsOn: []string{known, "never-submitted"}})
	assert.True(t, model.IsNotFound(err, model.ResourceJob))

	_, _, err = env.dispatcher.Submit(ctx, SubmitRequest{Name: "", Definition: "sleep", Queue: "q"})
	assert.True(t, model.IsClientError(err))

	negative := -time.Second
	_, _, err = env.dispatcher.Submit(ctx, SubmitRequest{Name: "x", Definition: "sleep", Queue: "q", Timeout: &negative})
	assert.True(t, model.IsClientError(err))

	assert.Equal(t, 1, env.dispatcher.IndexSize())
}

func TestDispatcher_SubmitByArnAndRevision(t *testing.T) {
	env := newTestEnv(t, instant)
	_, id, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		Name:       "by-arn",
		Definition: "sleep:1",
		Queue:      model.QueueArn(testRegion, testAccount, "q"),
	})
	require.NoError(t, err)

	detail := env.describe(t, id)
	assert.Equal(t, "q", detail.JobQueue)
	assert.Equal(t, 1, detail.JobDefinition.Revision)
}

func TestDispatcher_StoreFailureCreatesNoJob(t *testing.T) {
	env := newTestEnv(t, instant)
	env.store.saveErr = assert.AnError

	_, _, err := env.dispatcher.Submit(context.Background(), SubmitRequest{Name: "x", Definition: "sleep", Queue: "q"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, env.dispatcher.IndexSize())
}

func TestDispatcher_TerminalStateIsFinal(t *testing.T) {
	env := newTestEnv(t, instant)
	id := env.submit(t, "a")
	env.tick()

	job, _ := env.dispatcher.lookup(id)
	before := env.describe(t, id)
	require.NoError(t, job.Fail(env.clock.Now(), "late"))
	require.NoError(t, job.Pend())
	env.clock.Step(time.Hour)
	env.tick()

	after := env.describe(t, id)
	assert.Equal(t, model.StatusSucceeded, after.Status)
	assert.Equal(t, before.StoppedAt, after.StoppedAt)
	assert.Empty(t, after.StatusReason)
}

func TestDispatcher_ZeroTimeoutFailsWithTimeout(t *testing.T) {
	env := newTestEnv(t, func(clk clock.Clock) Executor {
		return NewRealExecutor(clk, RunnerFunc(blockUntilDone), metrics.Nop{}, RealExecutorConfig{Workers: 1})
	})
	zero := time.Duration(0)
	_, id, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		Name: "c", Definition: "sleep", Queue: "q", Timeout: &zero,
	})
	require.NoError(t, err)

	env.tick()
	assert.Equal(t, model.StatusStarting, env.describe(t, id).Status)

	env.tick()
	detail := env.describe(t, id)
	assert.Equal(t, model.StatusFailed, detail.Status)
	assert.Equal(t, model.ReasonTimeout, detail.StatusReason)
	require.NotNil(t, detail.StoppedAt)
}

func TestDispatcher_TimeoutAbortsExecutor(t *testing.T) {
	var manual *manualExecutor
	env := newTestEnv(t, func(clk clock.Clock) Executor {
		manual = &manualExecutor{clock: clk}
		return manual
	})
	timeout := 10 * time.Second
	_, id, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		Name: "slow", Definition: "sleep", Queue: "q", Timeout: &timeout,
	})
	require.NoError(t, err)

	env.tick()
	env.clock.Step(9 * time.Second)
	env.tick()
	assert.Equal(t, model.StatusRunning, env.describe(t, id).Status)

	env.clock.Step(time.Second)
	env.tick()
	detail := env.describe(t, id)
	assert.Equal(t, model.StatusFailed, detail.Status)
	assert.Equal(t, model.ReasonTimeout, detail.StatusReason)
	assert.Equal(t, baseTime.Add(10*time.Second), *detail.StoppedAt)
	assert.Equal(t, []string{id}, manual.aborted)
}

func TestDispatcher_DefinitionTimeoutApplies(t *testing.T) {
	env := newTestEnv(t, func(clk clock.Clock) Executor { return &manualExecutor{clock: clk} })
	timeout := 5 * time.Second
	_, err := env.catalog.RegisterDefinition(catalog.DefinitionSpec{Name: "bounded", Timeout: &timeout})
	require.NoError(t, err)
	_, id, err := env.dispatcher.Submit(context.Background(), SubmitRequest{Name: "x", Definition: "bounded", Queue: "q"})
	require.NoError(t, err)

	env.tick()
	env.clock.Step(5 * time.Second)
	env.tick()

	assert.Equal(t, model.ReasonTimeout, env.describe(t, id).StatusReason)
}

func TestDispatcher_DisabledQueueIsSkipped(t *testing.T) {
	env := newTestEnv(t, instant)
	disabled := model.QueueDisabled
	_, err := env.catalog.UpdateQueue("q", catalog.QueueUpdate{State: &disabled})
	require.NoError(t, err)

	id := env.submit(t, "a")
	env.tick()
	assert.Equal(t, model.StatusPending, env.describe(t, id).Status)

	enabled := model.QueueEnabled
	_, err = env.catalog.UpdateQueue("q", catalog.QueueUpdate{State: &enabled})
	require.NoError(t, err)
	env.tick()
	assert.Equal(t, model.StatusSucceeded, env.describe(t, id).Status)
}

func TestDispatcher_QueuePriorityAndReadinessOrder(t *testing.T) {
	var manual *manualExecutor
	env := newTestEnv(t, func(clk clock.Clock) Executor {
		manual = &manualExecutor{clock: clk}
		return manual
	})
	_, err := env.catalog.CreateQueue(catalog.QueueSpec{Name: "urgent", Priority: 10})
	require.NoError(t, err)

	blocker := env.submit(t, "blocker")
	env.tick()

	waiting := env.submit(t, "waiting", blocker)
	ready := env.submit(t, "ready")
	_, urgent, err := env.dispatcher.Submit(context.Background(), SubmitRequest{Name: "urgent", Definition: "sleep", Queue: "urgent"})
	require.NoError(t, err)

	env.tick()

	assert.Equal(t, []string{blocker, urgent, ready}, manual.Advanced())
	assert.Equal(t, model.StatusPending, env.describe(t, waiting).Status)
}

func TestDispatcher_ListAndDescribe(t *testing.T) {
	env := newTestEnv(t, func(clk clock.Clock) Executor { return &manualExecutor{clock: clk} })
	a := env.submit(t, "a")
	b := env.submit(t, "b", a)
	env.tick()

	all, err := env.dispatcher.ListJobs("q", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a, all[0].JobID)
	assert.Equal(t, b, all[1].JobID)

	running := model.StatusRunning
	filtered, err := env.dispatcher.ListJobs(model.QueueArn(testRegion, testAccount, "q"), &running)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, a, filtered[0].JobID)

	_, err = env.dispatcher.ListJobs("nope", nil)
	assert.True(t, model.IsQueueNotFound(err))

	details := env.dispatcher.DescribeJobs([]string{b, "unknown", a})
	require.Len(t, details, 2)
	assert.Equal(t, b, details[0].JobID)
	assert.Equal(t, []string{a}, details[0].DependsOn)

	_, err = env.dispatcher.DescribeJob("unknown")
	assert.True(t, model.IsNotFound(err, model.ResourceJob))
}

func TestDispatcher_Purge(t *testing.T) {
	env := newTestEnv(t, func(clk clock.Clock) Executor { return &manualExecutor{clock: clk} })
	done := env.submit(t, "done")
	dep := env.submit(t, "dep")
	env.tick()

	for _, id := range []string{done, dep} {
		job, _ := env.dispatcher.lookup(id)
		require.NoError(t, job.Succeed(env.clock.Now()))
	}
	live := env.submit(t, "live", dep)
	disabled := model.QueueDisabled
	_, err := env.catalog.UpdateQueue("q", catalog.QueueUpdate{State: &disabled})
	require.NoError(t, err)
	env.tick()

	env.clock.Step(time.Hour)
	removed := env.dispatcher.Purge(context.Background(), env.clock.Now().Add(-time.Minute))

	assert.Equal(t, []string{done}, removed)
	assert.Equal(t, 2, env.dispatcher.IndexSize())
	_, ok := env.store.get(done)
	assert.False(t, ok)
	_, err = env.dispatcher.DescribeJob(live)
	assert.NoError(t, err)

	assert.Empty(t, env.dispatcher.Purge(context.Background(), baseTime))
}

func TestDispatcher_Restore(t *testing.T) {
	env := newTestEnv(t, instant)
	def, err := env.catalog.GetDefinition("sleep")
	require.NoError(t, err)
	started := baseTime.Add(-time.Minute)

	records := []model.JobDetail{
		{JobID: "pending", JobName: "p", JobQueue: "q", JobDefinition: *def, Status: model.StatusPending, CreatedAt: baseTime, Seq: 3},
		{JobID: "runnable", JobName: "r", JobQueue: "q", JobDefinition: *def, Status: model.StatusRunnable, CreatedAt: baseTime, Seq: 4},
		{JobID: "running", JobName: "x", JobQueue: "q", JobDefinition: *def, Status: model.StatusRunning, CreatedAt: baseTime, Seq: 5,
			StartedAt: &started, Attempts: []model.Attempt{{StartedAt: started}}},
		{JobID: "done", JobName: "d", JobQueue: "q", JobDefinition: *def, Status: model.StatusSucceeded, CreatedAt: baseTime, Seq: 1},
	}
	assert.Equal(t, 4, env.dispatcher.Restore(context.Background(), records))
	assert.Zero(t, env.dispatcher.Restore(context.Background(), records))

	running := env.describe(t, "running")
	assert.Equal(t, model.StatusFailed, running.Status)
	assert.Equal(t, model.ReasonHostTerminated, running.StatusReason)
	saved, ok := env.store.get("running")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, saved.Status)

	env.tick()
	assert.Equal(t, model.StatusSucceeded, env.describe(t, "pending").Status)
	assert.Equal(t, model.StatusSucceeded, env.describe(t, "runnable").Status)

	id := env.submit(t, "after-restore")
	assert.Equal(t, uint64(6), env.describe(t, id).Seq)
}

func TestDispatcher_RunTicksOnSubmit(t *testing.T) {
	env := newTestEnv(t, instant)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.dispatcher.Run(ctx) }()

	id := env.submit(t, "a")
	require.Eventually(t, func() bool {
		return env.describe(t, id).Status == model.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestDispatcher_SnapshotsShareNothingWithCallers(t *testing.T) {
	env := newTestEnv(t, instant)
	_, err := env.catalog.RegisterDefinition(catalog.DefinitionSpec{
		Name:      "env",
		Container: model.ContainerProperties{Image: "busybox", Environment: map[string]string{"A": "1"}},
	})
	require.NoError(t, err)

	first := env.submit(t, "first")
	deps := []string{first}
	overrides := model.ContainerOverrides{Command: []string{"echo"}, Environment: map[string]string{"B": "2"}}
	_, id, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		Name:       "second",
		Definition: "env",
		Queue:      "q",
		DependsOn:  deps,
		Overrides:  overrides,
	})
	require.NoError(t, err)

	deps[0] = "nope"
	overrides.Command[0] = "rm"
	overrides.Environment["B"] = "tampered"

	detail := env.describe(t, id)
	detail.JobDefinition.Container.Environment["A"] = "tampered"
	detail.JobDefinition.Container.Environment["C"] = "injected"
	detail.ContainerOverrides.Environment["B"] = "tampered"
	detail.DependsOn[0] = "nope"

	again := env.describe(t, id)
	assert.Equal(t, map[string]string{"A": "1"}, again.JobDefinition.Container.Environment)
	assert.Equal(t, map[string]string{"B": "2"}, again.ContainerOverrides.Environment)
	assert.Equal(t, []string{"echo"}, again.ContainerOverrides.Command)
	assert.Equal(t, []string{first}, again.DependsOn)

	def, err := env.catalog.GetDefinition("env")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, def.Container.Environment)

	env.tick()
	assert.Equal(t, model.StatusSucceeded, env.describe(t, id).Status)
}

func TestDispatcher_ConcurrentSubmitAndTick(t *testing.T) {
	const (
		submitters = 8
		chainLen   = 50
	)
	env := newTestEnv(t, instant)

	stop := make(chan struct{})
	ticking := make(chan struct{})
	go func() {
		defer close(ticking)
		for {
			select {
			case <-stop:
				return
			default:
			}
			env.clock.Step(time.Millisecond)
			env.tick()
		}
	}()

	chains := make([][]string, submitters)
	var wg sync.WaitGroup
	for i := range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var prev []string
			for n := range chainLen {
				_, id, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
					Name:       fmt.Sprintf("chain-%d-%d", i, n),
					Definition: "sleep",
					Queue:      "q",
					DependsOn:  prev,
				})
				if !assert.NoError(t, err) {
					return
				}
				chains[i] = append(chains[i], id)
				prev = []string{id}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-ticking

	// a chain needs at most one pass per link once submissions stop
	for range chainLen {
		env.clock.Step(time.Millisecond)
		env.tick()
	}

	seen := make(map[string]bool)
	for _, chain := range chains {
		require.Len(t, chain, chainLen)
		for n, id := range chain {
			assert.False(t, seen[id], "duplicate job id %s", id)
			seen[id] = true

			detail := env.describe(t, id)
			require.Equal(t, model.StatusSucceeded, detail.Status, detail.JobName)
			require.NotNil(t, detail.StartedAt)
			require.NotNil(t, detail.StoppedAt)
			if n == 0 {
				continue
			}
			dep := env.describe(t, chain[n-1])
			assert.False(t, dep.StoppedAt.After(*detail.StartedAt), "%s started before %s stopped", detail.JobName, dep.JobName)
		}
	}
	assert.Len(t, seen, submitters*chainLen)

	list, err := env.dispatcher.ListJobs("q", nil)
	require.NoError(t, err)
	assert.Len(t, list, submitters*chainLen)
	for _, summary := range list {
		assert.True(t, seen[summary.JobID], summary.JobID)
	}
}

// refusingExecutor rejects the first refusals jobs without touching them.
type refusingExecutor struct {
	next     Executor
	refusals int
	calls    int
}

func (e *refusingExecutor) Advance(ctx context.Context, job *model.Job) error {
	e.calls++
	if e.calls <= e.refusals {
		return errors.New("no capacity")
	}
	return e.next.Advance(ctx, job)
}

type inflightGauge struct {
	metrics.Nop
	n atomic.Int64
}

func (g *inflightGauge) IncInflight() { g.n.Add(1) }
func (g *inflightGauge) DecInflight() { g.n.Add(-1) }

func TestDispatcher_RefusedAdvanceIsRequeued(t *testing.T) {
	env := newTestEnv(t, func(clk clock.Clock) Executor {
		return &refusingExecutor{next: NewInstantExecutor(clk), refusals: 1}
	})
	gauge := &inflightGauge{}
	env.dispatcher.metrics = gauge
	id := env.submit(t, "refused")

	env.tick()
	assert.Equal(t, model.StatusRunnable, env.describe(t, id).Status)
	assert.Zero(t, gauge.n.Load())
	assert.Empty(t, env.dispatcher.inflightJobs())
	assert.Equal(t, 1, env.dispatcher.jobQueue("q").PendingLen())
	saved, ok := env.store.get(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusRunnable, saved.Status)

	env.tick()
	assert.Equal(t, model.StatusSucceeded, env.describe(t, id).Status)
	assert.Zero(t, gauge.n.Load())
	assert.Empty(t, env.dispatcher.inflightJobs())
	assert.Zero(t, env.dispatcher.jobQueue("q").PendingLen())
}

func TestReasonLabel(t *testing.T) {
	assert.Equal(t, model.ReasonTimeout, reasonLabel(model.ReasonTimeout))
	assert.Equal(t, "missing dependency", reasonLabel("missing dependency abc"))
	assert.Equal(t, "CannotStartContainerError", reasonLabel("CannotStartContainerError: no image"))
	assert.Equal(t, "other", reasonLabel("exit 1"))
}
