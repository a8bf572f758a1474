package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/Popie52/batchqueue/internal/logstream"
	"github.com/Popie52/batchqueue/internal/metrics"
	"github.com/Popie52/batchqueue/internal/model"
	"github.com/Popie52/batchqueue/internal/queue"
	"github.com/Popie52/batchqueue/internal/store"
)

// Catalog is the read side of the definition and queue registry.
type Catalog interface {
	GetDefinition(id string) (*model.JobDefinition, error)
	GetQueue(id string) (*model.JobQueueInfo, error)
	ListQueues() ([]*model.JobQueueInfo, error)
}

type SubmitRequest struct {
	Name       string
	Definition string
	Queue      string
	DependsOn  []string
	Overrides  model.ContainerOverrides
	Timeout    *time.Duration
}

type DispatcherConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Namer    logstream.Namer
}

// inflight is a job handed to an executor that has not yet been seen terminal.
type inflight struct {
	job      *model.Job
	executor Executor
}

// Dispatcher owns every job of one backend. It admits submissions and, one pass at a time,
// moves pending jobs through dependency resolution into an executor.
type Dispatcher struct {
	catalog  Catalog
	executor Executor
	store    store.JobStore
	metrics  metrics.MetricsFn
	clock    clock.Clock
	namer    logstream.Namer
	interval time.Duration

	// tickMu serialises dispatch passes, restores and purges.
	tickMu sync.Mutex

	mu         sync.RWMutex
	index      map[string]*model.Job
	queues     map[string]*queue.JobQueue
	strategies map[string]Executor
	active     map[string]inflight
	seq        uint64

	wake chan struct{}
}

func NewDispatcher(cat Catalog, exec Executor, st store.JobStore, m metrics.MetricsFn, cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Namer == nil {
		cfg.Namer = logstream.Default{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Dispatcher{
		catalog:    cat,
		executor:   exec,
		store:      st,
		metrics:    m,
		clock:      cfg.Clock,
		namer:      cfg.Namer,
		interval:   cfg.Interval,
		index:      make(map[string]*model.Job),
		queues:     make(map[string]*queue.JobQueue),
		strategies: make(map[string]Executor),
		active:     make(map[string]inflight),
		wake:       make(chan struct{}, 1),
	}
}

func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, string, error) {
	return d.SubmitWith(ctx, req, nil)
}

// SubmitWith submits a job that will be advanced by exec instead of the dispatcher's
// executor. A nil exec means the default. Nothing is registered unless every reference
// resolves and the record is persisted.
func (d *Dispatcher) SubmitWith(ctx context.Context, req SubmitRequest, exec Executor) (string, string, error) {
	if req.Name == "" {
		return "", "", &model.ErrInvalidArgument{Name: "jobName", Value: req.Name, Message: "must not be empty"}
	}
	if req.Timeout != nil && *req.Timeout < 0 {
		return "", "", &model.ErrInvalidArgument{Name: "timeout", Value: req.Timeout.String(), Message: "must not be negative"}
	}
	def, err := d.catalog.GetDefinition(req.Definition)
	if err != nil {
		return "", "", err
	}
	info, err := d.catalog.GetQueue(req.Queue)
	if err != nil {
		return "", "", err
	}

	d.mu.Lock()
	for _, dep := range req.DependsOn {
		if _, ok := d.index[dep]; !ok {
			d.mu.Unlock()
			return "", "", &model.ErrNotFound{Type: model.ResourceJob, Value: dep, Message: "dependsOn must reference a submitted job"}
		}
	}
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	id := uuid.NewString()
	job := model.NewJob(model.JobSpec{
		ID:         id,
		Name:       req.Name,
		Queue:      info.Name,
		Definition: *def,
		DependsOn:  req.DependsOn,
		Overrides:  req.Overrides,
		Timeout:    req.Timeout,
		CreatedAt:  d.clock.Now(),
		Seq:        seq,
		LogStream:  d.namer.StreamName(def.Name, id),
	})
	if err := job.Pend(); err != nil {
		return "", "", err
	}
	if err := d.store.Save(ctx, job.Detail()); err != nil {
		return "", "", err
	}

	d.mu.Lock()
	d.index[id] = job
	d.queueLocked(info.Name).Add(job)
	if exec != nil {
		d.strategies[id] = exec
	}
	d.mu.Unlock()

	d.metrics.IncJobsSubmitted(info.Name)
	log.WithFields(log.Fields{"job": id, "queue": info.Name, "definition": def.Key()}).Infof("job %s submitted", req.Name)

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return req.Name, id, nil
}

// Run ticks every interval, and early whenever a submission arrives, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Infof("dispatcher started (interval %s)", d.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("dispatcher stopped")
			return nil
		case <-d.wake:
		case <-d.clock.After(d.interval):
		}
		d.Tick(ctx)
	}
}

// Tick performs one dispatch pass: settle jobs the executors have finished, enforce
// timeouts, then dispatch every enabled queue in priority order.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	start := d.clock.Now()
	d.reap(ctx)
	d.enforceTimeouts(ctx)

	queues, err := d.catalog.ListQueues()
	if err != nil {
		log.Errorf("listing queues: %v", err)
		return
	}
	for _, info := range queues {
		jq := d.jobQueue(info.Name)
		if jq == nil {
			continue
		}
		if info.Enabled() {
			d.dispatchQueue(ctx, jq)
		}
		d.metrics.SetQueueDepth(info.Name, jq.PendingLen())
	}
	d.metrics.ObserveDispatchPass(d.clock.Since(start))
}

func (d *Dispatcher) dispatchQueue(ctx context.Context, jq *queue.JobQueue) {
	for _, job := range jq.Pending() {
		switch job.Status() {
		case model.StatusPending:
			res := Resolve(job.DependsOn, d.lookup)
			switch res.Readiness {
			case Waiting:
				continue
			case Failed:
				jq.Dispatched(job.ID)
				if err := job.Fail(d.clock.Now(), res.Reason()); err != nil {
					log.WithField("job", job.ID).Errorf("failing job: %v", err)
				}
				log.WithFields(log.Fields{"job": job.ID, "dependency": res.JobID}).Info("dependency failed")
				d.finished(ctx, job)
				continue
			}
			if err := job.MarkRunnable(); err != nil {
				log.WithField("job", job.ID).Errorf("marking job runnable: %v", err)
				continue
			}
			jq.Dispatched(job.ID)
			d.advance(ctx, job)
		case model.StatusRunnable:
			jq.Dispatched(job.ID)
			d.advance(ctx, job)
		default:
			jq.Dispatched(job.ID)
		}
	}
}

func (d *Dispatcher) advance(ctx context.Context, job *model.Job) {
	exec := d.executorFor(job.ID)

	d.mu.Lock()
	d.active[job.ID] = inflight{job: job, executor: exec}
	d.mu.Unlock()
	d.metrics.IncInflight()

	if err := exec.Advance(ctx, job); err != nil {
		log.WithField("job", job.ID).Errorf("advancing job: %v", err)
		switch job.Status() {
		case model.StatusStarting:
			_ = job.Fail(d.clock.Now(), "CannotStartContainerError: "+err.Error())
		case model.StatusRunnable:
			d.requeue(job)
		}
	}
	if !d.settle(ctx, job.ID) {
		d.persist(ctx, job)
	}
}

// requeue takes a job the executor refused before starting it out of the in-flight set
// and hands it back to its queue, so the next pass retries it.
func (d *Dispatcher) requeue(job *model.Job) {
	d.mu.Lock()
	delete(d.active, job.ID)
	d.queueLocked(job.Queue).Requeue(job)
	d.mu.Unlock()
	d.metrics.DecInflight()
}

// reap settles every in-flight job that has reached a terminal state.
func (d *Dispatcher) reap(ctx context.Context) {
	for _, f := range d.inflightJobs() {
		d.settle(ctx, f.job.ID)
	}
}

// enforceTimeouts fails every started job whose budget, measured from started_at, is spent.
func (d *Dispatcher) enforceTimeouts(ctx context.Context) {
	now := d.clock.Now()
	for _, f := range d.inflightJobs() {
		job := f.job
		timeout := job.EffectiveTimeout()
		if timeout == nil {
			continue
		}
		switch job.Status() {
		case model.StatusStarting, model.StatusRunning:
		default:
			continue
		}
		if now.Before(job.StartedAt().Add(*timeout)) {
			continue
		}
		if err := job.Fail(now, model.ReasonTimeout); err != nil {
			log.WithField("job", job.ID).Errorf("timing out job: %v", err)
			continue
		}
		log.WithField("job", job.ID).Infof("job timed out after %s", *timeout)
		if aborter, ok := f.executor.(Aborter); ok {
			aborter.Abort(job.ID)
		}
		d.settle(ctx, job.ID)
	}
}

// settle drops a terminal job from the in-flight set and records its outcome. It reports
// whether the job was terminal.
func (d *Dispatcher) settle(ctx context.Context, id string) bool {
	d.mu.Lock()
	f, ok := d.active[id]
	if !ok || !f.job.Status().IsTerminal() {
		d.mu.Unlock()
		return false
	}
	delete(d.active, id)
	delete(d.strategies, id)
	d.mu.Unlock()

	d.metrics.DecInflight()
	d.finished(ctx, f.job)
	return true
}

func (d *Dispatcher) finished(ctx context.Context, job *model.Job) {
	detail := d.persist(ctx, job)
	logger := log.WithFields(log.Fields{"job": job.ID, "queue": job.Queue})
	switch detail.Status {
	case model.StatusSucceeded:
		d.metrics.IncJobsSucceeded(job.Queue)
		logger.Info("job succeeded")
	case model.StatusFailed:
		d.metrics.IncJobsFailed(job.Queue, reasonLabel(detail.StatusReason))
		logger.Infof("job failed: %s", detail.StatusReason)
	}
}

func (d *Dispatcher) persist(ctx context.Context, job *model.Job) model.JobDetail {
	detail := job.Detail()
	if err := d.store.Save(ctx, detail); err != nil {
		log.WithField("job", job.ID).Errorf("saving job: %v", err)
	}
	return detail
}

func (d *Dispatcher) DescribeJob(id string) (model.JobDetail, error) {
	job, ok := d.lookup(id)
	if !ok {
		return model.JobDetail{}, &model.ErrNotFound{Type: model.ResourceJob, Value: id}
	}
	return job.Detail(), nil
}

// DescribeJobs returns the jobs it knows of, in the order asked. Unknown ids are skipped.
func (d *Dispatcher) DescribeJobs(ids []string) []model.JobDetail {
	out := make([]model.JobDetail, 0, len(ids))
	for _, id := range ids {
		if job, ok := d.lookup(id); ok {
			out = append(out, job.Detail())
		}
	}
	return out
}

// ListJobs lists a queue's jobs in submission order, optionally restricted to one status.
func (d *Dispatcher) ListJobs(queueID string, status *model.Status) ([]model.JobSummary, error) {
	info, err := d.catalog.GetQueue(queueID)
	if err != nil {
		return nil, err
	}
	out := []model.JobSummary{}
	jq := d.jobQueue(info.Name)
	if jq == nil {
		return out, nil
	}
	for _, job := range jq.Jobs() {
		summary := job.Summary()
		if status != nil && summary.Status != *status {
			continue
		}
		out = append(out, summary)
	}
	return out, nil
}

// Purge forgets terminal jobs that stopped before cutoff. Jobs a live job still depends
// on are kept. It returns the ids removed.
func (d *Dispatcher) Purge(ctx context.Context, cutoff time.Time) []string {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	d.mu.Lock()
	needed := make(map[string]bool)
	for _, job := range d.index {
		if job.Status().IsTerminal() {
			continue
		}
		for _, dep := range job.DependsOn {
			needed[dep] = true
		}
	}
	var removed []string
	for id, job := range d.index {
		if needed[id] || !job.Status().IsTerminal() {
			continue
		}
		if _, ok := d.active[id]; ok {
			continue
		}
		if stopped := job.StoppedAt(); stopped.IsZero() || !stopped.Before(cutoff) {
			continue
		}
		delete(d.index, id)
		delete(d.strategies, id)
		if jq, ok := d.queues[job.Queue]; ok {
			jq.Remove(id)
		}
		removed = append(removed, id)
	}
	d.mu.Unlock()

	for _, id := range removed {
		if err := d.store.Remove(ctx, id); err != nil {
			log.WithField("job", id).Errorf("removing job record: %v", err)
		}
	}
	if len(removed) > 0 {
		log.Infof("purged %d jobs stopped before %s", len(removed), cutoff.Format(time.RFC3339))
	}
	return removed
}

// Restore loads persisted jobs back into the index. Jobs that were starting or running when
// the process stopped cannot be resumed and are failed.
func (d *Dispatcher) Restore(ctx context.Context, records []model.JobDetail) int {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	now := d.clock.Now()
	var restored, interrupted []*model.Job

	d.mu.Lock()
	for _, rec := range records {
		if _, ok := d.index[rec.JobID]; ok {
			continue
		}
		job := model.RestoreJob(rec)
		switch job.Status() {
		case model.StatusSubmitted:
			_ = job.Pend()
		case model.StatusStarting, model.StatusRunning:
			_ = job.Fail(now, model.ReasonHostTerminated)
			interrupted = append(interrupted, job)
		}
		d.index[job.ID] = job
		d.queueLocked(job.Queue).Add(job)
		if rec.Seq > d.seq {
			d.seq = rec.Seq
		}
		restored = append(restored, job)
	}
	d.mu.Unlock()

	for _, job := range interrupted {
		log.WithField("job", job.ID).Warn("job was in flight at shutdown, marking failed")
		d.finished(ctx, job)
	}
	log.Infof("restored %d jobs", len(restored))
	return len(restored)
}

// IndexSize is the number of jobs known to the dispatcher.
func (d *Dispatcher) IndexSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index)
}

func (d *Dispatcher) lookup(id string) (*model.Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	job, ok := d.index[id]
	return job, ok
}

func (d *Dispatcher) jobQueue(name string) *queue.JobQueue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.queues[name]
}

func (d *Dispatcher) queueLocked(name string) *queue.JobQueue {
	jq, ok := d.queues[name]
	if !ok {
		jq = queue.NewJobQueue(name)
		d.queues[name] = jq
	}
	return jq
}

func (d *Dispatcher) executorFor(id string) Executor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if exec, ok := d.strategies[id]; ok {
		return exec
	}
	return d.executor
}

func (d *Dispatcher) inflightJobs() []inflight {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]inflight, 0, len(d.active))
	for _, f := range d.active {
		out = append(out, f)
	}
	return out
}

// reasonLabel keeps the failure metric's reason label to a small set of values.
func reasonLabel(reason string) string {
	switch {
	case reason == model.ReasonTimeout, reason == model.ReasonDependencyFailed,
		reason == model.ReasonHostTerminated, reason == model.ReasonAttemptFailed:
		return reason
	case strings.HasPrefix(reason, "missing dependency"):
		return "missing dependency"
	case strings.HasPrefix(reason, "CannotStartContainerError"):
		return "CannotStartContainerError"
	default:
		return "other"
	}
}
