package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/Popie52/batchqueue/internal/model"
)

// JobQueue tracks the jobs owned by one queue: every job ever submitted to it, in
// submission order, and the subset still waiting for dispatch.
type JobQueue struct {
	name string

	mu      sync.RWMutex
	jobs    map[string]*model.Job
	order   []*model.Job
	pending []*model.Job
}

func NewJobQueue(name string) *JobQueue {
	return &JobQueue{
		name: name,
		jobs: make(map[string]*model.Job),
	}
}

func (q *JobQueue) Name() string {
	return q.name
}

// Add registers a job. Jobs normally arrive in sequence order; restored jobs may not,
// so insertion keeps both lists sorted by sequence.
func (q *JobQueue) Add(job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; ok {
		return
	}
	q.jobs[job.ID] = job
	q.order = insertBySeq(q.order, job)
	if !job.Status().IsTerminal() {
		q.pending = insertBySeq(q.pending, job)
	}
}

func (q *JobQueue) Get(id string) (*model.Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	return job, ok
}

// Pending returns the jobs awaiting dispatch, earliest submission first.
func (q *JobQueue) Pending() []*model.Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]*model.Job(nil), q.pending...)
}

// Dispatched drops a job from the pending list once it has left PENDING.
func (q *JobQueue) Dispatched(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = removeByID(q.pending, id)
}

// Requeue puts a dispatched job back on the pending list at its sequence position.
// Unknown and terminal jobs are ignored.
func (q *JobQueue) Requeue(job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; !ok || job.Status().IsTerminal() {
		return
	}
	for _, p := range q.pending {
		if p.ID == job.ID {
			return
		}
	}
	q.pending = insertBySeq(q.pending, job)
}

// Jobs returns every job in the queue, earliest submission first.
func (q *JobQueue) Jobs() []*model.Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]*model.Job(nil), q.order...)
}

// Remove forgets a job entirely.
func (q *JobQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[id]; !ok {
		return
	}
	delete(q.jobs, id)
	q.order = removeByID(q.order, id)
	q.pending = removeByID(q.pending, id)
}

func (q *JobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.jobs)
}

func (q *JobQueue) PendingLen() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

func insertBySeq(jobs []*model.Job, job *model.Job) []*model.Job {
	i := sort.Search(len(jobs), func(i int) bool { return jobs[i].Seq > job.Seq })
	jobs = append(jobs, nil)
	copy(jobs[i+1:], jobs[i:])
	jobs[i] = job
	return jobs
}

func removeByID(jobs []*model.Job, id string) []*model.Job {
	for i, j := range jobs {
		if j.ID == id {
			copy(jobs[i:], jobs[i+1:])
			jobs[len(jobs)-1] = nil
			return jobs[:len(jobs)-1]
		}
	}
	return jobs
}

// Backlog is an unbounded FIFO of started jobs waiting for an execution worker.
// Push never blocks; Pop blocks until a job is available, the context ends or the
// backlog is closed.
type Backlog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	pq     priorityQueue
	closed bool
}

func NewBacklog() *Backlog {
	b := &Backlog{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Backlog) Push(job *model.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pq.push(job)
	b.cond.Signal()
}

func (b *Backlog) Pop(ctx context.Context) (*model.Job, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.pq.Len() == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if b.closed {
			return nil, ErrClosed
		}
		b.cond.Wait()
	}
	return b.pq.pop(), nil
}

func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pq.Len()
}

// Close wakes every blocked Pop. Jobs still queued can be drained with Pop.
func (b *Backlog) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
