package queue

import (
	"container/heap"

	"github.com/pkg/errors"

	"github.com/Popie52/batchqueue/internal/model"
)

var ErrClosed = errors.New("backlog closed")

type jobItem struct {
	job   *model.Job
	index int
}

// priorityQueue orders jobs by submission time, ties broken by submission sequence.
type priorityQueue []*jobItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i].job, pq[j].job
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*jobItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)

	item := old[n-1]
	old[n-1] = nil
	item.index = -1

	*pq = old[:n-1]
	return item
}

func (pq *priorityQueue) push(job *model.Job) {
	heap.Push(pq, &jobItem{job: job})
}

func (pq *priorityQueue) pop() *model.Job {
	return heap.Pop(pq).(*jobItem).job
}
