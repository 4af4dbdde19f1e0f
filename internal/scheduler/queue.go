package scheduler

import (
	"container/heap"
	"time"
)

// queueItem is a due task waiting for a worker
type queueItem struct {
	taskID   string
	priority int
	fireAt   time.Time
	seq      uint64
	index    int
}

// taskQueue implements heap.Interface ordered by priority desc, then fire time,
// then arrival. Callers hold the pool lock.
type taskQueue []*queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	if !q[i].fireAt.Equal(q[j].fireAt) {
		return q[i].fireAt.Before(q[j].fireAt)
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// remove drops item from the heap
func (q *taskQueue) remove(item *queueItem) {
	if item.index >= 0 && item.index < q.Len() {
		heap.Remove(q, item.index)
	}
}
