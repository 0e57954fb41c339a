package scheduler

import (
	"container/heap"
	"time"

	"github.com/aristath/taskd/internal/task"
)

// readyItem is one entry of the ready queue.
type readyItem struct {
	task          *task.Task
	scheduledTime time.Time
	score         float64
	seq           uint64 // insertion order, last tie-breaker
	index         int    // position in the heap, maintained by Swap
}

// readyQueue orders entries by score (descending), then scheduled time (ascending),
// then insertion order. It implements heap.Interface.
type readyQueue []*readyItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.scheduledTime.Equal(b.scheduledTime) {
		return a.scheduledTime.Before(b.scheduledTime)
	}
	return a.seq < b.seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	item := x.(*readyItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// remove deletes item from the queue if it is still queued.
func (q *readyQueue) remove(item *readyItem) bool {
	if item.index < 0 || item.index >= q.Len() || (*q)[item.index] != item {
		return false
	}
	heap.Remove(q, item.index)
	return true
}
