// Package queue implements the four-level priority queue feeding the
// dispatch loop, plus a processing-set tracker for in-flight task ids.
package queue

import (
	"sync"

	"github.com/tiermux/tiermux/internal/task"
)

// TaskQueue holds pending tasks in one FIFO bucket per priority level and
// tracks which task ids are currently being processed.
//
// Same-priority tasks are served in arrival order. Low-priority work can
// starve under sustained high-priority load; that is accepted behavior.
type TaskQueue struct {
	mu         sync.Mutex
	buckets    map[task.Priority][]*task.Task
	processing map[string]struct{}
}

// New creates an empty queue.
func New() *TaskQueue {
	buckets := make(map[task.Priority][]*task.Task, len(task.Priorities))
	for _, p := range task.Priorities {
		buckets[p] = nil
	}
	return &TaskQueue{
		buckets:    buckets,
		processing: make(map[string]struct{}),
	}
}

// Enqueue appends t to the bucket matching its priority. Unknown
// priorities are coerced to normal rather than rejected.
func (q *TaskQueue) Enqueue(t *task.Task) {
	prio := t.Priority
	if !prio.Valid() {
		prio = task.PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[prio] = append(q.buckets[prio], t)
}

// Dequeue pops FIFO from the first non-empty bucket in priority order,
// moves the task id into the processing set, and returns the task.
// Returns nil when every bucket is empty.
func (q *TaskQueue) Dequeue() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, prio := range task.Priorities {
		bucket := q.buckets[prio]
		if len(bucket) == 0 {
			continue
		}
		t := bucket[0]
		q.buckets[prio] = bucket[1:]
		q.processing[t.ID] = struct{}{}
		return t
	}
	return nil
}

// Complete removes id from the processing set after a successful run.
func (q *TaskQueue) Complete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, id)
}

// Fail removes id from the processing set after a failed run.
func (q *TaskQueue) Fail(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, id)
}

// Size returns the number of pending tasks across all buckets.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, bucket := range q.buckets {
		total += len(bucket)
	}
	return total
}

// ProcessingCount returns the number of task ids currently in flight.
func (q *TaskQueue) ProcessingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// IsProcessing reports whether id is currently in the processing set.
func (q *TaskQueue) IsProcessing(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.processing[id]
	return ok
}
