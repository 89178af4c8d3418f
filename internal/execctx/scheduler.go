package execctx

import (
	"context"
	"sync"
	"time"
)

// Scheduler queues a task to run on the render thread after every task
// already queued.
type Scheduler interface {
	Execute(task func())
}

// TaskQueue is a FIFO Scheduler drained by its owner, one tick at a time.
type TaskQueue struct {
	mu    sync.Mutex
	tasks []func()
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Execute appends task to the queue.
func (q *TaskQueue) Execute(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

// Drain runs the tasks queued before the call, in order, and returns how many
// ran. Tasks queued while draining wait for the next tick.
func (q *TaskQueue) Drain() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Run drains the queue every interval until ctx is cancelled.
func (q *TaskQueue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Drain()
		}
	}
}
