// Package memory provides the in-process task queue.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// taskHeap orders tasks by priority descending, then submission time ascending
// so equal-priority tasks dequeue in FIFO order.
type taskHeap []monitor.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(a, b int) bool {
	if h[a].Priority != h[b].Priority {
		return h[a].Priority > h[b].Priority
	}
	return h[a].Submitted < h[b].Submitted
}

func (h taskHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(monitor.Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}

// Queue is a bounded in-memory priority queue with context-aware operations.
// Higher priority tasks dequeue first regardless of arrival order.
type Queue struct {
	mu    sync.Mutex
	tasks taskHeap

	slots  chan struct{}
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		slots:  make(chan struct{}, capacity),
		ready:  make(chan struct{}, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue pushes a task, blocking while the queue is full, or returns when the
// context ends.
func (q *Queue) Enqueue(ctx context.Context, task monitor.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.closed:
		return errors.New("queue closed")
	case q.slots <- struct{}{}:
	}

	q.mu.Lock()
	heap.Push(&q.tasks, task)
	q.mu.Unlock()

	q.ready <- struct{}{}
	return nil
}

// Dequeue pops the highest priority task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (monitor.Task, error) {
	select {
	case <-ctx.Done():
		return monitor.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.closed:
		return monitor.Task{}, errors.New("queue closed")
	case <-q.ready:
	}

	q.mu.Lock()
	task := heap.Pop(&q.tasks).(monitor.Task)
	q.mu.Unlock()

	<-q.slots
	return task, nil
}

// Close releases blocked callers for shutdown. Safe to call twice.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}
