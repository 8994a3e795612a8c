package coordinator

import (
	"sync"

	"fulcrum-registry/bus"
	"fulcrum-registry/metrics"
	"fulcrum-registry/routing"
)

// Entry is one waiting placement: the routing state plus the envelope
// it arrived in, kept so the eventual response reuses the correlation
// id.
type Entry struct {
	RC  *routing.Context
	Env *bus.Envelope
}

// PendingQueue holds route requests waiting for capacity, FIFO per
// family. The queue is a per-process cache of in-flight work, not
// shared state: a request lost to a crash is simply re-sent by its
// proxy.
type PendingQueue struct {
	mu     sync.RWMutex
	queues map[string][]*Entry
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{queues: make(map[string][]*Entry)}
}

// Enqueue appends a request to its family queue and returns its
// 1-based position.
func (q *PendingQueue) Enqueue(e *Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	family := e.RC.Request.Family
	e.RC.MarkEnqueued()
	q.queues[family] = append(q.queues[family], e)
	metrics.PendingQueueDepth.WithLabelValues(family).Set(float64(len(q.queues[family])))
	return len(q.queues[family])
}

// Dequeue removes and returns the oldest request for a family, or nil.
func (q *PendingQueue) Dequeue(family string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[family]
	if len(queue) == 0 {
		return nil
	}
	e := queue[0]
	q.queues[family] = queue[1:]
	metrics.PendingQueueDepth.WithLabelValues(family).Set(float64(len(q.queues[family])))
	return e
}

// Remove drops a specific player's pending request, e.g. when they
// disconnect while waiting.
func (q *PendingQueue) Remove(family, playerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[family]
	for i, e := range queue {
		if e.RC.Request.PlayerID == playerID {
			q.queues[family] = append(queue[:i], queue[i+1:]...)
			metrics.PendingQueueDepth.WithLabelValues(family).Set(float64(len(q.queues[family])))
			return true
		}
	}
	return false
}

func (q *PendingQueue) Len(family string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues[family])
}

// Families returns the families that currently have waiting requests.
func (q *PendingQueue) Families() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	families := make([]string, 0, len(q.queues))
	for family, queue := range q.queues {
		if len(queue) > 0 {
			families = append(families, family)
		}
	}
	return families
}

// Snapshot returns queue depth per family for monitoring.
func (q *PendingQueue) Snapshot() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make(map[string]int, len(q.queues))
	for family, queue := range q.queues {
		out[family] = len(queue)
	}
	return out
}
