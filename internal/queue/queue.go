package queue

import (
	"time"

	"github.com/sonuryildirim-max/video-factory-agent/internal/api"
)

// JobQueue is the bounded hand-off between the claiming main loop and the
// worker pool. A nil job is the terminal sentinel: one is pushed per worker
// at shutdown.
type JobQueue struct {
	ch chan *api.Job
}

func New(capacity int) *JobQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &JobQueue{ch: make(chan *api.Job, capacity)}
}

// Push blocks until there is room. The claim admission rule keeps the number
// of outstanding jobs at or below the worker count, so in practice this
// never blocks for long.
func (q *JobQueue) Push(job *api.Job) {
	q.ch <- job
}

// TryPush enqueues without blocking; reports whether the job was accepted.
func (q *JobQueue) TryPush(job *api.Job) bool {
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

// Take blocks up to timeout for the next job. ok is false on timeout, so
// workers regain control periodically to observe shutdown. A (nil, true)
// result is the sentinel: the worker must exit.
func (q *JobQueue) Take(timeout time.Duration) (job *api.Job, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-q.ch:
		return job, true
	case <-timer.C:
		return nil, false
	}
}

// Len is the number of queued jobs (sentinels included).
func (q *JobQueue) Len() int {
	return len(q.ch)
}
