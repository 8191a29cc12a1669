package agent

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// UploadJob references one serialized Snapshot waiting for upload.
type UploadJob struct {
	Source   string
	Filename string
	No       int
}

// Queue is an unbounded FIFO with many producers and a single consumer.
type Queue struct {
	mu     sync.Mutex
	items  []UploadJob
	notify chan struct{}
	clock  clock.Clock
}

func NewQueue(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{
		notify: make(chan struct{}, 1),
		clock:  clk,
	}
}

func (q *Queue) Enqueue(job UploadJob) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop() (UploadJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return UploadJob{}, false
	}
	job := q.items[0]
	q.items[0] = UploadJob{}
	q.items = q.items[1:]
	return job, true
}

// Dequeue waits up to timeout for a job. It returns false on timeout or when
// ctx is done.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (UploadJob, bool) {
	if job, ok := q.pop(); ok || timeout <= 0 {
		return job, ok
	}

	timer := q.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if job, ok := q.pop(); ok {
				return job, true
			}
		case <-timer.C():
			return q.pop()
		case <-ctx.Done():
			return UploadJob{}, false
		}
	}
}
