package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(nil)
	for i := 0; i < 5; i++ {
		q.Enqueue(UploadJob{No: i})
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		job, ok := q.Dequeue(context.Background(), time.Second)
		require.True(t, ok)
		assert.Equal(t, i, job.No)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueDequeueTimeout(t *testing.T) {
	fc := testingclock.NewFakeClock(online)
	q := NewQueue(fc)

	result := make(chan bool)
	go func() {
		_, ok := q.Dequeue(context.Background(), 10*time.Second)
		result <- ok
	}()

	waitForTimer(t, fc)
	fc.Step(10 * time.Second)

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not time out")
	}
}

func TestQueueDequeueWakesOnEnqueue(t *testing.T) {
	fc := testingclock.NewFakeClock(online)
	q := NewQueue(fc)

	result := make(chan UploadJob)
	go func() {
		job, ok := q.Dequeue(context.Background(), time.Hour)
		assert.True(t, ok)
		result <- job
	}()

	waitForTimer(t, fc)
	q.Enqueue(UploadJob{No: 42, Filename: "a.txt"})

	select {
	case job := <-result:
		assert.Equal(t, 42, job.No)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
	assert.False(t, fc.HasWaiters(), "timer is released after a successful dequeue")
}

func TestQueueDequeueCancelled(t *testing.T) {
	q := NewQueue(testingclock.NewFakeClock(online))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Dequeue(ctx, time.Hour)
	assert.False(t, ok)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue(nil)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(UploadJob{No: p*100 + i})
			}
		}(p)
	}
	wg.Wait()

	seen := map[int]bool{}
	last := map[int]int{}
	for {
		job, ok := q.Dequeue(context.Background(), 0)
		if !ok {
			break
		}
		producer := job.No / 100
		if prev, ok := last[producer]; ok {
			assert.Greater(t, job.No, prev, "per-producer order is preserved")
		}
		last[producer] = job.No
		seen[job.No] = true
	}
	assert.Len(t, seen, 800)
}
