package agent

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Task is one scheduled unit of work. fireTime is the nominal schedule slot,
// not the moment the goroutine actually started.
type Task func(ctx context.Context, fireTime time.Time)

// Scheduler fires a Task every interval without cumulative drift. Each firing
// runs on its own goroutine, so a slow task overlaps the next one instead of
// delaying the timer.
type Scheduler struct {
	interval time.Duration
	task     Task
	clock    clock.Clock
}

func NewScheduler(interval time.Duration, task Task, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{interval: interval, task: task, clock: clk}
}

// Run blocks until ctx is done. The first firing is immediate.
func (s *Scheduler) Run(ctx context.Context) {
	logger := log.WithField("component", "scheduler")
	logger.Infof("dispatching every %v", s.interval)

	next := s.clock.Now()
	for {
		go s.task(ctx, next)

		next = next.Add(s.interval)
		slack := next.Sub(s.clock.Now())
		if slack <= 0 {
			logger.Debugf("behind schedule by %v", -slack)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(slack):
		}
	}
}
