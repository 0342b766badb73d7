package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/orgsearch/tenant-index/pkg/logger"
)

type Runner interface {
	Run(ctx context.Context) error
	Name() string
}

// Periodic runs Runners on a fixed interval until it is closed.  Runs of the same Runner never overlap; a run
// that outlasts the interval delays the next tick instead of stacking up.
type Periodic struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

func NewScheduler() *Periodic {
	return &Periodic{}
}

func (s *Periodic) Open(ctx context.Context) error {
	s.ctx, s.cancelFn = context.WithCancel(ctx)
	return nil
}

// Close cancels in-flight runs and waits for them to return.
func (s *Periodic) Close() error {
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.wg.Wait()
	return nil
}

// ScheduleEvery runs r once immediately and then every interval.  Errors are logged and do not stop the
// schedule.
//
// Example usage:
//
//	scheduler := NewScheduler()
//	scheduler.Open(ctx)
//	scheduler.ScheduleEvery(5*time.Minute, migrate.NewRunner(orchestrator, 2))
func (s *Periodic) ScheduleEvery(interval time.Duration, r Runner) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			if err := r.Run(s.ctx); err != nil {
				logger.Errorf("Failed to run scheduled task %s: %s", r.Name(), err)
			}

			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}
