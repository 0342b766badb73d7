package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orgsearch/tenant-index/pkg/scheduler"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.calls.Add(1)
	return r.err
}

func (r *countingRunner) Name() string { return "counting" }

func TestSchedulerOpenAndClose(t *testing.T) {
	s := scheduler.NewScheduler()
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close())
}

func TestScheduleEveryRunsImmediatelyAndRepeats(t *testing.T) {
	s := scheduler.NewScheduler()
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	r := &countingRunner{}
	s.ScheduleEvery(10*time.Millisecond, r)

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestScheduleEveryContinuesAfterError(t *testing.T) {
	s := scheduler.NewScheduler()
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	r := &countingRunner{err: errors.New("cluster unavailable")}
	s.ScheduleEvery(10*time.Millisecond, r)

	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseStopsRunner(t *testing.T) {
	s := scheduler.NewScheduler()
	require.NoError(t, s.Open(context.Background()))

	r := &countingRunner{}
	s.ScheduleEvery(5*time.Millisecond, r)
	require.Eventually(t, func() bool { return r.calls.Load() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Close())

	n := r.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, r.calls.Load())
}
