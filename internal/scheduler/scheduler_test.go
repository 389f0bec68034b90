package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/internal/lock"
	"github.com/acme/checkin-call-engine/internal/metrics"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

type journal struct {
	mu  sync.Mutex
	ran []string
}

func (j *journal) job(name string, err error) Job {
	return Job{Name: name, Run: func(context.Context) error {
		j.mu.Lock()
		j.ran = append(j.ran, name)
		j.mu.Unlock()
		return err
	}}
}

func (j *journal) names() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ran...)
}

func TestRunOnceAllRunsInOrder(t *testing.T) {
	j := &journal{}
	m := metrics.New()
	s := New(lock.NewLocalLocker(), Options{}, m, logger.NewNop(), j.job(JobDispatch, nil), j.job(JobTrack, nil))

	require.NoError(t, s.RunOnce(context.Background(), JobAll))
	assert.Equal(t, []string{JobDispatch, JobTrack}, j.names())

	require.NoError(t, s.RunOnce(context.Background(), JobTrack))
	assert.Equal(t, []string{JobDispatch, JobTrack, JobTrack}, j.names(), "lock is released after each run")
}

func TestRunOnceUnknownJob(t *testing.T) {
	s := New(nil, Options{}, nil, logger.NewNop())
	assert.ErrorIs(t, s.RunOnce(context.Background(), "sweep"), ErrUnknownJob)
}

func TestRunOnceReportsJobErrors(t *testing.T) {
	j := &journal{}
	boom := errors.New("directory unavailable")
	s := New(nil, Options{}, nil, logger.NewNop(), j.job(JobDispatch, boom), j.job(JobTrack, nil))

	err := s.RunOnce(context.Background(), JobAll)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{JobDispatch, JobTrack}, j.names(), "a failing job does not stop the next")
}

func TestConcurrentRunsOfOneSliceAreExclusive(t *testing.T) {
	var running, maxRunning, runs int32
	release := make(chan struct{})
	job := Job{Name: JobDispatch, Run: func(context.Context) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		atomic.AddInt32(&runs, 1)
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}}
	s := New(lock.NewLocalLocker(), Options{LockTTL: time.Minute}, nil, logger.NewNop(), job)
	fixed := time.Date(2024, 6, 3, 13, 2, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	first := make(chan error, 1)
	go func() { first <- s.RunOnce(context.Background(), JobDispatch) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.RunOnce(context.Background(), JobDispatch))
	close(release)
	require.NoError(t, <-first)

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestRunFiresOnSchedule(t *testing.T) {
	var runs int32
	job := Job{Name: JobTrack, Schedule: "@every 1s", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}
	s := New(nil, Options{SliceWidth: time.Minute}, nil, logger.NewNop(), job)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunRejectsBadSchedule(t *testing.T) {
	s := New(nil, Options{}, nil, logger.NewNop(), Job{Name: JobDispatch, Schedule: "every now and then", Run: func(context.Context) error { return nil }})
	assert.Error(t, s.Run(context.Background()))
}
