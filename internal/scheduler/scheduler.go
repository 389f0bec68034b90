// Package scheduler triggers the dispatcher and tracker on a cron schedule or once on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/lock"
	"github.com/acme/checkin-call-engine/internal/metrics"
	"github.com/acme/checkin-call-engine/internal/window"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

const (
	JobDispatch = "dispatch"
	JobTrack    = "track"
	// JobAll runs dispatch then track.
	JobAll = "all"
)

// ErrUnknownJob is returned by RunOnce for names that were never registered.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Options tune locking and timeouts.
type Options struct {
	SliceWidth time.Duration
	LockTTL    time.Duration
	JobTimeout time.Duration
}

// Scheduler owns the cron runtime. Each run takes a lock keyed by job name and slice start.
type Scheduler struct {
	jobs    map[string]Job
	order   []string
	locker  lock.Locker
	opts    Options
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// New constructs a scheduler for jobs.
func New(locker lock.Locker, opts Options, m *metrics.Metrics, log *logger.Logger, jobs ...Job) *Scheduler {
	if opts.SliceWidth <= 0 {
		opts.SliceWidth = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.SliceWidth
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = opts.LockTTL
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	s := &Scheduler{
		jobs:    make(map[string]Job, len(jobs)),
		locker:  locker,
		opts:    opts,
		metrics: m,
		log:     log.Named("scheduler"),
		now:     time.Now,
	}
	for _, j := range jobs {
		s.jobs[j.Name] = j
		s.order = append(s.order, j.Name)
	}
	return s
}

// Run starts every job on its schedule and blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	clog := cronLogger{s.log.Logger.Sugar()}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	for _, name := range s.order {
		job := s.jobs[name]
		if job.Schedule == "" {
			continue
		}
		if _, err := c.AddFunc(job.Schedule, func() {
			if err := s.runJob(ctx, job); err != nil && ctx.Err() == nil {
				s.log.Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("scheduler: add %s with %q: %w", job.Name, job.Schedule, err)
		}
		s.log.Info("job scheduled", zap.String("job", job.Name), zap.String("schedule", job.Schedule))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// RunOnce runs one job, or every job in registration order for JobAll.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	if name == JobAll {
		var errs []error
		for _, n := range s.order {
			if err := s.runJob(ctx, s.jobs[n]); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.runJob(ctx, job)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	slice := window.SliceStart(s.now(), s.opts.SliceWidth)
	key := job.Name + ":" + strconv.FormatInt(slice.Unix(), 10)
	log := s.log.With(zap.String("job", job.Name), zap.Time("slice", slice))

	lease, ok, err := s.locker.TryLock(ctx, key, s.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("scheduler: lock %s: %w", job.Name, err)
	}
	if !ok {
		log.Info("slice already running elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			log.Warn("release tick lock failed", zap.Error(err))
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()
	jctx, span := otel.Tracer("scheduler").Start(jctx, "scheduler."+job.Name)
	span.SetAttributes(attribute.String("slice.start", slice.Format(time.RFC3339)))
	defer span.End()

	start := time.Now()
	err = job.Run(jctx)
	s.metrics.ObserveJob(job.Name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduler: %s: %w", job.Name, err)
	}
	return nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
