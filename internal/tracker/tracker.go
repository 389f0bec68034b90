// Package tracker escalates call records whose acknowledgment deadline has passed.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/escalation"
	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Summary aggregates one tracker run.
type Summary struct {
	Scanned    int
	Escalated  int
	Terminated int
	Conflicts  int
	Failed     int
}

// Escalator is the part of the escalation engine the tracker drives.
type Escalator interface {
	Escalate(ctx context.Context, rec domain.CallRecord, reason domain.RetryReason) (escalation.Result, error)
}

// Tracker scans one bounded batch of timed-out records per run.
type Tracker struct {
	store     repository.CallRecordStore
	escalator Escalator
	events    events.Publisher
	log       *logger.Logger

	batchSize int
	workers   int
	now       func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds a tracker. publisher may be nil.
func New(store repository.CallRecordStore, escalator Escalator, publisher events.Publisher, log *logger.Logger, batchSize, workers int, opts ...Option) *Tracker {
	if batchSize <= 0 {
		batchSize = 200
	}
	if workers <= 0 {
		workers = 8
	}
	t := &Tracker{
		store:     store,
		escalator: escalator,
		events:    publisher,
		log:       log.Named("tracker"),
		batchSize: batchSize,
		workers:   workers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run escalates every record returned by one scan. A record leaves the scan set as soon as it is
// escalated or closed, so overlapping runs process each record at most once.
func (t *Tracker) Run(ctx context.Context) (Summary, error) {
	now := t.now().UTC()
	ctx, span := otel.Tracer("tracker").Start(ctx, "tracker.run")
	defer span.End()

	due, err := t.store.ListTimedOut(ctx, now, t.batchSize)
	if err != nil {
		span.RecordError(err)
		return Summary{}, fmt.Errorf("tracker: list timed out: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{Scanned: len(due)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for _, rec := range due {
		rec := rec
		g.Go(func() error {
			res, err := t.escalator.Escalate(gctx, rec, domain.RetryReasonMissed)
			if err != nil {
				t.log.WithContext(gctx).Error("escalate timed out call failed",
					zap.String("call_id", rec.ID.String()),
					zap.String("user_id", rec.UserID),
					zap.Error(err),
				)
			}

			mu.Lock()
			switch {
			case err != nil:
				summary.Failed++
			case res.Outcome == escalation.OutcomeEscalated:
				summary.Escalated++
			case res.Outcome == escalation.OutcomeTerminated:
				summary.Terminated++
			default:
				summary.Conflicts++
			}
			mu.Unlock()

			if err == nil && res.Outcome != escalation.OutcomeConflict {
				t.publishMissed(gctx, rec, res)
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("records.scanned", summary.Scanned),
		attribute.Int("records.escalated", summary.Escalated),
		attribute.Int("records.terminated", summary.Terminated),
	)
	if summary.Scanned > 0 {
		t.log.WithContext(ctx).Info("tracker run finished",
			zap.Int("scanned", summary.Scanned),
			zap.Int("escalated", summary.Escalated),
			zap.Int("terminated", summary.Terminated),
			zap.Int("conflicts", summary.Conflicts),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}

func (t *Tracker) publishMissed(ctx context.Context, rec domain.CallRecord, res escalation.Result) {
	if t.events == nil {
		return
	}
	payload := events.CallMissed{
		CallID:   rec.ID,
		UserID:   rec.UserID,
		CallType: string(rec.CallType),
		Reason:   string(domain.RetryReasonMissed),
		Attempt:  rec.RetryAttemptNumber,
		Final:    res.Outcome == escalation.OutcomeTerminated,
	}
	if res.Retry != nil {
		id := res.Retry.ID
		payload.RetryCallID = &id
	}
	t.events.Publish(ctx, events.New(payload))
}
