// Package dispatcher places the daily original call for every user whose call time falls in the current slice.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/eligibility"
	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/internal/lock"
	"github.com/acme/checkin-call-engine/internal/metrics"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/internal/telephony"
	"github.com/acme/checkin-call-engine/internal/window"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Outcome classifies what happened to one user in a tick.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeNotDue     Outcome = "not_due"
	OutcomeIneligible Outcome = "ineligible"
	// OutcomeAlreadyCalled means the user already has an original today or an open chain.
	OutcomeAlreadyCalled Outcome = "already_called"
	// OutcomeConflict means a concurrent dispatcher wrote the record first.
	OutcomeConflict Outcome = "conflict"
	OutcomeFailed   Outcome = "failed"
)

// errWindow marks failures that happened before the user could be judged due.
var errWindow = errors.New("dispatcher: resolve call window")

// Failure identifies one user whose dispatch failed.
type Failure struct {
	UserID string
	Err    error
}

// Summary aggregates one tick.
type Summary struct {
	Scanned       int
	Due           int
	Dispatched    int
	Ineligible    int
	AlreadyCalled int
	Conflicts     int
	Failed        int
	Failures      []Failure
}

func (s *Summary) add(userID string, outcome Outcome, err error) {
	s.Scanned++
	if outcome != OutcomeNotDue && !errors.Is(err, errWindow) {
		s.Due++
	}
	switch outcome {
	case OutcomeDispatched:
		s.Dispatched++
	case OutcomeIneligible:
		s.Ineligible++
	case OutcomeAlreadyCalled:
		s.AlreadyCalled++
	case OutcomeConflict:
		s.Conflicts++
	case OutcomeFailed:
		s.Failed++
		s.Failures = append(s.Failures, Failure{UserID: userID, Err: err})
	}
}

// Config tunes a dispatcher.
type Config struct {
	CallType        domain.CallType
	PageSize        int
	Workers         int
	OriginalTimeout time.Duration
	// ClaimTTL bounds how long one user's check, dial and write may hold the dispatch claim.
	ClaimTTL time.Duration
}

// Dependencies wires a dispatcher.
type Dependencies struct {
	Users     repository.UserDirectory
	Store     repository.CallRecordStore
	Telephony telephony.Provider
	Resolver  *window.Resolver
	Filter    *eligibility.Filter
	Events    events.Publisher
	// Locker serializes dispatches for one user-day across ticks, processes and the manual route.
	Locker  lock.Locker
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// Dispatcher runs dispatch ticks. It is stateless between invocations.
type Dispatcher struct {
	deps Dependencies
	cfg  Config
	log  *logger.Logger
	now  func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New builds a dispatcher, filling unset config with defaults.
func New(deps Dependencies, cfg Config, opts ...Option) *Dispatcher {
	if cfg.CallType == "" {
		cfg.CallType = domain.CallTypeDailyCheckin
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.OriginalTimeout <= 0 {
		cfg.OriginalTimeout = 10 * time.Minute
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Resolver == nil {
		deps.Resolver = window.NewResolver(5 * time.Minute)
	}
	if deps.Filter == nil {
		deps.Filter = eligibility.NewFilter("")
	}
	d := &Dispatcher{deps: deps, cfg: cfg, log: deps.Logger.Named("dispatcher"), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run evaluates the whole population against the slice containing now.
// Per-user failures land in the summary; only a directory read failure is returned.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	now := d.now().UTC()
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.run")
	defer span.End()
	span.SetAttributes(attribute.String("slice.start", window.SliceStart(now, d.deps.Resolver.Slice()).Format(time.RFC3339)))

	var (
		mu      sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	iterErr := repository.Iterate(gctx, d.deps.Users, d.cfg.PageSize, func(pref domain.UserCallPreference) error {
		g.Go(func() error {
			outcome, err := d.dispatch(gctx, pref, now, true)
			mu.Lock()
			summary.add(pref.UserID, outcome, err)
			mu.Unlock()
			return nil
		})
		return nil
	})
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("users.scanned", summary.Scanned),
		attribute.Int("users.dispatched", summary.Dispatched),
		attribute.Int("users.failed", summary.Failed),
	)
	log := d.log.WithContext(ctx)
	if iterErr != nil {
		span.RecordError(iterErr)
		span.SetStatus(codes.Error, "iterate users")
		log.Error("dispatch tick aborted reading users", zap.Error(iterErr), zap.Int("scanned", summary.Scanned))
		return summary, fmt.Errorf("dispatcher: iterate users: %w", iterErr)
	}
	log.Info("dispatch tick finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("due", summary.Due),
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("ineligible", summary.Ineligible),
		zap.Int("already_called", summary.AlreadyCalled),
		zap.Int("conflicts", summary.Conflicts),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// DispatchUser places today's original call for one user regardless of the window.
// Eligibility and the once-per-day guard still apply.
func (d *Dispatcher) DispatchUser(ctx context.Context, userID string) (Outcome, error) {
	pref, err := d.deps.Users.Get(ctx, userID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("dispatcher: load user: %w", err)
	}
	return d.dispatch(ctx, *pref, d.now().UTC(), false)
}

func (d *Dispatcher) dispatch(ctx context.Context, pref domain.UserCallPreference, now time.Time, checkWindow bool) (outcome Outcome, err error) {
	log := d.log.WithContext(ctx).With(zap.String("user_id", pref.UserID), zap.String("call_type", string(d.cfg.CallType)))
	defer func() {
		if outcome != OutcomeNotDue {
			d.deps.Metrics.Dispatch(string(outcome))
		}
	}()

	if checkWindow {
		due, err := d.deps.Resolver.IsDue(now, pref)
		if err != nil {
			log.Warn("resolve call window failed", zap.String("timezone", pref.Timezone), zap.Error(err))
			return OutcomeFailed, fmt.Errorf("%w: %w", errWindow, err)
		}
		if !due {
			return OutcomeNotDue, nil
		}
	}

	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.user")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", pref.UserID))

	verdict := d.deps.Filter.Evaluate(pref)
	if !verdict.Eligible {
		log.Debug("user not eligible", zap.String("reason", string(verdict.Reason)))
		return OutcomeIneligible, nil
	}

	localDay, err := d.deps.Resolver.LocalDay(now, pref.Timezone)
	if err != nil {
		log.Warn("resolve local day failed", zap.Error(err))
		return OutcomeFailed, err
	}

	key := domain.Key{UserID: pref.UserID, CallType: d.cfg.CallType}
	lease, held, err := d.deps.Locker.TryLock(ctx, claimKey(key, localDay), d.cfg.ClaimTTL)
	if err != nil {
		log.Error("claim dispatch failed", zap.Error(err))
		return OutcomeFailed, err
	}
	if !held {
		log.Debug("dispatch for user already in progress")
		return OutcomeConflict, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release dispatch claim failed", zap.Error(err))
		}
	}()

	called, err := d.deps.Store.HasOriginal(ctx, key, localDay)
	if err != nil {
		log.Error("check existing original failed", zap.Error(err))
		return OutcomeFailed, err
	}
	if called {
		return OutcomeAlreadyCalled, nil
	}
	if _, err := d.deps.Store.LatestOpenForUser(ctx, key); err == nil {
		log.Debug("open chain exists, skipping")
		return OutcomeAlreadyCalled, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		log.Error("check open chain failed", zap.Error(err))
		return OutcomeFailed, err
	}

	callID := uuid.New()
	receipt, err := d.deps.Telephony.Dispatch(ctx, telephony.Request{
		CallID:   callID,
		UserID:   pref.UserID,
		Contact:  verdict.Contact,
		CallType: d.cfg.CallType,
		Urgency:  domain.UrgencyHigh,
		Metadata: map[string]string{"local_day": localDay},
	})
	if err != nil {
		span.RecordError(err)
		log.Warn("telephony dispatch failed", zap.String("provider", d.deps.Telephony.Name()), zap.Error(err))
		return OutcomeFailed, err
	}

	initiated := now
	timeout := now.Add(d.cfg.OriginalTimeout)
	rec := domain.CallRecord{
		ID:                callID,
		UserID:            pref.UserID,
		CallType:          d.cfg.CallType,
		Status:            domain.CallStatusInitiated,
		Urgency:           domain.UrgencyHigh,
		LocalDay:          localDay,
		ProviderReference: receipt.Reference,
		ScheduledFor:      &initiated,
		InitiatedAt:       &initiated,
		TimeoutAt:         &timeout,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	switch err := d.deps.Store.CreateOriginal(ctx, &rec); {
	case errors.Is(err, repository.ErrConflict):
		log.Warn("original call already recorded by a concurrent dispatch", zap.String("call_id", callID.String()))
		return OutcomeConflict, nil
	case err != nil:
		span.RecordError(err)
		log.Error("persist original call failed", zap.String("call_id", callID.String()), zap.Error(err))
		return OutcomeFailed, err
	}

	log.Info("original call dispatched", zap.String("call_id", callID.String()), zap.String("reference", receipt.Reference))
	if d.deps.Events != nil {
		d.deps.Events.Publish(ctx, events.New(events.CallStarted{
			CallID:            callID,
			UserID:            pref.UserID,
			CallType:          string(d.cfg.CallType),
			Attempt:           0,
			Urgency:           string(domain.UrgencyHigh),
			LocalDay:          localDay,
			ProviderReference: receipt.Reference,
		}))
	}
	return OutcomeDispatched, nil
}

func claimKey(key domain.Key, localDay string) string {
	return "claim:" + key.UserID + ":" + string(key.CallType) + ":" + localDay
}
