package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/metrics"
	"github.com/acme/checkin-call-engine/internal/notify"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/internal/telephony"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Outcome classifies one Escalate call.
type Outcome string

const (
	OutcomeEscalated  Outcome = "escalated"
	OutcomeTerminated Outcome = "terminated"
	// OutcomeConflict means another writer already moved the record on.
	OutcomeConflict Outcome = "conflict"
)

// Result reports what Escalate did.
type Result struct {
	Outcome  Outcome
	Decision Decision
	Retry    *domain.CallRecord
	Notified bool
}

// Dependencies wires the engine's collaborators. Telephony is optional and only used
// when redial is enabled.
type Dependencies struct {
	Store     repository.CallRecordStore
	Users     repository.UserDirectory
	Notifier  notify.Gateway
	Telephony telephony.Provider
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Engine applies decisions to the store and triggers the notification side effect.
type Engine struct {
	store     repository.CallRecordStore
	users     repository.UserDirectory
	notifier  notify.Gateway
	telephony telephony.Provider
	metrics   *metrics.Metrics
	log       *logger.Logger

	policy Policy
	redial bool
	now    func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRedial also places a new call for every retry.
func WithRedial(enabled bool) Option {
	return func(e *Engine) { e.redial = enabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs the engine.
func NewEngine(deps Dependencies, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		store:     deps.Store,
		users:     deps.Users,
		notifier:  deps.Notifier,
		telephony: deps.Telephony,
		metrics:   deps.Metrics,
		log:       deps.Logger.Named("escalation"),
		policy:    policy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the configured ladder.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Escalate advances the chain whose latest record is rec. Termination and lost races are
// results, not errors; only store failures are returned as errors.
func (e *Engine) Escalate(ctx context.Context, rec domain.CallRecord, reason domain.RetryReason) (Result, error) {
	if !reason.Valid() {
		return Result{}, fmt.Errorf("escalation: invalid reason %q", reason)
	}

	ctx, span := otel.Tracer("escalation").Start(ctx, "escalation.escalate")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.id", rec.ID.String()),
		attribute.String("user.id", rec.UserID),
		attribute.Int("call.attempt", rec.RetryAttemptNumber),
	)

	now := e.now().UTC()
	d := Decide(e.policy, rec, now)
	log := e.log.WithContext(ctx).With(
		zap.String("call_id", rec.ID.String()),
		zap.String("user_id", rec.UserID),
		zap.String("call_type", string(rec.CallType)),
		zap.Int("attempt", d.Attempt),
	)

	if d.Terminate {
		err := e.store.Close(ctx, rec.ID, domain.CallStatusTimedOut, now)
		switch {
		case errors.Is(err, repository.ErrConflict):
			e.metrics.Escalation(string(OutcomeConflict))
			log.Debug("chain already closed")
			return Result{Outcome: OutcomeConflict, Decision: d}, nil
		case err != nil:
			return Result{}, fmt.Errorf("escalation: close exhausted chain: %w", err)
		}
		e.metrics.Escalation(string(OutcomeTerminated))
		log.Info("escalation chain exhausted")
		return Result{Outcome: OutcomeTerminated, Decision: d}, nil
	}

	retry := NewRetry(rec, d, reason, now)
	err := e.store.Escalate(ctx, rec.ID, &retry, now)
	switch {
	case errors.Is(err, repository.ErrConflict):
		e.metrics.Escalation(string(OutcomeConflict))
		log.Debug("escalation lost race")
		return Result{Outcome: OutcomeConflict, Decision: d}, nil
	case err != nil:
		return Result{}, fmt.Errorf("escalation: write retry: %w", err)
	}
	e.metrics.Escalation(string(OutcomeEscalated))
	log.Info("retry scheduled",
		zap.String("retry_call_id", retry.ID.String()),
		zap.String("urgency", string(retry.Urgency)),
		zap.Time("timeout_at", d.TimeoutAt),
	)

	res := Result{Outcome: OutcomeEscalated, Decision: d, Retry: &retry}
	res.Notified = e.sideEffects(ctx, retry, log)
	return res, nil
}

// sideEffects never fails the escalation; the retry's timeout fires regardless.
func (e *Engine) sideEffects(ctx context.Context, retry domain.CallRecord, log *zap.Logger) bool {
	if e.users == nil {
		return false
	}
	user, err := e.users.Get(ctx, retry.UserID)
	if err != nil {
		e.metrics.Notification("skipped")
		log.Warn("load user for notification failed", zap.Error(err))
		return false
	}

	if e.redial && e.telephony != nil && !user.Contact.Empty() {
		if _, err := e.telephony.Dispatch(ctx, telephony.Request{
			CallID:   retry.ID,
			UserID:   retry.UserID,
			Contact:  user.Contact,
			CallType: retry.CallType,
			Attempt:  retry.RetryAttemptNumber,
			Urgency:  retry.Urgency,
		}); err != nil {
			log.Warn("redial failed", zap.Error(err))
		}
	}

	if e.notifier == nil || user.Contact.Empty() {
		e.metrics.Notification("skipped")
		return false
	}
	delivered, err := e.notifier.Notify(ctx, notify.Notification{
		Contact: user.Contact,
		Message: Message(retry.RetryAttemptNumber, user.DisplayName),
		Urgency: retry.Urgency,
		Metadata: map[string]string{
			"call_id":   retry.ID.String(),
			"call_type": string(retry.CallType),
			"attempt":   fmt.Sprint(retry.RetryAttemptNumber),
		},
	})
	switch {
	case err != nil:
		e.metrics.Notification("failed")
		log.Warn("notification failed", zap.Error(err))
		return false
	case !delivered:
		e.metrics.Notification("undelivered")
		log.Info("notification not delivered")
		return false
	}
	e.metrics.Notification("delivered")
	return true
}
