// Package call implements the inbound call operations: acknowledgment, completion reports and lookups.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/escalation"
	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/internal/metrics"
	"github.com/acme/checkin-call-engine/internal/repository"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Outcome is how a placed call ended, as reported by the telephony side.
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeMissed   Outcome = "missed"
	OutcomeDeclined Outcome = "declined"
	OutcomeFailed   Outcome = "failed"
)

// ParseOutcome validates a reported outcome.
func ParseOutcome(v string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(v))); o {
	case OutcomeAnswered, OutcomeMissed, OutcomeDeclined, OutcomeFailed:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", apperrors.ErrValidation, v)
}

// Escalator advances a chain.
type Escalator interface {
	Escalate(ctx context.Context, rec domain.CallRecord, reason domain.RetryReason) (escalation.Result, error)
}

// Service coordinates the inbound call operations.
type Service struct {
	store           repository.CallRecordStore
	escalator       Escalator
	events          events.Publisher
	metrics         *metrics.Metrics
	log             *logger.Logger
	defaultCallType domain.CallType
	now             func() time.Time
}

// NewService builds the call service. publisher and m may be nil.
func NewService(store repository.CallRecordStore, escalator Escalator, publisher events.Publisher, m *metrics.Metrics, log *logger.Logger, defaultCallType domain.CallType) *Service {
	if defaultCallType == "" {
		defaultCallType = domain.CallTypeDailyCheckin
	}
	return &Service{
		store:           store,
		escalator:       escalator,
		events:          publisher,
		metrics:         m,
		log:             log.Named("call-service"),
		defaultCallType: defaultCallType,
		now:             time.Now,
	}
}

// AckRequest selects what to acknowledge. CallID wins over the key when set.
type AckRequest struct {
	UserID   string
	CallType domain.CallType
	CallID   *uuid.UUID
}

// AckResult reports an acknowledgment. Found is false when nothing unacknowledged matched.
type AckResult struct {
	Found             bool
	Record            *domain.CallRecord
	ChainAcknowledged int
}

// Acknowledge marks the most recent unacknowledged record and the rest of its chain acknowledged.
func (s *Service) Acknowledge(ctx context.Context, req AckRequest) (AckResult, error) {
	if req.UserID == "" && req.CallID == nil {
		return AckResult{}, fmt.Errorf("%w: user_id or call_id is required", apperrors.ErrValidation)
	}
	q := repository.AckQuery{CallID: req.CallID, Key: domain.Key{UserID: req.UserID, CallType: s.callType(req.CallType)}}

	out, err := s.store.Acknowledge(ctx, q, s.now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.Acknowledgment(false)
		return AckResult{}, nil
	}
	if err != nil {
		return AckResult{}, fmt.Errorf("call service: acknowledge: %w", err)
	}

	s.metrics.Acknowledgment(true)
	rec := out.Record
	s.log.WithContext(ctx).Info("call acknowledged",
		zap.String("call_id", rec.ID.String()),
		zap.String("user_id", rec.UserID),
		zap.Int("chain_acknowledged", out.ChainAcknowledged),
	)
	return AckResult{Found: true, Record: &rec, ChainAcknowledged: out.ChainAcknowledged}, nil
}

// CompletionReport is an inbound report of how a call ended.
type CompletionReport struct {
	UserID            string
	CallType          domain.CallType
	CallID            *uuid.UUID
	Outcome           Outcome
	PromiseKept       *bool
	Summary           string
	ProviderReference string
}

// CompletionResult reports what ReportCompletion did.
type CompletionResult struct {
	Found bool
	// Duplicate is set when the record had already been resolved and nothing changed.
	Duplicate  bool
	Record     *domain.CallRecord
	Escalation *escalation.Result
}

// ReportCompletion applies a call outcome. Answered calls close and acknowledge the chain and
// publish call.completed; every other outcome escalates the record if it is still open and
// publishes call.missed.
func (s *Service) ReportCompletion(ctx context.Context, report CompletionReport) (CompletionResult, error) {
	if report.UserID == "" && report.CallID == nil {
		return CompletionResult{}, fmt.Errorf("%w: user_id or call_id is required", apperrors.ErrValidation)
	}
	if _, err := ParseOutcome(string(report.Outcome)); err != nil {
		return CompletionResult{}, err
	}

	rec, err := s.locate(ctx, report)
	if errors.Is(err, repository.ErrNotFound) {
		return CompletionResult{}, nil
	}
	if err != nil {
		return CompletionResult{}, err
	}

	log := s.log.WithContext(ctx).With(
		zap.String("call_id", rec.ID.String()),
		zap.String("user_id", rec.UserID),
		zap.String("outcome", string(report.Outcome)),
	)
	if report.Outcome == OutcomeAnswered {
		return s.completed(ctx, rec, report, log)
	}
	return s.missed(ctx, rec, report, log)
}

func (s *Service) completed(ctx context.Context, rec *domain.CallRecord, report CompletionReport, log *zap.Logger) (CompletionResult, error) {
	now := s.now().UTC()
	if rec.Acknowledged && rec.Status == domain.CallStatusCompleted {
		return CompletionResult{Found: true, Duplicate: true, Record: rec}, nil
	}

	if rec.Status.Open() {
		err := s.store.Close(ctx, rec.ID, domain.CallStatusCompleted, now)
		switch {
		case errors.Is(err, repository.ErrConflict):
			log.Debug("record changed before completion, acknowledging chain only")
		case err != nil:
			return CompletionResult{}, fmt.Errorf("call service: close record: %w", err)
		}
	}

	id := rec.ID
	out, err := s.store.Acknowledge(ctx, repository.AckQuery{CallID: &id}, now)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.metrics.Acknowledgment(false)
	case err != nil:
		return CompletionResult{}, fmt.Errorf("call service: acknowledge chain: %w", err)
	default:
		s.metrics.Acknowledgment(true)
	}

	updated, err := s.store.Get(ctx, rec.ID)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("call service: reload record: %w", err)
	}
	chained := 0
	if out != nil {
		chained = out.ChainAcknowledged
	}
	log.Info("call completed", zap.Int("chain_acknowledged", chained))

	s.publish(ctx, events.CallCompleted{
		CallID:      rec.ID,
		UserID:      rec.UserID,
		CallType:    string(rec.CallType),
		PromiseKept: report.PromiseKept,
		Summary:     report.Summary,
	})
	return CompletionResult{Found: true, Record: updated}, nil
}

func (s *Service) missed(ctx context.Context, rec *domain.CallRecord, report CompletionReport, log *zap.Logger) (CompletionResult, error) {
	if !rec.Pending() {
		log.Debug("record already resolved, ignoring report")
		return CompletionResult{Found: true, Duplicate: true, Record: rec}, nil
	}

	reason := domain.RetryReason(report.Outcome)
	res, err := s.escalator.Escalate(ctx, *rec, reason)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("call service: escalate: %w", err)
	}
	if res.Outcome == escalation.OutcomeConflict {
		return CompletionResult{Found: true, Duplicate: true, Record: rec}, nil
	}

	payload := events.CallMissed{
		CallID:   rec.ID,
		UserID:   rec.UserID,
		CallType: string(rec.CallType),
		Reason:   string(reason),
		Attempt:  rec.RetryAttemptNumber,
		Final:    res.Outcome == escalation.OutcomeTerminated,
	}
	if res.Retry != nil {
		id := res.Retry.ID
		payload.RetryCallID = &id
	}
	s.publish(ctx, payload)

	updated, err := s.store.Get(ctx, rec.ID)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("call service: reload record: %w", err)
	}
	return CompletionResult{Found: true, Record: updated, Escalation: &res}, nil
}

func (s *Service) locate(ctx context.Context, report CompletionReport) (*domain.CallRecord, error) {
	if report.CallID != nil {
		rec, err := s.store.Get(ctx, *report.CallID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("call service: load record: %w", err)
		}
		if report.UserID != "" && rec.UserID != report.UserID {
			return nil, repository.ErrNotFound
		}
		return rec, nil
	}

	rec, err := s.store.LatestOpenForUser(ctx, domain.Key{UserID: report.UserID, CallType: s.callType(report.CallType)})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("call service: load open record: %w", err)
	}
	return rec, err
}

func (s *Service) publish(ctx context.Context, payload events.Payload) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, events.New(payload))
}

func (s *Service) callType(t domain.CallType) domain.CallType {
	if t == "" {
		return s.defaultCallType
	}
	return t
}

// Get returns one call record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByUser returns a user's records newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
