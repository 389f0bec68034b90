// Package status consumes telephony status reports from Kafka and applies them as call completions.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/queue"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reporter applies a completion report.
type Reporter interface {
	ReportCompletion(ctx context.Context, report callsvc.CompletionReport) (callsvc.CompletionResult, error)
}

// Worker consumes status messages until its context ends.
type Worker struct {
	reader   Reader
	reporter Reporter
	log      *logger.Logger

	attempts int
	backoff  time.Duration
}

// New creates a status worker.
func New(reader Reader, reporter Reporter, log *logger.Logger) *Worker {
	return &Worker{reader: reader, reporter: reporter, log: log.Named("status-worker"), attempts: 3, backoff: 500 * time.Millisecond}
}

// Run processes status messages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("status worker: fetch", zap.Error(err))
			continue
		}

		w.process(ctx, msg)

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("status worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, msg kafka.Message) {
	var status queue.StatusMessage
	if err := json.Unmarshal(msg.Value, &status); err != nil {
		w.log.Error("status worker: unmarshal", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}

	report, err := toReport(status)
	if err != nil {
		w.log.Warn("status worker: invalid report", zap.String("user_id", status.UserID), zap.Error(err))
		return
	}

	ctx, span := otel.Tracer("statusworker").Start(ctx, "call.status", trace.WithAttributes(
		attribute.String("user.id", status.UserID),
		attribute.String("call.outcome", status.Outcome),
	))
	defer span.End()

	for attempt := 1; ; attempt++ {
		res, err := w.reporter.ReportCompletion(ctx, report)
		if err == nil {
			if !res.Found {
				w.log.Info("status worker: no matching call record", zap.String("user_id", status.UserID))
			}
			return
		}
		span.RecordError(err)
		if errors.Is(err, apperrors.ErrValidation) || attempt >= w.attempts {
			w.log.Error("status worker: report completion", zap.String("user_id", status.UserID), zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.backoff * time.Duration(attempt)):
		}
	}
}

func toReport(msg queue.StatusMessage) (callsvc.CompletionReport, error) {
	outcome, err := callsvc.ParseOutcome(msg.Outcome)
	if err != nil {
		return callsvc.CompletionReport{}, err
	}
	if msg.UserID == "" && msg.CallID == nil {
		return callsvc.CompletionReport{}, fmt.Errorf("%w: status message without user or call id", apperrors.ErrValidation)
	}
	return callsvc.CompletionReport{
		UserID:            msg.UserID,
		CallType:          domain.CallType(msg.CallType),
		CallID:            msg.CallID,
		Outcome:           outcome,
		PromiseKept:       msg.PromiseKept,
		Summary:           msg.Summary,
		ProviderReference: msg.ProviderReference,
	}, nil
}
