// Package call is the out-of-process dialer: it consumes dispatch messages from the call
// topic and places them through a telephony provider.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/telephony"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StatusSink receives a failed outcome when a dial is rejected, so the chain escalates.
type StatusSink interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// Worker consumes dispatch messages and hands them to the dialer.
type Worker struct {
	reader  Reader
	dialer  telephony.Provider
	status  StatusSink
	limiter telephony.SlotLimiter
	limit   int
	log     *logger.Logger

	timeout time.Duration
	poll    time.Duration
}

// Option customizes a Worker.
type Option func(*Worker)

// WithSlots makes the worker wait for a shared dispatch slot before every dial.
func WithSlots(limiter telephony.SlotLimiter, limit int) Option {
	return func(w *Worker) {
		w.limiter = limiter
		w.limit = limit
	}
}

// WithTimeout bounds each provider request.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// New creates a dial worker.
func New(reader Reader, dialer telephony.Provider, status StatusSink, log *logger.Logger, opts ...Option) *Worker {
	w := &Worker{
		reader:  reader,
		dialer:  dialer,
		status:  status,
		log:     log.Named("dial-worker"),
		timeout: 10 * time.Second,
		poll:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes dispatch messages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("dial worker: fetch message", zap.Error(err))
			continue
		}

		if err := w.process(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("dial worker: process", zap.Error(err))
		}
		if err := w.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			w.log.Error("dial worker: commit", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, m kafka.Message) error {
	var dispatch queue.DispatchMessage
	if err := json.Unmarshal(m.Value, &dispatch); err != nil {
		return fmt.Errorf("unmarshal dispatch: %w", err)
	}

	sctx, span := otel.Tracer("dialworker").Start(ctx, "call.dial", trace.WithAttributes(
		attribute.String("call.id", dispatch.CallID.String()),
		attribute.String("user.id", dispatch.UserID),
		attribute.Int("call.attempt", dispatch.Attempt),
	))
	defer span.End()

	release, err := w.waitForSlot(sctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if release != nil {
		defer release()
	}

	callCtx, cancel := context.WithTimeout(sctx, w.timeout)
	receipt, dialErr := w.dialer.Dispatch(callCtx, telephony.Request{
		CallID:   dispatch.CallID,
		UserID:   dispatch.UserID,
		Contact:  domain.ContactMethod{Kind: domain.ContactKind(dispatch.ContactKind), Value: dispatch.ContactValue},
		CallType: domain.CallType(dispatch.CallType),
		Attempt:  dispatch.Attempt,
		Urgency:  domain.Urgency(dispatch.Urgency),
		Metadata: dispatch.Metadata,
	})
	cancel()

	log := w.log.WithContext(sctx).With(
		zap.String("call_id", dispatch.CallID.String()),
		zap.String("user_id", dispatch.UserID),
		zap.Int("attempt", dispatch.Attempt),
	)
	if dialErr == nil {
		log.Info("call placed", zap.String("provider_reference", receipt.Reference))
		return nil
	}

	span.RecordError(dialErr)
	log.Warn("dial failed, reporting failure", zap.Error(dialErr))
	callID := dispatch.CallID
	err = w.status.PublishStatus(sctx, queue.StatusMessage{
		CallID:     &callID,
		UserID:     dispatch.UserID,
		CallType:   dispatch.CallType,
		Outcome:    "failed",
		Summary:    dialErr.Error(),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish dial failure: %w", err)
	}
	return nil
}

// waitForSlot polls the shared limiter; the dialer never exceeds the fleet-wide cap.
func (w *Worker) waitForSlot(ctx context.Context) (func(), error) {
	if w.limiter == nil || w.limit <= 0 {
		return nil, nil
	}

	key := "telephony:" + w.dialer.Name()
	for {
		acquired, err := w.limiter.Acquire(ctx, key, w.limit)
		if err != nil {
			return nil, fmt.Errorf("acquire slot: %w", err)
		}
		if acquired {
			return func() {
				if err := w.limiter.Release(context.WithoutCancel(ctx), key); err != nil {
					w.log.Warn("dial worker: release slot", zap.Error(err))
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.poll):
		}
	}
}
