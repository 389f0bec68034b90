package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
)

// messageWriter is the part of *kafka.Writer the publishers need.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// writeJSON keys both call and status traffic by user, so one user's dispatches and
// outcomes land on one partition in order.
func writeJSON(ctx context.Context, w messageWriter, op, userID string, v any, headers ...kafka.Header) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal message: %w", op, err)
	}
	record := kafka.Message{
		Key:     []byte(userID),
		Value:   value,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
	if err := w.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("%s: write message: %w", op, err)
	}
	return nil
}

// CallDispatcher hands calls to the dial workers on the call topic.
type CallDispatcher struct {
	writer messageWriter
}

// NewCallDispatcher constructs a dispatcher for the given topic.
func NewCallDispatcher(k *Kafka, topic string) *CallDispatcher {
	return &CallDispatcher{writer: k.NewWriter(topic)}
}

// DispatchCall enqueues one call. Messages a dial worker could not place are rejected here.
func (d *CallDispatcher) DispatchCall(ctx context.Context, msg DispatchMessage) error {
	if msg.CallID == uuid.Nil || msg.UserID == "" || msg.ContactValue == "" {
		return apperrors.Wrap(apperrors.ErrValidation, "call dispatcher: call id, user and contact are required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	return writeJSON(ctx, d.writer, "call dispatcher", msg.UserID, msg,
		kafka.Header{Key: "call_type", Value: []byte(msg.CallType)},
		kafka.Header{Key: "attempt", Value: []byte(strconv.Itoa(msg.Attempt))},
	)
}

// Close closes the underlying writer.
func (d *CallDispatcher) Close() error {
	return d.writer.Close()
}

// StatusPublisher forwards provider outcomes to the status topic for the status workers.
type StatusPublisher struct {
	writer messageWriter
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// PublishStatus emits one outcome. A report must name its call or its user.
func (p *StatusPublisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	if msg.Outcome == "" || (msg.CallID == nil && msg.UserID == "") {
		return apperrors.Wrap(apperrors.ErrValidation, "status publisher: outcome and call id or user are required")
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	return writeJSON(ctx, p.writer, "status publisher", msg.UserID, msg,
		kafka.Header{Key: "outcome", Value: []byte(msg.Outcome)},
	)
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}
