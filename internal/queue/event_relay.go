package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/acme/checkin-call-engine/internal/events"
)

// RelayGroup is the consumer group name of the relay on the bus.
const RelayGroup = "relay"

// EventRelay forwards every bus event to the events topic for out-of-process consumers.
type EventRelay struct {
	writer messageWriter
}

// NewEventRelay builds a relay writing to topic.
func NewEventRelay(k *Kafka, topic string) *EventRelay {
	return &EventRelay{writer: k.NewWriter(topic)}
}

// Subscriber is the registration side of the bus.
type Subscriber interface {
	SubscribeMany(group string, h events.Handler, types ...events.Type) error
}

// Register subscribes the relay to every known event type.
func (r *EventRelay) Register(bus Subscriber) error {
	return bus.SubscribeMany(RelayGroup, r.forward, events.Types()...)
}

func (r *EventRelay) forward(ctx context.Context, ev events.Event) error {
	msg, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("event relay: write %s: %w", ev.Type, err)
	}
	return nil
}

// Close closes the underlying writer.
func (r *EventRelay) Close() error {
	return r.writer.Close()
}

// EncodeEvent builds the Kafka message for ev, keyed by event id.
func EncodeEvent(ev events.Event) (kafka.Message, error) {
	payload, err := ev.MarshalPayload()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("event relay: marshal payload: %w", err)
	}
	value, err := json.Marshal(EventMessage{
		ID:         ev.ID,
		Type:       string(ev.Type),
		OccurredAt: ev.OccurredAt,
		Env:        ev.Delivery.Env,
		Tenant:     ev.Delivery.Tenant,
		Payload:    payload,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("event relay: marshal event: %w", err)
	}
	return kafka.Message{
		Key:     []byte(ev.ID.String()),
		Value:   value,
		Time:    ev.OccurredAt,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(ev.Type)}},
	}, nil
}
