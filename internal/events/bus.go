package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/pkg/logger"
)

// ErrSealed is returned when subscribing after start-up.
var ErrSealed = errors.New("events: bus is sealed")

// ErrHandlerTimeout marks a handler that did not return within the bus timeout.
var ErrHandlerTimeout = errors.New("events: handler timed out")

// Handler consumes one event. Returned errors are logged, never propagated to the publisher.
type Handler func(ctx context.Context, ev Event) error

// Observer receives one call per handler invocation.
type Observer interface {
	ObserveHandler(eventType Type, group string, err error, elapsed time.Duration)
}

// Publisher is the side of the bus producers depend on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) PublishReport
}

var _ Publisher = (*Bus)(nil)

// PublishReport summarizes one Publish call.
type PublishReport struct {
	Delivered int
	Failed    int
}

type registration struct {
	group   string
	handler Handler
}

// Bus routes events to handlers registered per type, in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]registration
	sealed   bool

	timeout  time.Duration
	delivery Delivery
	observer Observer
	log      *logger.Logger
}

// Option customizes a Bus.
type Option func(*Bus)

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithDelivery sets the context stamped on events that carry none.
func WithDelivery(d Delivery) Option {
	return func(b *Bus) { b.delivery = d }
}

// WithObserver reports handler outcomes, typically to metrics.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// NewBus constructs an empty, unsealed bus.
func NewBus(log *logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[Type][]registration),
		timeout:  5 * time.Second,
		log:      log.Named("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe appends h for type t under the consumer group name.
func (b *Bus) Subscribe(group string, t Type, h Handler) error {
	if group == "" || h == nil {
		return fmt.Errorf("events: subscribe requires a group and a handler")
	}
	if !known(t) {
		return fmt.Errorf("events: unknown event type %q", t)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	b.handlers[t] = append(b.handlers[t], registration{group: group, handler: h})
	return nil
}

// SubscribeMany registers the same handler for several types.
func (b *Bus) SubscribeMany(group string, h Handler, types ...Type) error {
	for _, t := range types {
		if err := b.Subscribe(group, t, h); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the registry.
func (b *Bus) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

// Groups returns the groups registered for t, in order.
func (b *Bus) Groups(t Type) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers[t]))
	for _, r := range b.handlers[t] {
		out = append(out, r.group)
	}
	return out
}

// Publish runs every handler for ev.Type to completion, one after another.
// A failing, panicking or slow handler is logged and skipped; the others still run.
func (b *Bus) Publish(ctx context.Context, ev Event) PublishReport {
	if ev.Delivery == (Delivery{}) {
		ev.Delivery = b.delivery
	}

	b.mu.RLock()
	regs := b.handlers[ev.Type]
	b.mu.RUnlock()

	ctx, span := otel.Tracer("events").Start(ctx, "bus.publish")
	span.SetAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.id", ev.ID.String()),
		attribute.Int("event.handlers", len(regs)),
	)
	defer span.End()

	var report PublishReport
	for _, reg := range regs {
		start := time.Now()
		err := b.invoke(ctx, reg, ev)
		if b.observer != nil {
			b.observer.ObserveHandler(ev.Type, reg.group, err, time.Since(start))
		}
		if err != nil {
			report.Failed++
			b.log.WithContext(ctx).Error("event handler failed",
				zap.String("event_type", string(ev.Type)),
				zap.String("event_id", ev.ID.String()),
				zap.String("group", reg.group),
				zap.Error(err),
			)
			continue
		}
		report.Delivered++
	}
	return report
}

func (b *Bus) invoke(ctx context.Context, reg registration, ev Event) error {
	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("events: handler panic: %v", r)
			}
		}()
		done <- reg.handler(hctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrHandlerTimeout, b.timeout)
		}
		return hctx.Err()
	}
}

func known(t Type) bool {
	for _, k := range Types() {
		if k == t {
			return true
		}
	}
	return false
}
