package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/pkg/logger"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string, err error) Handler {
	return func(context.Context, Event) error {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestNewDerivesTypeFromPayload(t *testing.T) {
	ev := New(StreakUpdated{UserID: "u1", Streak: 3})
	assert.Equal(t, TypeStreakUpdated, ev.Type)
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.False(t, ev.OccurredAt.IsZero())

	raw, err := ev.MarshalPayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1","call_id":"00000000-0000-0000-0000-000000000000","streak":3,"previous":0}`, string(raw))
}

func TestPublishRunsHandlersInRegistrationOrder(t *testing.T) {
	bus := NewBus(logger.NewNop())
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("scoring", TypeCallCompleted, rec.handler("scoring", nil)))
	require.NoError(t, bus.Subscribe("rewards", TypeCallCompleted, rec.handler("rewards", nil)))
	require.NoError(t, bus.Subscribe("billing", TypeCallStarted, rec.handler("billing", nil)))
	bus.Seal()

	report := bus.Publish(context.Background(), New(CallCompleted{UserID: "u1"}))
	assert.Equal(t, PublishReport{Delivered: 2}, report)
	assert.Equal(t, []string{"scoring", "rewards"}, rec.seen())
	assert.Equal(t, []string{"scoring", "rewards"}, bus.Groups(TypeCallCompleted))
}

func TestFailingHandlerDoesNotStopSiblingsOrLaterEvents(t *testing.T) {
	bus := NewBus(logger.NewNop())
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("bad", TypeCallMissed, rec.handler("bad", errors.New("boom"))))
	require.NoError(t, bus.Subscribe("good", TypeCallMissed, rec.handler("good", nil)))
	require.NoError(t, bus.Subscribe("next", TypeStreakUpdated, rec.handler("next", nil)))
	bus.Seal()

	first := bus.Publish(context.Background(), New(CallMissed{UserID: "u1"}))
	second := bus.Publish(context.Background(), New(StreakUpdated{UserID: "u1"}))

	assert.Equal(t, PublishReport{Delivered: 1, Failed: 1}, first)
	assert.Equal(t, PublishReport{Delivered: 1}, second)
	assert.Equal(t, []string{"bad", "good", "next"}, rec.seen())
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := NewBus(logger.NewNop())
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("panics", TypeCallStarted, func(context.Context, Event) error {
		panic("kaboom")
	}))
	require.NoError(t, bus.Subscribe("after", TypeCallStarted, rec.handler("after", nil)))

	var report PublishReport
	require.NotPanics(t, func() {
		report = bus.Publish(context.Background(), New(CallStarted{UserID: "u1"}))
	})
	assert.Equal(t, PublishReport{Delivered: 1, Failed: 1}, report)
	assert.Equal(t, []string{"after"}, rec.seen())
}

func TestSlowHandlerTimesOut(t *testing.T) {
	obs := &countingObserver{}
	bus := NewBus(logger.NewNop(), WithHandlerTimeout(20*time.Millisecond), WithObserver(obs))
	rec := &recorder{}
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, bus.Subscribe("slow", TypePromiseKept, func(context.Context, Event) error {
		<-release
		return nil
	}))
	require.NoError(t, bus.Subscribe("fast", TypePromiseKept, rec.handler("fast", nil)))

	report := bus.Publish(context.Background(), New(PromiseKept{UserID: "u1"}))
	assert.Equal(t, PublishReport{Delivered: 1, Failed: 1}, report)
	assert.Equal(t, []string{"fast"}, rec.seen())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.errs, 2)
	assert.ErrorIs(t, obs.errs[0], ErrHandlerTimeout)
	assert.NoError(t, obs.errs[1])
}

func TestSubscribeAfterSealFails(t *testing.T) {
	bus := NewBus(logger.NewNop())
	bus.Seal()
	err := bus.Subscribe("late", TypeCallStarted, func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, err, ErrSealed)
}

func TestSubscribeValidates(t *testing.T) {
	bus := NewBus(logger.NewNop())
	assert.Error(t, bus.Subscribe("", TypeCallStarted, func(context.Context, Event) error { return nil }))
	assert.Error(t, bus.Subscribe("g", TypeCallStarted, nil))
	assert.Error(t, bus.Subscribe("g", Type("call.exploded"), func(context.Context, Event) error { return nil }))
	assert.NoError(t, bus.SubscribeMany("g", func(context.Context, Event) error { return nil }, Types()...))
	assert.Len(t, bus.Groups(TypeSubscriptionCanceled), 1)
}

func TestPublishStampsDelivery(t *testing.T) {
	bus := NewBus(logger.NewNop(), WithDelivery(Delivery{Env: "test", Tenant: "acme"}))
	var got Delivery
	require.NoError(t, bus.Subscribe("g", TypeCallStarted, func(_ context.Context, ev Event) error {
		got = ev.Delivery
		return nil
	}))
	bus.Publish(context.Background(), New(CallStarted{}))
	assert.Equal(t, Delivery{Env: "test", Tenant: "acme"}, got)
}

func TestCascadeIsIndependentPublishes(t *testing.T) {
	bus := NewBus(logger.NewNop())
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("scoring", TypeCallCompleted, func(ctx context.Context, ev Event) error {
		bus.Publish(ctx, New(PromiseKept{UserID: "u1"}))
		rec.handler("scoring", nil)(ctx, ev)
		return errors.New("fails after cascading")
	}))
	require.NoError(t, bus.Subscribe("rewards", TypePromiseKept, rec.handler("rewards", nil)))

	report := bus.Publish(context.Background(), New(CallCompleted{UserID: "u1"}))
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"rewards", "scoring"}, rec.seen(), "cascaded handler effects are not undone")
}

type countingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (c *countingObserver) ObserveHandler(_ Type, _ string, err error, _ time.Duration) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}
