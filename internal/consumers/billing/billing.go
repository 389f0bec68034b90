// Package billing meters placed calls per month and caches subscription status for the billing system.
package billing

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

const Group = "billing-status"

// Registrar is the subscribe side of the bus.
type Registrar interface {
	SubscribeMany(group string, h events.Handler, types ...events.Type) error
}

// Subscription is the cached status of one user's plan.
type Subscription struct {
	Status    string
	Plan      string
	Reason    string
	UpdatedAt time.Time
}

// Meter keeps usage counters and subscription status in Redis hashes.
type Meter struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

func New(client redis.UniversalClient, prefix string, ttl time.Duration, log *logger.Logger) *Meter {
	if prefix == "" {
		prefix = "checkin"
	}
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &Meter{client: client, prefix: prefix, ttl: ttl, log: log.Named(Group)}
}

func (m *Meter) Register(bus Registrar) error {
	return bus.SubscribeMany(Group, m.handle,
		events.TypeCallStarted, events.TypeSubscriptionActivated, events.TypeSubscriptionCanceled)
}

func (m *Meter) handle(ctx context.Context, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case events.CallStarted:
		return m.meter(ctx, p, ev.OccurredAt)
	case events.SubscriptionActivated:
		return m.setStatus(ctx, p.UserID, map[string]any{"status": "active", "plan": p.Plan, "reason": ""}, ev.OccurredAt)
	case events.SubscriptionCanceled:
		return m.setStatus(ctx, p.UserID, map[string]any{"status": "canceled", "reason": p.Reason}, ev.OccurredAt)
	default:
		return fmt.Errorf("billing: unexpected payload %T", ev.Payload)
	}
}

func (m *Meter) meter(ctx context.Context, p events.CallStarted, at time.Time) error {
	first, err := m.client.SetNX(ctx, m.key("metered", p.CallID.String()), 1, m.ttl).Result()
	if err != nil {
		return fmt.Errorf("billing: claim call: %w", err)
	}
	if !first {
		return nil
	}
	month := at.UTC().Format("2006-01")
	if err := m.client.HIncrBy(ctx, m.key("usage", p.UserID), month, 1).Err(); err != nil {
		return fmt.Errorf("billing: meter call: %w", err)
	}
	return nil
}

func (m *Meter) setStatus(ctx context.Context, userID string, fields map[string]any, at time.Time) error {
	fields["updated_at"] = at.UTC().Format(time.RFC3339)
	if err := m.client.HSet(ctx, m.key("subscription", userID), fields).Err(); err != nil {
		return fmt.Errorf("billing: store subscription: %w", err)
	}
	m.log.WithContext(ctx).Info("subscription status cached", zap.String("user_id", userID), zap.Any("status", fields["status"]))
	return nil
}

// Usage returns the number of calls placed for userID in month ("YYYY-MM").
func (m *Meter) Usage(ctx context.Context, userID, month string) (int64, error) {
	n, err := m.client.HGet(ctx, m.key("usage", userID), month).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("billing: read usage: %w", err)
	}
	return n, nil
}

// Subscription returns the cached status; ok is false when nothing is cached.
func (m *Meter) Subscription(ctx context.Context, userID string) (Subscription, bool, error) {
	vals, err := m.client.HGetAll(ctx, m.key("subscription", userID)).Result()
	if err != nil {
		return Subscription{}, false, fmt.Errorf("billing: read subscription: %w", err)
	}
	if len(vals) == 0 {
		return Subscription{}, false, nil
	}
	updated, _ := time.Parse(time.RFC3339, vals["updated_at"])
	return Subscription{Status: vals["status"], Plan: vals["plan"], Reason: vals["reason"], UpdatedAt: updated}, true, nil
}

func (m *Meter) key(kind, id string) string {
	return fmt.Sprintf("%s:billing:%s:%s", m.prefix, kind, id)
}
