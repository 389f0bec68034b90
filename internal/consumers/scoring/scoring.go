// Package scoring turns call outcomes into promise events and the user's daily streak.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Group is the consumer group name on the bus.
const Group = "scoring"

// Bus is what the group needs from the event bus: registration plus publishing cascades.
type Bus interface {
	events.Publisher
	Subscribe(group string, t events.Type, h events.Handler) error
}

// Scorer keeps streaks in Redis. Each call id is scored at most once.
type Scorer struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	bus    events.Publisher
	log    *logger.Logger
}

// New builds a scorer; ttl bounds the idempotency markers.
func New(client redis.UniversalClient, prefix string, ttl time.Duration, log *logger.Logger) *Scorer {
	if prefix == "" {
		prefix = "checkin"
	}
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &Scorer{client: client, prefix: prefix, ttl: ttl, log: log.Named(Group)}
}

// Register subscribes the scorer and keeps bus for the events it publishes.
func (s *Scorer) Register(bus Bus) error {
	s.bus = bus
	if err := bus.Subscribe(Group, events.TypeCallCompleted, s.onCompleted); err != nil {
		return err
	}
	return bus.Subscribe(Group, events.TypeCallMissed, s.onMissed)
}

// Streak returns the user's current streak.
func (s *Scorer) Streak(ctx context.Context, userID string) (int, error) {
	n, err := s.client.Get(ctx, s.streakKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scoring: read streak: %w", err)
	}
	return n, nil
}

func (s *Scorer) onCompleted(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.CallCompleted)
	if !ok {
		return fmt.Errorf("scoring: unexpected payload %T", ev.Payload)
	}
	if p.PromiseKept == nil {
		return nil
	}
	claim := s.claimKey("completed", p.CallID.String())
	first, err := s.claim(ctx, claim)
	if err != nil || !first {
		return err
	}

	if *p.PromiseKept {
		streak, err := s.client.Incr(ctx, s.streakKey(p.UserID)).Result()
		if err != nil {
			s.unclaim(ctx, claim)
			return fmt.Errorf("scoring: increment streak: %w", err)
		}
		s.bus.Publish(ctx, events.New(events.PromiseKept{CallID: p.CallID, UserID: p.UserID}))
		s.streakUpdated(ctx, p.UserID, ev, int(streak), int(streak)-1)
		return nil
	}

	prev, err := s.reset(ctx, p.UserID)
	if err != nil {
		s.unclaim(ctx, claim)
		return err
	}
	s.bus.Publish(ctx, events.New(events.PromiseBroken{CallID: p.CallID, UserID: p.UserID}))
	s.streakUpdated(ctx, p.UserID, ev, 0, prev)
	return nil
}

func (s *Scorer) onMissed(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.CallMissed)
	if !ok {
		return fmt.Errorf("scoring: unexpected payload %T", ev.Payload)
	}
	if !p.Final {
		return nil
	}
	claim := s.claimKey("missed", p.CallID.String())
	first, err := s.claim(ctx, claim)
	if err != nil || !first {
		return err
	}
	prev, err := s.reset(ctx, p.UserID)
	if err != nil {
		s.unclaim(ctx, claim)
		return err
	}
	s.streakUpdated(ctx, p.UserID, ev, 0, prev)
	return nil
}

func (s *Scorer) reset(ctx context.Context, userID string) (int, error) {
	prev, err := s.client.GetSet(ctx, s.streakKey(userID), 0).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("scoring: reset streak: %w", err)
	}
	return prev, nil
}

func (s *Scorer) streakUpdated(ctx context.Context, userID string, cause events.Event, streak, previous int) {
	payload := events.StreakUpdated{UserID: userID, Streak: streak, Previous: previous}
	switch p := cause.Payload.(type) {
	case events.CallCompleted:
		payload.CallID = p.CallID
	case events.CallMissed:
		payload.CallID = p.CallID
	}
	s.log.WithContext(ctx).Debug("streak updated",
		zap.String("user_id", userID),
		zap.Int("streak", streak),
		zap.Int("previous", previous),
	)
	s.bus.Publish(ctx, events.New(payload))
}

// claim marks an event key as handled; false means a redelivery.
func (s *Scorer) claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scoring: claim %s: %w", key, err)
	}
	return ok, nil
}

// unclaim lets a redelivery retry an event whose streak write failed.
func (s *Scorer) unclaim(ctx context.Context, key string) {
	if err := s.client.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
		s.log.WithContext(ctx).Warn("release scoring claim failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Scorer) claimKey(kind, id string) string {
	return fmt.Sprintf("%s:scoring:%s:%s", s.prefix, kind, id)
}

func (s *Scorer) streakKey(userID string) string {
	return fmt.Sprintf("%s:streak:%s", s.prefix, userID)
}
