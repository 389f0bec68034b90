// Package rewards awards points for kept promises and achievements for streak milestones.
package rewards

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

const Group = "rewards"

// PointsPerPromise is credited once per kept promise.
const PointsPerPromise = 10

// DefaultMilestones are the streak lengths that earn an achievement.
var DefaultMilestones = []int{3, 7, 14, 30, 100}

// Registrar is the subscribe side of the bus.
type Registrar interface {
	Subscribe(group string, t events.Type, h events.Handler) error
}

// Rewards keeps points and achievements in Redis.
type Rewards struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	milestones []int
	log        *logger.Logger
}

// New builds the group. Empty milestones fall back to DefaultMilestones.
func New(client redis.UniversalClient, prefix string, ttl time.Duration, milestones []int, log *logger.Logger) *Rewards {
	if prefix == "" {
		prefix = "checkin"
	}
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	if len(milestones) == 0 {
		milestones = DefaultMilestones
	}
	sorted := append([]int(nil), milestones...)
	sort.Ints(sorted)
	return &Rewards{client: client, prefix: prefix, ttl: ttl, milestones: sorted, log: log.Named(Group)}
}

func (r *Rewards) Register(bus Registrar) error {
	if err := bus.Subscribe(Group, events.TypePromiseKept, r.onPromiseKept); err != nil {
		return err
	}
	return bus.Subscribe(Group, events.TypeStreakUpdated, r.onStreakUpdated)
}

// Points returns the user's balance.
func (r *Rewards) Points(ctx context.Context, userID string) (int64, error) {
	n, err := r.client.Get(ctx, r.key("points", userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rewards: read points: %w", err)
	}
	return n, nil
}

// Achievements lists earned achievement ids, e.g. "streak_7".
func (r *Rewards) Achievements(ctx context.Context, userID string) ([]string, error) {
	out, err := r.client.SMembers(ctx, r.key("achievements", userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("rewards: read achievements: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return milestoneOf(out[i]) < milestoneOf(out[j]) })
	return out, nil
}

func (r *Rewards) onPromiseKept(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.PromiseKept)
	if !ok {
		return fmt.Errorf("rewards: unexpected payload %T", ev.Payload)
	}
	first, err := r.client.SetNX(ctx, r.key("promise", p.CallID.String()), 1, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("rewards: claim promise: %w", err)
	}
	if !first {
		return nil
	}
	if err := r.client.IncrBy(ctx, r.key("points", p.UserID), PointsPerPromise).Err(); err != nil {
		return fmt.Errorf("rewards: credit points: %w", err)
	}
	return nil
}

func (r *Rewards) onStreakUpdated(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.StreakUpdated)
	if !ok {
		return fmt.Errorf("rewards: unexpected payload %T", ev.Payload)
	}

	var (
		mu      sync.Mutex
		awarded []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range r.milestones {
		if p.Streak < m {
			break
		}
		id := "streak_" + strconv.Itoa(m)
		g.Go(func() error {
			added, err := r.client.SAdd(gctx, r.key("achievements", p.UserID), id).Result()
			if err != nil {
				return fmt.Errorf("rewards: award %s: %w", id, err)
			}
			if added == 1 {
				mu.Lock()
				awarded = append(awarded, id)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(awarded) > 0 {
		r.log.WithContext(ctx).Info("achievements awarded", zap.String("user_id", p.UserID), zap.Strings("achievements", awarded))
	}
	return nil
}

func (r *Rewards) key(kind, id string) string {
	return fmt.Sprintf("%s:rewards:%s:%s", r.prefix, kind, id)
}

func milestoneOf(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "streak_"))
	return n
}
