// Package consumers groups the bus consumer groups and their read side.
package consumers

import (
	"context"

	"github.com/acme/checkin-call-engine/internal/consumers/billing"
	"github.com/acme/checkin-call-engine/internal/consumers/rewards"
	"github.com/acme/checkin-call-engine/internal/consumers/scoring"
)

// Progress answers per-user questions from the consumer groups' state.
type Progress struct {
	Scoring *scoring.Scorer
	Rewards *rewards.Rewards
	Billing *billing.Meter
}

func (p Progress) Streak(ctx context.Context, userID string) (int, error) {
	return p.Scoring.Streak(ctx, userID)
}

func (p Progress) Points(ctx context.Context, userID string) (int64, error) {
	return p.Rewards.Points(ctx, userID)
}

func (p Progress) Achievements(ctx context.Context, userID string) ([]string, error) {
	return p.Rewards.Achievements(ctx, userID)
}

func (p Progress) Usage(ctx context.Context, userID, month string) (int64, error) {
	return p.Billing.Usage(ctx, userID, month)
}
