// Package notify delivers escalation messages to users.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Notification is one outbound message.
type Notification struct {
	Contact  domain.ContactMethod
	Message  string
	Urgency  domain.Urgency
	Metadata map[string]string
}

// Gateway sends notifications. delivered=false with a nil error means the gateway declined it.
type Gateway interface {
	Notify(ctx context.Context, n Notification) (delivered bool, err error)
}

// LogGateway writes notifications to the log instead of sending them.
type LogGateway struct {
	log *logger.Logger
}

// NewLogGateway constructs a log-only gateway.
func NewLogGateway(log *logger.Logger) *LogGateway {
	return &LogGateway{log: log.Named("notify")}
}

func (g *LogGateway) Notify(ctx context.Context, n Notification) (bool, error) {
	g.log.WithContext(ctx).Info("notification",
		zap.String("contact_kind", string(n.Contact.Kind)),
		zap.String("urgency", string(n.Urgency)),
		zap.String("message", n.Message),
		zap.Any("metadata", n.Metadata),
	)
	return true, nil
}

// RateLimited paces notifications to respect gateway limits. Waiting is bounded by timeout.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
	timeout time.Duration
}

// NewRateLimited wraps next with a token bucket of perSecond and burst.
func NewRateLimited(next Gateway, perSecond float64, burst int, timeout time.Duration) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst), timeout: timeout}
}

func (r *RateLimited) Notify(ctx context.Context, n Notification) (bool, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("notify: rate limit wait: %w", err)
	}
	return r.next.Notify(ctx, n)
}
