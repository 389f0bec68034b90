package telephony

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/pkg/logger"
)

// SlotLimiter reserves cross-process dispatch slots.
type SlotLimiter interface {
	Acquire(ctx context.Context, key string, limit int) (bool, error)
	Release(ctx context.Context, key string) error
}

// Limited caps in-flight hand-offs to a provider across every engine process.
type Limited struct {
	next    Provider
	limiter SlotLimiter
	limit   int
	log     *logger.Logger
}

// NewLimited wraps next; a nil limiter disables the cap.
func NewLimited(next Provider, limiter SlotLimiter, limit int, log *logger.Logger) *Limited {
	return &Limited{next: next, limiter: limiter, limit: limit, log: log.Named("telephony")}
}

func (l *Limited) Name() string { return l.next.Name() }

func (l *Limited) Dispatch(ctx context.Context, req Request) (Receipt, error) {
	if l.limiter == nil {
		return l.next.Dispatch(ctx, req)
	}

	key := "telephony:" + l.next.Name()
	ok, err := l.limiter.Acquire(ctx, key, l.limit)
	if err != nil {
		return Receipt{}, fmt.Errorf("telephony: acquire slot: %w", err)
	}
	if !ok {
		return Receipt{}, ErrBusy
	}
	defer func() {
		if err := l.limiter.Release(context.WithoutCancel(ctx), key); err != nil {
			l.log.Warn("release dispatch slot failed", zap.String("provider", l.next.Name()), zap.Error(err))
		}
	}()

	return l.next.Dispatch(ctx, req)
}
