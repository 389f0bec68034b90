// Package kafka hands calls to an out-of-process dialer through a Kafka topic.
package kafka

import (
	"context"
	"time"

	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/telephony"
)

// Publisher writes dispatch messages.
type Publisher interface {
	DispatchCall(ctx context.Context, msg queue.DispatchMessage) error
}

// Provider treats a successful topic write as the dispatch acknowledgment.
type Provider struct {
	publisher Publisher
	now       func() time.Time
}

// NewProvider wraps a dispatch publisher.
func NewProvider(publisher Publisher) *Provider {
	return &Provider{publisher: publisher, now: time.Now}
}

func (p *Provider) Name() string { return "kafka" }

func (p *Provider) Dispatch(ctx context.Context, req telephony.Request) (telephony.Receipt, error) {
	msg := queue.DispatchMessage{
		CallID:       req.CallID,
		UserID:       req.UserID,
		CallType:     string(req.CallType),
		ContactKind:  string(req.Contact.Kind),
		ContactValue: req.Contact.Value,
		Attempt:      req.Attempt,
		Urgency:      string(req.Urgency),
		Metadata:     req.Metadata,
		EnqueuedAt:   p.now().UTC(),
	}
	if err := p.publisher.DispatchCall(ctx, msg); err != nil {
		return telephony.Receipt{}, err
	}
	return telephony.Receipt{Reference: "kafka:" + req.CallID.String()}, nil
}
