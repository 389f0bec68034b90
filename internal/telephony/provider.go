package telephony

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
)

// ErrBusy is returned when no dispatch slot could be reserved.
var ErrBusy = errors.New("telephony: concurrency limit reached")

// Request describes one outbound call hand-off.
type Request struct {
	CallID   uuid.UUID
	UserID   string
	Contact  domain.ContactMethod
	CallType domain.CallType
	Attempt  int
	Urgency  domain.Urgency
	Metadata map[string]string
}

// Receipt is the provider's acknowledgment of a hand-off.
type Receipt struct {
	Reference string
}

// Provider places calls. Dispatch returns once the provider accepted the call, not when it ends.
type Provider interface {
	Name() string
	Dispatch(ctx context.Context, req Request) (Receipt, error)
}
