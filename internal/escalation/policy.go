// Package escalation decides and applies the retry ladder for unacknowledged calls.
package escalation

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
)

// Policy is the retry ladder configuration.
type Policy struct {
	MaxAttempts int
	// Delays is indexed by attempt number starting at 1; later attempts reuse the last entry.
	Delays []time.Duration
}

// DefaultPolicy is three retries at 10, 30 and 60 minutes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delays:      []time.Duration{10 * time.Minute, 30 * time.Minute, 60 * time.Minute},
	}
}

// Delay returns the timeout window for attempt n.
func (p Policy) Delay(n int) time.Duration {
	if len(p.Delays) == 0 {
		return DefaultPolicy().Delay(n)
	}
	if n < 1 {
		n = 1
	}
	if n > len(p.Delays) {
		n = len(p.Delays)
	}
	return p.Delays[n-1]
}

// UrgencyFor maps an attempt number to its urgency.
func (p Policy) UrgencyFor(n int) domain.Urgency {
	switch {
	case n <= 1:
		return domain.UrgencyHigh
	case n == 2:
		return domain.UrgencyCritical
	default:
		return domain.UrgencyEmergency
	}
}

// Decision is the pure outcome of evaluating a chain.
type Decision struct {
	Terminate bool
	Attempt   int
	Urgency   domain.Urgency
	Delay     time.Duration
	TimeoutAt time.Time
}

// Decide computes the next step for the chain whose latest record is prior.
func Decide(p Policy, prior domain.CallRecord, now time.Time) Decision {
	next := prior.RetryAttemptNumber + 1
	if next > p.MaxAttempts {
		return Decision{Terminate: true, Attempt: next}
	}

	urgency := p.UrgencyFor(next)
	if prior.Urgency.Rank() > urgency.Rank() {
		urgency = prior.Urgency
	}
	delay := p.Delay(next)
	return Decision{
		Attempt:   next,
		Urgency:   urgency,
		Delay:     delay,
		TimeoutAt: now.Add(delay),
	}
}

// NewRetry builds the record a non-terminal decision produces.
func NewRetry(prior domain.CallRecord, d Decision, reason domain.RetryReason, now time.Time) domain.CallRecord {
	root := prior.ChainRootID()
	initiated := now
	timeout := d.TimeoutAt
	return domain.CallRecord{
		ID:                 uuid.New(),
		UserID:             prior.UserID,
		CallType:           prior.CallType,
		Status:             domain.CallStatusInitiated,
		IsRetry:            true,
		RetryAttemptNumber: d.Attempt,
		OriginalCallID:     &root,
		RetryReason:        reason,
		Urgency:            d.Urgency,
		LocalDay:           prior.LocalDay,
		InitiatedAt:        &initiated,
		TimeoutAt:          &timeout,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
