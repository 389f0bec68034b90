package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is a product-defined category of check-in call.
type CallType string

const (
	CallTypeDailyCheckin CallType = "daily_checkin"
)

// CallStatus enumerates lifecycle stages for a call record.
type CallStatus string

const (
	CallStatusScheduled CallStatus = "scheduled"
	CallStatusInitiated CallStatus = "initiated"
	CallStatusCompleted CallStatus = "completed"
	CallStatusMissed    CallStatus = "missed"
	CallStatusTimedOut  CallStatus = "timed_out"
)

// Open reports whether a record in this status can still time out or be escalated.
func (s CallStatus) Open() bool {
	return s == CallStatusScheduled || s == CallStatusInitiated
}

// RetryReason records why a chain was escalated.
type RetryReason string

const (
	RetryReasonMissed   RetryReason = "missed"
	RetryReasonDeclined RetryReason = "declined"
	RetryReasonFailed   RetryReason = "failed"
)

// Valid reports whether r is part of the closed vocabulary.
func (r RetryReason) Valid() bool {
	switch r {
	case RetryReasonMissed, RetryReasonDeclined, RetryReasonFailed:
		return true
	}
	return false
}

// Urgency is the ordinal severity of a record within its chain.
type Urgency string

const (
	UrgencyHigh      Urgency = "high"
	UrgencyCritical  Urgency = "critical"
	UrgencyEmergency Urgency = "emergency"
)

// Rank orders urgencies; unknown values rank lowest.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyHigh:
		return 1
	case UrgencyCritical:
		return 2
	case UrgencyEmergency:
		return 3
	}
	return 0
}

// CallRecord is the durable unit of state tracking one attempted contact with a user.
type CallRecord struct {
	ID                 uuid.UUID
	UserID             string
	CallType           CallType
	Status             CallStatus
	IsRetry            bool
	RetryAttemptNumber int
	OriginalCallID     *uuid.UUID
	RetryReason        RetryReason
	Urgency            Urgency
	// LocalDay is the calendar day (YYYY-MM-DD) in the user's timezone the chain belongs to.
	LocalDay          string
	ProviderReference string
	ScheduledFor      *time.Time
	InitiatedAt       *time.Time
	TimeoutAt         *time.Time
	AcknowledgedAt    *time.Time
	Acknowledged      bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ChainRootID returns the id of the original record of this record's chain.
func (r CallRecord) ChainRootID() uuid.UUID {
	if r.OriginalCallID != nil {
		return *r.OriginalCallID
	}
	return r.ID
}

// Pending reports whether the record is unacknowledged and still open.
func (r CallRecord) Pending() bool {
	return !r.Acknowledged && r.Status.Open()
}

// TimedOut reports whether a pending record has passed its deadline at now.
func (r CallRecord) TimedOut(now time.Time) bool {
	return r.Pending() && r.TimeoutAt != nil && !r.TimeoutAt.After(now)
}

// Key identifies the (user, call type) pair the one-open-record guard applies to.
type Key struct {
	UserID   string
	CallType CallType
}

// Key returns the record's guard key.
func (r CallRecord) Key() Key {
	return Key{UserID: r.UserID, CallType: r.CallType}
}
