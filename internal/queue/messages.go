package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DispatchMessage instructs an external dialer to place a call.
type DispatchMessage struct {
	CallID       uuid.UUID         `json:"call_id"`
	UserID       string            `json:"user_id"`
	CallType     string            `json:"call_type"`
	ContactKind  string            `json:"contact_kind"`
	ContactValue string            `json:"contact_value"`
	Attempt      int               `json:"attempt"`
	Urgency      string            `json:"urgency"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// StatusMessage reports how a placed call ended.
type StatusMessage struct {
	CallID            *uuid.UUID `json:"call_id,omitempty"`
	UserID            string     `json:"user_id"`
	CallType          string     `json:"call_type,omitempty"`
	Outcome           string     `json:"outcome"`
	PromiseKept       *bool      `json:"promise_kept,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	ProviderReference string     `json:"provider_reference,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// EventMessage is the relayed form of a domain event.
type EventMessage struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Env        string          `json:"env"`
	Tenant     string          `json:"tenant"`
	Payload    json.RawMessage `json:"payload"`
}
