// Package events is the in-process publish/subscribe bus that fans call lifecycle
// events out to independent consumer groups.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the closed vocabulary of event tags.
type Type string

const (
	TypeCallStarted           Type = "call.started"
	TypeCallCompleted         Type = "call.completed"
	TypeCallMissed            Type = "call.missed"
	TypePromiseKept           Type = "promise.kept"
	TypePromiseBroken         Type = "promise.broken"
	TypeStreakUpdated         Type = "streak.updated"
	TypeSubscriptionActivated Type = "subscription.activated"
	TypeSubscriptionCanceled  Type = "subscription.canceled"
)

// Types lists every known tag.
func Types() []Type {
	return []Type{
		TypeCallStarted, TypeCallCompleted, TypeCallMissed, TypePromiseKept,
		TypePromiseBroken, TypeStreakUpdated, TypeSubscriptionActivated, TypeSubscriptionCanceled,
	}
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	eventType() Type
}

// Delivery is the execution context handlers may need.
type Delivery struct {
	Env    string `json:"env"`
	Tenant string `json:"tenant"`
}

// Event is one published occurrence.
type Event struct {
	ID         uuid.UUID
	Type       Type
	OccurredAt time.Time
	Delivery   Delivery
	Payload    Payload
}

// New wraps payload in an event; the tag is always derived from the payload.
func New(payload Payload) Event {
	return Event{
		ID:         uuid.New(),
		Type:       payload.eventType(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// MarshalPayload encodes the payload as JSON.
func (e Event) MarshalPayload() ([]byte, error) {
	return json.Marshal(e.Payload)
}

type CallStarted struct {
	CallID            uuid.UUID `json:"call_id"`
	UserID            string    `json:"user_id"`
	CallType          string    `json:"call_type"`
	Attempt           int       `json:"attempt"`
	Urgency           string    `json:"urgency"`
	LocalDay          string    `json:"local_day"`
	ProviderReference string    `json:"provider_reference,omitempty"`
}

type CallCompleted struct {
	CallID      uuid.UUID `json:"call_id"`
	UserID      string    `json:"user_id"`
	CallType    string    `json:"call_type"`
	PromiseKept *bool     `json:"promise_kept,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// CallMissed is published for every record that ended without an answer.
// Final is set when the chain ended without scheduling a retry.
type CallMissed struct {
	CallID      uuid.UUID  `json:"call_id"`
	UserID      string     `json:"user_id"`
	CallType    string     `json:"call_type"`
	Reason      string     `json:"reason"`
	Attempt     int        `json:"attempt"`
	Final       bool       `json:"final"`
	RetryCallID *uuid.UUID `json:"retry_call_id,omitempty"`
}

type PromiseKept struct {
	CallID uuid.UUID `json:"call_id"`
	UserID string    `json:"user_id"`
}

type PromiseBroken struct {
	CallID uuid.UUID `json:"call_id"`
	UserID string    `json:"user_id"`
}

type StreakUpdated struct {
	UserID   string    `json:"user_id"`
	CallID   uuid.UUID `json:"call_id"`
	Streak   int       `json:"streak"`
	Previous int       `json:"previous"`
}

type SubscriptionActivated struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan"`
}

type SubscriptionCanceled struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (CallStarted) eventType() Type           { return TypeCallStarted }
func (CallCompleted) eventType() Type         { return TypeCallCompleted }
func (CallMissed) eventType() Type            { return TypeCallMissed }
func (PromiseKept) eventType() Type           { return TypePromiseKept }
func (PromiseBroken) eventType() Type         { return TypePromiseBroken }
func (StreakUpdated) eventType() Type         { return TypeStreakUpdated }
func (SubscriptionActivated) eventType() Type { return TypeSubscriptionActivated }
func (SubscriptionCanceled) eventType() Type  { return TypeSubscriptionCanceled }
