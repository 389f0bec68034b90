// Package eligibility gates users before any call is attempted.
package eligibility

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/acme/checkin-call-engine/internal/domain"
)

// Reason explains why a user was rejected.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonNoSubscription       Reason = "no_subscription"
	ReasonOnboardingIncomplete Reason = "onboarding_incomplete"
	ReasonNoContactMethod      Reason = "no_contact_method"
)

// Result is the outcome of evaluating one user.
type Result struct {
	Eligible bool
	Reason   Reason
	// Contact is the normalized contact method, set when Eligible.
	Contact domain.ContactMethod
}

// Filter evaluates users against subscription, onboarding and contact preconditions.
// It holds no state between calls so every evaluation reflects the record it is given.
type Filter struct {
	defaultRegion string
}

// NewFilter builds a filter; region is used to parse phone numbers without a country prefix.
func NewFilter(defaultRegion string) *Filter {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &Filter{defaultRegion: strings.ToUpper(defaultRegion)}
}

// Evaluate checks preconditions in a fixed order: subscription, onboarding, contact.
func (f *Filter) Evaluate(pref domain.UserCallPreference) Result {
	if !pref.SubscriptionActive {
		return Result{Reason: ReasonNoSubscription}
	}
	if !pref.OnboardingComplete {
		return Result{Reason: ReasonOnboardingIncomplete}
	}
	contact, ok := f.normalize(pref.Contact)
	if !ok {
		return Result{Reason: ReasonNoContactMethod}
	}
	return Result{Eligible: true, Contact: contact}
}

func (f *Filter) normalize(c domain.ContactMethod) (domain.ContactMethod, bool) {
	if c.Empty() {
		return domain.ContactMethod{}, false
	}
	switch c.Kind {
	case domain.ContactKindPush:
		return domain.ContactMethod{Kind: c.Kind, Value: strings.TrimSpace(c.Value)}, true
	case domain.ContactKindPhone, "":
		parsed, err := phonenumbers.Parse(c.Value, f.defaultRegion)
		if err != nil || !phonenumbers.IsValidNumber(parsed) {
			return domain.ContactMethod{}, false
		}
		return domain.ContactMethod{
			Kind:  domain.ContactKindPhone,
			Value: phonenumbers.Format(parsed, phonenumbers.E164),
		}, true
	}
	return domain.ContactMethod{}, false
}
