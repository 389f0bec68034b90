package eligibility

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/acme/checkin-call-engine/internal/domain"
)

func eligibleUser() domain.UserCallPreference {
	return domain.UserCallPreference{
		UserID:             "user-1",
		Timezone:           "America/New_York",
		Contact:            domain.ContactMethod{Kind: domain.ContactKindPhone, Value: "(650) 253-0000"},
		OnboardingComplete: true,
		SubscriptionActive: true,
	}
}

func TestEvaluate(t *testing.T) {
	f := NewFilter("US")

	tests := []struct {
		name   string
		mutate func(*domain.UserCallPreference)
		want   Reason
	}{
		{name: "eligible", mutate: func(*domain.UserCallPreference) {}, want: ReasonNone},
		{name: "no subscription", mutate: func(p *domain.UserCallPreference) { p.SubscriptionActive = false }, want: ReasonNoSubscription},
		{name: "onboarding incomplete", mutate: func(p *domain.UserCallPreference) { p.OnboardingComplete = false }, want: ReasonOnboardingIncomplete},
		{name: "empty contact", mutate: func(p *domain.UserCallPreference) { p.Contact.Value = "  " }, want: ReasonNoContactMethod},
		{name: "invalid phone", mutate: func(p *domain.UserCallPreference) { p.Contact.Value = "12" }, want: ReasonNoContactMethod},
		{name: "unknown contact kind", mutate: func(p *domain.UserCallPreference) { p.Contact.Kind = "pigeon" }, want: ReasonNoContactMethod},
		{
			name: "subscription checked first",
			mutate: func(p *domain.UserCallPreference) {
				p.SubscriptionActive = false
				p.OnboardingComplete = false
				p.Contact = domain.ContactMethod{}
			},
			want: ReasonNoSubscription,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := eligibleUser()
			tt.mutate(&pref)
			res := f.Evaluate(pref)
			assert.Equal(t, tt.want, res.Reason)
			assert.Equal(t, tt.want == ReasonNone, res.Eligible)
		})
	}
}

func TestEvaluateNormalizesContact(t *testing.T) {
	f := NewFilter("")

	res := f.Evaluate(eligibleUser())
	assert.True(t, res.Eligible)
	assert.Equal(t, "+16502530000", res.Contact.Value)

	pref := eligibleUser()
	pref.Contact = domain.ContactMethod{Kind: domain.ContactKindPush, Value: " token-abc "}
	res = f.Evaluate(pref)
	assert.True(t, res.Eligible)
	assert.Equal(t, "token-abc", res.Contact.Value)
}
