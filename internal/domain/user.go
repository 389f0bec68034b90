package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ContactKind distinguishes phone numbers from push tokens.
type ContactKind string

const (
	ContactKindPhone ContactKind = "phone"
	ContactKindPush  ContactKind = "push"
)

// ContactMethod is how the user is reached.
type ContactMethod struct {
	Kind  ContactKind
	Value string
}

// Empty reports whether no contact value is present.
func (c ContactMethod) Empty() bool {
	return strings.TrimSpace(c.Value) == ""
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS"; seconds are ignored.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: expected HH:MM", value)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: invalid hour", value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: invalid minute", value)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// MinuteOfDay returns minutes since local midnight.
func (t TimeOfDay) MinuteOfDay() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// UserCallPreference is the read-only view of a user the engine schedules against.
type UserCallPreference struct {
	UserID             string
	DisplayName        string
	LocalCallTime      TimeOfDay
	Timezone           string
	Contact            ContactMethod
	OnboardingComplete bool
	SubscriptionActive bool
}
