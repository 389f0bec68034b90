// Package window decides which users are due in the current dispatch slice.
package window

import (
	"fmt"
	"sync"
	"time"

	"github.com/acme/checkin-call-engine/internal/domain"
)

const minutesPerDay = 24 * 60

// Resolver evaluates users against fixed-width slices aligned to midnight.
type Resolver struct {
	slice time.Duration

	mu        sync.RWMutex
	locations map[string]*time.Location
}

// NewResolver builds a resolver for the given slice width.
func NewResolver(slice time.Duration) *Resolver {
	if slice < time.Minute {
		slice = 5 * time.Minute
	}
	return &Resolver{slice: slice, locations: make(map[string]*time.Location)}
}

// Slice returns the configured slice width.
func (r *Resolver) Slice() time.Duration {
	return r.slice
}

// IsDue reports whether the user's local call time falls in the slice containing now.
func (r *Resolver) IsDue(now time.Time, pref domain.UserCallPreference) (bool, error) {
	loc, err := r.Location(pref.Timezone)
	if err != nil {
		return false, err
	}
	return IsDue(now, pref.LocalCallTime, loc, r.slice), nil
}

// LocalDay returns the user's calendar day at now, formatted YYYY-MM-DD.
func (r *Resolver) LocalDay(now time.Time, timezone string) (string, error) {
	loc, err := r.Location(timezone)
	if err != nil {
		return "", err
	}
	return LocalDay(now, loc), nil
}

// Location loads and caches an IANA zone.
func (r *Resolver) Location(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("window: empty timezone")
	}

	r.mu.RLock()
	loc, ok := r.locations[name]
	r.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("window: load timezone %q: %w", name, err)
	}

	r.mu.Lock()
	r.locations[name] = loc
	r.mu.Unlock()
	return loc, nil
}

// IsDue is the pure form of Resolver.IsDue.
// The slice is computed in minutes-of-day modulo 1440 so slices ending at midnight wrap cleanly.
func IsDue(now time.Time, callTime domain.TimeOfDay, loc *time.Location, slice time.Duration) bool {
	width := int(slice / time.Minute)
	if width <= 0 {
		return false
	}

	local := now.In(loc)
	nowMinute := local.Hour()*60 + local.Minute()
	start := SliceStartMinute(nowMinute, width)

	offset := ((callTime.MinuteOfDay()-start)%minutesPerDay + minutesPerDay) % minutesPerDay
	return offset < width
}

// SliceStartMinute aligns a minute-of-day down to its slice boundary.
func SliceStartMinute(minuteOfDay, width int) int {
	if width <= 0 {
		return minuteOfDay
	}
	return (minuteOfDay - minuteOfDay%width) % minutesPerDay
}

// SliceStart truncates now to the start of its UTC-aligned slice.
func SliceStart(now time.Time, slice time.Duration) time.Time {
	if slice <= 0 {
		return now
	}
	return now.UTC().Truncate(slice)
}

// LocalDay formats the calendar day of now in loc.
func LocalDay(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}
