package window

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/internal/domain"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestIsDueNewYorkMorning(t *testing.T) {
	r := NewResolver(5 * time.Minute)
	pref := domain.UserCallPreference{
		UserID:        "u1",
		LocalCallTime: domain.TimeOfDay{Hour: 9},
		Timezone:      "America/New_York",
	}

	// 13:02 UTC is 09:02 EDT.
	now := time.Date(2024, 6, 3, 13, 2, 0, 0, time.UTC)
	due, err := r.IsDue(now, pref)
	require.NoError(t, err)
	assert.True(t, due)

	due, err = r.IsDue(now.Add(5*time.Minute), pref)
	require.NoError(t, err)
	assert.False(t, due, "09:07 is in the next slice")

	due, err = r.IsDue(now.Add(-3*time.Minute), pref)
	require.NoError(t, err)
	assert.False(t, due, "08:59 is in the previous slice")
}

func TestIsDueAcrossUTCDayRollover(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	// 23:03 UTC on the 2nd is 08:03 on the 3rd in Tokyo.
	now := time.Date(2024, 6, 2, 23, 3, 0, 0, time.UTC)

	assert.True(t, IsDue(now, domain.TimeOfDay{Hour: 8}, tokyo, 5*time.Minute))
	assert.Equal(t, "2024-06-03", LocalDay(now, tokyo))
}

func TestIsDueSliceEndingAtMidnight(t *testing.T) {
	utc := time.UTC
	lateNight := time.Date(2024, 6, 2, 23, 57, 0, 0, utc)

	assert.True(t, IsDue(lateNight, domain.TimeOfDay{Hour: 23, Minute: 58}, utc, 5*time.Minute))
	assert.True(t, IsDue(lateNight, domain.TimeOfDay{Hour: 23, Minute: 55}, utc, 5*time.Minute))
	assert.False(t, IsDue(lateNight, domain.TimeOfDay{Hour: 0, Minute: 0}, utc, 5*time.Minute))

	justAfter := time.Date(2024, 6, 3, 0, 1, 0, 0, utc)
	assert.True(t, IsDue(justAfter, domain.TimeOfDay{Hour: 0, Minute: 0}, utc, 5*time.Minute))
	assert.False(t, IsDue(justAfter, domain.TimeOfDay{Hour: 23, Minute: 58}, utc, 5*time.Minute))
}

func TestIsDueSpringForward(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 2024-03-10 02:00 EST jumps to 03:00 EDT. 07:00 UTC is 03:00 EDT.
	afterJump := time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)
	assert.True(t, IsDue(afterJump, domain.TimeOfDay{Hour: 3}, ny, 5*time.Minute))

	// 02:30 never occurs that day; no instant in the gap window is due.
	for m := 0; m < 120; m++ {
		now := time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC).Add(time.Duration(m) * time.Minute)
		assert.False(t, IsDue(now, domain.TimeOfDay{Hour: 2, Minute: 30}, ny, 5*time.Minute), "instant %s", now)
	}
}

func TestIsDueFallBack(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 2024-11-03 01:30 occurs twice: 05:30 UTC (EDT) and 06:30 UTC (EST).
	first := time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC)
	second := time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC)
	call := domain.TimeOfDay{Hour: 1, Minute: 30}

	assert.True(t, IsDue(first, call, ny, 5*time.Minute))
	assert.True(t, IsDue(second, call, ny, 5*time.Minute))
	assert.Equal(t, LocalDay(first, ny), LocalDay(second, ny), "both occurrences share one local day")
}

func TestIsDueMatchesSliceEnumeration(t *testing.T) {
	zones := []string{"UTC", "America/New_York", "Europe/London", "Asia/Kolkata", "Australia/Lord_Howe", "Pacific/Chatham"}
	widths := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, 60 * time.Minute}
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2000; i++ {
		loc := mustLoad(t, zones[rng.Intn(len(zones))])
		width := widths[rng.Intn(len(widths))]
		now := base.Add(time.Duration(rng.Int63n(int64(366 * 24 * time.Hour))))
		call := domain.TimeOfDay{Hour: rng.Intn(24), Minute: rng.Intn(60)}

		local := now.In(loc)
		w := int(width / time.Minute)
		minute := local.Hour()*60 + local.Minute()
		start := minute - minute%w

		want := false
		for k := 0; k < w; k++ {
			if (start+k)%minutesPerDay == call.MinuteOfDay() {
				want = true
			}
		}

		require.Equal(t, want, IsDue(now, call, loc, width), "now=%s zone=%s call=%s width=%s", now, loc, call, width)
	}
}

func TestResolverRejectsUnknownZone(t *testing.T) {
	r := NewResolver(5 * time.Minute)
	_, err := r.IsDue(time.Now(), domain.UserCallPreference{Timezone: "Mars/Olympus"})
	assert.Error(t, err)

	_, err = r.LocalDay(time.Now(), "")
	assert.Error(t, err)
}

func TestSliceStart(t *testing.T) {
	now := time.Date(2024, 6, 3, 13, 7, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 3, 13, 5, 0, 0, time.UTC), SliceStart(now, 5*time.Minute))
	assert.Equal(t, 1435, SliceStartMinute(1439, 5))
}
