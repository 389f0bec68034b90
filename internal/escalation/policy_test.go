package escalation

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/internal/domain"
)

func TestDelayTable(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 10*time.Minute, p.Delay(1))
	assert.Equal(t, 30*time.Minute, p.Delay(2))
	assert.Equal(t, 60*time.Minute, p.Delay(3))
	for n := 4; n < 20; n++ {
		assert.Equal(t, 60*time.Minute, p.Delay(n), "attempt %d is clamped", n)
	}
	assert.Equal(t, 10*time.Minute, p.Delay(0))
	assert.Equal(t, 10*time.Minute, Policy{MaxAttempts: 3}.Delay(1), "empty table falls back to defaults")
}

func TestUrgencyFor(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, domain.UrgencyHigh, p.UrgencyFor(1))
	assert.Equal(t, domain.UrgencyCritical, p.UrgencyFor(2))
	assert.Equal(t, domain.UrgencyEmergency, p.UrgencyFor(3))
	assert.Equal(t, domain.UrgencyEmergency, p.UrgencyFor(7))
}

func TestDecideFirstRetry(t *testing.T) {
	now := time.Date(2024, 6, 3, 13, 10, 0, 0, time.UTC)
	d := Decide(DefaultPolicy(), domain.CallRecord{RetryAttemptNumber: 0, Urgency: domain.UrgencyHigh}, now)

	assert.False(t, d.Terminate)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, domain.UrgencyHigh, d.Urgency)
	assert.Equal(t, now.Add(10*time.Minute), d.TimeoutAt)
}

func TestDecideTerminatesPastMax(t *testing.T) {
	d := Decide(DefaultPolicy(), domain.CallRecord{RetryAttemptNumber: 3}, time.Now())
	assert.True(t, d.Terminate)
	assert.Equal(t, 4, d.Attempt)
}

func TestDecideKeepsUrgencyMonotonic(t *testing.T) {
	p := Policy{MaxAttempts: 5, Delays: []time.Duration{time.Minute}}
	d := Decide(p, domain.CallRecord{RetryAttemptNumber: 0, Urgency: domain.UrgencyEmergency}, time.Now())
	assert.Equal(t, domain.UrgencyEmergency, d.Urgency)
}

func TestChainPropertiesAcrossPolicies(t *testing.T) {
	policies := []Policy{
		DefaultPolicy(),
		{MaxAttempts: 1, Delays: []time.Duration{time.Minute}},
		{MaxAttempts: 6, Delays: []time.Duration{time.Minute, 2 * time.Minute}},
	}
	now := time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC)

	for _, p := range policies {
		rec := domain.CallRecord{ID: uuid.New(), UserID: "u1", CallType: domain.CallTypeDailyCheckin, Urgency: domain.UrgencyHigh}
		steps := 0
		for {
			d := Decide(p, rec, now)
			if d.Terminate {
				break
			}
			next := NewRetry(rec, d, domain.RetryReasonMissed, now)
			require.Equal(t, rec.RetryAttemptNumber+1, next.RetryAttemptNumber)
			require.GreaterOrEqual(t, next.Urgency.Rank(), rec.Urgency.Rank())
			require.LessOrEqual(t, next.RetryAttemptNumber, p.MaxAttempts)
			require.True(t, next.IsRetry)
			require.Equal(t, rec.ChainRootID(), *next.OriginalCallID)
			rec = next
			steps++
			now = now.Add(d.Delay)
		}
		assert.Equal(t, p.MaxAttempts, steps)
	}
}

func TestMessageIsTotal(t *testing.T) {
	for attempt := -1; attempt < 10; attempt++ {
		msg := Message(attempt, "Ada")
		assert.NotEmpty(t, msg)
		assert.True(t, strings.Contains(msg, "Ada"))
	}
	assert.NotEqual(t, Message(1, "Ada"), Message(3, "Ada"))
	assert.True(t, strings.HasPrefix(Message(2, " "), "Hi there"))
}
