package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/notify"
	"github.com/acme/checkin-call-engine/internal/repository/memory"
	"github.com/acme/checkin-call-engine/internal/telephony/mock"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

type stubNotifier struct {
	sent []notify.Notification
	err  error
}

func (s *stubNotifier) Notify(_ context.Context, n notify.Notification) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.sent = append(s.sent, n)
	return true, nil
}

type fixture struct {
	store    *memory.CallRecordStore
	notifier *stubNotifier
	dialer   *mock.Provider
	engine   *Engine
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewCallRecordStore(),
		notifier: &stubNotifier{},
		dialer:   mock.NewProvider(),
		now:      time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC),
	}
	users := memory.NewUserDirectory(domain.UserCallPreference{
		UserID:      "u1",
		DisplayName: "Ada",
		Contact:     domain.ContactMethod{Kind: domain.ContactKindPhone, Value: "+16502530000"},
	})
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.engine = NewEngine(Dependencies{
		Store:     f.store,
		Users:     users,
		Notifier:  f.notifier,
		Telephony: f.dialer,
		Logger:    logger.NewNop(),
	}, DefaultPolicy(), opts...)
	return f
}

func (f *fixture) original(t *testing.T) domain.CallRecord {
	t.Helper()
	initiated := f.now
	timeout := initiated.Add(10 * time.Minute)
	rec := domain.CallRecord{
		ID:          uuid.New(),
		UserID:      "u1",
		CallType:    domain.CallTypeDailyCheckin,
		Status:      domain.CallStatusInitiated,
		Urgency:     domain.UrgencyHigh,
		LocalDay:    "2024-06-03",
		InitiatedAt: &initiated,
		TimeoutAt:   &timeout,
		CreatedAt:   initiated,
		UpdatedAt:   initiated,
	}
	require.NoError(t, f.store.CreateOriginal(context.Background(), &rec))
	return rec
}

func TestEscalateCreatesFirstRetry(t *testing.T) {
	f := newFixture(t)
	orig := f.original(t)
	f.now = f.now.Add(10 * time.Minute)

	res, err := f.engine.Escalate(context.Background(), orig, domain.RetryReasonMissed)
	require.NoError(t, err)
	require.Equal(t, OutcomeEscalated, res.Outcome)
	require.NotNil(t, res.Retry)

	retry := res.Retry
	assert.Equal(t, 1, retry.RetryAttemptNumber)
	assert.Equal(t, domain.UrgencyHigh, retry.Urgency)
	assert.Equal(t, domain.RetryReasonMissed, retry.RetryReason)
	assert.Equal(t, orig.ID, *retry.OriginalCallID)
	assert.Equal(t, retry.InitiatedAt.Add(10*time.Minute), *retry.TimeoutAt)

	prior, err := f.store.Get(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, prior.Status)

	assert.True(t, res.Notified)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, Message(1, "Ada"), f.notifier.sent[0].Message)
	assert.Empty(t, f.dialer.Requests(), "redial is off by default")
}

func TestEscalateTerminatesAfterThreeRetries(t *testing.T) {
	f := newFixture(t)
	rec := f.original(t)

	for attempt := 1; attempt <= 3; attempt++ {
		f.now = *rec.TimeoutAt
		res, err := f.engine.Escalate(context.Background(), rec, domain.RetryReasonMissed)
		require.NoError(t, err)
		require.Equal(t, OutcomeEscalated, res.Outcome)
		rec = *res.Retry
	}
	assert.Equal(t, domain.UrgencyEmergency, rec.Urgency)

	f.now = *rec.TimeoutAt
	res, err := f.engine.Escalate(context.Background(), rec, domain.RetryReasonMissed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminated, res.Outcome)
	assert.Nil(t, res.Retry)

	for _, r := range f.store.All() {
		assert.LessOrEqual(t, r.RetryAttemptNumber, 3)
	}
	last, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusTimedOut, last.Status)

	timedOut, err := f.store.ListTimedOut(context.Background(), f.now.Add(24*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, timedOut)
}

func TestEscalateTwiceOnlyOnceWins(t *testing.T) {
	f := newFixture(t)
	orig := f.original(t)

	first, err := f.engine.Escalate(context.Background(), orig, domain.RetryReasonMissed)
	require.NoError(t, err)
	second, err := f.engine.Escalate(context.Background(), orig, domain.RetryReasonMissed)
	require.NoError(t, err)

	assert.Equal(t, OutcomeEscalated, first.Outcome)
	assert.Equal(t, OutcomeConflict, second.Outcome)
	assert.Len(t, f.store.All(), 2)
}

func TestNotificationFailureKeepsRetry(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("gateway unreachable")
	orig := f.original(t)

	res, err := f.engine.Escalate(context.Background(), orig, domain.RetryReasonDeclined)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.False(t, res.Notified)

	stored, err := f.store.Get(context.Background(), res.Retry.ID)
	require.NoError(t, err)
	assert.True(t, stored.Pending())
	assert.Equal(t, domain.RetryReasonDeclined, stored.RetryReason)
}

func TestEscalateRedials(t *testing.T) {
	f := newFixture(t, WithRedial(true))
	orig := f.original(t)

	res, err := f.engine.Escalate(context.Background(), orig, domain.RetryReasonFailed)
	require.NoError(t, err)
	reqs := f.dialer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, res.Retry.ID, reqs[0].CallID)
	assert.Equal(t, 1, reqs[0].Attempt)
}

func TestEscalateRejectsUnknownReason(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Escalate(context.Background(), f.original(t), domain.RetryReason("bored"))
	assert.Error(t, err)
}
