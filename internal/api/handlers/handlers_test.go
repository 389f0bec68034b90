package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/checkin-call-engine/internal/dispatcher"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/escalation"
	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/internal/metrics"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/repository"
	"github.com/acme/checkin-call-engine/internal/repository/memory"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	"github.com/acme/checkin-call-engine/internal/tracker"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

type fakeDispatcher struct {
	summary dispatcher.Summary
	outcome dispatcher.Outcome
	err     error
	users   []string
}

func (f *fakeDispatcher) Run(context.Context) (dispatcher.Summary, error) {
	return f.summary, f.err
}

func (f *fakeDispatcher) DispatchUser(_ context.Context, userID string) (dispatcher.Outcome, error) {
	f.users = append(f.users, userID)
	return f.outcome, f.err
}

type fakeTracker struct{ summary tracker.Summary }

func (f *fakeTracker) Run(context.Context) (tracker.Summary, error) { return f.summary, nil }

type captureStatus struct{ msgs []queue.StatusMessage }

func (c *captureStatus) PublishStatus(_ context.Context, msg queue.StatusMessage) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

type rejectAll struct{ url string }

func (r *rejectAll) Validate(url string, _ map[string]string, _ string) bool {
	r.url = url
	return false
}

type capturePublisher struct{ events []events.Event }

func (c *capturePublisher) Publish(_ context.Context, ev events.Event) events.PublishReport {
	c.events = append(c.events, ev)
	return events.PublishReport{Delivered: 1}
}

type harness struct {
	app        *fiber.App
	store      *memory.CallRecordStore
	dispatcher *fakeDispatcher
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	store := memory.NewCallRecordStore()
	engine := escalation.NewEngine(escalation.Dependencies{Store: store, Logger: logger.NewNop()}, escalation.DefaultPolicy())
	disp := &fakeDispatcher{outcome: dispatcher.OutcomeDispatched}

	deps := Deps{
		Calls:      callsvc.NewService(store, engine, nil, nil, logger.NewNop(), domain.CallTypeDailyCheckin),
		Dispatcher: disp,
		Tracker:    &fakeTracker{summary: tracker.Summary{Scanned: 2, Escalated: 1, Terminated: 1}},
		Metrics:    metrics.New(),
		Logger:     logger.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}

	h := NewHandlerSet(deps)
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return &harness{app: app, store: store, dispatcher: disp}
}

func (h *harness) seed(t *testing.T, userID string) domain.CallRecord {
	t.Helper()
	now := time.Now().UTC()
	timeout := now.Add(10 * time.Minute)
	rec := domain.CallRecord{
		ID:          uuid.New(),
		UserID:      userID,
		CallType:    domain.CallTypeDailyCheckin,
		Status:      domain.CallStatusInitiated,
		Urgency:     domain.UrgencyHigh,
		LocalDay:    now.Format("2006-01-02"),
		InitiatedAt: &now,
		TimeoutAt:   &timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, h.store.CreateOriginal(context.Background(), &rec))
	return rec
}

func (h *harness) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return resp, out
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func formRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHealth(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Health = map[string]HealthCheck{
			"redis": func(context.Context) error { return nil },
		}
	})
	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	h = newHarness(t, func(d *Deps) {
		d.Health = map[string]HealthCheck{
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		}
	})
	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := h.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAcknowledgeByUser(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.seed(t, "u1")

	resp, body := h.do(t, jsonRequest(http.MethodPost, "/api/v1/acknowledgments", `{"user_id":"u1"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["found"])
	assert.EqualValues(t, 1, body["chain_acknowledged"])

	stored, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Acknowledged)
}

func TestAcknowledgeNothingPending(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, jsonRequest(http.MethodPost, "/api/v1/acknowledgments", `{"user_id":"ghost"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["found"])

	resp, _ = h.do(t, jsonRequest(http.MethodPost, "/api/v1/acknowledgments", `{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, jsonRequest(http.MethodPost, "/api/v1/acknowledgments", `{"call_id":"nope"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompletionMissedEscalates(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.seed(t, "u1")

	resp, body := h.do(t, jsonRequest(http.MethodPost, "/api/v1/calls/completions",
		`{"call_id":"`+rec.ID.String()+`","outcome":"missed"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	esc, ok := body["escalation"].(map[string]any)
	require.True(t, ok, "escalation in body: %v", body)
	assert.Equal(t, string(escalation.OutcomeEscalated), esc["outcome"])
	assert.EqualValues(t, 1, esc["attempt"])

	retryID, err := uuid.Parse(esc["retry_call_id"].(string))
	require.NoError(t, err)
	retry, err := h.store.Get(context.Background(), retryID)
	require.NoError(t, err)
	assert.True(t, retry.IsRetry)
	assert.Equal(t, domain.RetryReasonMissed, retry.RetryReason)

	resp, body = h.do(t, jsonRequest(http.MethodPost, "/api/v1/calls/completions",
		`{"call_id":"`+rec.ID.String()+`","outcome":"missed"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
}

func TestCompletionAnsweredAcknowledges(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.seed(t, "u1")

	resp, body := h.do(t, jsonRequest(http.MethodPost, "/api/v1/calls/completions",
		`{"user_id":"u1","outcome":"answered","promise_kept":true}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	call := body["call"].(map[string]any)
	assert.Equal(t, rec.ID.String(), call["id"])
	assert.Equal(t, string(domain.CallStatusCompleted), call["status"])
	assert.Equal(t, true, call["acknowledged"])
}

func TestCompletionErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.do(t, jsonRequest(http.MethodPost, "/api/v1/calls/completions",
		`{"call_id":"`+uuid.NewString()+`","outcome":"missed"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := h.do(t, jsonRequest(http.MethodPost, "/api/v1/calls/completions", `{"user_id":"u1","outcome":"maybe"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown outcome")

	resp, _ = h.do(t, jsonRequest(http.MethodPost, "/api/v1/calls/completions", `not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAndListCalls(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.seed(t, "u1")

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/calls/"+rec.ID.String(), nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", body["user_id"])
	assert.Equal(t, string(domain.CallStatusInitiated), body["status"])

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/calls/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/calls/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/users/u1/calls?limit=10", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["calls"], 1)
}

func TestTwilioStatusAppliedDirectly(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.seed(t, "u1")

	resp, _ := h.do(t, formRequest("/webhooks/twilio/status?call_id="+rec.ID.String()+"&user_id=u1",
		"CallSid=CA123&CallStatus=ringing"))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	stored, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Pending(), "intermediate statuses are ignored")

	resp, _ = h.do(t, formRequest("/webhooks/twilio/status?call_id="+rec.ID.String()+"&user_id=u1",
		"CallSid=CA123&CallStatus=no-answer"))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, err = h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, stored.Status)

	open, err := h.store.LatestOpenForUser(context.Background(), rec.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, open.RetryAttemptNumber)
}

func TestTwilioStatusQueuedWhenSinkConfigured(t *testing.T) {
	sink := &captureStatus{}
	h := newHarness(t, func(d *Deps) { d.Status = sink })
	id := uuid.New()

	resp, _ := h.do(t, formRequest("/webhooks/twilio/status?call_id="+id.String()+"&user_id=u1&call_type=daily_checkin",
		"CallSid=CA9&CallStatus=completed"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, sink.msgs, 1)

	msg := sink.msgs[0]
	assert.Equal(t, string(callsvc.OutcomeAnswered), msg.Outcome)
	assert.Equal(t, "CA9", msg.ProviderReference)
	assert.Equal(t, "daily_checkin", msg.CallType)
	require.NotNil(t, msg.CallID)
	assert.Equal(t, id, *msg.CallID)
}

func TestTwilioStatusMapping(t *testing.T) {
	cases := map[string]callsvc.Outcome{
		"completed": callsvc.OutcomeAnswered,
		"no-answer": callsvc.OutcomeMissed,
		"busy":      callsvc.OutcomeMissed,
		"canceled":  callsvc.OutcomeDeclined,
		"failed":    callsvc.OutcomeFailed,
	}
	for status, want := range cases {
		got, ok := twilioOutcome(status)
		assert.True(t, ok, status)
		assert.Equal(t, want, got, status)
	}
	for _, status := range []string{"queued", "ringing", "in-progress", ""} {
		_, ok := twilioOutcome(status)
		assert.False(t, ok, status)
	}
}

func TestTwilioStatusSignatureRejected(t *testing.T) {
	validator := &rejectAll{}
	h := newHarness(t, func(d *Deps) {
		d.Validator = validator
		d.PublicURL = "https://voice.example.com/"
	})

	resp, _ := h.do(t, formRequest("/webhooks/twilio/status?user_id=u1", "CallStatus=completed"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "https://voice.example.com/webhooks/twilio/status?user_id=u1", validator.url)
}

func TestOperations(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatcher.summary = dispatcher.Summary{
		Scanned: 3, Due: 2, Dispatched: 1, Failed: 1,
		Failures: []dispatcher.Failure{{UserID: "bob", Err: errors.New("provider down")}},
	}

	resp, body := h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["dispatched"])
	assert.Equal(t, map[string]any{"bob": "provider down"}, body["failures"])

	resp, body = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/dispatch/users/u7", nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(dispatcher.OutcomeDispatched), body["outcome"])
	assert.Equal(t, []string{"u7"}, h.dispatcher.users)

	h.dispatcher.outcome = dispatcher.OutcomeFailed
	h.dispatcher.err = repository.ErrNotFound
	resp, _ = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/dispatch/users/ghost", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/tracker/run", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["scanned"])
	assert.EqualValues(t, 1, body["terminated"])
}

func TestSubscriptionEvents(t *testing.T) {
	pub := &capturePublisher{}
	h := newHarness(t, func(d *Deps) { d.Events = pub })

	resp, body := h.do(t, jsonRequest(http.MethodPost, "/api/v1/subscriptions/events",
		`{"user_id":"u1","status":"activated","plan":"pro"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 1, body["delivered"])
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.TypeSubscriptionActivated, pub.events[0].Type)
	assert.Equal(t, events.SubscriptionActivated{UserID: "u1", Plan: "pro"}, pub.events[0].Payload)

	resp, _ = h.do(t, jsonRequest(http.MethodPost, "/api/v1/subscriptions/events", `{"user_id":"u1","status":"paused"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProgressDisabled(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/users/u1/progress", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
