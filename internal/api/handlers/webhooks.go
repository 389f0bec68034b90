package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/queue"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// twilioOutcome maps a terminal Twilio CallStatus to a completion outcome.
// Progress statuses map to false and are acknowledged without effect.
func twilioOutcome(status string) (callsvc.Outcome, bool) {
	switch strings.ToLower(status) {
	case "completed":
		return callsvc.OutcomeAnswered, true
	case "no-answer", "busy":
		return callsvc.OutcomeMissed, true
	case "canceled":
		return callsvc.OutcomeDeclined, true
	case "failed":
		return callsvc.OutcomeFailed, true
	}
	return "", false
}

func (h *HandlerSet) twilioStatus(ctx *fiber.Ctx) error {
	params := make(map[string]string)
	ctx.Request().PostArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})

	if h.deps.Validator != nil {
		url := strings.TrimRight(h.deps.PublicURL, "/") + ctx.OriginalURL()
		if !h.deps.Validator.Validate(url, params, ctx.Get(twilioSignatureHeader)) {
			return fiber.NewError(http.StatusForbidden, "invalid signature")
		}
	}

	status := params["CallStatus"]
	outcome, ok := twilioOutcome(status)
	if !ok {
		return ctx.SendStatus(http.StatusNoContent)
	}

	callID, err := optionalID(ctx.Query("call_id"))
	if err != nil {
		return err
	}
	userID := ctx.Query("user_id")
	if callID == nil && userID == "" {
		return fiber.NewError(http.StatusBadRequest, "call_id or user_id is required")
	}

	log := h.log.WithContext(ctx.UserContext()).With(
		zap.String("user_id", userID),
		zap.String("call_sid", params["CallSid"]),
		zap.String("call_status", status),
	)

	if h.deps.Status != nil {
		err := h.deps.Status.PublishStatus(ctx.UserContext(), queue.StatusMessage{
			CallID:            callID,
			UserID:            userID,
			CallType:          ctx.Query("call_type"),
			Outcome:           string(outcome),
			ProviderReference: params["CallSid"],
			OccurredAt:        time.Now().UTC(),
		})
		if err != nil {
			log.Error("queue status report failed", zap.Error(err))
			return fiber.NewError(http.StatusServiceUnavailable, "status queue unavailable")
		}
		return ctx.SendStatus(http.StatusNoContent)
	}

	res, err := h.deps.Calls.ReportCompletion(ctx.UserContext(), callsvc.CompletionReport{
		UserID:            userID,
		CallType:          domain.CallType(ctx.Query("call_type")),
		CallID:            callID,
		Outcome:           outcome,
		ProviderReference: params["CallSid"],
	})
	if err != nil {
		return translateError(err)
	}
	if !res.Found {
		log.Info("status report for unknown call")
	}
	return ctx.SendStatus(http.StatusNoContent)
}
