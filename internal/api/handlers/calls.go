package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
)

type ackRequest struct {
	UserID   string `json:"user_id"`
	CallType string `json:"call_type"`
	CallID   string `json:"call_id"`
}

type ackResponse struct {
	Found             bool          `json:"found"`
	ChainAcknowledged int           `json:"chain_acknowledged"`
	Call              *callResponse `json:"call,omitempty"`
}

type completionRequest struct {
	UserID            string `json:"user_id"`
	CallType          string `json:"call_type"`
	CallID            string `json:"call_id"`
	Outcome           string `json:"outcome"`
	PromiseKept       *bool  `json:"promise_kept"`
	Summary           string `json:"summary"`
	ProviderReference string `json:"provider_reference"`
}

type escalationResponse struct {
	Outcome     string     `json:"outcome"`
	Attempt     int        `json:"attempt"`
	RetryCallID *uuid.UUID `json:"retry_call_id,omitempty"`
	Notified    bool       `json:"notified"`
}

type completionResponse struct {
	Found      bool                `json:"found"`
	Duplicate  bool                `json:"duplicate"`
	Call       *callResponse       `json:"call,omitempty"`
	Escalation *escalationResponse `json:"escalation,omitempty"`
}

type callResponse struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             string     `json:"user_id"`
	CallType           string     `json:"call_type"`
	Status             string     `json:"status"`
	IsRetry            bool       `json:"is_retry"`
	RetryAttemptNumber int        `json:"retry_attempt_number"`
	OriginalCallID     *uuid.UUID `json:"original_call_id,omitempty"`
	RetryReason        string     `json:"retry_reason,omitempty"`
	Urgency            string     `json:"urgency"`
	LocalDay           string     `json:"local_day"`
	ProviderReference  string     `json:"provider_reference,omitempty"`
	ScheduledFor       *time.Time `json:"scheduled_for,omitempty"`
	InitiatedAt        *time.Time `json:"initiated_at,omitempty"`
	TimeoutAt          *time.Time `json:"timeout_at,omitempty"`
	Acknowledged       bool       `json:"acknowledged"`
	AcknowledgedAt     *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (h *HandlerSet) acknowledge(ctx *fiber.Ctx) error {
	var req ackRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	callID, err := optionalID(req.CallID)
	if err != nil {
		return err
	}

	res, err := h.deps.Calls.Acknowledge(ctx.UserContext(), callsvc.AckRequest{
		UserID:   strings.TrimSpace(req.UserID),
		CallType: domain.CallType(req.CallType),
		CallID:   callID,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(ackResponse{
		Found:             res.Found,
		ChainAcknowledged: res.ChainAcknowledged,
		Call:              toCallResponse(res.Record),
	})
}

func (h *HandlerSet) reportCompletion(ctx *fiber.Ctx) error {
	var req completionRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	callID, err := optionalID(req.CallID)
	if err != nil {
		return err
	}
	outcome, err := callsvc.ParseOutcome(req.Outcome)
	if err != nil {
		return translateError(err)
	}

	res, err := h.deps.Calls.ReportCompletion(ctx.UserContext(), callsvc.CompletionReport{
		UserID:            strings.TrimSpace(req.UserID),
		CallType:          domain.CallType(req.CallType),
		CallID:            callID,
		Outcome:           outcome,
		PromiseKept:       req.PromiseKept,
		Summary:           req.Summary,
		ProviderReference: req.ProviderReference,
	})
	if err != nil {
		return translateError(err)
	}
	if !res.Found {
		return ctx.Status(http.StatusNotFound).JSON(completionResponse{})
	}
	return ctx.Status(http.StatusOK).JSON(toCompletionResponse(res))
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	record, err := h.deps.Calls.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func (h *HandlerSet) listUserCalls(ctx *fiber.Ctx) error {
	records, err := h.deps.Calls.ListByUser(ctx.UserContext(), ctx.Params("id"), ctx.QueryInt("limit", 50))
	if err != nil {
		return translateError(err)
	}

	out := make([]callResponse, 0, len(records))
	for i := range records {
		out = append(out, *toCallResponse(&records[i]))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"calls": out})
}

func optionalID(raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	return &id, nil
}

func toCompletionResponse(res callsvc.CompletionResult) completionResponse {
	out := completionResponse{
		Found:     res.Found,
		Duplicate: res.Duplicate,
		Call:      toCallResponse(res.Record),
	}
	if esc := res.Escalation; esc != nil {
		out.Escalation = &escalationResponse{
			Outcome:  string(esc.Outcome),
			Attempt:  esc.Decision.Attempt,
			Notified: esc.Notified,
		}
		if esc.Retry != nil {
			id := esc.Retry.ID
			out.Escalation.RetryCallID = &id
		}
	}
	return out
}

func toCallResponse(rec *domain.CallRecord) *callResponse {
	if rec == nil {
		return nil
	}
	return &callResponse{
		ID:                 rec.ID,
		UserID:             rec.UserID,
		CallType:           string(rec.CallType),
		Status:             string(rec.Status),
		IsRetry:            rec.IsRetry,
		RetryAttemptNumber: rec.RetryAttemptNumber,
		OriginalCallID:     rec.OriginalCallID,
		RetryReason:        string(rec.RetryReason),
		Urgency:            string(rec.Urgency),
		LocalDay:           rec.LocalDay,
		ProviderReference:  rec.ProviderReference,
		ScheduledFor:       rec.ScheduledFor,
		InitiatedAt:        rec.InitiatedAt,
		TimeoutAt:          rec.TimeoutAt,
		Acknowledged:       rec.Acknowledged,
		AcknowledgedAt:     rec.AcknowledgedAt,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}
