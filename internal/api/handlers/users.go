package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/checkin-call-engine/internal/events"
)

// Progress exposes the read side of the event consumers.
type Progress interface {
	Streak(ctx context.Context, userID string) (int, error)
	Points(ctx context.Context, userID string) (int64, error)
	Achievements(ctx context.Context, userID string) ([]string, error)
	Usage(ctx context.Context, userID, month string) (int64, error)
}

type subscriptionEventRequest struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Plan   string `json:"plan"`
	Reason string `json:"reason"`
}

func (h *HandlerSet) userProgress(ctx *fiber.Ctx) error {
	if h.deps.Progress == nil {
		return fiber.NewError(http.StatusNotFound, "progress tracking disabled")
	}
	userID := ctx.Params("id")
	c := ctx.UserContext()

	streak, err := h.deps.Progress.Streak(c, userID)
	if err != nil {
		return translateError(err)
	}
	points, err := h.deps.Progress.Points(c, userID)
	if err != nil {
		return translateError(err)
	}
	achievements, err := h.deps.Progress.Achievements(c, userID)
	if err != nil {
		return translateError(err)
	}
	month := ctx.Query("month", time.Now().UTC().Format("2006-01"))
	usage, err := h.deps.Progress.Usage(c, userID, month)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"user_id":      userID,
		"streak":       streak,
		"points":       points,
		"achievements": achievements,
		"usage":        fiber.Map{"month": month, "calls": usage},
	})
}

// subscriptionEvent accepts billing provider notifications and republishes them on the bus.
func (h *HandlerSet) subscriptionEvent(ctx *fiber.Ctx) error {
	if h.deps.Events == nil {
		return fiber.NewError(http.StatusServiceUnavailable, "event bus unavailable")
	}
	var req subscriptionEventRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id is required")
	}

	var payload events.Payload
	switch strings.ToLower(req.Status) {
	case "activated", "active":
		payload = events.SubscriptionActivated{UserID: req.UserID, Plan: req.Plan}
	case "canceled", "cancelled":
		payload = events.SubscriptionCanceled{UserID: req.UserID, Reason: req.Reason}
	default:
		return fiber.NewError(http.StatusBadRequest, "status must be activated or canceled")
	}

	ev := events.New(payload)
	report := h.deps.Events.Publish(ctx.UserContext(), ev)
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"event_id":  ev.ID,
		"delivered": report.Delivered,
		"failed":    report.Failed,
	})
}
