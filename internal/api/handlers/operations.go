package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/dispatcher"
)

type dispatchResponse struct {
	Scanned       int               `json:"scanned"`
	Due           int               `json:"due"`
	Dispatched    int               `json:"dispatched"`
	Ineligible    int               `json:"ineligible"`
	AlreadyCalled int               `json:"already_called"`
	Conflicts     int               `json:"conflicts"`
	Failed        int               `json:"failed"`
	Failures      map[string]string `json:"failures,omitempty"`
}

func (h *HandlerSet) runDispatch(ctx *fiber.Ctx) error {
	summary, err := h.deps.Dispatcher.Run(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}

	out := dispatchResponse{
		Scanned:       summary.Scanned,
		Due:           summary.Due,
		Dispatched:    summary.Dispatched,
		Ineligible:    summary.Ineligible,
		AlreadyCalled: summary.AlreadyCalled,
		Conflicts:     summary.Conflicts,
		Failed:        summary.Failed,
	}
	if len(summary.Failures) > 0 {
		out.Failures = make(map[string]string, len(summary.Failures))
		for _, f := range summary.Failures {
			out.Failures[f.UserID] = f.Err.Error()
		}
	}
	return ctx.Status(http.StatusOK).JSON(out)
}

func (h *HandlerSet) dispatchUser(ctx *fiber.Ctx) error {
	userID := ctx.Params("id")
	outcome, err := h.deps.Dispatcher.DispatchUser(ctx.UserContext(), userID)
	if err != nil {
		h.log.Warn("manual dispatch failed", zap.String("user_id", userID), zap.Error(err))
		return translateError(err)
	}

	status := http.StatusOK
	if outcome == dispatcher.OutcomeDispatched {
		status = http.StatusAccepted
	}
	return ctx.Status(status).JSON(fiber.Map{"user_id": userID, "outcome": outcome})
}

func (h *HandlerSet) runTracker(ctx *fiber.Ctx) error {
	summary, err := h.deps.Tracker.Run(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"scanned":    summary.Scanned,
		"escalated":  summary.Escalated,
		"terminated": summary.Terminated,
		"conflicts":  summary.Conflicts,
		"failed":     summary.Failed,
	})
}
