package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/dispatcher"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/events"
	"github.com/acme/checkin-call-engine/internal/metrics"
	"github.com/acme/checkin-call-engine/internal/queue"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	"github.com/acme/checkin-call-engine/internal/tracker"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// CallService is the inbound call surface.
type CallService interface {
	Acknowledge(ctx context.Context, req callsvc.AckRequest) (callsvc.AckResult, error)
	ReportCompletion(ctx context.Context, report callsvc.CompletionReport) (callsvc.CompletionResult, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error)
}

// DispatchRunner triggers dispatch ticks.
type DispatchRunner interface {
	Run(ctx context.Context) (dispatcher.Summary, error)
	DispatchUser(ctx context.Context, userID string) (dispatcher.Outcome, error)
}

// TrackRunner triggers tracker runs.
type TrackRunner interface {
	Run(ctx context.Context) (tracker.Summary, error)
}

// StatusSink queues provider status reports for the status worker.
type StatusSink interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// WebhookValidator checks a provider's request signature.
type WebhookValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// HealthCheck reports one backing service's health.
type HealthCheck func(ctx context.Context) error

// Deps lists what the handlers call into. Status, Validator, Progress and Events are optional.
type Deps struct {
	Calls      CallService
	Dispatcher DispatchRunner
	Tracker    TrackRunner
	Status     StatusSink
	Validator  WebhookValidator
	// PublicURL is the externally visible origin the provider signs webhook URLs with.
	PublicURL string
	Progress  Progress
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Health    map[string]HealthCheck
	Logger    *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps Deps
	log  *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	return &HandlerSet{deps: deps, log: deps.Logger.Named("http")}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	if h.deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.deps.Metrics.Handler()))
	}

	webhooks := app.Group("/webhooks")
	webhooks.Post("/twilio/status", h.twilioStatus)

	v1 := app.Group("/api").Group("/v1")

	v1.Post("/acknowledgments", h.acknowledge)

	calls := v1.Group("/calls")
	calls.Post("/completions", h.reportCompletion)
	calls.Get("/:id", h.getCall)

	users := v1.Group("/users")
	users.Get("/:id/calls", h.listUserCalls)
	users.Get("/:id/progress", h.userProgress)

	v1.Post("/subscriptions/events", h.subscriptionEvent)

	v1.Post("/dispatch", h.runDispatch)
	v1.Post("/dispatch/users/:id", h.dispatchUser)
	v1.Post("/tracker/run", h.runTracker)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.deps.Health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
