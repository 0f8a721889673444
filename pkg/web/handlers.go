// Package web provides the HTTP surface: request intake, status reads,
// cancellation and the marketplace webhook endpoint.
package web

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/reconciler"
	"github.com/aerodesk/charterflow/pkg/services"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Marketplace-Signature"

type APIHandlers struct {
	intakeService *services.Intake
	statusService *services.Status
	reconciler    *reconciler.Reconciler
}

func NewAPIHandlers(
	intakeService *services.Intake,
	statusService *services.Status,
	rec *reconciler.Reconciler,
) *APIHandlers {
	return &APIHandlers{
		intakeService: intakeService,
		statusService: statusService,
		reconciler:    rec,
	}
}

func (h *APIHandlers) CreateRequest(c fiber.Ctx) error {
	var request models.RFPRequest
	if err := json.Unmarshal(c.Body(), &request); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	instance, err := h.intakeService.Submit(c.Context(), request)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetRequest(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Request ID is required")
	}

	status, err := h.statusService.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) CancelRequest(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Request ID is required")
	}

	var body struct {
		Reason string `json:"reason"`
	}

	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	if err := h.intakeService.Cancel(c.Context(), id, body.Reason); err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":     id,
		"status": "cancellation_requested",
	})
}

// MarketplaceWebhook ingests one delivery. Matching hands off to the engine
// over the bus, so the response never waits on pipeline work.
func (h *APIHandlers) MarketplaceWebhook(c fiber.Ctx) error {
	outcome, err := h.reconciler.Ingest(c.Context(), c.Body(), c.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, reconciler.ErrBadSignature):
			return unauthorized(c, "signature verification failed")
		case errors.Is(err, reconciler.ErrInvalidPayload):
			return badRequest(c, err.Error())
		default:
			return internalError(c, err)
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"outcome": string(outcome),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	message, healthy := h.statusService.HealthCheck(c.Context())
	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "unhealthy",
			"message": message,
		})
	}

	return c.JSON(fiber.Map{
		"status":  "healthy",
		"message": message,
	})
}
