// Package main provides the Charterflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/persistence"
	"github.com/aerodesk/charterflow/pkg/reconciler"
	"github.com/aerodesk/charterflow/pkg/services"
	"github.com/aerodesk/charterflow/pkg/web"
)

type API struct {
	logger        *slog.Logger
	persistence   persistence.Persistence
	eventBus      eventbus.EventBus
	webhookSecret string
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	webhookSecret string,
) (*API, error) {
	return &API{
		logger:        logger,
		persistence:   store,
		eventBus:      eventBus,
		webhookSecret: webhookSecret,
	}, nil
}

func (a *API) App() (*fiber.App, error) {
	intakeService := services.NewIntake(a.logger, a.persistence, a.eventBus)
	statusService := services.NewStatus(a.persistence)

	rec, err := reconciler.New(a.logger, a.persistence, a.eventBus, a.webhookSecret)
	if err != nil {
		return nil, err
	}

	handlers := web.NewAPIHandlers(intakeService, statusService, rec)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Charterflow API")
	})

	r := app.Group("/requests")
	r.Post("/", handlers.CreateRequest)
	r.Get("/:id", handlers.GetRequest)
	r.Post("/:id/cancel", handlers.CancelRequest)

	app.Post("/webhooks/marketplace", handlers.MarketplaceWebhook)

	app.Get("/health", handlers.HealthCheck)

	return app, nil
}

func (a *API) Start(port int) error {
	app, err := a.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
