package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "subpilot/controllers"
	"subpilot/middleware"
	"subpilot/models"
)

// Handlers groups the controllers mounted by SetupRoutes.
type Handlers struct {
	Auth      *controller.AuthController
	Agents    *controller.AgentController
	Actions   *controller.ActionController
	Dashboard *controller.DashboardController
	Cron      *controller.CronController
	Payments  *controller.PaymentController
}

type Options struct {
	DB        *gorm.DB
	JWTSecret string
	// RateLimit is the per-minute budget of approval and cron requests.
	RateLimit int
	Storage   fiber.Storage
	Logger    *logrus.Logger
}

const accessLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

func SetupRoutes(app *fiber.App, h Handlers, opts Options) {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 30
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	SetupAPIRoutes(app, h, opts)
	SetupCronRoutes(app, h, opts)
	SetupWebhookRoutes(app, h, opts)

	if opts.Logger != nil {
		opts.Logger.Info("Routes initialized successfully")
	}
}

func SetupAPIRoutes(app *fiber.App, h Handlers, opts Options) {
	api := app.Group("/api/v1", middleware.Protected(opts.DB, opts.JWTSecret), logger.New(logger.Config{
		Format: accessLogFormat,
	}))

	api.Get("/me", h.Auth.GetCurrentUser)
	api.Post("/auth/revoke", h.Auth.RevokeTokens)
	api.Get("/dashboard", h.Dashboard.GetOverview)

	agents := api.Group("/agents")
	agents.Post("/init", h.Agents.InitAgents)
	agents.Get("/status", h.Agents.GetAgentStatus)
	agents.Get("/configs", h.Agents.ListConfigs)
	agents.Put("/configs/:type", h.Agents.UpdateConfig)

	approvals := middleware.RateLimiter(middleware.RateLimitConfig{
		Scope:      "approvals",
		Max:        opts.RateLimit,
		Expiration: time.Minute,
		Storage:    opts.Storage,
		Logger:     opts.Logger,
	})

	actions := api.Group("/actions")
	actions.Get("/", h.Actions.ListActions)
	actions.Get("/summary", h.Actions.GetSummary)
	actions.Post("/batch-approve", approvals, h.Actions.BatchApprove)
	actions.Get("/:id", h.Actions.GetAction)
	actions.Post("/:id/approve", approvals, h.Actions.ApproveAction)
	actions.Post("/:id/execute", approvals, h.Actions.ExecuteAction)
	actions.Post("/:id/reject", h.Actions.RejectAction)
}

// SetupCronRoutes mounts the externally scheduled sequence passes. They are
// authenticated by the shared cron secret, not by a user token.
func SetupCronRoutes(app *fiber.App, h Handlers, opts Options) {
	cron := app.Group("/cron", middleware.RateLimiter(middleware.RateLimitConfig{
		Scope:      "cron",
		Max:        opts.RateLimit,
		Expiration: time.Minute,
		Storage:    opts.Storage,
		Logger:     opts.Logger,
	}), logger.New(logger.Config{
		Format: accessLogFormat,
	}))

	cron.Post("/onboarding", h.Cron.RunPass(models.SequenceOnboarding))
	cron.Post("/recovery", h.Cron.RunPass(models.SequenceRecovery))
	cron.Post("/retention", h.Cron.RunPass(models.SequenceRetention))
}

func SetupWebhookRoutes(app *fiber.App, h Handlers, opts Options) {
	webhooks := app.Group("/webhooks")
	webhooks.Post("/stripe", h.Payments.HandleStripeWebhook)
}
