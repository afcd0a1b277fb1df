package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgcommerce-backend/config"
	"msgcommerce-backend/controllers"
	"msgcommerce-backend/middlewares"
)

// Register wires all HTTP routes. The pipeline has already run for every
// request by the time these handlers see it, so groups only carry the
// route-specific guards.
func Register(app *fiber.App, cfg *config.Config, webhook *controllers.Webhook, admin *controllers.Admin) {
	// Public
	app.Get("/healthz", controllers.Healthz)
	app.Get("/api/health", controllers.Healthz)

	// Webhooks (signature verified, merchant bound in the handler)
	hooks := app.Group(cfg.Tenant.WebhookPrefix)
	hooks.Get("/:source", webhook.Verify)
	hooks.Post("/:source", webhook.Receive)

	// Tenant API (merchant scoped transaction)
	api := app.Group(cfg.Tenant.APIPrefix)
	api.Post("/messages", controllers.CreateMessage)
	api.Get("/messages", controllers.ListMessages)
	api.Get("/admin/messages", middlewares.RequireAdmin(), controllers.ListAllMessages)

	// Operators (Basic auth + lockout)
	ops := app.Group(cfg.Admin.Prefix)
	ops.Get("/healthz", admin.Health)
	ops.Get("/audit", admin.AuditEvents)
	ops.Post("/attempts/reset", admin.ResetAttempts)

	// Service to service (bearer token)
	internal := app.Group(cfg.Admin.InternalPrefix)
	internal.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
