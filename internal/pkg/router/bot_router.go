package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/ManuelReschke/CourseFox/app/controllers"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics"
)

// BotRouter serves the platform-facing webhook endpoint plus health and
// metrics for the operators
type BotRouter struct {
	webhooks *controllers.WebhookController
	health   *controllers.HealthController
}

func (h BotRouter) InstallRouter(app *fiber.App) {
	app.Post("/bots/webhook/:botId", h.webhooks.HandleWebhook)
	app.Get("/health", h.health.HandleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
}

func NewBotRouter(webhooks *controllers.WebhookController, health *controllers.HealthController) *BotRouter {
	return &BotRouter{webhooks: webhooks, health: health}
}
