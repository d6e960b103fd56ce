package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/CourseFox/app/controllers"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/middleware"
)

type ApiRouter struct {
	bots     *controllers.BotController
	adminKey string
	storage  fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("ADMIN_RATE_LIMIT", 120),
		Expiration: time.Minute,
		Storage:    h.storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	}))

	v1 := api.Group("/v1", middleware.AdminAPIKeyMiddleware(h.adminKey))
	v1.Post("/bots", h.bots.HandleCreateBot)
	v1.Get("/bots", h.bots.HandleListBots)
	v1.Get("/bots/:id", h.bots.HandleGetBot)
	v1.Delete("/bots/:id", h.bots.HandleDeleteBot)
	v1.Patch("/bots/:id/settings", h.bots.HandleUpdateSettings)
	v1.Post("/bots/:id/activate", h.bots.HandleActivateBot)
	v1.Post("/bots/:id/deactivate", h.bots.HandleDeactivateBot)
	v1.Get("/bots/:id/analytics", h.bots.HandleBotAnalytics)
	v1.Get("/bots/:id/webhook", h.bots.HandleGetWebhook)
	v1.Put("/bots/:id/webhook", h.bots.HandleSetWebhook)
	v1.Post("/bots/:id/webhooks/retry", h.bots.HandleRetryWebhooks)
	v1.Get("/bots/:id/webhooks/stats", h.bots.HandleWebhookStats)
	v1.Get("/bots/:id/payments/stats", h.bots.HandlePaymentStats)
	v1.Get("/jobs/:id", h.bots.HandleGetJob)
}

// NewApiRouter creates the admin API router. A nil storage keeps the rate
// limiter in memory.
func NewApiRouter(bots *controllers.BotController, adminKey string, storage fiber.Storage) *ApiRouter {
	return &ApiRouter{bots: bots, adminKey: adminKey, storage: storage}
}
