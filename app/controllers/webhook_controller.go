package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
	"github.com/ManuelReschke/CourseFox/internal/pkg/webhooklog"
)

// SecretVerifier checks the secret token a pushed update carried.
type SecretVerifier interface {
	VerifyWebhookSecret(botID uint, got string) bool
}

// WebhookController receives pushed platform updates
type WebhookController struct {
	verifier SecretVerifier
	webhooks *webhooklog.Service
}

// NewWebhookController creates a new webhook controller
func NewWebhookController(verifier SecretVerifier, webhooks *webhooklog.Service) *WebhookController {
	return &WebhookController{verifier: verifier, webhooks: webhooks}
}

// HandleWebhook always acknowledges with 200. The platform redelivers
// anything else, and local failures are tracked in the webhook log instead.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	ack := fiber.Map{"ok": true}

	botID, err := strconv.ParseUint(c.Params("botId"), 10, 64)
	if err != nil || botID == 0 {
		metrics.WebhookRejectedTotal.WithLabelValues("bad_bot_id").Inc()
		log.Warnf("[Webhook] invalid bot id %q", c.Params("botId"))
		return c.JSON(ack)
	}
	id := uint(botID)

	if !wc.verifier.VerifyWebhookSecret(id, c.Get(security.WebhookSecretHeader)) {
		metrics.WebhookRejectedTotal.WithLabelValues("bad_secret").Inc()
		log.Warnf("[Webhook] bot %d: secret token mismatch from %s", id, c.IP())
		return c.JSON(ack)
	}

	// fasthttp reuses the request buffer once the handler returns.
	body := append([]byte(nil), c.Body()...)
	if err := wc.webhooks.HandleInbound(c.UserContext(), id, body); err != nil {
		switch {
		case errors.Is(err, webhooklog.ErrDuplicateUpdate):
		case errors.Is(err, webhooklog.ErrBotNotRunning):
			log.Errorf("[Webhook] bot %d: %v", id, err)
		default:
			log.Warnf("[Webhook] bot %d: update failed: %v", id, err)
		}
	}
	return c.JSON(ack)
}
