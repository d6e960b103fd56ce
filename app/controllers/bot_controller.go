package controllers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/botregistry"
	"github.com/ManuelReschke/CourseFox/internal/pkg/cache"
	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/webhooklog"
)

const (
	maxPageSize  = 100
	analyticsTTL = time.Minute
	maxWindow    = 90 * 24 * time.Hour
)

// BotController serves the administrative bot API
type BotController struct {
	bots     repository.BotRepository
	users    repository.BotUserRepository
	logs     repository.MessageLogRepository
	registry *botregistry.Registry
	webhooks *webhooklog.Service
	payments *billing.Service
	jobs     *jobqueue.Manager
	cache    cache.JSONCache
}

// NewBotController creates the admin controller. jobs may be nil, which
// disables asynchronous retries.
func NewBotController(repos *repository.Repositories, registry *botregistry.Registry, webhooks *webhooklog.Service,
	payments *billing.Service, jobs *jobqueue.Manager, jsonCache cache.JSONCache) *BotController {
	if jsonCache == nil {
		jsonCache = cache.Noop{}
	}
	return &BotController{
		bots:     repos.Bot,
		users:    repos.BotUser,
		logs:     repos.MessageLog,
		registry: registry,
		webhooks: webhooks,
		payments: payments,
		jobs:     jobs,
		cache:    jsonCache,
	}
}

type createBotRequest struct {
	Name       string             `json:"name"`
	Token      string             `json:"token"`
	CourseID   uint               `json:"course_id"`
	UpdateMode string             `json:"update_mode"`
	WebhookURL string             `json:"webhook_url"`
	Settings   models.BotSettings `json:"settings"`
	IsActive   *bool              `json:"is_active"`
}

type settingsPatch struct {
	WelcomeMessage       *string `json:"welcome_message"`
	PaymentProviderToken *string `json:"payment_provider_token"`
	Currency             *string `json:"currency"`
	SupportContact       *string `json:"support_contact"`
	Language             *string `json:"language"`
}

func (p settingsPatch) apply(s *models.BotSettings) {
	if p.WelcomeMessage != nil {
		s.WelcomeMessage = *p.WelcomeMessage
	}
	if p.PaymentProviderToken != nil {
		s.PaymentProviderToken = *p.PaymentProviderToken
	}
	if p.Currency != nil {
		s.Currency = strings.ToUpper(*p.Currency)
	}
	if p.SupportContact != nil {
		s.SupportContact = *p.SupportContact
	}
	if p.Language != nil {
		s.Language = *p.Language
	}
}

type webhookRequest struct {
	URL string `json:"url"`
}

func (bc *BotController) botJSON(config *models.BotConfig) fiber.Map {
	settings := config.GetSettings()
	// The provider token is a credential; only report whether one is set.
	settings.PaymentProviderToken = ""
	resp := fiber.Map{
		"id":                  config.ID,
		"name":                config.Name,
		"username":            config.Username,
		"course_id":           config.CourseID,
		"update_mode":         config.UpdateMode,
		"webhook_url":         config.WebhookURL,
		"is_active":           config.IsActive,
		"settings":            settings,
		"payments_configured": config.GetSettings().PaymentProviderToken != "",
		"created_at":          config.CreatedAt,
		"updated_at":          config.UpdatedAt,
		"running":             false,
	}
	if inst, ok := bc.registry.Get(config.ID); ok {
		resp["running"] = true
		resp["mode"] = inst.Mode
		resp["active_webhook_url"] = inst.WebhookURL
		resp["started_at"] = inst.StartedAt
	}
	return resp
}

func (bc *BotController) loadBot(c *fiber.Ctx) (*models.BotConfig, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return nil, errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid bot id")
	}
	config, err := bc.bots.GetByID(c.UserContext(), id)
	if repository.IsNotFound(err) {
		return nil, errorJSON(c, fiber.StatusNotFound, "not_found", "Bot not found")
	}
	if err != nil {
		log.Errorf("[Admin] load bot %d: %v", id, err)
		return nil, errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load bot")
	}
	return config, nil
}

func (bc *BotController) startFailed(c *fiber.Ctx, config *models.BotConfig, err error) error {
	log.Warnf("[Admin] bot %d failed to start: %v", config.ID, err)
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
		"error":   "bot_start_failed",
		"message": err.Error(),
		"bot":     bc.botJSON(config),
	})
}

// HandleCreateBot registers a tenant bot and starts it when active
func (bc *BotController) HandleCreateBot(c *fiber.Ctx) error {
	var req createBotRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid JSON body")
	}

	config := &models.BotConfig{
		Name:       strings.TrimSpace(req.Name),
		Token:      strings.TrimSpace(req.Token),
		CourseID:   req.CourseID,
		UpdateMode: req.UpdateMode,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		IsActive:   req.IsActive == nil || *req.IsActive,
	}
	if err := config.SetSettings(req.Settings); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid settings")
	}
	if err := config.Validate(); err != nil {
		return validationFailed(c, err)
	}

	ctx := c.UserContext()
	if err := bc.bots.Create(ctx, config); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errorJSON(c, fiber.StatusConflict, "conflict", "A bot with this token already exists")
		}
		log.Errorf("[Admin] create bot: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to create bot")
	}
	log.Infof("[Admin] bot %d created for course %d", config.ID, config.CourseID)

	if config.IsActive {
		inst, err := bc.registry.Start(ctx, config.ID)
		if err != nil {
			return bc.startFailed(c, config, err)
		}
		config = inst.Config
	}
	return c.Status(fiber.StatusCreated).JSON(bc.botJSON(config))
}

// HandleListBots returns a page of bots
func (bc *BotController) HandleListBots(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 20)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	bots, err := bc.bots.List(c.UserContext(), offset, limit)
	if err != nil {
		log.Errorf("[Admin] list bots: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to list bots")
	}
	items := make([]fiber.Map, 0, len(bots))
	for i := range bots {
		items = append(items, bc.botJSON(&bots[i]))
	}
	return c.JSON(fiber.Map{"bots": items, "offset": offset, "limit": limit})
}

func (bc *BotController) HandleGetBot(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	return c.JSON(bc.botJSON(config))
}

// HandleUpdateSettings merges the given settings and restarts a running bot
// so its dispatcher sees them
func (bc *BotController) HandleUpdateSettings(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	var patch settingsPatch
	if err := c.BodyParser(&patch); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid JSON body")
	}
	settings := config.GetSettings()
	patch.apply(&settings)
	if err := config.SetSettings(settings); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid settings")
	}
	if err := config.Validate(); err != nil {
		return validationFailed(c, err)
	}

	ctx := c.UserContext()
	if err := bc.bots.Update(ctx, config); err != nil {
		log.Errorf("[Admin] update bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to update bot")
	}
	if _, running := bc.registry.Get(config.ID); running {
		inst, err := bc.registry.Start(ctx, config.ID)
		if err != nil {
			return bc.startFailed(c, config, err)
		}
		config = inst.Config
	}
	return c.JSON(bc.botJSON(config))
}

func (bc *BotController) HandleActivateBot(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	ctx := c.UserContext()
	if err := bc.bots.SetActive(ctx, config.ID, true); err != nil {
		log.Errorf("[Admin] activate bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to activate bot")
	}
	config.IsActive = true
	inst, err := bc.registry.Start(ctx, config.ID)
	if err != nil {
		return bc.startFailed(c, config, err)
	}
	return c.JSON(bc.botJSON(inst.Config))
}

func (bc *BotController) HandleDeactivateBot(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	ctx := c.UserContext()
	if err := bc.bots.SetActive(ctx, config.ID, false); err != nil {
		log.Errorf("[Admin] deactivate bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to deactivate bot")
	}
	if err := bc.registry.Stop(ctx, config.ID); err != nil {
		log.Warnf("[Admin] stop bot %d: %v", config.ID, err)
	}
	config.IsActive = false
	return c.JSON(bc.botJSON(config))
}

// HandleDeleteBot stops the bot and soft deletes its configuration
func (bc *BotController) HandleDeleteBot(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	ctx := c.UserContext()
	if err := bc.registry.Stop(ctx, config.ID); err != nil {
		log.Warnf("[Admin] stop bot %d: %v", config.ID, err)
	}
	if err := bc.bots.Delete(ctx, config.ID); err != nil {
		log.Errorf("[Admin] delete bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to delete bot")
	}
	log.Infof("[Admin] bot %d deleted", config.ID)
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleBotAnalytics aggregates users and message traffic over ?window=
func (bc *BotController) HandleBotAnalytics(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	window, err := durationQuery(c, "window", 7*24*time.Hour, maxWindow)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	ctx := c.UserContext()
	key := fmt.Sprintf("coursefox:analytics:%d:%s", config.ID, window)
	var cached models.BotAnalytics
	if bc.cache.GetJSON(ctx, key, &cached) {
		return c.JSON(cached)
	}

	since := time.Now().Add(-window)
	analytics, err := bc.logs.Analytics(ctx, config.ID, since)
	if err == nil {
		analytics.TotalUsers, err = bc.users.CountByBot(ctx, config.ID)
	}
	if err == nil {
		analytics.ActiveUsers, err = bc.users.CountActiveSince(ctx, config.ID, since)
	}
	if err != nil {
		log.Errorf("[Admin] analytics for bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load analytics")
	}
	bc.cache.SetJSON(ctx, key, analytics, analyticsTTL)
	return c.JSON(analytics)
}

// HandleGetWebhook reports the platform-side webhook state of a running bot
func (bc *BotController) HandleGetWebhook(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	info, err := bc.registry.WebhookInfo(c.UserContext(), config.ID)
	if errors.Is(err, botregistry.ErrBotNotFound) {
		return errorJSON(c, fiber.StatusConflict, "not_running", "Bot is not running")
	}
	if err != nil {
		log.Warnf("[Admin] webhook info for bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusBadGateway, "platform_error", "Failed to query the platform")
	}
	return c.JSON(info)
}

// HandleSetWebhook stores an explicit webhook URL; empty restores the default
func (bc *BotController) HandleSetWebhook(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	var req webhookRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid JSON body")
	}

	ctx := c.UserContext()
	inst, err := bc.registry.SetWebhookURL(ctx, config.ID, req.URL)
	switch {
	case errors.Is(err, botregistry.ErrBotNotFound):
		return errorJSON(c, fiber.StatusNotFound, "not_found", "Bot not found")
	case errors.Is(err, botregistry.ErrBotStartFailed):
		return bc.startFailed(c, config, err)
	case isValidation(err):
		return validationFailed(c, err)
	case err != nil:
		log.Errorf("[Admin] set webhook for bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to update webhook")
	}
	if inst != nil {
		return c.JSON(bc.botJSON(inst.Config))
	}
	updated, err := bc.bots.GetByID(ctx, config.ID)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load bot")
	}
	return c.JSON(bc.botJSON(updated))
}

// HandleRetryWebhooks replays the bot's failed updates. With ?async=true the
// sweep is queued and the job id returned.
func (bc *BotController) HandleRetryWebhooks(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	ctx := c.UserContext()
	if c.QueryBool("async") {
		if bc.jobs == nil {
			return errorJSON(c, fiber.StatusServiceUnavailable, "unavailable", "Job queue is not running")
		}
		job, err := bc.jobs.Enqueue(ctx, jobqueue.JobTypeWebhookRetry, jobqueue.WebhookRetryJobPayload{BotID: &config.ID}.ToMap())
		if err != nil {
			log.Errorf("[Admin] queue webhook retry for bot %d: %v", config.ID, err)
			return errorJSON(c, fiber.StatusServiceUnavailable, "unavailable", "Failed to queue retry")
		}
		return c.Status(fiber.StatusAccepted).JSON(job)
	}

	result, err := bc.webhooks.RetryFailed(ctx, &config.ID)
	if errors.Is(err, webhooklog.ErrSweepRunning) {
		return errorJSON(c, fiber.StatusConflict, "conflict", "A retry sweep is already running")
	}
	if err != nil {
		log.Errorf("[Admin] webhook retry for bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Retry failed")
	}
	return c.JSON(result)
}

// HandleWebhookStats counts the bot's updates by status and type over ?window=
func (bc *BotController) HandleWebhookStats(c *fiber.Ctx) error {
	config, err := bc.loadBot(c)
	if config == nil {
		return err
	}
	window, err := durationQuery(c, "window", 24*time.Hour, maxWindow)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	stats, err := bc.webhooks.GetStats(c.UserContext(), config.ID, window)
	if err != nil {
		log.Errorf("[Admin] webhook stats for bot %d: %v", config.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load stats")
	}
	return c.JSON(stats)
}

// HandlePaymentStats aggregates the bot's payments over ?period=
func (bc *BotController) HandlePaymentStats(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid bot id")
	}
	period, err := durationQuery(c, "period", 30*24*time.Hour, 365*24*time.Hour)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	stats, err := bc.payments.GetBotPaymentStats(c.UserContext(), id, period)
	if errors.Is(err, billing.ErrBotNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "not_found", "Bot not found")
	}
	if err != nil {
		log.Errorf("[Admin] payment stats for bot %d: %v", id, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load stats")
	}
	return c.JSON(stats)
}

// HandleGetJob returns a queued job and its result
func (bc *BotController) HandleGetJob(c *fiber.Ctx) error {
	if bc.jobs == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "unavailable", "Job queue is not running")
	}
	job, err := bc.jobs.GetQueue().GetJob(c.UserContext(), c.Params("id"))
	if errors.Is(err, redis.Nil) {
		return errorJSON(c, fiber.StatusNotFound, "not_found", "Job not found")
	}
	if err != nil {
		log.Errorf("[Admin] load job %s: %v", c.Params("id"), err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load job")
	}
	return c.JSON(job)
}
