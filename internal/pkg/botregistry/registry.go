// Package botregistry owns the live platform connection of every running
// tenant bot. Start and stop of one bot are serialized; different bots and
// lookups run concurrently.
package botregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/cache"
	"github.com/ManuelReschke/CourseFox/internal/pkg/conversation"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/keylock"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
	"github.com/gofiber/fiber/v2/log"
)

var (
	// ErrBotNotFound means the configuration is missing or inactive.
	ErrBotNotFound = errors.New("bot not found or inactive")
	// ErrBotStartFailed wraps connection and registration failures.
	ErrBotStartFailed = errors.New("bot start failed")
)

const webhookInfoTTL = 30 * time.Second

// Inbound receives updates from polling connections.
type Inbound interface {
	HandleInbound(ctx context.Context, botID uint, raw []byte) error
}

// Instance is one running tenant: connection, configuration and dispatch table.
type Instance struct {
	Bot        platform.Bot
	Config     *models.BotConfig
	Dispatcher *conversation.Dispatcher
	Mode       string
	WebhookURL string
	StartedAt  time.Time
}

// Options carries the process-wide settings for starting bots.
type Options struct {
	// PublicURL is the externally reachable base URL for webhooks.
	PublicURL string
	// AppSecret derives the per-bot webhook secret token.
	AppSecret   string
	DefaultMode string
}

func OptionsFromEnv() Options {
	return Options{
		PublicURL:   strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/"),
		AppSecret:   env.GetEnv("APP_SECRET", ""),
		DefaultMode: env.GetEnv("BOT_UPDATE_MODE", models.UpdateModeWebhook),
	}
}

type Registry struct {
	bots      repository.BotRepository
	connector platform.Connector
	router    *conversation.Router
	cache     cache.JSONCache
	opts      Options
	inbound   Inbound

	locks     *keylock.Locker[uint]
	mu        sync.RWMutex
	instances map[uint]*Instance
}

func New(bots repository.BotRepository, connector platform.Connector, router *conversation.Router, jsonCache cache.JSONCache, opts Options) *Registry {
	if jsonCache == nil {
		jsonCache = cache.Noop{}
	}
	return &Registry{
		bots:      bots,
		connector: connector,
		router:    router,
		cache:     jsonCache,
		opts:      opts,
		locks:     keylock.New[uint](),
		instances: map[uint]*Instance{},
	}
}

// SetInbound wires the handler polling connections deliver to.
func (r *Registry) SetInbound(inbound Inbound) {
	r.inbound = inbound
}

// WebhookPath is the route a bot's webhook is served on.
func WebhookPath(botID uint) string {
	return fmt.Sprintf("/bots/webhook/%d", botID)
}

// WebhookSecret returns the secret token registered with the bot's webhook.
// Without APP_SECRET webhooks are registered without a token.
func (r *Registry) WebhookSecret(botID uint) string {
	secret, err := security.WebhookSecret(botID, r.opts.AppSecret)
	if err != nil {
		return ""
	}
	return secret
}

// VerifyWebhookSecret checks the token a pushed update carried.
func (r *Registry) VerifyWebhookSecret(botID uint, got string) bool {
	return security.VerifyWebhookSecret(botID, got, r.opts.AppSecret)
}

// Start opens the bot's connection and registers it. A running instance of
// the same bot is stopped first, so at most one connection is ever live.
// On failure nothing stays registered.
func (r *Registry) Start(ctx context.Context, botID uint) (*Instance, error) {
	unlock, err := r.locks.Lock(ctx, botID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	config, err := r.bots.GetActiveByID(ctx, botID)
	if repository.IsNotFound(err) {
		return nil, ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bot %d: %w", botID, err)
	}

	if prev := r.remove(botID); prev != nil {
		log.Infof("[Registry] bot %d already running, restarting", botID)
		r.shutdown(ctx, prev, false)
	}

	inst, err := r.open(ctx, config)
	if err != nil {
		metrics.BotStartsTotal.WithLabelValues("error").Inc()
		log.Errorf("[Registry] start bot %d failed: %v", botID, err)
		return nil, err
	}

	r.mu.Lock()
	r.instances[botID] = inst
	running := len(r.instances)
	r.mu.Unlock()
	metrics.BotStartsTotal.WithLabelValues("ok").Inc()
	metrics.BotsRunning.Set(float64(running))
	log.Infof("[Registry] bot %d (@%s) started in %s mode", botID, inst.Bot.Username(), inst.Mode)
	return inst, nil
}

func (r *Registry) open(ctx context.Context, config *models.BotConfig) (*Instance, error) {
	bot, err := r.connector.Connect(ctx, config.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrBotStartFailed, err)
	}
	fail := func(step string, err error) (*Instance, error) {
		if closeErr := bot.Close(); closeErr != nil {
			log.Warnf("[Registry] close bot %d after failed start: %v", config.ID, closeErr)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrBotStartFailed, step, err)
	}

	if err := bot.SetCommands(ctx, platform.DefaultCommands); err != nil {
		return fail("register commands", err)
	}

	inst := &Instance{
		Bot:        bot,
		Config:     config,
		Dispatcher: r.router.Build(config, bot),
		Mode:       config.EffectiveUpdateMode(r.opts.DefaultMode),
		StartedAt:  time.Now(),
	}

	switch inst.Mode {
	case models.UpdateModePolling:
		if r.inbound == nil {
			return fail("start polling", errors.New("no inbound handler configured"))
		}
		botID := config.ID
		err := bot.StartPolling(ctx, func(ctx context.Context, raw []byte) {
			if err := r.inbound.HandleInbound(ctx, botID, raw); err != nil {
				log.Warnf("[Registry] polled update for bot %d failed: %v", botID, err)
			}
		})
		if err != nil {
			return fail("start polling", err)
		}
	default:
		url := config.WebhookURL
		if url == "" {
			if r.opts.PublicURL == "" {
				return fail("set webhook", errors.New("PUBLIC_DOMAIN is not configured"))
			}
			url = r.opts.PublicURL + WebhookPath(config.ID)
		}
		if err := bot.SetWebhook(ctx, url, r.WebhookSecret(config.ID)); err != nil {
			return fail("set webhook", err)
		}
		inst.WebhookURL = url
		r.cache.Delete(ctx, webhookInfoKey(config.ID))
	}

	if username := bot.Username(); username != "" && username != config.Username {
		config.Username = username
		if err := r.bots.Update(ctx, config); err != nil {
			log.Warnf("[Registry] store username for bot %d: %v", config.ID, err)
		}
	}
	return inst, nil
}

// Stop closes the bot's connection and removes its webhook. No-op when the
// bot is not running.
func (r *Registry) Stop(ctx context.Context, botID uint) error {
	unlock, err := r.locks.Lock(ctx, botID)
	if err != nil {
		return err
	}
	defer unlock()

	inst := r.remove(botID)
	if inst == nil {
		return nil
	}
	r.shutdown(ctx, inst, true)
	log.Infof("[Registry] bot %d stopped", botID)
	return nil
}

// Shutdown closes every connection but keeps webhooks registered so the
// platform queues updates until the next process starts.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	instances := r.instances
	r.instances = map[uint]*Instance{}
	r.mu.Unlock()
	metrics.BotsRunning.Set(0)

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			r.shutdown(ctx, inst, false)
		}(inst)
	}
	wg.Wait()
	log.Infof("[Registry] %d bots shut down", len(instances))
}

func (r *Registry) remove(botID uint) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[botID]
	if !ok {
		return nil
	}
	delete(r.instances, botID)
	metrics.BotsRunning.Set(float64(len(r.instances)))
	return inst
}

func (r *Registry) shutdown(ctx context.Context, inst *Instance, dropWebhook bool) {
	if dropWebhook && inst.Mode == models.UpdateModeWebhook {
		if err := inst.Bot.DeleteWebhook(ctx); err != nil {
			log.Warnf("[Registry] delete webhook of bot %d: %v", inst.Config.ID, err)
		}
		r.cache.Delete(ctx, webhookInfoKey(inst.Config.ID))
	}
	if err := inst.Bot.Close(); err != nil {
		log.Warnf("[Registry] close bot %d: %v", inst.Config.ID, err)
	}
}

// StartAll starts every active bot. One failing tenant does not keep the
// others from starting.
func (r *Registry) StartAll(ctx context.Context) (started int, err error) {
	configs, err := r.bots.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active bots: %w", err)
	}
	for _, c := range configs {
		if _, err := r.Start(ctx, c.ID); err != nil {
			continue
		}
		started++
	}
	log.Infof("[Registry] started %d of %d active bots", started, len(configs))
	return started, nil
}

func (r *Registry) Get(botID uint) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[botID]
	return inst, ok
}

func (r *Registry) GetConfig(botID uint) (*models.BotConfig, bool) {
	inst, ok := r.Get(botID)
	if !ok {
		return nil, false
	}
	return inst.Config, true
}

// Bot returns the live connection of a running bot.
func (r *Registry) Bot(botID uint) (platform.Bot, bool) {
	inst, ok := r.Get(botID)
	if !ok {
		return nil, false
	}
	return inst.Bot, true
}

// Running returns the ids of all running bots in ascending order.
func (r *Registry) Running() []uint {
	r.mu.RLock()
	ids := make([]uint, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func webhookInfoKey(botID uint) string {
	return fmt.Sprintf("coursefox:webhook_info:%d", botID)
}

// WebhookInfo asks the platform for the bot's webhook state. Answers are
// cached briefly.
func (r *Registry) WebhookInfo(ctx context.Context, botID uint) (*platform.WebhookInfo, error) {
	bot, ok := r.Bot(botID)
	if !ok {
		return nil, ErrBotNotFound
	}
	var cached platform.WebhookInfo
	if r.cache.GetJSON(ctx, webhookInfoKey(botID), &cached) {
		return &cached, nil
	}
	info, err := bot.WebhookInfo(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.SetJSON(ctx, webhookInfoKey(botID), info, webhookInfoTTL)
	return info, nil
}

// SetWebhookURL stores an explicit webhook URL for the bot (empty restores
// the default) and restarts it when running.
func (r *Registry) SetWebhookURL(ctx context.Context, botID uint, url string) (*Instance, error) {
	config, err := r.bots.GetByID(ctx, botID)
	if repository.IsNotFound(err) {
		return nil, ErrBotNotFound
	}
	if err != nil {
		return nil, err
	}
	config.WebhookURL = strings.TrimSpace(url)
	config.UpdateMode = models.UpdateModeWebhook
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := r.bots.Update(ctx, config); err != nil {
		return nil, err
	}
	if _, running := r.Get(botID); !running {
		return nil, nil
	}
	return r.Start(ctx, botID)
}
