package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/CourseFox/app/controllers"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/botregistry"
	"github.com/ManuelReschke/CourseFox/internal/pkg/cache"
	"github.com/ManuelReschke/CourseFox/internal/pkg/conversation"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/database"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/events"
	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/learning"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/router"
	"github.com/ManuelReschke/CourseFox/internal/pkg/webhooklog"
)

const shutdownTimeout = 15 * time.Second

// Application holds the long-running parts that need an orderly shutdown.
type Application struct {
	App      *fiber.App
	Registry *botregistry.Registry
	Jobs     *jobqueue.Manager
}

func main() {
	application := NewApplication()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := application.Registry.StartAll(ctx); err != nil {
		log.Errorf("[Registry] %v", err)
	}
	application.Jobs.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.App.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	}()

	select {
	case err := <-errCh:
		log.Errorf("server stopped: %v", err)
	case <-ctx.Done():
		log.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.App.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	application.Jobs.Stop()
	application.Registry.Shutdown(shutdownCtx)
}

func NewApplication() *Application {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()
	jsonCache := cache.NewRedisJSON()
	courses := courseapi.NewClientFromEnv()
	publisher := events.NewPublisherFromEnv()

	payments := billing.NewService(repos, nil, publisher)
	learningSvc := learning.NewService(repos, courses, courses, payments, publisher)
	registry := botregistry.New(repos.Bot, platform.NewTelegramConnectorFromEnv(),
		conversation.NewRouter(repos, learningSvc, payments), jsonCache, botregistry.OptionsFromEnv())
	payments.SetLiveBots(registry)

	webhooks := webhooklog.NewService(repos.Webhook, registry, webhooklog.OptionsFromEnv())
	registry.SetInbound(webhooks)

	jobOpts := jobqueue.OptionsFromEnv()
	jobs := jobqueue.NewManager(jobqueue.NewQueue(cache.GetClient(), jobOpts.Workers), webhooks, payments, jobOpts)

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: env.GetEnvInt("APP_BODY_LIMIT", 1<<20),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app,
		router.NewBotRouter(
			controllers.NewWebhookController(registry, webhooks),
			controllers.NewHealthController(db, registry),
		),
		router.NewApiRouter(
			controllers.NewBotController(repos, registry, webhooks, payments, jobs, jsonCache),
			env.GetEnv("ADMIN_API_KEY", ""),
			router.NewLimiterStorage(),
		),
	)

	return &Application{App: app, Registry: registry, Jobs: jobs}
}
