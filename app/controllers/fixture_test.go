package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/app/repository/repotest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/botregistry"
	"github.com/ManuelReschke/CourseFox/internal/pkg/conversation"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi/coursetest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/learning"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform/platformtest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/webhooklog"
)

const testToken = "123456:abcdefghijklmnopqrst"

type fixture struct {
	app       *fiber.App
	store     *repotest.Store
	repos     *repository.Repositories
	registry  *botregistry.Registry
	connector *platformtest.Connector
	webhooks  *webhooklog.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	courses := coursetest.New()
	courses.AddCourse(courseapi.Course{ID: 1, Title: "Go Basics", Currency: "USD"},
		courseapi.Step{ID: 1, Title: "Hello", Type: courseapi.StepTypeText, Content: "Welcome aboard"},
	)
	store := repotest.New()
	repos := store.Repositories()
	payments := billing.NewService(repos, nil, nil)
	router := conversation.NewRouter(repos, learning.NewService(repos, courses, courses, payments, nil), payments)
	connector := platformtest.NewConnector()
	registry := botregistry.New(repos.Bot, connector, router, nil, botregistry.Options{
		PublicURL:   "https://courses.example.com",
		AppSecret:   "s3cret",
		DefaultMode: models.UpdateModeWebhook,
	})
	payments.SetLiveBots(registry)
	webhooks := webhooklog.NewService(repos.Webhook, registry, webhooklog.DefaultOptions())
	registry.SetInbound(webhooks)

	app := fiber.New()
	wc := NewWebhookController(registry, webhooks)
	app.Post("/bots/webhook/:botId", wc.HandleWebhook)

	bc := NewBotController(repos, registry, webhooks, payments, nil, nil)
	api := app.Group("/api/v1")
	api.Post("/bots", bc.HandleCreateBot)
	api.Get("/bots", bc.HandleListBots)
	api.Get("/bots/:id", bc.HandleGetBot)
	api.Patch("/bots/:id/settings", bc.HandleUpdateSettings)
	api.Post("/bots/:id/activate", bc.HandleActivateBot)
	api.Post("/bots/:id/deactivate", bc.HandleDeactivateBot)
	api.Delete("/bots/:id", bc.HandleDeleteBot)
	api.Get("/bots/:id/analytics", bc.HandleBotAnalytics)
	api.Get("/bots/:id/webhook", bc.HandleGetWebhook)
	api.Put("/bots/:id/webhook", bc.HandleSetWebhook)
	api.Post("/bots/:id/webhooks/retry", bc.HandleRetryWebhooks)
	api.Get("/bots/:id/webhooks/stats", bc.HandleWebhookStats)
	api.Get("/bots/:id/payments/stats", bc.HandlePaymentStats)
	api.Get("/jobs/:id", bc.HandleGetJob)

	return &fixture{
		app:       app,
		store:     store,
		repos:     repos,
		registry:  registry,
		connector: connector,
		webhooks:  webhooks,
	}
}

// createBot registers and starts a bot through the API.
func (f *fixture) createBot(t *testing.T) uint {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/bots", map[string]interface{}{
		"name":      "go-bot",
		"token":     testToken,
		"course_id": 1,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(body))
	var created struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	return created.ID
}

func (f *fixture) do(t *testing.T, method, path string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return f.send(t, req)
}

func (f *fixture) send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func decode(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func startUpdate(updateID int, userID int64) []byte {
	return []byte(fmt.Sprintf(`{"update_id":%d,"message":{"message_id":1,"date":1,"from":{"id":%d,"is_bot":false,"first_name":"Ada"},"chat":{"id":%d,"type":"private"},"text":"/start","entities":[{"type":"bot_command","offset":0,"length":6}]}}`,
		updateID, userID, userID))
}

func mustStart(t *testing.T, f *fixture, botID uint) {
	t.Helper()
	_, err := f.registry.Start(context.Background(), botID)
	require.NoError(t, err)
}
