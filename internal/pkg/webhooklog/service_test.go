package webhooklog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/app/repository/repotest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/botregistry"
	"github.com/ManuelReschke/CourseFox/internal/pkg/conversation"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi/coursetest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/learning"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform/platformtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc       *Service
	store     *repotest.Store
	repos     *repository.Repositories
	courses   *coursetest.Service
	registry  *botregistry.Registry
	connector *platformtest.Connector
	config    *models.BotConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	courses := coursetest.New()
	courses.AddCourse(courseapi.Course{ID: 1, Title: "Go Basics", Currency: "USD"},
		courseapi.Step{ID: 1, Title: "Hello", Type: courseapi.StepTypeText, Content: "Welcome aboard"},
		courseapi.Step{ID: 2, Title: "Next", Type: courseapi.StepTypeText, Content: "More content"},
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
	svc := NewService(repos.Webhook, registry, DefaultOptions())
	registry.SetInbound(svc)

	config := &models.BotConfig{CourseID: 1, Name: "go-bot", Token: "123456:abcdefghijklmnopqrst", IsActive: true}
	require.NoError(t, repos.Bot.Create(context.Background(), config))
	_, err := registry.Start(context.Background(), config.ID)
	require.NoError(t, err)

	return &fixture{
		svc:       svc,
		store:     store,
		repos:     repos,
		courses:   courses,
		registry:  registry,
		connector: connector,
		config:    config,
	}
}

func startUpdate(updateID int, userID int64) []byte {
	return []byte(fmt.Sprintf(`{"update_id":%d,"message":{"message_id":1,"date":1,"from":{"id":%d,"is_bot":false,"first_name":"Ada"},"chat":{"id":%d,"type":"private"},"text":"/start","entities":[{"type":"bot_command","offset":0,"length":6}]}}`,
		updateID, userID, userID))
}

func stepUpdate(updateID int, userID int64, stepID uint) []byte {
	return []byte(fmt.Sprintf(`{"update_id":%d,"callback_query":{"id":"cb%d","from":{"id":%d,"is_bot":false,"first_name":"Ada"},"message":{"message_id":2,"date":1,"chat":{"id":%d,"type":"private"}},"data":"step_%d"}}`,
		updateID, updateID, userID, userID, stepID))
}

func assertNoneProcessing(t *testing.T, store *repotest.Store) {
	t.Helper()
	for _, e := range store.Events() {
		assert.NotEqual(t, models.WebhookStatusProcessing, e.Status, "event %d left processing", e.ID)
	}
}

func TestHandleInboundCompletes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.HandleInbound(context.Background(), f.config.ID, startUpdate(100, 42)))

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookStatusCompleted, events[0].Status)
	assert.Equal(t, models.EventTypeCommand, events[0].EventType)
	require.NotNil(t, events[0].ExternalUpdateID)
	assert.Equal(t, int64(100), *events[0].ExternalUpdateID)
	assert.NotNil(t, events[0].ProcessedAt)
	assert.JSONEq(t, string(startUpdate(100, 42)), string(events[0].RawPayload))

	assert.Len(t, f.store.Users(), 1)
	assert.Contains(t, f.connector.Last().LastText(), "Go Basics")
}

func TestHandleInboundDuplicateIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.HandleInbound(ctx, f.config.ID, startUpdate(100, 42)))
	sent := len(f.connector.Last().SentMessages())

	err := f.svc.HandleInbound(ctx, f.config.ID, startUpdate(100, 42))
	assert.ErrorIs(t, err, ErrDuplicateUpdate)
	assert.Len(t, f.store.Events(), 1)
	assert.Len(t, f.connector.Last().SentMessages(), sent, "no second reply")
}

func TestHandleInboundWithoutUpdateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := []byte(`{"message":{"message_id":1,"date":1,"from":{"id":42,"is_bot":false,"first_name":"Ada"},"chat":{"id":42,"type":"private"},"text":"hello"}}`)

	require.NoError(t, f.svc.HandleInbound(ctx, f.config.ID, raw))
	require.NoError(t, f.svc.HandleInbound(ctx, f.config.ID, raw))

	events := f.store.Events()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Nil(t, e.ExternalUpdateID)
		assert.Equal(t, models.EventTypeMessage, e.EventType)
	}
}

func TestHandleInboundInvalidPayload(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleInbound(context.Background(), f.config.ID, []byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Empty(t, f.store.Events())
}

func TestHandleInboundUnknownBot(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleInbound(context.Background(), 999, startUpdate(1, 42))
	require.ErrorIs(t, err, ErrBotNotRunning)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookStatusFailed, events[0].Status)
	assert.Equal(t, DefaultOptions().RetryMaxCount, events[0].RetryCount, "never retried")
	assert.Empty(t, f.store.Users(), "no session touched")

	result, err := f.svc.RetryFailed(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
}

func TestHandleInboundStoppedBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Stop(ctx, f.config.ID))

	err := f.svc.HandleInbound(ctx, f.config.ID, startUpdate(1, 42))
	assert.ErrorIs(t, err, ErrBotNotRunning)
	assert.Empty(t, f.store.Users())
	assertNoneProcessing(t, f.store)
}

func TestHandleInboundHandlerFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.courses.StepErr = errors.New("content service down")

	err := f.svc.HandleInbound(ctx, f.config.ID, stepUpdate(7, 42, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content service down")

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookStatusFailed, events[0].Status)
	assert.Equal(t, 1, events[0].RetryCount)
	assert.Contains(t, events[0].Error, "content service down")
}

func TestHandleInboundSendTimeoutIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.connector.Last()
	before := testutil.ToFloat64(metrics.SendTimeoutsTotal.WithLabelValues(models.EventTypeCommand))

	bot.SendErr = fmt.Errorf("%w: sendMessage: deadline exceeded", platform.ErrSendTimeout)
	err := f.svc.HandleInbound(ctx, f.config.ID, startUpdate(1, 42))
	assert.ErrorIs(t, err, platform.ErrSendTimeout)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookStatusFailed, events[0].Status)
	assert.Equal(t, f.svc.opts.RetryMaxCount, events[0].RetryCount)
	assert.Contains(t, events[0].Error, TimeoutError)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SendTimeoutsTotal.WithLabelValues(models.EventTypeCommand)))

	bot.SendErr = nil
	result, err := f.svc.RetryFailed(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.Empty(t, bot.SentMessages(), "nothing is delivered twice")
}

func TestHandleInboundCancelledContextStillRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = f.svc.HandleInbound(ctx, f.config.ID, startUpdate(1, 42))
	assertNoneProcessing(t, f.store)
}

func TestRetryFailedReplaysSameRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.courses.StepErr = errors.New("content service down")
	require.Error(t, f.svc.HandleInbound(ctx, f.config.ID, stepUpdate(7, 42, 1)))

	f.courses.StepErr = nil
	result, err := f.svc.RetryFailed(ctx, &f.config.ID)
	require.NoError(t, err)
	assert.Equal(t, &RetryResult{Attempted: 1, Succeeded: 1}, result)

	events := f.store.Events()
	require.Len(t, events, 1, "retry updates the stored row")
	assert.Equal(t, models.WebhookStatusCompleted, events[0].Status)
	assert.Empty(t, events[0].Error)
	assert.Contains(t, f.connector.Last().LastText(), "Welcome aboard")

	result, err = f.svc.RetryFailed(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted, "completed events are not replayed")
}

func TestRetryFailedHonorsCeilingAndAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.opts.RetryMaxCount = 2
	f.courses.StepErr = errors.New("content service down")

	require.Error(t, f.svc.HandleInbound(ctx, f.config.ID, stepUpdate(1, 42, 1)))
	require.Error(t, f.svc.HandleInbound(ctx, f.config.ID, stepUpdate(2, 43, 1)))
	old := f.store.Events()[1]
	f.store.SetEventCreatedAt(old.ID, time.Now().Add(-48*time.Hour))

	result, err := f.svc.RetryFailed(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted, "old event is outside the window")
	assert.Equal(t, 1, result.Failed)

	result, err = f.svc.RetryFailed(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted, "retry ceiling reached")

	for _, e := range f.store.Events() {
		assert.Equal(t, models.WebhookStatusFailed, e.Status)
	}
}

func TestRetryFailedSkipsStoppedBots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.courses.StepErr = errors.New("content service down")
	require.Error(t, f.svc.HandleInbound(ctx, f.config.ID, stepUpdate(1, 42, 1)))
	require.NoError(t, f.registry.Stop(ctx, f.config.ID))

	result, err := f.svc.RetryFailed(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, &RetryResult{Skipped: 1}, result)
	assert.Equal(t, 1, f.store.Events()[0].RetryCount)
}

func TestRecoverStuck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := int64(5)
	stuck := &models.WebhookEvent{BotID: f.config.ID, EventType: models.EventTypeCommand, ExternalUpdateID: &id, RawPayload: startUpdate(5, 42)}
	require.NoError(t, f.repos.Webhook.Create(ctx, stuck))
	fresh := &models.WebhookEvent{BotID: f.config.ID, EventType: models.EventTypeCommand, RawPayload: startUpdate(6, 43)}
	require.NoError(t, f.repos.Webhook.Create(ctx, fresh))
	f.store.SetEventCreatedAt(stuck.ID, time.Now().Add(-time.Hour))

	recovered, err := f.svc.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := f.repos.Webhook.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, got.Status)
	assert.Equal(t, StuckError, got.Error)

	got, err = f.repos.Webhook.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessing, got.Status)

	result, err := f.svc.RetryFailed(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
}

func TestPollingUpdatesFlowThroughLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	config := &models.BotConfig{CourseID: 1, Name: "poller", Token: "654321:zyxwvutsrqponmlkjihg", IsActive: true, UpdateMode: models.UpdateModePolling}
	require.NoError(t, f.repos.Bot.Create(ctx, config))
	_, err := f.registry.Start(ctx, config.ID)
	require.NoError(t, err)

	bot := f.connector.Last()
	bot.Deliver(ctx, startUpdate(1, 42))

	stats, err := f.svc.GetStats(ctx, config.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus[models.WebhookStatusCompleted])
	assert.Equal(t, int64(1), stats.ByType[models.EventTypeCommand])
	assert.Contains(t, bot.LastText(), "Go Basics")
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.HandleInbound(ctx, f.config.ID, startUpdate(1, 42)))
	require.NoError(t, f.svc.HandleInbound(ctx, f.config.ID, stepUpdate(2, 42, 2)))
	f.courses.StepErr = errors.New("down")
	require.Error(t, f.svc.HandleInbound(ctx, f.config.ID, stepUpdate(3, 42, 1)))

	stats, err := f.svc.GetStats(ctx, f.config.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[models.WebhookStatusCompleted])
	assert.Equal(t, int64(1), stats.ByStatus[models.WebhookStatusFailed])
	assert.Equal(t, int64(2), stats.ByType[models.EventTypeCallbackQuery])
}
