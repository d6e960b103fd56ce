package botregistry

import (
	"context"
	"sync"
	"testing"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/app/repository/repotest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/conversation"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform/platformtest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInbound struct {
	mu   sync.Mutex
	got  map[uint][]string
	fail error
}

func (r *recordingInbound) HandleInbound(_ context.Context, botID uint, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = map[uint][]string{}
	}
	r.got[botID] = append(r.got[botID], string(raw))
	return r.fail
}

type fixture struct {
	registry  *Registry
	repos     *repository.Repositories
	connector *platformtest.Connector
	inbound   *recordingInbound
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	repos := repotest.New().Repositories()
	connector := platformtest.NewConnector()
	router := conversation.NewRouter(repos, nil, nil)
	registry := New(repos.Bot, connector, router, nil, opts)
	inbound := &recordingInbound{}
	registry.SetInbound(inbound)
	return &fixture{registry: registry, repos: repos, connector: connector, inbound: inbound}
}

func defaultOptions() Options {
	return Options{PublicURL: "https://courses.example.com", AppSecret: "s3cret", DefaultMode: models.UpdateModeWebhook}
}

func (f *fixture) addBot(t *testing.T, token string, active bool, mode string) *models.BotConfig {
	t.Helper()
	config := &models.BotConfig{CourseID: 1, Name: "bot " + token[:6], Token: token, IsActive: active, UpdateMode: mode}
	require.NoError(t, f.repos.Bot.Create(context.Background(), config))
	return config
}

const (
	tokenA = "111111:aaaaaaaaaaaaaaaaaaaaaaaa"
	tokenB = "222222:bbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestStartWebhookMode(t *testing.T) {
	f := newFixture(t, defaultOptions())
	config := f.addBot(t, tokenA, true, "")

	inst, err := f.registry.Start(context.Background(), config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateModeWebhook, inst.Mode)

	bot := f.connector.Last()
	assert.Equal(t, platform.DefaultCommands, bot.Commands)
	assert.Equal(t, "https://courses.example.com"+WebhookPath(config.ID), bot.WebhookURL)
	secret, err := security.WebhookSecret(config.ID, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, secret, bot.WebhookSecret)
	assert.True(t, f.registry.VerifyWebhookSecret(config.ID, secret))
	assert.False(t, f.registry.VerifyWebhookSecret(config.ID, "forged"))

	got, ok := f.registry.Get(config.ID)
	require.True(t, ok)
	assert.Same(t, inst, got)
	cfg, ok := f.registry.GetConfig(config.ID)
	require.True(t, ok)
	assert.Equal(t, bot.Name, cfg.Username)

	stored, err := f.repos.Bot.GetByID(context.Background(), config.ID)
	require.NoError(t, err)
	assert.Equal(t, bot.Name, stored.Username)
}

func TestStartTwiceKeepsOneConnection(t *testing.T) {
	f := newFixture(t, defaultOptions())
	config := f.addBot(t, tokenA, true, "")
	ctx := context.Background()

	first, err := f.registry.Start(ctx, config.ID)
	require.NoError(t, err)
	second, err := f.registry.Start(ctx, config.ID)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Len(t, f.connector.Opened, 2)
	assert.Len(t, f.connector.Live(), 1)
	assert.True(t, f.connector.Opened[0].IsClosed())
	assert.Equal(t, []uint{config.ID}, f.registry.Running())
}

func TestConcurrentStartsKeepOneConnection(t *testing.T) {
	f := newFixture(t, defaultOptions())
	config := f.addBot(t, tokenA, true, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.registry.Start(context.Background(), config.ID)
		}()
	}
	wg.Wait()
	assert.Len(t, f.connector.Live(), 1)
	assert.Len(t, f.registry.Running(), 1)
}

func TestStartUnknownOrInactiveBot(t *testing.T) {
	f := newFixture(t, defaultOptions())
	inactive := f.addBot(t, tokenA, false, "")

	_, err := f.registry.Start(context.Background(), inactive.ID)
	assert.ErrorIs(t, err, ErrBotNotFound)
	_, err = f.registry.Start(context.Background(), 999)
	assert.ErrorIs(t, err, ErrBotNotFound)
	assert.Empty(t, f.connector.Opened)
	assert.Empty(t, f.registry.Running())
}

func TestStartRejectedCredential(t *testing.T) {
	f := newFixture(t, defaultOptions())
	config := f.addBot(t, tokenA, true, "")
	f.connector.Reject[tokenA] = true

	_, err := f.registry.Start(context.Background(), config.ID)
	assert.ErrorIs(t, err, ErrBotStartFailed)
	assert.ErrorIs(t, err, platform.ErrUnauthorized)
	_, ok := f.registry.Get(config.ID)
	assert.False(t, ok)
}

func TestStartWithoutPublicURLLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, Options{DefaultMode: models.UpdateModeWebhook})
	config := f.addBot(t, tokenA, true, "")

	_, err := f.registry.Start(context.Background(), config.ID)
	assert.ErrorIs(t, err, ErrBotStartFailed)
	assert.Empty(t, f.connector.Live())
	assert.Empty(t, f.registry.Running())
}

func TestStartPollingMode(t *testing.T) {
	f := newFixture(t, defaultOptions())
	config := f.addBot(t, tokenA, true, models.UpdateModePolling)

	inst, err := f.registry.Start(context.Background(), config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateModePolling, inst.Mode)

	bot := f.connector.Last()
	assert.True(t, bot.Polling)
	assert.Empty(t, bot.WebhookURL)

	bot.Deliver(context.Background(), []byte(`{"update_id":1}`))
	assert.Equal(t, []string{`{"update_id":1}`}, f.inbound.got[config.ID])
}

func TestStopRemovesInstance(t *testing.T) {
	f := newFixture(t, defaultOptions())
	config := f.addBot(t, tokenA, true, "")
	ctx := context.Background()
	_, err := f.registry.Start(ctx, config.ID)
	require.NoError(t, err)
	bot := f.connector.Last()

	require.NoError(t, f.registry.Stop(ctx, config.ID))
	assert.True(t, bot.IsClosed())
	assert.Empty(t, bot.WebhookURL)
	_, ok := f.registry.Bot(config.ID)
	assert.False(t, ok)

	require.NoError(t, f.registry.Stop(ctx, config.ID), "stopping a stopped bot is a no-op")
}

func TestShutdownKeepsWebhooks(t *testing.T) {
	f := newFixture(t, defaultOptions())
	a := f.addBot(t, tokenA, true, "")
	b := f.addBot(t, tokenB, true, "")
	ctx := context.Background()
	_, err := f.registry.Start(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.registry.Start(ctx, b.ID)
	require.NoError(t, err)

	f.registry.Shutdown(ctx)
	assert.Empty(t, f.registry.Running())
	for _, bot := range f.connector.Opened {
		assert.True(t, bot.IsClosed())
		assert.NotEmpty(t, bot.WebhookURL)
	}
}

func TestStartAllIsolatesFailures(t *testing.T) {
	f := newFixture(t, defaultOptions())
	good := f.addBot(t, tokenA, true, "")
	f.addBot(t, tokenB, true, "")
	f.addBot(t, "333333:cccccccccccccccccccccccc", false, "")
	f.connector.Reject[tokenB] = true

	started, err := f.registry.StartAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, []uint{good.ID}, f.registry.Running())
}

func TestWebhookInfoAndURLUpdate(t *testing.T) {
	f := newFixture(t, defaultOptions())
	config := f.addBot(t, tokenA, true, "")
	ctx := context.Background()

	_, err := f.registry.WebhookInfo(ctx, config.ID)
	assert.ErrorIs(t, err, ErrBotNotFound)

	_, err = f.registry.Start(ctx, config.ID)
	require.NoError(t, err)
	info, err := f.registry.WebhookInfo(ctx, config.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://courses.example.com"+WebhookPath(config.ID), info.URL)

	inst, err := f.registry.SetWebhookURL(ctx, config.ID, "https://edge.example.com/hook")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "https://edge.example.com/hook", f.connector.Last().WebhookURL)
	assert.Len(t, f.connector.Live(), 1)

	_, err = f.registry.SetWebhookURL(ctx, config.ID, "not a url")
	assert.Error(t, err)
}
