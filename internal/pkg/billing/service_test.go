package billing

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/app/repository/repotest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/events"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform/platformtest"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveBots map[uint]*platformtest.Bot

func (l liveBots) Bot(id uint) (platform.Bot, bool) {
	b, ok := l[id]
	if !ok {
		return nil, false
	}
	return b, true
}

type fixture struct {
	svc    *Service
	store  *repotest.Store
	repos  *repository.Repositories
	bot    *platformtest.Bot
	config *models.BotConfig
	user   *models.BotUser
	events *events.Recorder
	course *courseapi.Course
	step   *courseapi.Step
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repotest.New()
	repos := store.Repositories()

	config := &models.BotConfig{CourseID: 9, Name: "pay-bot", Token: "123456:abcdefghijklmnopqrst", IsActive: true}
	require.NoError(t, config.SetSettings(models.BotSettings{PaymentProviderToken: "prov"}))
	require.NoError(t, repos.Bot.Create(ctx, config))
	user, _, err := repos.BotUser.GetOrCreate(ctx, &models.BotUser{BotID: config.ID, ExternalUserID: 500, ChatID: 500, FirstName: "Lin"})
	require.NoError(t, err)

	bot := platformtest.NewBot("pay_bot")
	recorder := &events.Recorder{}
	return &fixture{
		svc:    NewService(repos, liveBots{config.ID: bot}, recorder),
		store:  store,
		repos:  repos,
		bot:    bot,
		config: config,
		user:   user,
		events: recorder,
		course: &courseapi.Course{ID: 9, Title: "Cooking", Price: 2000, Currency: "EUR"},
		step:   &courseapi.Step{ID: 4, Title: "Knife skills", Type: courseapi.StepTypeVideo, IsPaid: true, Price: 500},
	}
}

func (f *fixture) request(amount int64) CreatePaymentRequest {
	return CreatePaymentRequest{
		Bot: f.bot, Config: f.config, User: f.user, ChatID: f.user.ChatID,
		Course: f.course, Step: f.step, Amount: amount, Currency: "eur",
	}
}

func (f *fixture) create(t *testing.T) *models.Payment {
	t.Helper()
	p, err := f.svc.CreatePayment(context.Background(), f.request(500))
	require.NoError(t, err)
	return p
}

func payload(p *models.Payment) string {
	return strconv.FormatUint(uint64(p.ID), 10)
}

func TestCreatePaymentSendsInvoice(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.NotEmpty(t, p.OrderNumber)
	require.NotNil(t, p.LessonID)
	assert.Equal(t, uint(4), *p.LessonID)
	assert.Equal(t, "EUR", p.Currency)

	invoices := f.bot.SentInvoices()
	require.Len(t, invoices, 1)
	assert.Equal(t, payload(p), invoices[0].Payload)
	assert.Equal(t, "prov", invoices[0].ProviderToken)
	assert.Equal(t, int64(500), invoices[0].Prices[0].Amount)

	stored, err := f.repos.Payment.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "500:1", stored.ExternalInvoiceID)
	require.Len(t, stored.History(), 1)
	assert.Equal(t, models.PaymentStatusPending, stored.History()[0].Status)
}

func TestCreatePaymentCoursePurchase(t *testing.T) {
	f := newFixture(t)
	f.step.Price = 0
	p, err := f.svc.CreatePayment(context.Background(), f.request(2000))
	require.NoError(t, err)
	assert.Nil(t, p.LessonID)
	assert.Equal(t, "Cooking", p.Description)
}

func TestCreatePaymentRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreatePayment(context.Background(), f.request(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	require.NoError(t, f.config.SetSettings(models.BotSettings{}))
	_, err = f.svc.CreatePayment(context.Background(), f.request(500))
	assert.ErrorIs(t, err, ErrPaymentsDisabled)
	assert.Empty(t, f.bot.SentInvoices())
}

func TestCreatePaymentInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	f.bot.InvoiceErr = errors.New("Bad Request: PAYMENT_PROVIDER_INVALID")

	p, err := f.svc.CreatePayment(context.Background(), f.request(500))
	assert.ErrorIs(t, err, ErrInvoiceRejected)
	require.NotNil(t, p)

	stored, err := f.repos.Payment.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	assert.Contains(t, f.bot.LastText(), "could not be completed")
	assert.Equal(t, []string{events.TypePaymentFailed}, f.events.Types())
	enrollments, lessons := f.store.AccessRows()
	assert.Zero(t, enrollments+lessons)
}

func TestCreatePaymentInvoiceTimeoutStaysPending(t *testing.T) {
	f := newFixture(t)
	f.bot.InvoiceErr = platform.ErrSendTimeout

	p, err := f.svc.CreatePayment(context.Background(), f.request(500))
	assert.ErrorIs(t, err, platform.ErrSendTimeout)
	stored, err := f.repos.Payment.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
}

func TestPreCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)

	tests := []struct {
		name    string
		payload string
		amount  int64
		ok      bool
	}{
		{"matching", payload(p), 500, true},
		{"unknown payload", "999", 500, false},
		{"garbage payload", "abc", 500, false},
		{"amount changed", payload(p), 400, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := PreCheckout{QueryID: strconv.Itoa(i), InvoicePayload: tt.payload, Currency: "EUR", TotalAmount: tt.amount}
			require.NoError(t, f.svc.HandlePreCheckout(ctx, f.config.ID, f.bot, q))
			answers := f.bot.PreCheckouts
			last := answers[len(answers)-1]
			assert.Equal(t, tt.ok, last.OK)
			if !tt.ok {
				assert.NotEmpty(t, last.Error)
			}
		})
	}
}

type failingPayments struct {
	repository.PaymentRepository
	err error
}

func (f failingPayments) GetByID(context.Context, uint) (*models.Payment, error) {
	return nil, f.err
}

func TestPreCheckoutLookupFailureDeclines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)
	f.svc.payments = failingPayments{PaymentRepository: f.repos.Payment, err: errors.New("db down")}
	f.bot.PreCheckoutErr = errors.New("query expired")

	err := f.svc.HandlePreCheckout(ctx, f.config.ID, f.bot, PreCheckout{QueryID: "q1", InvoicePayload: payload(p), Currency: "EUR", TotalAmount: 500})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down", "the lookup failure wins over the answer failure")

	require.Len(t, f.bot.PreCheckouts, 1)
	assert.False(t, f.bot.PreCheckouts[0].OK)
	assert.Contains(t, f.bot.PreCheckouts[0].Error, "temporarily unavailable")
}

func TestSuccessfulPaymentGrantsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)

	enrollments, lessons := f.store.AccessRows()
	assert.Zero(t, enrollments+lessons, "no access before success")

	done, err := f.svc.HandleSuccessfulPayment(ctx, f.config.ID, SuccessfulPayment{
		InvoicePayload: payload(p), Currency: "EUR", TotalAmount: 500, ProviderChargeID: "ch_1", Raw: []byte(`{"id":"ch_1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, done.Status)
	assert.NotNil(t, done.PaidAt)

	lesson, err := f.repos.Access.HasLessonAccess(ctx, f.user.ID, 4)
	require.NoError(t, err)
	assert.True(t, lesson)
	course, err := f.repos.Access.HasCourseAccess(ctx, f.user.ID, 9)
	require.NoError(t, err)
	assert.False(t, course, "lesson purchase does not open the whole course")

	assert.Equal(t, render.PaymentSucceeded("Knife skills", 500, "EUR", 4).Text, f.bot.LastText())
	assert.Equal(t, []string{events.TypePaymentSucceeded}, f.events.Types())

	again, err := f.svc.HandleSuccessfulPayment(ctx, f.config.ID, SuccessfulPayment{InvoicePayload: payload(p), Currency: "EUR", TotalAmount: 500})
	require.NoError(t, err, "redelivery is accepted")
	assert.Equal(t, models.PaymentStatusSucceeded, again.Status)
	assert.Len(t, f.events.Types(), 1)
}

func TestSuccessfulPaymentCorrelationMiss(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	_, err := f.svc.HandleSuccessfulPayment(context.Background(), f.config.ID+1, SuccessfulPayment{InvoicePayload: payload(p), Currency: "EUR", TotalAmount: 500})
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	_, err = f.svc.HandleSuccessfulPayment(context.Background(), f.config.ID, SuccessfulPayment{InvoicePayload: "nope"})
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	enrollments, lessons := f.store.AccessRows()
	assert.Zero(t, enrollments+lessons)
}

func TestSuccessfulPaymentAmountMismatch(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	_, err := f.svc.HandleSuccessfulPayment(context.Background(), f.config.ID, SuccessfulPayment{InvoicePayload: payload(p), Currency: "EUR", TotalAmount: 1})
	assert.ErrorIs(t, err, ErrAmountMismatch)
	stored, err := f.repos.Payment.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	enrollments, lessons := f.store.AccessRows()
	assert.Zero(t, enrollments+lessons)
}

func TestTerminalPaymentsCannotMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	succeeded := f.create(t)
	_, err := f.svc.HandleSuccessfulPayment(ctx, f.config.ID, SuccessfulPayment{InvoicePayload: payload(succeeded), Currency: "EUR", TotalAmount: 500})
	require.NoError(t, err)
	_, err = f.svc.HandleFailedPayment(ctx, f.config.ID, succeeded.ID, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.CancelPayment(ctx, succeeded.ID, "late cancel")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failed := f.create(t)
	_, err = f.svc.HandleFailedPayment(ctx, f.config.ID, failed.ID, "card declined")
	require.NoError(t, err)
	_, err = f.svc.HandleSuccessfulPayment(ctx, f.config.ID, SuccessfulPayment{InvoicePayload: payload(failed), Currency: "EUR", TotalAmount: 500})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s1, _ := f.repos.Payment.GetByID(ctx, succeeded.ID)
	s2, _ := f.repos.Payment.GetByID(ctx, failed.ID)
	assert.Equal(t, models.PaymentStatusSucceeded, s1.Status)
	assert.Equal(t, models.PaymentStatusFailed, s2.Status)
	_, lessons := f.store.AccessRows()
	assert.Equal(t, 1, lessons)
}

func TestFailedPaymentOffersRetry(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	failed, err := f.svc.HandleFailedPayment(context.Background(), f.config.ID, p.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, "card declined", failed.FailureReason)
	last := f.bot.SentMessages()[len(f.bot.SentMessages())-1].Message
	assert.Contains(t, last.Text, "card declined")
	assert.Equal(t, render.PayLessonCallback(4), last.Keyboard[0][0].CallbackData)
	assert.Equal(t, []string{events.TypePaymentFailed}, f.events.Types())
}

func TestExpireStalePayments(t *testing.T) {
	f := newFixture(t)
	old := f.create(t)
	fresh := f.create(t)
	f.store.SetPaymentCreatedAt(old.ID, time.Now().Add(-2*time.Hour))

	n, err := f.svc.ExpireStalePayments(context.Background(), time.Hour, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, _ := f.repos.Payment.GetByID(context.Background(), old.ID)
	fr, _ := f.repos.Payment.GetByID(context.Background(), fresh.ID)
	assert.Equal(t, models.PaymentStatusCancelled, o.Status)
	assert.Equal(t, models.PaymentStatusPending, fr.Status)
	assert.Equal(t, []string{events.TypePaymentCancelled}, f.events.Types())
}

func TestGetBotPaymentStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t)
	b := f.create(t)
	f.create(t)
	_, err := f.svc.HandleSuccessfulPayment(ctx, f.config.ID, SuccessfulPayment{InvoicePayload: payload(a), Currency: "EUR", TotalAmount: 500})
	require.NoError(t, err)
	_, err = f.svc.HandleFailedPayment(ctx, f.config.ID, b.ID, "declined")
	require.NoError(t, err)

	stats, err := f.svc.GetBotPaymentStats(ctx, f.config.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCount)
	assert.Equal(t, int64(1), stats.SucceededCount)
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Equal(t, int64(1), stats.PendingCount)
	assert.Equal(t, int64(500), stats.Revenue["EUR"])
	assert.Equal(t, 33.33, stats.SuccessRate)

	_, err = f.svc.GetBotPaymentStats(ctx, 999, time.Hour)
	assert.ErrorIs(t, err, ErrBotNotFound)
}
