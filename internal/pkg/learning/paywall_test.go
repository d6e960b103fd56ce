package learning

import (
	"context"
	"strconv"
	"testing"

	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type oneBot struct{ bot platform.Bot }

func (o oneBot) Bot(uint) (platform.Bot, bool) { return o.bot, true }

func TestPaywallPurchaseUnlocksStep(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	payments := billing.NewService(f.repos, oneBot{f.bot}, f.events)
	f.svc.payments = payments
	s := f.session(t, 100)

	require.NoError(t, f.svc.HandleStepNavigation(ctx, s, 4))
	assert.Contains(t, f.bot.LastText(), "premium lesson")
	assert.Nil(t, f.reload(t, s).CurrentStepID)

	require.NoError(t, f.svc.HandlePayLesson(ctx, s, 4))
	invoices := f.bot.SentInvoices()
	require.Len(t, invoices, 1)
	enrollments, lessons := f.store.AccessRows()
	assert.Zero(t, enrollments+lessons, "no access while pending")

	paymentID, err := strconv.ParseUint(invoices[0].Payload, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, uint(paymentID), f.reload(t, s).GetSession().PendingPayment)

	_, err = payments.HandleSuccessfulPayment(ctx, f.config.ID, billing.SuccessfulPayment{
		InvoicePayload: invoices[0].Payload, Currency: invoices[0].Currency, TotalAmount: invoices[0].Prices[0].Amount,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleStepNavigation(ctx, s, 4))
	user := f.reload(t, s)
	require.NotNil(t, user.CurrentStepID)
	assert.Equal(t, uint(4), *user.CurrentStepID)
	assert.NotContains(t, f.bot.LastText(), "premium lesson")
	assert.Contains(t, f.bot.LastText(), "Premium")
}
