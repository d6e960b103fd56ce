package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentTransitionFromPending(t *testing.T) {
	for _, next := range []string{PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled} {
		p := &Payment{Status: PaymentStatusPending}
		p.AppendHistory(PaymentStatusPending, "created", time.Now())

		require.NoError(t, p.Transition(next, "reason", time.Now()), next)
		assert.Equal(t, next, p.Status)
		assert.True(t, p.IsTerminal())

		h := p.History()
		require.Len(t, h, 2)
		assert.Equal(t, PaymentStatusPending, h[0].Status)
		assert.Equal(t, next, h[1].Status)
	}
}

func TestPaymentTerminalStatesAreFinal(t *testing.T) {
	for _, from := range []string{PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled} {
		for _, to := range []string{PaymentStatusPending, PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled} {
			p := &Payment{Status: from}
			err := p.Transition(to, "late", time.Now())
			assert.ErrorIs(t, err, ErrPaymentTransition, "%s -> %s", from, to)
			assert.Equal(t, from, p.Status)
			assert.Empty(t, p.History())
		}
	}
}

func TestPaymentSucceededSetsPaidAt(t *testing.T) {
	p := &Payment{Status: PaymentStatusPending}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.Transition(PaymentStatusSucceeded, "", at))
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, at, *p.PaidAt)
	assert.Empty(t, p.FailureReason)
}

func TestPaymentFailedStoresReason(t *testing.T) {
	p := &Payment{Status: PaymentStatusPending}
	require.NoError(t, p.Transition(PaymentStatusFailed, "card declined", time.Now()))
	assert.Equal(t, "card declined", p.FailureReason)
	assert.Nil(t, p.PaidAt)
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, SuccessRate(0, 0))
	assert.Equal(t, 50.0, SuccessRate(1, 2))
	assert.Equal(t, 33.33, SuccessRate(1, 3))
	assert.Equal(t, 100.0, SuccessRate(4, 4))
}
