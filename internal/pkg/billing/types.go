package billing

import (
	"errors"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
)

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrInvalidTransition = errors.New("payment is no longer pending")
	ErrInvoiceRejected   = errors.New("invoice rejected by platform")
	ErrAmountMismatch    = errors.New("paid amount does not match payment")
	ErrInvalidAmount     = errors.New("payment amount must be positive")
	ErrPaymentsDisabled  = errors.New("bot has no payment provider configured")
	ErrBotNotFound       = errors.New("bot not found")
)

// CreatePaymentRequest describes a paywall purchase. A step with its own
// price is bought on its own; otherwise the purchase unlocks the course.
type CreatePaymentRequest struct {
	Bot      platform.Bot
	Config   *models.BotConfig
	User     *models.BotUser
	ChatID   int64
	Course   *courseapi.Course
	Step     *courseapi.Step
	Amount   int64
	Currency string
}

// PreCheckout is the provider's last confirmation before charging.
type PreCheckout struct {
	QueryID        string
	InvoicePayload string
	Currency       string
	TotalAmount    int64
}

// SuccessfulPayment is the normalized provider confirmation.
type SuccessfulPayment struct {
	InvoicePayload   string
	Currency         string
	TotalAmount      int64
	ProviderChargeID string
	Raw              []byte
}
