// Package billing coordinates paywall purchases: invoice creation, provider
// confirmation, failure and expiry. Access rows are written only by the
// SUCCEEDED transition.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/events"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Bots resolves a tenant's live connection for user notifications.
type Bots interface {
	Bot(botID uint) (platform.Bot, bool)
}

// Service provides the payment flow on top of the payment repository.
type Service struct {
	payments repository.PaymentRepository
	bots     repository.BotRepository
	live     Bots
	events   events.Publisher
	now      func() time.Time
}

// NewService creates a billing service from injected repositories.
func NewService(repos *repository.Repositories, live Bots, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		payments: repos.Payment,
		bots:     repos.Bot,
		live:     live,
		events:   publisher,
		now:      time.Now,
	}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, live Bots, publisher events.Publisher) *Service {
	return NewService(repository.NewRepositories(db), live, publisher)
}

// SetLiveBots wires the registry after construction; both depend on each other.
func (s *Service) SetLiveBots(live Bots) {
	s.live = live
}

// CreatePayment stores a PENDING payment and sends the hosted invoice. The
// invoice payload is the payment id. A rejected invoice closes the payment
// as FAILED and tells the user.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*models.Payment, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	settings := req.Config.GetSettings()
	if strings.TrimSpace(settings.PaymentProviderToken) == "" {
		return nil, ErrPaymentsDisabled
	}

	payment := &models.Payment{
		OrderNumber:    uuid.NewString(),
		BotID:          req.Config.ID,
		UserID:         req.User.ID,
		ExternalUserID: req.User.ExternalUserID,
		ChatID:         req.ChatID,
		CourseID:       req.Course.ID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		Description:    req.Course.Title,
	}
	if req.Step != nil && req.Step.Price > 0 {
		lessonID := req.Step.ID
		payment.LessonID = &lessonID
		payment.Description = req.Step.Title
	}
	payment.AppendHistory(models.PaymentStatusPending, "created", s.now())
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	metrics.PaymentsTotal.WithLabelValues(models.PaymentStatusPending).Inc()

	ref, err := req.Bot.SendInvoice(ctx, platform.Invoice{
		ChatID:         req.ChatID,
		Title:          payment.Description,
		Description:    fmt.Sprintf("Unlock \"%s\" in %s", payment.Description, req.Course.Title),
		Payload:        strconv.FormatUint(uint64(payment.ID), 10),
		ProviderToken:  settings.PaymentProviderToken,
		StartParameter: "order-" + payment.OrderNumber,
		Currency:       payment.Currency,
		Prices:         []platform.LabeledPrice{{Label: payment.Description, Amount: payment.Amount}},
	})
	if errors.Is(err, platform.ErrSendTimeout) {
		// The invoice may have been delivered; leave it PENDING for expiry.
		log.Errorf("[Payments] invoice for payment %d timed out, left pending", payment.ID)
		return payment, err
	}
	if err != nil {
		log.Warnf("[Payments] invoice for payment %d rejected: %v", payment.ID, err)
		if _, closeErr := s.close(ctx, payment.ID, models.PaymentStatusFailed, "invoice rejected"); closeErr != nil {
			log.Errorf("[Payments] close payment %d after rejected invoice: %v", payment.ID, closeErr)
		}
		if sendErr := req.Bot.SendMessage(ctx, req.ChatID, render.PaymentFailed("the payment provider is unavailable", lessonIDOf(payment))); sendErr != nil {
			log.Warnf("[Payments] notify user about rejected invoice: %v", sendErr)
		}
		return payment, fmt.Errorf("%w: %v", ErrInvoiceRejected, err)
	}

	if err := s.payments.SetInvoiceID(ctx, payment.ID, ref); err != nil {
		return nil, fmt.Errorf("store invoice reference: %w", err)
	}
	payment.ExternalInvoiceID = ref
	log.Infof("[Payments] payment %d (%s) created for bot %d user %d: %s", payment.ID, payment.OrderNumber, payment.BotID, payment.ExternalUserID, render.FormatAmount(payment.Amount, payment.Currency))
	return payment, nil
}

// resolve finds the PENDING-or-not payment behind an invoice payload.
func (s *Service) resolve(ctx context.Context, botID uint, payload string) (*models.Payment, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 64)
	if err != nil || id == 0 {
		return nil, ErrPaymentNotFound
	}
	payment, err := s.payments.GetByID(ctx, uint(id))
	if repository.IsNotFound(err) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if payment.BotID != botID {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func matches(payment *models.Payment, amount int64, currency string) bool {
	return payment.Amount == amount && strings.EqualFold(payment.Currency, currency)
}

// HandlePreCheckout approves the charge only for a PENDING payment whose
// amount and currency match.
func (s *Service) HandlePreCheckout(ctx context.Context, botID uint, bot platform.Bot, q PreCheckout) error {
	payment, err := s.resolve(ctx, botID, q.InvoicePayload)
	reason := ""
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		reason = "This order is unknown. Please start the purchase again."
	case err != nil:
		if answerErr := bot.AnswerPreCheckout(ctx, q.QueryID, false, "Payments are temporarily unavailable. Please try again."); answerErr != nil {
			log.Warnf("[Payments] pre-checkout %s for bot %d could not be declined: %v", q.QueryID, botID, answerErr)
		}
		return fmt.Errorf("load payment for pre-checkout: %w", err)
	case payment.IsTerminal():
		reason = "This order is already closed. Please start the purchase again."
	case !matches(payment, q.TotalAmount, q.Currency):
		reason = "The order amount changed. Please start the purchase again."
	}
	if reason != "" {
		log.Warnf("[Payments] pre-checkout %s rejected for bot %d: %s", q.QueryID, botID, reason)
		return bot.AnswerPreCheckout(ctx, q.QueryID, false, reason)
	}
	return bot.AnswerPreCheckout(ctx, q.QueryID, true, "")
}

// HandleSuccessfulPayment moves the payment to SUCCEEDED, grants access and
// notifies the user. A confirmation for an already SUCCEEDED payment is a
// redelivery and returns the payment unchanged.
func (s *Service) HandleSuccessfulPayment(ctx context.Context, botID uint, sp SuccessfulPayment) (*models.Payment, error) {
	payment, err := s.resolve(ctx, botID, sp.InvoicePayload)
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentStatusSucceeded {
		return payment, nil
	}
	if !matches(payment, sp.TotalAmount, sp.Currency) {
		reason := fmt.Sprintf("paid %s, expected %s", render.FormatAmount(sp.TotalAmount, sp.Currency), render.FormatAmount(payment.Amount, payment.Currency))
		if _, err := s.fail(ctx, payment.ID, reason, "the paid amount did not match the order"); err != nil {
			log.Errorf("[Payments] close mismatched payment %d: %v", payment.ID, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrAmountMismatch, reason)
	}

	completed, err := s.payments.Complete(ctx, payment.ID, sp.ProviderChargeID, sp.Raw, s.now())
	if errors.Is(err, repository.ErrStaleStatus) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("complete payment %d: %w", payment.ID, err)
	}
	metrics.PaymentsTotal.WithLabelValues(models.PaymentStatusSucceeded).Inc()
	log.Infof("[Payments] payment %d succeeded for bot %d user %d", completed.ID, completed.BotID, completed.ExternalUserID)

	s.publish(ctx, events.TypePaymentSucceeded, completed, "")
	s.notify(ctx, completed, render.PaymentSucceeded(completed.Description, completed.Amount, completed.Currency, lessonIDOf(completed)))
	return completed, nil
}

// HandleFailedPayment moves a PENDING payment to FAILED and offers a retry.
func (s *Service) HandleFailedPayment(ctx context.Context, botID, paymentID uint, reason string) (*models.Payment, error) {
	payment, err := s.resolve(ctx, botID, strconv.FormatUint(uint64(paymentID), 10))
	if err != nil {
		return nil, err
	}
	return s.fail(ctx, payment.ID, reason, reason)
}

func (s *Service) fail(ctx context.Context, paymentID uint, reason, userReason string) (*models.Payment, error) {
	failed, err := s.close(ctx, paymentID, models.PaymentStatusFailed, reason)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, failed, render.PaymentFailed(userReason, lessonIDOf(failed)))
	return failed, nil
}

// CancelPayment closes a PENDING payment without notifying the user.
func (s *Service) CancelPayment(ctx context.Context, paymentID uint, reason string) (*models.Payment, error) {
	return s.close(ctx, paymentID, models.PaymentStatusCancelled, reason)
}

func (s *Service) close(ctx context.Context, paymentID uint, status, reason string) (*models.Payment, error) {
	closed, err := s.payments.Close(ctx, paymentID, status, reason, s.now())
	if errors.Is(err, repository.ErrStaleStatus) {
		return nil, ErrInvalidTransition
	}
	if repository.IsNotFound(err) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("close payment %d: %w", paymentID, err)
	}
	metrics.PaymentsTotal.WithLabelValues(status).Inc()
	log.Infof("[Payments] payment %d %s: %s", closed.ID, status, reason)

	eventType := events.TypePaymentFailed
	if status == models.PaymentStatusCancelled {
		eventType = events.TypePaymentCancelled
	}
	s.publish(ctx, eventType, closed, reason)
	return closed, nil
}

// ExpireStalePayments cancels PENDING payments older than ttl and returns
// how many were closed.
func (s *Service) ExpireStalePayments(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	stale, err := s.payments.ListPendingOlderThan(ctx, s.now().Add(-ttl), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale payments: %w", err)
	}
	expired := 0
	for _, p := range stale {
		if _, err := s.CancelPayment(ctx, p.ID, "expired"); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// GetBotPaymentStats aggregates the bot's course payments over period.
func (s *Service) GetBotPaymentStats(ctx context.Context, botID uint, period time.Duration) (*models.PaymentStats, error) {
	bot, err := s.bots.GetByID(ctx, botID)
	if repository.IsNotFound(err) {
		return nil, ErrBotNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.payments.Stats(ctx, bot.ID, bot.CourseID, s.now().Add(-period))
}

func (s *Service) publish(ctx context.Context, eventType string, p *models.Payment, reason string) {
	err := s.events.Publish(ctx, events.Event{
		Type:           eventType,
		BotID:          p.BotID,
		UserID:         p.UserID,
		ExternalUserID: p.ExternalUserID,
		CourseID:       p.CourseID,
		StepID:         lessonIDOf(p),
		PaymentID:      p.ID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Reason:         reason,
		OccurredAt:     s.now(),
	})
	if err != nil {
		log.Warnf("[Payments] publish %s for payment %d failed: %v", eventType, p.ID, err)
	}
}

// notify messages the buyer through the tenant's own bot when it is running.
func (s *Service) notify(ctx context.Context, p *models.Payment, msg render.Message) {
	if s.live == nil || p.ChatID == 0 {
		return
	}
	bot, ok := s.live.Bot(p.BotID)
	if !ok {
		log.Warnf("[Payments] bot %d not running, user %d not notified about payment %d", p.BotID, p.ExternalUserID, p.ID)
		return
	}
	if err := bot.SendMessage(ctx, p.ChatID, msg); err != nil {
		log.Warnf("[Payments] notify user %d about payment %d failed: %v", p.ExternalUserID, p.ID, err)
	}
}

func lessonIDOf(p *models.Payment) uint {
	if p.LessonID == nil {
		return 0
	}
	return *p.LessonID
}
