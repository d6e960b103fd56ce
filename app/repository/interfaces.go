package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"gorm.io/gorm"
)

var (
	// ErrDuplicate is returned when a unique constraint already holds the row.
	ErrDuplicate = errors.New("duplicate record")
	// ErrStaleStatus is returned when a conditional status update matched no row.
	ErrStaleStatus = errors.New("status changed concurrently or transition not allowed")
)

// BotRepository defines database operations for tenant bot configurations
type BotRepository interface {
	Create(ctx context.Context, bot *models.BotConfig) error
	GetByID(ctx context.Context, id uint) (*models.BotConfig, error)
	GetActiveByID(ctx context.Context, id uint) (*models.BotConfig, error)
	List(ctx context.Context, offset, limit int) ([]models.BotConfig, error)
	ListActive(ctx context.Context) ([]models.BotConfig, error)
	Update(ctx context.Context, bot *models.BotConfig) error
	SetActive(ctx context.Context, id uint, active bool) error
	Delete(ctx context.Context, id uint) error
}

// BotUserRepository defines operations on per-user learning sessions
type BotUserRepository interface {
	// GetOrCreate returns the user for (botID, externalUserID), creating it from
	// profile when absent. created reports whether a row was inserted.
	GetOrCreate(ctx context.Context, profile *models.BotUser) (user *models.BotUser, created bool, err error)
	Get(ctx context.Context, botID uint, externalUserID int64) (*models.BotUser, error)
	GetByID(ctx context.Context, id uint) (*models.BotUser, error)
	// SaveSession persists the navigation fields.
	SaveSession(ctx context.Context, user *models.BotUser) error
	// Touch bumps the interaction counters once per handled update.
	Touch(ctx context.Context, user *models.BotUser) error
	CountByBot(ctx context.Context, botID uint) (int64, error)
	CountActiveSince(ctx context.Context, botID uint, since time.Time) (int64, error)
}

// WebhookEventRepository defines operations on the inbound durability log
type WebhookEventRepository interface {
	// Create inserts a PROCESSING event. Returns ErrDuplicate when the
	// (bot_id, external_update_id) pair already exists.
	Create(ctx context.Context, event *models.WebhookEvent) error
	GetByID(ctx context.Context, id uint) (*models.WebhookEvent, error)
	MarkCompleted(ctx context.Context, id uint, processingTime time.Duration) error
	MarkFailed(ctx context.Context, id uint, processingErr string, processingTime time.Duration) error
	// MarkAbandoned fails the event with retry_count at maxRetries so no
	// sweep picks it up again.
	MarkAbandoned(ctx context.Context, id uint, processingErr string, maxRetries int) error
	ListRetryable(ctx context.Context, botID *uint, since time.Time, maxRetries int, limit int) ([]models.WebhookEvent, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]models.WebhookEvent, error)
	Stats(ctx context.Context, botID uint, since time.Time) (*models.WebhookStats, error)
}

// PaymentRepository defines operations on payments and the access rows they grant
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id uint) (*models.Payment, error)
	SetInvoiceID(ctx context.Context, id uint, invoiceID string) error
	// Complete moves a PENDING payment to SUCCEEDED and writes the access rows
	// in one transaction. Returns ErrStaleStatus when the payment is terminal.
	Complete(ctx context.Context, id uint, chargeID string, providerPayload []byte, at time.Time) (*models.Payment, error)
	// Close moves a PENDING payment to FAILED or CANCELLED. No access rows.
	Close(ctx context.Context, id uint, status, reason string, at time.Time) (*models.Payment, error)
	ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	Stats(ctx context.Context, botID, courseID uint, since time.Time) (*models.PaymentStats, error)
}

// AccessRepository reads and writes access grants
type AccessRepository interface {
	HasCourseAccess(ctx context.Context, userID, courseID uint) (bool, error)
	HasLessonAccess(ctx context.Context, userID, lessonID uint) (bool, error)
	// GrantFreeCourse enrolls the user without a payment (free content only).
	GrantFreeCourse(ctx context.Context, userID, courseID uint, at time.Time) error
}

// MessageLogRepository appends and aggregates the audit trail
type MessageLogRepository interface {
	Append(ctx context.Context, entry *models.MessageLog) error
	Analytics(ctx context.Context, botID uint, since time.Time) (*models.BotAnalytics, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Bot        BotRepository
	BotUser    BotUserRepository
	Webhook    WebhookEventRepository
	Payment    PaymentRepository
	Access     AccessRepository
	MessageLog MessageLogRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Bot:        NewBotRepository(db),
		BotUser:    NewBotUserRepository(db),
		Webhook:    NewWebhookEventRepository(db),
		Payment:    NewPaymentRepository(db),
		Access:     NewAccessRepository(db),
		MessageLog: NewMessageLogRepository(db),
	}
}
