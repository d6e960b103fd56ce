package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create inserts a PENDING payment with its creation history entry
func (r *paymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	payment.Status = models.PaymentStatusPending
	if len(payment.History()) == 0 {
		payment.AppendHistory(models.PaymentStatusPending, "created", time.Now())
	}
	return r.db.WithContext(ctx).Create(payment).Error
}

// GetByID retrieves a payment by ID
func (r *paymentRepository) GetByID(ctx context.Context, id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).First(&payment, id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// SetInvoiceID stores the provider invoice reference
func (r *paymentRepository) SetInvoiceID(ctx context.Context, id uint, invoiceID string) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		Update("external_invoice_id", invoiceID).Error
}

// Complete marks the payment SUCCEEDED and grants access in one transaction
func (r *paymentRepository) Complete(ctx context.Context, id uint, chargeID string, providerPayload []byte, at time.Time) (*models.Payment, error) {
	var result *models.Payment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := lockPayment(tx, id)
		if err != nil {
			return err
		}
		if err := payment.Transition(models.PaymentStatusSucceeded, "provider confirmed payment", at); err != nil {
			return ErrStaleStatus
		}
		payment.ProviderChargeID = chargeID
		if len(providerPayload) > 0 {
			payment.ProviderPayload = datatypes.JSON(providerPayload)
		}
		if err := savePaymentTransition(tx, payment); err != nil {
			return err
		}
		if err := grantPaidAccess(tx, payment, at); err != nil {
			return err
		}
		result = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close marks the payment FAILED or CANCELLED
func (r *paymentRepository) Close(ctx context.Context, id uint, status, reason string, at time.Time) (*models.Payment, error) {
	if status != models.PaymentStatusFailed && status != models.PaymentStatusCancelled {
		return nil, models.ErrPaymentTransition
	}
	var result *models.Payment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := lockPayment(tx, id)
		if err != nil {
			return err
		}
		if err := payment.Transition(status, reason, at); err != nil {
			return ErrStaleStatus
		}
		if err := savePaymentTransition(tx, payment); err != nil {
			return err
		}
		result = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func lockPayment(tx *gorm.DB, id uint) (*models.Payment, error) {
	var payment models.Payment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, id).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// savePaymentTransition writes the new status guarded by status = pending
func savePaymentTransition(tx *gorm.DB, payment *models.Payment) error {
	res := tx.Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":             payment.Status,
			"status_history":     payment.StatusHistory,
			"provider_payload":   payment.ProviderPayload,
			"provider_charge_id": payment.ProviderChargeID,
			"failure_reason":     payment.FailureReason,
			"paid_at":            payment.PaidAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// grantPaidAccess enrolls the user in the course. A lesson purchase keeps the
// enrollment's course-wide flag untouched and opens only that lesson.
func grantPaidAccess(tx *gorm.DB, payment *models.Payment, at time.Time) error {
	paymentID := payment.ID
	enrollment := models.CourseEnrollment{
		UserID:    payment.UserID,
		CourseID:  payment.CourseID,
		HasAccess: payment.LessonID == nil,
		PaymentID: &paymentID,
		GrantedAt: at,
	}
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "course_id"}},
	}
	if payment.LessonID == nil {
		onConflict.DoUpdates = clause.AssignmentColumns([]string{"has_access", "payment_id", "granted_at", "updated_at"})
	} else {
		onConflict.DoNothing = true
	}
	if err := tx.Clauses(onConflict).Create(&enrollment).Error; err != nil {
		return err
	}
	if payment.LessonID == nil {
		return nil
	}

	lesson := models.LessonAccess{
		UserID:    payment.UserID,
		LessonID:  *payment.LessonID,
		CourseID:  payment.CourseID,
		HasAccess: true,
		PaymentID: &paymentID,
		GrantedAt: at,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "lesson_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"has_access", "payment_id", "granted_at", "updated_at"}),
	}).Create(&lesson).Error
}

// ListPendingOlderThan returns PENDING payments created before the cutoff
func (r *paymentRepository) ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.PaymentStatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

type paymentGroup struct {
	Status   string
	Currency string
	Total    int64
	Amount   int64
}

// Stats aggregates counts and revenue for a bot's course since the given time
func (r *paymentRepository) Stats(ctx context.Context, botID, courseID uint, since time.Time) (*models.PaymentStats, error) {
	stats := &models.PaymentStats{
		BotID:    botID,
		CourseID: courseID,
		Since:    since,
		Revenue:  map[string]int64{},
	}
	var rows []paymentGroup
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("status, currency, COUNT(*) AS total, COALESCE(SUM(amount), 0) AS amount").
		Where("bot_id = ? AND course_id = ? AND created_at >= ?", botID, courseID, since).
		Group("status, currency").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.TotalCount += row.Total
		switch row.Status {
		case models.PaymentStatusSucceeded:
			stats.SucceededCount += row.Total
			stats.Revenue[row.Currency] += row.Amount
		case models.PaymentStatusFailed, models.PaymentStatusCancelled:
			stats.FailedCount += row.Total
		case models.PaymentStatusPending:
			stats.PendingCount += row.Total
		}
	}
	stats.SuccessRate = models.SuccessRate(stats.SucceededCount, stats.TotalCount)
	return stats, nil
}

// IsNotFound reports whether err means the row does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
