package models

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"gorm.io/datatypes"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
	PaymentStatusCancelled = "cancelled"
)

var ErrPaymentTransition = errors.New("payment status transition not allowed")

// Payment is a purchase of gated course content. Status moves out of PENDING
// exactly once; SUCCEEDED, FAILED and CANCELLED are terminal.
type Payment struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	OrderNumber       string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"order_number"`
	BotID             uint           `gorm:"not null;index" json:"bot_id"`
	UserID            uint           `gorm:"not null;index" json:"user_id"`
	ExternalUserID    int64          `gorm:"not null" json:"external_user_id"`
	ChatID            int64          `gorm:"not null" json:"chat_id"`
	CourseID          uint           `gorm:"not null;index:idx_payments_course_status,priority:1" json:"course_id"`
	LessonID          *uint          `gorm:"default:null;index" json:"lesson_id,omitempty"`
	Amount            int64          `gorm:"not null" json:"amount"`
	Currency          string         `gorm:"type:varchar(3);not null" json:"currency"`
	Description       string         `gorm:"type:varchar(255)" json:"description"`
	ExternalInvoiceID string         `gorm:"type:varchar(191);index" json:"external_invoice_id"`
	ProviderChargeID  string         `gorm:"type:varchar(191)" json:"provider_charge_id,omitempty"`
	Status            string         `gorm:"type:varchar(16);not null;default:'pending';index:idx_payments_course_status,priority:2" json:"status"`
	StatusHistory     datatypes.JSON `gorm:"type:json" json:"status_history"`
	ProviderPayload   datatypes.JSON `gorm:"type:json" json:"provider_payload,omitempty"`
	FailureReason     string         `gorm:"type:text" json:"failure_reason,omitempty"`
	PaidAt            *time.Time     `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentStatusChange is one entry of the append-only status history.
type PaymentStatusChange struct {
	Status string    `json:"status"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (p *Payment) IsTerminal() bool {
	return p.Status != PaymentStatusPending
}

// CanTransition reports whether the payment may move to next.
func (p *Payment) CanTransition(next string) bool {
	if p.Status != PaymentStatusPending {
		return false
	}
	switch next {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

func (p *Payment) History() []PaymentStatusChange {
	var h []PaymentStatusChange
	if len(p.StatusHistory) > 0 {
		_ = json.Unmarshal(p.StatusHistory, &h)
	}
	return h
}

// AppendHistory records a status change without touching Status.
func (p *Payment) AppendHistory(status, reason string, at time.Time) {
	h := append(p.History(), PaymentStatusChange{Status: status, Reason: reason, At: at})
	data, _ := json.Marshal(h)
	p.StatusHistory = datatypes.JSON(data)
}

// Transition moves a PENDING payment to a terminal status and appends history.
func (p *Payment) Transition(next, reason string, at time.Time) error {
	if !p.CanTransition(next) {
		return ErrPaymentTransition
	}
	p.Status = next
	p.AppendHistory(next, reason, at)
	switch next {
	case PaymentStatusSucceeded:
		p.PaidAt = &at
	case PaymentStatusFailed, PaymentStatusCancelled:
		p.FailureReason = reason
	}
	return nil
}

// PaymentStats aggregates payments of one bot over a trailing period.
type PaymentStats struct {
	BotID          uint             `json:"bot_id"`
	CourseID       uint             `json:"course_id"`
	Since          time.Time        `json:"since"`
	TotalCount     int64            `json:"total_count"`
	SucceededCount int64            `json:"succeeded_count"`
	FailedCount    int64            `json:"failed_count"`
	PendingCount   int64            `json:"pending_count"`
	Revenue        map[string]int64 `json:"revenue"`
	SuccessRate    float64          `json:"success_rate"`
}

// SuccessRate returns succeeded/total as a percentage rounded to two decimals.
func SuccessRate(succeeded, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(succeeded)/float64(total)*10000) / 100
}
