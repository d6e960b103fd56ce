package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
)

const (
	EventTypeMessage       = "message"
	EventTypeCommand       = "command"
	EventTypeCallbackQuery = "callback_query"
	EventTypePreCheckout   = "pre_checkout_query"
	EventTypePayment       = "successful_payment"
	EventTypeWebAppData    = "web_app_data"
	EventTypeMedia         = "media"
	EventTypeUnknown       = "unknown"
)

// WebhookEvent is the durable record of one inbound platform update.
// ExternalUpdateID is nullable so updates without an id never collide on the
// (bot_id, external_update_id) unique index.
type WebhookEvent struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	BotID            uint           `gorm:"not null;index:ux_webhook_events_bot_update,unique,priority:1;index:idx_webhook_events_bot_status,priority:1" json:"bot_id"`
	EventType        string         `gorm:"type:varchar(32);not null;index" json:"event_type"`
	ExternalUpdateID *int64         `gorm:"default:null;index:ux_webhook_events_bot_update,unique,priority:2" json:"external_update_id,omitempty"`
	RawPayload       datatypes.JSON `gorm:"type:json;not null" json:"raw_payload"`
	Status           string         `gorm:"type:varchar(16);not null;default:'processing';index:idx_webhook_events_bot_status,priority:2" json:"status"`
	RetryCount       int            `gorm:"not null;default:0" json:"retry_count"`
	ProcessingTimeMs int64          `gorm:"not null;default:0" json:"processing_time_ms"`
	Error            string         `gorm:"type:text" json:"error,omitempty"`
	ProcessedAt      *time.Time     `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// CanMoveTo reports whether the event may leave its current status for next.
// COMPLETED is terminal and nothing goes back to PROCESSING.
func (e *WebhookEvent) CanMoveTo(next string) bool {
	switch e.Status {
	case WebhookStatusProcessing, WebhookStatusFailed:
		return next == WebhookStatusCompleted || next == WebhookStatusFailed
	default:
		return false
	}
}

// WebhookStats aggregates events over a trailing window.
type WebhookStats struct {
	BotID    uint             `json:"bot_id"`
	Since    time.Time        `json:"since"`
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByType   map[string]int64 `json:"by_type"`
}
