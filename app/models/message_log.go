package models

import "time"

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MessageLog is the append-only audit trail, one row per handled update.
type MessageLog struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	BotID            uint      `gorm:"not null;index:idx_message_logs_bot_created,priority:1" json:"bot_id"`
	ExternalUserID   int64     `gorm:"not null;index" json:"external_user_id"`
	Direction        string    `gorm:"type:varchar(10);not null" json:"direction"`
	ActionType       string    `gorm:"type:varchar(64);not null;index" json:"action_type"`
	ProcessingTimeMs int64     `gorm:"not null;default:0" json:"processing_time_ms"`
	Success          bool      `gorm:"not null;default:true" json:"success"`
	Error            string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt        time.Time `gorm:"autoCreateTime;index:idx_message_logs_bot_created,priority:2" json:"created_at"`
}

// BotAnalytics summarizes tenant activity for the admin boundary.
type BotAnalytics struct {
	BotID          uint             `json:"bot_id"`
	Since          time.Time        `json:"since"`
	TotalUsers     int64            `json:"total_users"`
	ActiveUsers    int64            `json:"active_users"`
	Messages       int64            `json:"messages"`
	FailedMessages int64            `json:"failed_messages"`
	ByAction       map[string]int64 `json:"by_action"`
	AvgLatencyMs   float64          `json:"avg_latency_ms"`
}
