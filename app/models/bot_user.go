package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// BotUser is the per (bot, external user) learning session.
type BotUser struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	BotID             uint           `gorm:"not null;index:ux_bot_users_bot_external,unique,priority:1" json:"bot_id"`
	ExternalUserID    int64          `gorm:"not null;index:ux_bot_users_bot_external,unique,priority:2" json:"external_user_id"`
	ChatID            int64          `gorm:"not null" json:"chat_id"`
	Username          string         `gorm:"type:varchar(64)" json:"username"`
	FirstName         string         `gorm:"type:varchar(128)" json:"first_name"`
	LastName          string         `gorm:"type:varchar(128)" json:"last_name"`
	LanguageCode      string         `gorm:"type:varchar(8)" json:"language_code"`
	CurrentStepID     *uint          `gorm:"default:null" json:"current_step_id,omitempty"`
	SessionState      datatypes.JSON `gorm:"type:json" json:"session_state"`
	MessageCount      int            `gorm:"not null;default:0" json:"message_count"`
	LastInteractionAt *time.Time     `gorm:"type:timestamp;default:null;index" json:"last_interaction_at,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionState is the scratch data kept between updates.
type SessionState struct {
	QuizStepID      uint   `json:"quiz_step_id,omitempty"`
	QuestionIndex   int    `json:"question_index,omitempty"`
	CorrectAnswers  int    `json:"correct_answers,omitempty"`
	AwaitingStepID  uint   `json:"awaiting_step_id,omitempty"`
	PendingPayment  uint   `json:"pending_payment,omitempty"`
	LastAction      string `json:"last_action,omitempty"`
	DeepLinkPayload string `json:"deep_link_payload,omitempty"`
}

func (u *BotUser) GetSession() SessionState {
	var s SessionState
	if len(u.SessionState) > 0 {
		_ = json.Unmarshal(u.SessionState, &s)
	}
	return s
}

func (u *BotUser) SetSession(s SessionState) {
	data, _ := json.Marshal(s)
	u.SessionState = datatypes.JSON(data)
}

func (u *BotUser) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Username != "" {
		return u.Username
	}
	return "there"
}
