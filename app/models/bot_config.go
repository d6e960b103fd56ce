package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	UpdateModeWebhook = "webhook"
	UpdateModePolling = "polling"
)

// BotConfig binds one course to one messaging platform bot (a tenant).
type BotConfig struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	CourseID   uint           `gorm:"not null;index" json:"course_id" validate:"required"`
	Name       string         `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=2,max=150"`
	Token      string         `gorm:"type:varchar(100);not null;uniqueIndex" json:"-" validate:"required,min=20,max=100,contains=:"`
	Username   string         `gorm:"type:varchar(64)" json:"username"`
	UpdateMode string         `gorm:"type:varchar(16);not null;default:'webhook'" json:"update_mode" validate:"omitempty,oneof=webhook polling"`
	WebhookURL string         `gorm:"type:varchar(512)" json:"webhook_url" validate:"omitempty,url,max=512"`
	Settings   datatypes.JSON `gorm:"type:json" json:"settings"`
	IsActive   bool           `gorm:"default:false;index" json:"is_active"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// BotSettings is the structured form of BotConfig.Settings.
type BotSettings struct {
	WelcomeMessage       string `json:"welcome_message,omitempty" validate:"max=2000"`
	PaymentProviderToken string `json:"payment_provider_token,omitempty" validate:"max=255"`
	Currency             string `json:"currency,omitempty" validate:"omitempty,len=3"`
	SupportContact       string `json:"support_contact,omitempty" validate:"max=255"`
	Language             string `json:"language,omitempty" validate:"omitempty,min=2,max=8"`
}

func (b *BotConfig) Validate() error {
	v := validator.New()
	if err := v.Struct(b); err != nil {
		return err
	}
	s := b.GetSettings()
	return v.Struct(&s)
}

// GetSettings decodes the settings blob. Broken or empty blobs yield defaults.
func (b *BotConfig) GetSettings() BotSettings {
	var s BotSettings
	if len(b.Settings) > 0 {
		_ = json.Unmarshal(b.Settings, &s)
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	s.Currency = strings.ToUpper(s.Currency)
	return s
}

func (b *BotConfig) SetSettings(s BotSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	b.Settings = datatypes.JSON(data)
	return nil
}

// EffectiveUpdateMode falls back to the process default when the bot has none.
func (b *BotConfig) EffectiveUpdateMode(def string) string {
	switch b.UpdateMode {
	case UpdateModeWebhook, UpdateModePolling:
		return b.UpdateMode
	}
	if def == UpdateModePolling {
		return UpdateModePolling
	}
	return UpdateModeWebhook
}
