package platform

import (
	"encoding/json"
	"fmt"

	"github.com/ManuelReschke/CourseFox/app/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// WebAppData is the payload sent by an embedded web app.
type WebAppData struct {
	Data       string `json:"data"`
	ButtonText string `json:"button_text"`
}

// Update is a decoded inbound update plus the fields the client library
// does not model.
type Update struct {
	tgbotapi.Update
	WebAppData *WebAppData
	// HasUpdateID is false when the payload carried no update_id.
	HasUpdateID bool
}

type rawExtras struct {
	UpdateID *int64 `json:"update_id"`
	Message  *struct {
		WebAppData *WebAppData `json:"web_app_data"`
	} `json:"message"`
}

// ParseUpdate decodes a raw update body.
func ParseUpdate(raw []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u.Update); err != nil {
		return nil, fmt.Errorf("invalid update payload: %w", err)
	}
	var extras rawExtras
	if err := json.Unmarshal(raw, &extras); err != nil {
		return nil, fmt.Errorf("invalid update payload: %w", err)
	}
	u.HasUpdateID = extras.UpdateID != nil
	if extras.Message != nil {
		u.WebAppData = extras.Message.WebAppData
	}
	return &u, nil
}

// ExternalID returns the platform update id, or nil when absent.
func (u *Update) ExternalID() *int64 {
	if !u.HasUpdateID {
		return nil
	}
	id := int64(u.UpdateID)
	return &id
}

// Kind classifies the update into one of the webhook event types.
func (u *Update) Kind() string {
	switch {
	case u.PreCheckoutQuery != nil:
		return models.EventTypePreCheckout
	case u.CallbackQuery != nil:
		return models.EventTypeCallbackQuery
	case u.Message != nil:
		m := u.Message
		switch {
		case m.SuccessfulPayment != nil:
			return models.EventTypePayment
		case u.WebAppData != nil:
			return models.EventTypeWebAppData
		case m.IsCommand():
			return models.EventTypeCommand
		case len(m.Photo) > 0 || m.Document != nil:
			return models.EventTypeMedia
		case m.Text != "":
			return models.EventTypeMessage
		}
	}
	return models.EventTypeUnknown
}

// Sender returns the user that caused the update.
func (u *Update) Sender() *tgbotapi.User {
	switch {
	case u.Message != nil:
		return u.Message.From
	case u.CallbackQuery != nil:
		return u.CallbackQuery.From
	case u.PreCheckoutQuery != nil:
		return u.PreCheckoutQuery.From
	}
	return nil
}

// ChatID returns the chat replies go to. Private chats share the user id.
func (u *Update) ChatID() int64 {
	switch {
	case u.Message != nil && u.Message.Chat != nil:
		return u.Message.Chat.ID
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil && u.CallbackQuery.Message.Chat != nil:
		return u.CallbackQuery.Message.Chat.ID
	}
	if from := u.Sender(); from != nil {
		return from.ID
	}
	return 0
}
