// Package platform is the boundary to the messaging platform. Bot is one
// tenant's live connection; Connector opens connections from credentials.
package platform

import (
	"context"
	"errors"

	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
)

var (
	// ErrSendTimeout marks a call whose outcome is unknown. It is never retried.
	ErrSendTimeout = errors.New("platform call timed out")
	// ErrUnauthorized is returned by Connect for a rejected credential.
	ErrUnauthorized = errors.New("platform rejected bot credential")
)

// Command is one entry of the bot command menu.
type Command struct {
	Command     string
	Description string
}

// DefaultCommands is the command set registered for every tenant.
var DefaultCommands = []Command{
	{Command: "start", Description: "Start or resume the course"},
	{Command: "courses", Description: "List all lessons"},
	{Command: "progress", Description: "Show your progress"},
	{Command: "help", Description: "How to use this bot"},
}

// Invoice is a hosted payment request. Amounts are minor units.
type Invoice struct {
	ChatID         int64
	Title          string
	Description    string
	Payload        string
	ProviderToken  string
	StartParameter string
	Currency       string
	Prices         []LabeledPrice
}

type LabeledPrice struct {
	Label  string
	Amount int64
}

type WebhookInfo struct {
	URL                string `json:"url"`
	PendingUpdateCount int    `json:"pending_update_count"`
	LastErrorDate      int64  `json:"last_error_date,omitempty"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}

// UpdateSink receives raw updates from a polling connection.
type UpdateSink func(ctx context.Context, raw []byte)

// Bot is a live, authenticated tenant connection.
type Bot interface {
	Username() string
	SetCommands(ctx context.Context, commands []Command) error
	SendMessage(ctx context.Context, chatID int64, msg render.Message) error
	// SendInvoice returns the provider reference of the sent invoice.
	SendInvoice(ctx context.Context, invoice Invoice) (string, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error
	SetWebhook(ctx context.Context, url, secretToken string) error
	DeleteWebhook(ctx context.Context) error
	WebhookInfo(ctx context.Context) (*WebhookInfo, error)
	// StartPolling receives updates in the background until Close.
	StartPolling(ctx context.Context, sink UpdateSink) error
	Close() error
}

// Connector opens bot connections.
type Connector interface {
	Connect(ctx context.Context, token string) (Bot, error)
}
