// Package platformtest provides recording fakes for platform.Bot and platform.Connector.
package platformtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
)

// Sent is one recorded outgoing message.
type Sent struct {
	ChatID  int64
	Message render.Message
}

// Bot records every call. Set SendErr to make SendMessage fail.
type Bot struct {
	mu sync.Mutex

	Name          string
	Commands      []platform.Command
	Messages      []Sent
	Invoices      []platform.Invoice
	Callbacks     []string
	PreCheckouts  []PreCheckoutAnswer
	WebhookURL    string
	WebhookSecret string
	Polling       bool
	Sink          platform.UpdateSink
	Closed        bool

	SendErr    error
	InvoiceErr error
	// PreCheckoutErr is returned by AnswerPreCheckout after recording it.
	PreCheckoutErr error

	invoiceSeq int
}

type PreCheckoutAnswer struct {
	QueryID string
	OK      bool
	Error   string
}

func NewBot(name string) *Bot {
	return &Bot{Name: name}
}

func (b *Bot) Username() string { return b.Name }

func (b *Bot) SetCommands(_ context.Context, commands []platform.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Commands = append([]platform.Command(nil), commands...)
	return nil
}

func (b *Bot) SendMessage(_ context.Context, chatID int64, msg render.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	b.Messages = append(b.Messages, Sent{ChatID: chatID, Message: msg})
	return nil
}

func (b *Bot) SendInvoice(_ context.Context, invoice platform.Invoice) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.InvoiceErr != nil {
		return "", b.InvoiceErr
	}
	b.invoiceSeq++
	b.Invoices = append(b.Invoices, invoice)
	return fmt.Sprintf("%d:%d", invoice.ChatID, b.invoiceSeq), nil
}

func (b *Bot) AnswerCallback(_ context.Context, callbackID, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Callbacks = append(b.Callbacks, callbackID)
	return nil
}

func (b *Bot) AnswerPreCheckout(_ context.Context, queryID string, ok bool, errorMessage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PreCheckouts = append(b.PreCheckouts, PreCheckoutAnswer{QueryID: queryID, OK: ok, Error: errorMessage})
	return b.PreCheckoutErr
}

func (b *Bot) SetWebhook(_ context.Context, url, secretToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.WebhookURL = url
	b.WebhookSecret = secretToken
	return nil
}

func (b *Bot) DeleteWebhook(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.WebhookURL = ""
	b.WebhookSecret = ""
	return nil
}

func (b *Bot) WebhookInfo(_ context.Context) (*platform.WebhookInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &platform.WebhookInfo{URL: b.WebhookURL}, nil
}

func (b *Bot) StartPolling(_ context.Context, sink platform.UpdateSink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Polling {
		return errors.New("polling already started")
	}
	b.Polling = true
	b.Sink = sink
	return nil
}

// Deliver pushes a raw update through the polling sink.
func (b *Bot) Deliver(ctx context.Context, raw []byte) {
	b.mu.Lock()
	sink := b.Sink
	b.mu.Unlock()
	if sink != nil {
		sink(ctx, raw)
	}
}

func (b *Bot) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	b.Polling = false
	return nil
}

// SentMessages returns a copy of recorded messages.
func (b *Bot) SentMessages() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.Messages...)
}

// LastText returns the text of the most recent message, or "".
func (b *Bot) LastText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Messages) == 0 {
		return ""
	}
	return b.Messages[len(b.Messages)-1].Message.Text
}

// SentInvoices returns a copy of recorded invoices.
func (b *Bot) SentInvoices() []platform.Invoice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]platform.Invoice(nil), b.Invoices...)
}

func (b *Bot) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Closed
}

// Connector hands out fake bots. Tokens listed in Reject fail with
// platform.ErrUnauthorized.
type Connector struct {
	mu sync.Mutex

	Reject map[string]bool
	Opened []*Bot
}

func NewConnector() *Connector {
	return &Connector{Reject: map[string]bool{}}
}

func (c *Connector) Connect(_ context.Context, token string) (platform.Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Reject[token] {
		return nil, platform.ErrUnauthorized
	}
	bot := NewBot(fmt.Sprintf("bot%d", len(c.Opened)+1))
	c.Opened = append(c.Opened, bot)
	return bot, nil
}

// Last returns the most recently opened bot.
func (c *Connector) Last() *Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Opened) == 0 {
		return nil
	}
	return c.Opened[len(c.Opened)-1]
}

// Live returns the bots that were opened and not closed.
func (c *Connector) Live() []*Bot {
	c.mu.Lock()
	opened := append([]*Bot(nil), c.Opened...)
	c.mu.Unlock()
	var out []*Bot
	for _, b := range opened {
		if !b.IsClosed() {
			out = append(out, b)
		}
	}
	return out
}
