package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/time/rate"
)

const (
	defaultSendTimeout  = 10 * time.Second
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 500 * time.Millisecond
	pollTimeoutSeconds  = 25
)

// AllowedUpdates restricts the update types the platform pushes to us.
var AllowedUpdates = []string{"message", "callback_query", "pre_checkout_query"}

// TelegramConnector opens Bot API connections.
type TelegramConnector struct {
	Endpoint      string
	SendTimeout   time.Duration
	RatePerSecond float64
	MaxAttempts   int
	RetryBackoff  time.Duration
	// PollWorkers bounds concurrent update handling in polling mode.
	PollWorkers int
}

func NewTelegramConnectorFromEnv() *TelegramConnector {
	return &TelegramConnector{
		Endpoint:      env.GetEnv("TELEGRAM_API_ENDPOINT", tgbotapi.APIEndpoint),
		SendTimeout:   env.GetEnvDuration("TELEGRAM_SEND_TIMEOUT", defaultSendTimeout),
		RatePerSecond: env.GetEnvFloat("TELEGRAM_RATE_PER_SECOND", 25),
		MaxAttempts:   env.GetEnvInt("TELEGRAM_SEND_ATTEMPTS", defaultMaxAttempts),
		RetryBackoff:  defaultRetryBackoff,
		PollWorkers:   env.GetEnvInt("TELEGRAM_POLL_WORKERS", defaultPollWorkers),
	}
}

// Connect authenticates the token (getMe) and returns a live bot.
func (c *TelegramConnector) Connect(ctx context.Context, token string) (Bot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := c.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
		return nil, err
	}

	// Long polling needs a client that outlives the poll timeout.
	pollAPI := *api
	pollAPI.Client = &http.Client{Timeout: (pollTimeoutSeconds + 10) * time.Second}

	limit := rate.Limit(c.RatePerSecond)
	if c.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := c.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &telegramBot{
		api:      api,
		pollAPI:  &pollAPI,
		limiter:  rate.NewLimiter(limit, 1),
		attempts: attempts,
		backoff:  backoff,
		workers:  c.PollWorkers,
	}, nil
}

type telegramBot struct {
	api      *tgbotapi.BotAPI
	pollAPI  *tgbotapi.BotAPI
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
	workers  int

	mu         sync.Mutex
	stopPoll   context.CancelFunc
	pollDone   chan struct{}
	fanout     *pollFanout
	closedOnce sync.Once
}

func (b *telegramBot) Username() string {
	return b.api.Self.UserName
}

// call runs fn under the rate limiter and retries transient failures with
// exponential backoff. Timeouts are returned as ErrSendTimeout immediately.
func (b *telegramBot) call(ctx context.Context, op string, fn func() error) error {
	wait := b.backoff
	for attempt := 1; ; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if IsTimeout(err) {
			log.Errorf("[Platform] %s timed out for @%s, not retrying: %v", op, b.Username(), err)
			return fmt.Errorf("%w: %s: %v", ErrSendTimeout, op, err)
		}
		if !IsTransient(err) || attempt >= b.attempts {
			return fmt.Errorf("%s: %w", op, err)
		}
		delay := wait
		if ra := RetryAfter(err); ra > 0 {
			delay = ra
		}
		log.Warnf("[Platform] %s failed for @%s (attempt %d/%d), retrying in %s: %v", op, b.Username(), attempt, b.attempts, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
}

func (b *telegramBot) SetCommands(ctx context.Context, commands []Command) error {
	cmds := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, c := range commands {
		cmds = append(cmds, tgbotapi.BotCommand{Command: c.Command, Description: c.Description})
	}
	return b.call(ctx, "setMyCommands", func() error {
		_, err := b.api.Request(tgbotapi.NewSetMyCommands(cmds...))
		return err
	})
}

func inlineKeyboard(rows [][]render.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			switch {
			case btn.Pay:
				btns = append(btns, tgbotapi.InlineKeyboardButton{Text: btn.Text, Pay: true})
			case btn.URL != "":
				btns = append(btns, tgbotapi.NewInlineKeyboardButtonURL(btn.Text, btn.URL))
			default:
				btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.CallbackData))
			}
		}
		if len(btns) > 0 {
			out = append(out, btns)
		}
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &markup
}

func (b *telegramBot) SendMessage(ctx context.Context, chatID int64, msg render.Message) error {
	var chattable tgbotapi.Chattable
	kb := inlineKeyboard(msg.Keyboard)
	if msg.VideoURL != "" {
		video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(msg.VideoURL))
		video.Caption = msg.Text
		if kb != nil {
			video.ReplyMarkup = *kb
		}
		chattable = video
	} else {
		m := tgbotapi.NewMessage(chatID, msg.Text)
		if kb != nil {
			m.ReplyMarkup = *kb
		}
		chattable = m
	}
	return b.call(ctx, "sendMessage", func() error {
		_, err := b.api.Send(chattable)
		return err
	})
}

func (b *telegramBot) SendInvoice(ctx context.Context, inv Invoice) (string, error) {
	prices := make([]tgbotapi.LabeledPrice, 0, len(inv.Prices))
	for _, p := range inv.Prices {
		prices = append(prices, tgbotapi.LabeledPrice{Label: p.Label, Amount: int(p.Amount)})
	}
	cfg := tgbotapi.NewInvoice(inv.ChatID, inv.Title, inv.Description, inv.Payload, inv.ProviderToken, inv.StartParameter, inv.Currency, prices)
	// A nil slice is encoded as null, which the Bot API rejects.
	cfg.SuggestedTipAmounts = []int{}

	var sent tgbotapi.Message
	err := b.call(ctx, "sendInvoice", func() error {
		var err error
		sent, err = b.api.Send(cfg)
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", inv.ChatID, sent.MessageID), nil
}

func (b *telegramBot) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return b.call(ctx, "answerCallbackQuery", func() error {
		_, err := b.api.Request(tgbotapi.NewCallback(callbackID, text))
		return err
	})
}

func (b *telegramBot) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	cfg := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: queryID, OK: ok}
	if !ok {
		cfg.ErrorMessage = errorMessage
	}
	return b.call(ctx, "answerPreCheckoutQuery", func() error {
		_, err := b.api.Request(cfg)
		return err
	})
}

func (b *telegramBot) SetWebhook(ctx context.Context, url, secretToken string) error {
	allowed, _ := json.Marshal(AllowedUpdates)
	params := tgbotapi.Params{"url": url, "allowed_updates": string(allowed)}
	params.AddNonEmpty("secret_token", secretToken)
	return b.call(ctx, "setWebhook", func() error {
		_, err := b.api.MakeRequest("setWebhook", params)
		return err
	})
}

func (b *telegramBot) DeleteWebhook(ctx context.Context) error {
	return b.call(ctx, "deleteWebhook", func() error {
		_, err := b.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: false})
		return err
	})
}

func (b *telegramBot) WebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info tgbotapi.WebhookInfo
	err := b.call(ctx, "getWebhookInfo", func() error {
		var err error
		info, err = b.api.GetWebhookInfo()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &WebhookInfo{
		URL:                info.URL,
		PendingUpdateCount: info.PendingUpdateCount,
		LastErrorDate:      int64(info.LastErrorDate),
		LastErrorMessage:   info.LastErrorMessage,
	}, nil
}

// StartPolling long-polls getUpdates and hands each raw update to sink.
// Different senders are handled concurrently, one sender's updates in order.
// Raw payloads are kept so fields the client library does not model
// survive into the durability log.
func (b *telegramBot) StartPolling(ctx context.Context, sink UpdateSink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopPoll != nil {
		return errors.New("polling already started")
	}
	if err := b.DeleteWebhook(ctx); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	b.stopPoll = cancel
	b.pollDone = make(chan struct{})
	b.fanout = newPollFanout(sink, b.workers)
	go b.pollLoop(pollCtx, b.fanout, b.pollDone)
	return nil
}

func (b *telegramBot) pollLoop(ctx context.Context, fanout *pollFanout, done chan struct{}) {
	defer close(done)
	allowed, _ := json.Marshal(AllowedUpdates)
	offset := 0
	for {
		if ctx.Err() != nil {
			return
		}
		params := tgbotapi.Params{
			"offset":          strconv.Itoa(offset),
			"timeout":         strconv.Itoa(pollTimeoutSeconds),
			"allowed_updates": string(allowed),
		}
		resp, err := b.pollAPI.MakeRequest("getUpdates", params)
		if err != nil {
			log.Warnf("[Platform] getUpdates for @%s failed: %v", b.Username(), err)
			delay := 3 * time.Second
			if ra := RetryAfter(err); ra > 0 {
				delay = ra
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		var raws []json.RawMessage
		if err := json.Unmarshal(resp.Result, &raws); err != nil {
			log.Errorf("[Platform] getUpdates for @%s returned invalid payload: %v", b.Username(), err)
			continue
		}
		for _, raw := range raws {
			var head struct {
				UpdateID int `json:"update_id"`
			}
			if err := json.Unmarshal(raw, &head); err == nil && head.UpdateID >= offset {
				offset = head.UpdateID + 1
			}
			if ctx.Err() != nil {
				return
			}
			fanout.dispatch(ctx, raw)
		}
	}
}

func (b *telegramBot) Close() error {
	b.closedOnce.Do(func() {
		b.mu.Lock()
		cancel, done, fanout := b.stopPoll, b.pollDone, b.fanout
		b.mu.Unlock()
		if cancel != nil {
			cancel()
			// An in-flight long poll ends at the next poll timeout at the latest.
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			fanout.wait()
		}
	})
	return nil
}

// IsTimeout reports a call whose delivery state is unknown.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrSendTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTransient reports platform 5xx, rate limiting and connection failures.
func IsTransient(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryAfter returns the server requested delay for 429 responses.
func RetryAfter(err error) time.Duration {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}
