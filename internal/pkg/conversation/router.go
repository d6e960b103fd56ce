// Package conversation maps inbound updates to session handlers. The
// handler code is shared; each tenant gets its own Dispatcher bound to its
// connection and configuration.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/keylock"
	"github.com/ManuelReschke/CourseFox/internal/pkg/learning"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
	"github.com/gofiber/fiber/v2/log"
)

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("handler panicked")

type userKey struct {
	botID  uint
	userID int64
}

// Router holds the collaborators shared by every tenant's dispatcher.
type Router struct {
	users    repository.BotUserRepository
	logs     repository.MessageLogRepository
	learning *learning.Service
	payments *billing.Service
	locks    *keylock.Locker[userKey]
	pick     func(n int) int
}

func NewRouter(repos *repository.Repositories, learningSvc *learning.Service, payments *billing.Service) *Router {
	return &Router{
		users:    repos.BotUser,
		logs:     repos.MessageLog,
		learning: learningSvc,
		payments: payments,
		locks:    keylock.New[userKey](),
		pick:     rand.Intn,
	}
}

// Dispatcher is one tenant's dispatch table.
type Dispatcher struct {
	router *Router
	bot    platform.Bot
	config *models.BotConfig
	routes []route
}

// Build creates the dispatch table for a tenant connection.
func (r *Router) Build(config *models.BotConfig, bot platform.Bot) *Dispatcher {
	d := &Dispatcher{router: r, bot: bot, config: config}
	d.routes = d.table()
	return d
}

// Dispatch handles one raw update end to end. Updates from the same user
// of this bot are serialized. A failing handler leaves the session as is,
// the user gets an apology and the error is returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	u, err := platform.ParseUpdate(raw)
	if err != nil {
		return err
	}
	from := u.Sender()
	if from == nil {
		log.Debugf("[Router] bot %d: ignoring %s update without sender", d.config.ID, u.Kind())
		return nil
	}
	rt, args := d.resolve(u)

	unlock, err := d.router.locks.Lock(ctx, userKey{botID: d.config.ID, userID: from.ID})
	if err != nil {
		return err
	}
	defer unlock()

	timer := metrics.NewTimer()
	err = d.run(ctx, u, rt, args)
	elapsed := timer.ObserveDuration(metrics.DispatchDuration.WithLabelValues(rt.action))
	metrics.DispatchTotal.WithLabelValues(rt.action, metrics.Result(err)).Inc()

	entry := &models.MessageLog{
		BotID:            d.config.ID,
		ExternalUserID:   from.ID,
		Direction:        models.DirectionInbound,
		ActionType:       rt.action,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Success:          err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := d.router.logs.Append(ctx, entry); logErr != nil {
		log.Warnf("[Router] message log for bot %d failed: %v", d.config.ID, logErr)
	}

	if err != nil {
		log.Errorf("[Router] bot %d user %d action %s failed: %v", d.config.ID, from.ID, rt.action, err)
		// After a timeout the user may already have the reply.
		if chatID := u.ChatID(); chatID != 0 && !errors.Is(err, platform.ErrSendTimeout) {
			if sendErr := d.bot.SendMessage(ctx, chatID, render.Apology(d.router.pick(render.ApologyCount()))); sendErr != nil {
				log.Warnf("[Router] apology to user %d failed: %v", from.ID, sendErr)
			}
		}
	}
	return err
}

func (d *Dispatcher) run(ctx context.Context, u *platform.Update, rt route, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Router] panic in %s: %v\n%s", rt.action, r, debug.Stack())
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	from := u.Sender()
	chatID := u.ChatID()
	user, created, err := d.router.users.GetOrCreate(ctx, &models.BotUser{
		BotID:          d.config.ID,
		ExternalUserID: from.ID,
		ChatID:         chatID,
		Username:       from.UserName,
		FirstName:      from.FirstName,
		LastName:       from.LastName,
		LanguageCode:   from.LanguageCode,
	})
	if err != nil {
		return fmt.Errorf("load bot user: %w", err)
	}
	if touchErr := d.router.users.Touch(ctx, user); touchErr != nil {
		log.Warnf("[Router] interaction counters for user %d failed: %v", user.ID, touchErr)
	}

	if u.CallbackQuery != nil {
		if ackErr := d.bot.AnswerCallback(ctx, u.CallbackQuery.ID, ""); ackErr != nil {
			log.Warnf("[Router] ack callback for bot %d failed: %v", d.config.ID, ackErr)
		}
	}

	s := &learning.Session{Bot: d.bot, Config: d.config, User: user, ChatID: chatID, Created: created}
	return rt.handle(ctx, s, u, args)
}
