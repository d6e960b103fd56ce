// Package webhooklog persists every inbound update before it is processed and
// tracks its outcome, so failed or interrupted updates can be replayed.
package webhooklog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/botregistry"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
)

var (
	// ErrBotNotRunning is a configuration error: the update arrived for a bot
	// with no live instance. Such events are never retried.
	ErrBotNotRunning = errors.New("bot is not running")
	// ErrDuplicateUpdate means the update id was already received for the bot.
	ErrDuplicateUpdate = errors.New("update already received")
	// ErrInvalidPayload means the body is not a decodable update.
	ErrInvalidPayload = errors.New("invalid update payload")
	// ErrSweepRunning is returned when a retry sweep is already in progress.
	ErrSweepRunning = errors.New("retry sweep already running")
)

const (
	// StuckError is stored on events recovered from PROCESSING.
	StuckError = "interrupted"
	// TimeoutError prefixes events abandoned after a timed-out platform call.
	TimeoutError = "send timed out"
)

type Options struct {
	// RetryMaxAge bounds how old a FAILED event may be to be replayed.
	RetryMaxAge time.Duration
	// RetryMaxCount is the retry ceiling, compared against retry_count.
	RetryMaxCount int
	// BatchSize caps the events one sweep touches.
	BatchSize int
	// StuckAfter is how long an event may stay PROCESSING before recovery.
	StuckAfter time.Duration
}

func OptionsFromEnv() Options {
	return Options{
		RetryMaxAge:   env.GetEnvDuration("WEBHOOK_RETRY_MAX_AGE", 24*time.Hour),
		RetryMaxCount: env.GetEnvInt("WEBHOOK_RETRY_MAX_COUNT", 5),
		BatchSize:     env.GetEnvInt("WEBHOOK_RETRY_BATCH", 100),
		StuckAfter:    env.GetEnvDuration("WEBHOOK_STUCK_AFTER", 10*time.Minute),
	}
}

func DefaultOptions() Options {
	return Options{RetryMaxAge: 24 * time.Hour, RetryMaxCount: 5, BatchSize: 100, StuckAfter: 10 * time.Minute}
}

// RetryResult summarizes one retry sweep.
type RetryResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type Service struct {
	events   repository.WebhookEventRepository
	registry *botregistry.Registry
	opts     Options
	now      func() time.Time
	sweep    sync.Mutex
}

func NewService(events repository.WebhookEventRepository, registry *botregistry.Registry, opts Options) *Service {
	return &Service{
		events:   events,
		registry: registry,
		opts:     opts,
		now:      time.Now,
	}
}

// HandleInbound records the update and dispatches it to the bot's live
// instance. The event is COMPLETED or FAILED when this returns, whatever the
// outcome. The returned error is for local tracking only; the platform is
// acknowledged regardless.
func (s *Service) HandleInbound(ctx context.Context, botID uint, raw []byte) error {
	update, err := platform.ParseUpdate(raw)
	if err != nil {
		metrics.WebhookRejectedTotal.WithLabelValues("invalid_payload").Inc()
		log.Warnf("[Webhook] bot %d: dropping undecodable update: %v", botID, err)
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	event := &models.WebhookEvent{
		BotID:            botID,
		EventType:        update.Kind(),
		ExternalUpdateID: update.ExternalID(),
		RawPayload:       datatypes.JSON(raw),
	}
	if err := s.events.Create(ctx, event); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			metrics.WebhookRejectedTotal.WithLabelValues("duplicate").Inc()
			log.Debugf("[Webhook] bot %d: update %d already received", botID, *event.ExternalUpdateID)
			return ErrDuplicateUpdate
		}
		return fmt.Errorf("persist webhook event: %w", err)
	}
	return s.process(ctx, event)
}

// process dispatches a stored event and records the outcome. Status writes
// outlive the caller's context so a cancelled request never leaves the event
// in PROCESSING.
func (s *Service) process(ctx context.Context, event *models.WebhookEvent) error {
	start := s.now()
	store := context.WithoutCancel(ctx)

	inst, ok := s.registry.Get(event.BotID)
	if !ok {
		log.Errorf("[Webhook] bot %d: update for a bot that is not running (event %d)", event.BotID, event.ID)
		if err := s.events.MarkAbandoned(store, event.ID, ErrBotNotRunning.Error(), s.opts.RetryMaxCount); err != nil {
			log.Errorf("[Webhook] event %d: failed to record status: %v", event.ID, err)
		}
		metrics.WebhookEventsTotal.WithLabelValues(event.EventType, models.WebhookStatusFailed).Inc()
		return fmt.Errorf("bot %d: %w", event.BotID, ErrBotNotRunning)
	}

	dispatchErr := inst.Dispatcher.Dispatch(ctx, event.RawPayload)
	elapsed := s.now().Sub(start)
	if errors.Is(dispatchErr, platform.ErrSendTimeout) {
		// A replay could deliver the same message or invoice twice.
		log.Errorf("[Webhook] event %d: platform call timed out, not retrying: %v", event.ID, dispatchErr)
		if err := s.events.MarkAbandoned(store, event.ID, TimeoutError+": "+dispatchErr.Error(), s.opts.RetryMaxCount); err != nil {
			log.Errorf("[Webhook] event %d: failed to record status: %v", event.ID, err)
		}
		metrics.SendTimeoutsTotal.WithLabelValues(event.EventType).Inc()
		metrics.WebhookEventsTotal.WithLabelValues(event.EventType, models.WebhookStatusFailed).Inc()
		return dispatchErr
	}
	if dispatchErr != nil {
		if err := s.events.MarkFailed(store, event.ID, dispatchErr.Error(), elapsed); err != nil {
			log.Errorf("[Webhook] event %d: failed to record failure: %v", event.ID, err)
		}
		metrics.WebhookEventsTotal.WithLabelValues(event.EventType, models.WebhookStatusFailed).Inc()
		return dispatchErr
	}
	if err := s.events.MarkCompleted(store, event.ID, elapsed); err != nil {
		log.Errorf("[Webhook] event %d: failed to record completion: %v", event.ID, err)
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues(event.EventType, models.WebhookStatusCompleted).Inc()
	return nil
}

// RetryFailed replays FAILED events inside the age window and below the retry
// ceiling, oldest first. Each replay updates the stored row in place. Events
// of bots that are not running are left alone for a later sweep.
func (s *Service) RetryFailed(ctx context.Context, botID *uint) (*RetryResult, error) {
	if !s.sweep.TryLock() {
		return nil, ErrSweepRunning
	}
	defer s.sweep.Unlock()

	since := s.now().Add(-s.opts.RetryMaxAge)
	events, err := s.events.ListRetryable(ctx, botID, since, s.opts.RetryMaxCount, s.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list retryable events: %w", err)
	}

	result := &RetryResult{}
	for i := range events {
		if ctx.Err() != nil {
			break
		}
		event := &events[i]
		if _, ok := s.registry.Get(event.BotID); !ok {
			result.Skipped++
			continue
		}
		result.Attempted++
		if err := s.process(ctx, event); err != nil {
			result.Failed++
			log.Warnf("[Webhook] retry of event %d (attempt %d) failed: %v", event.ID, event.RetryCount+1, err)
			continue
		}
		result.Succeeded++
	}
	if result.Attempted > 0 {
		log.Infof("[Webhook] retry sweep: %d attempted, %d succeeded, %d failed, %d skipped",
			result.Attempted, result.Succeeded, result.Failed, result.Skipped)
	}
	return result, nil
}

// RecoverStuck fails events left PROCESSING by a crashed process so the
// retry sweep can pick them up.
func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	events, err := s.events.ListStuck(ctx, s.now().Add(-s.opts.StuckAfter), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck events: %w", err)
	}
	recovered := 0
	for _, event := range events {
		if err := s.events.MarkFailed(ctx, event.ID, StuckError, 0); err != nil {
			if errors.Is(err, repository.ErrStaleStatus) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		log.Warnf("[Webhook] recovered %d interrupted events", recovered)
	}
	return recovered, nil
}

// GetStats counts the bot's events by status and type over the trailing window.
func (s *Service) GetStats(ctx context.Context, botID uint, window time.Duration) (*models.WebhookStats, error) {
	return s.events.Stats(ctx, botID, s.now().Add(-window))
}
