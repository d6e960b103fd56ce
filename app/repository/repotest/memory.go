// Package repotest provides in-memory repositories for package tests.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store keeps every table in memory behind one mutex.
type Store struct {
	mu sync.Mutex

	nextID      uint
	bots        map[uint]*models.BotConfig
	deletedBots map[uint]bool
	users       map[uint]*models.BotUser
	events      map[uint]*models.WebhookEvent
	payments    map[uint]*models.Payment
	enrollments map[[2]uint]*models.CourseEnrollment
	lessons     map[[2]uint]*models.LessonAccess
	logs        []models.MessageLog
}

func New() *Store {
	return &Store{
		bots:        map[uint]*models.BotConfig{},
		deletedBots: map[uint]bool{},
		users:       map[uint]*models.BotUser{},
		events:      map[uint]*models.WebhookEvent{},
		payments:    map[uint]*models.Payment{},
		enrollments: map[[2]uint]*models.CourseEnrollment{},
		lessons:     map[[2]uint]*models.LessonAccess{},
	}
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Bot:        botRepo{s},
		BotUser:    botUserRepo{s},
		Webhook:    webhookRepo{s},
		Payment:    paymentRepo{s},
		Access:     accessRepo{s},
		MessageLog: messageLogRepo{s},
	}
}

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

// Events returns a snapshot of all webhook events ordered by id.
func (s *Store) Events() []models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Users returns a snapshot of all bot users.
func (s *Store) Users() []models.BotUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.BotUser, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Logs returns a snapshot of the message log.
func (s *Store) Logs() []models.MessageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MessageLog(nil), s.logs...)
}

// AccessRows returns the number of enrollment and lesson grant rows.
func (s *Store) AccessRows() (enrollments, lessons int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enrollments), len(s.lessons)
}

// SetEventCreatedAt backdates an event for age window tests.
func (s *Store) SetEventCreatedAt(id uint, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.events[id]; ok {
		e.CreatedAt = at
		e.UpdatedAt = at
	}
}

// SetPaymentCreatedAt backdates a payment for expiry tests.
func (s *Store) SetPaymentCreatedAt(id uint, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[id]; ok {
		p.CreatedAt = at
	}
}

type botRepo struct{ s *Store }

func (r botRepo) Create(_ context.Context, bot *models.BotConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, b := range r.s.bots {
		if b.Token == bot.Token && !r.s.deletedBots[id] {
			return gorm.ErrDuplicatedKey
		}
	}
	bot.ID = r.s.id()
	bot.CreatedAt = time.Now()
	bot.UpdatedAt = bot.CreatedAt
	cp := *bot
	r.s.bots[bot.ID] = &cp
	return nil
}

func (r botRepo) GetByID(_ context.Context, id uint) (*models.BotConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bots[id]
	if !ok || r.s.deletedBots[id] {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *b
	return &cp, nil
}

func (r botRepo) GetActiveByID(ctx context.Context, id uint) (*models.BotConfig, error) {
	b, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.IsActive {
		return nil, gorm.ErrRecordNotFound
	}
	return b, nil
}

func (r botRepo) all(filter func(*models.BotConfig) bool) []models.BotConfig {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.BotConfig
	for id, b := range r.s.bots {
		if r.s.deletedBots[id] || !filter(b) {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r botRepo) List(_ context.Context, offset, limit int) ([]models.BotConfig, error) {
	out := r.all(func(*models.BotConfig) bool { return true })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r botRepo) ListActive(_ context.Context) ([]models.BotConfig, error) {
	return r.all(func(b *models.BotConfig) bool { return b.IsActive }), nil
}

func (r botRepo) Update(_ context.Context, bot *models.BotConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.bots[bot.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	bot.UpdatedAt = time.Now()
	cp := *bot
	r.s.bots[bot.ID] = &cp
	return nil
}

func (r botRepo) SetActive(_ context.Context, id uint, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bots[id]
	if !ok || r.s.deletedBots[id] {
		return gorm.ErrRecordNotFound
	}
	b.IsActive = active
	return nil
}

func (r botRepo) Delete(_ context.Context, id uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bots[id]
	if !ok || r.s.deletedBots[id] {
		return gorm.ErrRecordNotFound
	}
	b.IsActive = false
	r.s.deletedBots[id] = true
	return nil
}

type botUserRepo struct{ s *Store }

func (r botUserRepo) GetOrCreate(_ context.Context, profile *models.BotUser) (*models.BotUser, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.BotID == profile.BotID && u.ExternalUserID == profile.ExternalUserID {
			if profile.ChatID != 0 {
				u.ChatID = profile.ChatID
			}
			u.Username = profile.Username
			if profile.FirstName != "" {
				u.FirstName = profile.FirstName
			}
			u.LastName = profile.LastName
			cp := *u
			return &cp, false, nil
		}
	}
	profile.ID = r.s.id()
	profile.CreatedAt = time.Now()
	profile.UpdatedAt = profile.CreatedAt
	cp := *profile
	r.s.users[profile.ID] = &cp
	return profile, true, nil
}

func (r botUserRepo) Get(_ context.Context, botID uint, externalUserID int64) (*models.BotUser, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.BotID == botID && u.ExternalUserID == externalUserID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r botUserRepo) GetByID(_ context.Context, id uint) (*models.BotUser, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r botUserRepo) SaveSession(_ context.Context, user *models.BotUser) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[user.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	u.CurrentStepID = user.CurrentStepID
	u.SessionState = append(datatypes.JSON(nil), user.SessionState...)
	return nil
}

func (r botUserRepo) Touch(_ context.Context, user *models.BotUser) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[user.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	u.LastInteractionAt = &now
	u.MessageCount++
	user.LastInteractionAt = &now
	user.MessageCount = u.MessageCount
	return nil
}

func (r botUserRepo) CountByBot(_ context.Context, botID uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, u := range r.s.users {
		if u.BotID == botID {
			n++
		}
	}
	return n, nil
}

func (r botUserRepo) CountActiveSince(_ context.Context, botID uint, since time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, u := range r.s.users {
		if u.BotID == botID && u.LastInteractionAt != nil && !u.LastInteractionAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type webhookRepo struct{ s *Store }

func (r webhookRepo) Create(_ context.Context, event *models.WebhookEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if event.ExternalUpdateID != nil {
		for _, e := range r.s.events {
			if e.BotID == event.BotID && e.ExternalUpdateID != nil && *e.ExternalUpdateID == *event.ExternalUpdateID {
				return repository.ErrDuplicate
			}
		}
	}
	event.ID = r.s.id()
	event.Status = models.WebhookStatusProcessing
	event.CreatedAt = time.Now()
	event.UpdatedAt = event.CreatedAt
	cp := *event
	r.s.events[event.ID] = &cp
	return nil
}

func (r webhookRepo) GetByID(_ context.Context, id uint) (*models.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (r webhookRepo) transition(id uint, next string, fn func(*models.WebhookEvent)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok || !e.CanMoveTo(next) {
		return repository.ErrStaleStatus
	}
	now := time.Now()
	e.Status = next
	e.ProcessedAt = &now
	e.UpdatedAt = now
	fn(e)
	return nil
}

func (r webhookRepo) MarkCompleted(_ context.Context, id uint, processingTime time.Duration) error {
	return r.transition(id, models.WebhookStatusCompleted, func(e *models.WebhookEvent) {
		e.ProcessingTimeMs = processingTime.Milliseconds()
		e.Error = ""
	})
}

func (r webhookRepo) MarkFailed(_ context.Context, id uint, processingErr string, processingTime time.Duration) error {
	return r.transition(id, models.WebhookStatusFailed, func(e *models.WebhookEvent) {
		e.ProcessingTimeMs = processingTime.Milliseconds()
		e.Error = processingErr
		e.RetryCount++
	})
}

func (r webhookRepo) MarkAbandoned(_ context.Context, id uint, processingErr string, maxRetries int) error {
	return r.transition(id, models.WebhookStatusFailed, func(e *models.WebhookEvent) {
		e.Error = processingErr
		e.RetryCount = maxRetries
	})
}

func (r webhookRepo) ListRetryable(_ context.Context, botID *uint, since time.Time, maxRetries int, limit int) ([]models.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.WebhookEvent
	for _, e := range r.s.events {
		if e.Status != models.WebhookStatusFailed || e.CreatedAt.Before(since) || e.RetryCount >= maxRetries {
			continue
		}
		if botID != nil && e.BotID != *botID {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r webhookRepo) ListStuck(_ context.Context, olderThan time.Time, limit int) ([]models.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.WebhookEvent
	for _, e := range r.s.events {
		if e.Status == models.WebhookStatusProcessing && e.UpdatedAt.Before(olderThan) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r webhookRepo) Stats(_ context.Context, botID uint, since time.Time) (*models.WebhookStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &models.WebhookStats{BotID: botID, Since: since, ByStatus: map[string]int64{}, ByType: map[string]int64{}}
	for _, e := range r.s.events {
		if e.BotID != botID || e.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.ByType[e.EventType]++
	}
	return stats, nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) Create(_ context.Context, payment *models.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	payment.ID = r.s.id()
	payment.Status = models.PaymentStatusPending
	payment.CreatedAt = time.Now()
	if len(payment.History()) == 0 {
		payment.AppendHistory(models.PaymentStatusPending, "created", payment.CreatedAt)
	}
	cp := *payment
	r.s.payments[payment.ID] = &cp
	return nil
}

func (r paymentRepo) GetByID(_ context.Context, id uint) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r paymentRepo) SetInvoiceID(_ context.Context, id uint, invoiceID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.ExternalInvoiceID = invoiceID
	return nil
}

func (r paymentRepo) Complete(_ context.Context, id uint, chargeID string, providerPayload []byte, at time.Time) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if err := p.Transition(models.PaymentStatusSucceeded, "provider confirmed payment", at); err != nil {
		return nil, repository.ErrStaleStatus
	}
	p.ProviderChargeID = chargeID
	if len(providerPayload) > 0 {
		p.ProviderPayload = datatypes.JSON(providerPayload)
	}
	pid := p.ID
	key := [2]uint{p.UserID, p.CourseID}
	enrollment, ok := r.s.enrollments[key]
	if !ok {
		enrollment = &models.CourseEnrollment{ID: r.s.id(), UserID: p.UserID, CourseID: p.CourseID, PaymentID: &pid, GrantedAt: at}
		r.s.enrollments[key] = enrollment
	}
	if p.LessonID == nil {
		enrollment.HasAccess = true
		enrollment.PaymentID = &pid
		enrollment.GrantedAt = at
	} else {
		r.s.lessons[[2]uint{p.UserID, *p.LessonID}] = &models.LessonAccess{
			ID: r.s.id(), UserID: p.UserID, LessonID: *p.LessonID, CourseID: p.CourseID,
			HasAccess: true, PaymentID: &pid, GrantedAt: at,
		}
	}
	cp := *p
	return &cp, nil
}

func (r paymentRepo) Close(_ context.Context, id uint, status, reason string, at time.Time) (*models.Payment, error) {
	if status != models.PaymentStatusFailed && status != models.PaymentStatusCancelled {
		return nil, models.ErrPaymentTransition
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if err := p.Transition(status, reason, at); err != nil {
		return nil, repository.ErrStaleStatus
	}
	cp := *p
	return &cp, nil
}

func (r paymentRepo) ListPendingOlderThan(_ context.Context, before time.Time, limit int) ([]models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Payment
	for _, p := range r.s.payments {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(before) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r paymentRepo) Stats(_ context.Context, botID, courseID uint, since time.Time) (*models.PaymentStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &models.PaymentStats{BotID: botID, CourseID: courseID, Since: since, Revenue: map[string]int64{}}
	for _, p := range r.s.payments {
		if p.BotID != botID || p.CourseID != courseID || p.CreatedAt.Before(since) {
			continue
		}
		stats.TotalCount++
		switch p.Status {
		case models.PaymentStatusSucceeded:
			stats.SucceededCount++
			stats.Revenue[p.Currency] += p.Amount
		case models.PaymentStatusFailed, models.PaymentStatusCancelled:
			stats.FailedCount++
		default:
			stats.PendingCount++
		}
	}
	stats.SuccessRate = models.SuccessRate(stats.SucceededCount, stats.TotalCount)
	return stats, nil
}

type accessRepo struct{ s *Store }

func (r accessRepo) HasCourseAccess(_ context.Context, userID, courseID uint) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[[2]uint{userID, courseID}]
	return ok && e.HasAccess, nil
}

func (r accessRepo) HasLessonAccess(_ context.Context, userID, lessonID uint) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lessons[[2]uint{userID, lessonID}]
	return ok && l.HasAccess, nil
}

func (r accessRepo) GrantFreeCourse(_ context.Context, userID, courseID uint, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := [2]uint{userID, courseID}
	if e, ok := r.s.enrollments[key]; ok {
		e.HasAccess = true
		return nil
	}
	r.s.enrollments[key] = &models.CourseEnrollment{ID: r.s.id(), UserID: userID, CourseID: courseID, HasAccess: true, GrantedAt: at}
	return nil
}

type messageLogRepo struct{ s *Store }

func (r messageLogRepo) Append(_ context.Context, entry *models.MessageLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry.ID = r.s.id()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.s.logs = append(r.s.logs, *entry)
	return nil
}

func (r messageLogRepo) Analytics(_ context.Context, botID uint, since time.Time) (*models.BotAnalytics, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := &models.BotAnalytics{BotID: botID, Since: since, ByAction: map[string]int64{}}
	var latency int64
	for _, l := range r.s.logs {
		if l.BotID != botID || l.CreatedAt.Before(since) {
			continue
		}
		a.Messages++
		if !l.Success {
			a.FailedMessages++
		}
		a.ByAction[l.ActionType]++
		latency += l.ProcessingTimeMs
	}
	if a.Messages > 0 {
		a.AvgLatencyMs = float64(latency) / float64(a.Messages)
	}
	return a, nil
}
