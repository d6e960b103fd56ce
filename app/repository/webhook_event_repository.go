package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// webhookEventRepository implements the WebhookEventRepository interface
type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository instance
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// Create inserts the event in PROCESSING state
func (r *webhookEventRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	event.Status = models.WebhookStatusProcessing
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bot_id"}, {Name: "external_update_id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetByID retrieves an event by ID
func (r *webhookEventRepository) GetByID(ctx context.Context, id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkCompleted moves a PROCESSING or FAILED event to COMPLETED
func (r *webhookEventRepository) MarkCompleted(ctx context.Context, id uint, processingTime time.Duration) error {
	now := time.Now()
	return r.transition(ctx, id, map[string]interface{}{
		"status":             models.WebhookStatusCompleted,
		"processing_time_ms": processingTime.Milliseconds(),
		"processed_at":       now,
		"error":              "",
	})
}

// MarkFailed records the failure and increments retry_count
func (r *webhookEventRepository) MarkFailed(ctx context.Context, id uint, processingErr string, processingTime time.Duration) error {
	now := time.Now()
	return r.transition(ctx, id, map[string]interface{}{
		"status":             models.WebhookStatusFailed,
		"processing_time_ms": processingTime.Milliseconds(),
		"processed_at":       now,
		"error":              processingErr,
		"retry_count":        gorm.Expr("retry_count + 1"),
	})
}

// MarkAbandoned records a failure that must not be retried
func (r *webhookEventRepository) MarkAbandoned(ctx context.Context, id uint, processingErr string, maxRetries int) error {
	return r.transition(ctx, id, map[string]interface{}{
		"status":       models.WebhookStatusFailed,
		"processed_at": time.Now(),
		"error":        processingErr,
		"retry_count":  maxRetries,
	})
}

func (r *webhookEventRepository) transition(ctx context.Context, id uint, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status IN ?", id, []string{models.WebhookStatusProcessing, models.WebhookStatusFailed}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ListRetryable returns FAILED events younger than since with retry_count
// below maxRetries, oldest first
func (r *webhookEventRepository) ListRetryable(ctx context.Context, botID *uint, since time.Time, maxRetries int, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	query := r.db.WithContext(ctx).
		Where("status = ? AND created_at >= ? AND retry_count < ?", models.WebhookStatusFailed, since, maxRetries)
	if botID != nil {
		query = query.Where("bot_id = ?", *botID)
	}
	err := query.Order("created_at ASC, id ASC").Limit(limit).Find(&events).Error
	return events, err
}

// ListStuck returns events left PROCESSING since before olderThan
func (r *webhookEventRepository) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.WebhookStatusProcessing, olderThan).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

type groupCount struct {
	GroupKey string
	Total    int64
}

// Stats counts events by status and type over the trailing window
func (r *webhookEventRepository) Stats(ctx context.Context, botID uint, since time.Time) (*models.WebhookStats, error) {
	stats := &models.WebhookStats{
		BotID:    botID,
		Since:    since,
		ByStatus: map[string]int64{},
		ByType:   map[string]int64{},
	}
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("bot_id = ? AND created_at >= ?", botID, since)
	}

	var byStatus []groupCount
	if err := base().Select("status AS group_key, COUNT(*) AS total").Group("status").Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		stats.ByStatus[row.GroupKey] = row.Total
		stats.Total += row.Total
	}

	var byType []groupCount
	if err := base().Select("event_type AS group_key, COUNT(*) AS total").Group("event_type").Scan(&byType).Error; err != nil {
		return nil, err
	}
	for _, row := range byType {
		stats.ByType[row.GroupKey] = row.Total
	}
	return stats, nil
}
