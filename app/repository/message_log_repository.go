package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"gorm.io/gorm"
)

// messageLogRepository implements the MessageLogRepository interface
type messageLogRepository struct {
	db *gorm.DB
}

// NewMessageLogRepository creates a new message log repository instance
func NewMessageLogRepository(db *gorm.DB) MessageLogRepository {
	return &messageLogRepository{db: db}
}

// Append writes one audit row
func (r *messageLogRepository) Append(ctx context.Context, entry *models.MessageLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

type messageTotals struct {
	Messages       int64
	FailedMessages int64
	AvgLatency     float64
}

// Analytics aggregates message volume and latency for a bot. User counts are
// filled in by the caller from the bot user repository.
func (r *messageLogRepository) Analytics(ctx context.Context, botID uint, since time.Time) (*models.BotAnalytics, error) {
	analytics := &models.BotAnalytics{
		BotID:    botID,
		Since:    since,
		ByAction: map[string]int64{},
	}
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&models.MessageLog{}).
			Where("bot_id = ? AND created_at >= ?", botID, since)
	}

	var totals messageTotals
	err := base().
		Select("COUNT(*) AS messages, " +
			"COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS failed_messages, " +
			"COALESCE(AVG(processing_time_ms), 0) AS avg_latency").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate message logs: %w", err)
	}
	analytics.Messages = totals.Messages
	analytics.FailedMessages = totals.FailedMessages
	analytics.AvgLatencyMs = totals.AvgLatency

	var byAction []groupCount
	err = base().Select("action_type AS group_key, COUNT(*) AS total").Group("action_type").Scan(&byAction).Error
	if err != nil {
		return nil, fmt.Errorf("failed to group message logs: %w", err)
	}
	for _, row := range byAction {
		analytics.ByAction[row.GroupKey] = row.Total
	}
	return analytics, nil
}
