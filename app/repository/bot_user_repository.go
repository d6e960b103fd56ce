package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// botUserRepository implements the BotUserRepository interface
type botUserRepository struct {
	db *gorm.DB
}

// NewBotUserRepository creates a new bot user repository instance
func NewBotUserRepository(db *gorm.DB) BotUserRepository {
	return &botUserRepository{db: db}
}

// GetOrCreate inserts the profile if (bot_id, external_user_id) is free and
// returns the stored row either way. Profile fields are refreshed on repeat
// visits.
func (r *botUserRepository) GetOrCreate(ctx context.Context, profile *models.BotUser) (*models.BotUser, bool, error) {
	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bot_id"}, {Name: "external_user_id"}},
		DoNothing: true,
	}).Create(profile)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return profile, true, nil
	}

	user, err := r.Get(ctx, profile.BotID, profile.ExternalUserID)
	if err != nil {
		return nil, false, err
	}
	updates := map[string]interface{}{}
	if profile.ChatID != 0 && profile.ChatID != user.ChatID {
		updates["chat_id"] = profile.ChatID
		user.ChatID = profile.ChatID
	}
	if profile.Username != user.Username {
		updates["username"] = profile.Username
		user.Username = profile.Username
	}
	if profile.FirstName != "" && profile.FirstName != user.FirstName {
		updates["first_name"] = profile.FirstName
		user.FirstName = profile.FirstName
	}
	if profile.LastName != user.LastName {
		updates["last_name"] = profile.LastName
		user.LastName = profile.LastName
	}
	if len(updates) > 0 {
		if err := db.Model(&models.BotUser{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return nil, false, err
		}
	}
	return user, false, nil
}

// Get retrieves the session for (botID, externalUserID)
func (r *botUserRepository) Get(ctx context.Context, botID uint, externalUserID int64) (*models.BotUser, error) {
	var user models.BotUser
	err := r.db.WithContext(ctx).
		Where("bot_id = ? AND external_user_id = ?", botID, externalUserID).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByID retrieves a bot user by primary key
func (r *botUserRepository) GetByID(ctx context.Context, id uint) (*models.BotUser, error) {
	var user models.BotUser
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// SaveSession writes current step and session blob
func (r *botUserRepository) SaveSession(ctx context.Context, user *models.BotUser) error {
	return r.db.WithContext(ctx).Model(&models.BotUser{}).
		Where("id = ?", user.ID).
		Updates(map[string]interface{}{
			"current_step_id": user.CurrentStepID,
			"session_state":   user.SessionState,
		}).Error
}

// Touch records one interaction: bumps message_count and last_interaction_at
func (r *botUserRepository) Touch(ctx context.Context, user *models.BotUser) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&models.BotUser{}).
		Where("id = ?", user.ID).
		Updates(map[string]interface{}{
			"last_interaction_at": now,
			"message_count":       gorm.Expr("message_count + 1"),
		}).Error
	if err != nil {
		return err
	}
	user.LastInteractionAt = &now
	user.MessageCount++
	return nil
}

// CountByBot returns the number of users that ever talked to the bot
func (r *botUserRepository) CountByBot(ctx context.Context, botID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.BotUser{}).Where("bot_id = ?", botID).Count(&count).Error
	return count, err
}

// CountActiveSince returns the number of users that interacted since the given time
func (r *botUserRepository) CountActiveSince(ctx context.Context, botID uint, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.BotUser{}).
		Where("bot_id = ? AND last_interaction_at >= ?", botID, since).
		Count(&count).Error
	return count, err
}
