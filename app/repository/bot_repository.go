package repository

import (
	"context"

	"github.com/ManuelReschke/CourseFox/app/models"
	"gorm.io/gorm"
)

// botRepository implements the BotRepository interface
type botRepository struct {
	db *gorm.DB
}

// NewBotRepository creates a new bot repository instance
func NewBotRepository(db *gorm.DB) BotRepository {
	return &botRepository{db: db}
}

// Create creates a new bot configuration
func (r *botRepository) Create(ctx context.Context, bot *models.BotConfig) error {
	return r.db.WithContext(ctx).Create(bot).Error
}

// GetByID retrieves a bot configuration by ID, active or not
func (r *botRepository) GetByID(ctx context.Context, id uint) (*models.BotConfig, error) {
	var bot models.BotConfig
	if err := r.db.WithContext(ctx).First(&bot, id).Error; err != nil {
		return nil, err
	}
	return &bot, nil
}

// GetActiveByID retrieves a bot configuration only if it is active
func (r *botRepository) GetActiveByID(ctx context.Context, id uint) (*models.BotConfig, error) {
	var bot models.BotConfig
	err := r.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&bot).Error
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// List retrieves a paginated list of bot configurations
func (r *botRepository) List(ctx context.Context, offset, limit int) ([]models.BotConfig, error) {
	var bots []models.BotConfig
	err := r.db.WithContext(ctx).Order("created_at DESC").Offset(offset).Limit(limit).Find(&bots).Error
	return bots, err
}

// ListActive retrieves every active bot, used at process start
func (r *botRepository) ListActive(ctx context.Context) ([]models.BotConfig, error) {
	var bots []models.BotConfig
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&bots).Error
	return bots, err
}

// Update saves an existing bot configuration
func (r *botRepository) Update(ctx context.Context, bot *models.BotConfig) error {
	return r.db.WithContext(ctx).Save(bot).Error
}

// SetActive toggles the active flag
func (r *botRepository) SetActive(ctx context.Context, id uint, active bool) error {
	// MySQL reports zero affected rows for an unchanged value, so check existence first.
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.BotConfig{}).Where("id = ?", id).Update("is_active", active).Error
}

// Delete soft deletes a bot configuration and deactivates it
func (r *botRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.BotConfig{}).Where("id = ?", id).Update("is_active", false).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.BotConfig{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
