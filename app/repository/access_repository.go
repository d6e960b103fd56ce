package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// accessRepository implements the AccessRepository interface
type accessRepository struct {
	db *gorm.DB
}

// NewAccessRepository creates a new access repository instance
func NewAccessRepository(db *gorm.DB) AccessRepository {
	return &accessRepository{db: db}
}

// HasCourseAccess reports a course-wide grant
func (r *accessRepository) HasCourseAccess(ctx context.Context, userID, courseID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CourseEnrollment{}).
		Where("user_id = ? AND course_id = ? AND has_access = ?", userID, courseID, true).
		Count(&count).Error
	return count > 0, err
}

// HasLessonAccess reports a single-lesson grant
func (r *accessRepository) HasLessonAccess(ctx context.Context, userID, lessonID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.LessonAccess{}).
		Where("user_id = ? AND lesson_id = ? AND has_access = ?", userID, lessonID, true).
		Count(&count).Error
	return count > 0, err
}

// GrantFreeCourse enrolls the user with course-wide access and no payment
func (r *accessRepository) GrantFreeCourse(ctx context.Context, userID, courseID uint, at time.Time) error {
	enrollment := models.CourseEnrollment{
		UserID:    userID,
		CourseID:  courseID,
		HasAccess: true,
		GrantedAt: at,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "course_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"has_access", "updated_at"}),
	}).Create(&enrollment).Error
}
