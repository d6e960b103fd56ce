package models

import "time"

// CourseEnrollment grants a bot user access to a whole course.
type CourseEnrollment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index:ux_course_enrollments_user_course,unique,priority:1" json:"user_id"`
	CourseID  uint      `gorm:"not null;index:ux_course_enrollments_user_course,unique,priority:2" json:"course_id"`
	HasAccess bool      `gorm:"not null;default:false" json:"has_access"`
	PaymentID *uint     `gorm:"default:null" json:"payment_id,omitempty"`
	GrantedAt time.Time `gorm:"not null" json:"granted_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LessonAccess grants a bot user access to one gated step.
type LessonAccess struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index:ux_lesson_access_user_lesson,unique,priority:1" json:"user_id"`
	LessonID  uint      `gorm:"not null;index:ux_lesson_access_user_lesson,unique,priority:2" json:"lesson_id"`
	CourseID  uint      `gorm:"not null;index" json:"course_id"`
	HasAccess bool      `gorm:"not null;default:false" json:"has_access"`
	PaymentID *uint     `gorm:"default:null" json:"payment_id,omitempty"`
	GrantedAt time.Time `gorm:"not null" json:"granted_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LessonAccess) TableName() string {
	return "lesson_access"
}
