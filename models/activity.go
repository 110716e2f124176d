package models

import (
	"time"

	"gorm.io/gorm"
)

// Activity is a to-do for a rep, created when a call or task step fires.
type Activity struct {
	gorm.Model
	TenantID        uint `gorm:"not null;index" json:"tenant_id"`
	ContactID       uint `gorm:"not null;index" json:"contact_id"`
	StepExecutionID uint `gorm:"not null;uniqueIndex" json:"step_execution_id"`

	Type          Channel    `gorm:"type:varchar(20);not null" json:"type"` // call, task
	Title         string     `gorm:"not null" json:"title"`
	Notes         string     `gorm:"type:text" json:"notes"`
	TalkingPoints []string   `gorm:"type:jsonb;serializer:json" json:"talking_points,omitempty"`
	DueAt         time.Time  `json:"due_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}
