package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Enrollment binds one contact to one sequence. At most one enrollment per
// (sequence, contact) may exist outside the removed status; the partial
// unique index created in AutoMigrate enforces it.
type Enrollment struct {
	gorm.Model
	TenantID   uint `gorm:"not null;index" json:"tenant_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	ContactID  uint `gorm:"not null;index" json:"contact_id"`
	EnrolledBy uint `json:"enrolled_by"`

	// Version of the sequence steps this enrollment runs on.
	SequenceVersion int `gorm:"not null" json:"sequence_version"`

	Status      EnrollmentStatus `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	CurrentStep int              `gorm:"not null;default:1" json:"current_step"`

	EnrolledAt     time.Time  `gorm:"not null" json:"enrolled_at"`
	PausedAt       *time.Time `json:"paused_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	LastActivityAt *time.Time `json:"last_activity_at"`

	Metadata datatypes.JSONMap `gorm:"type:jsonb" json:"metadata"`

	// Relations
	Sequence   Sequence        `json:"-"`
	Executions []StepExecution `gorm:"foreignKey:EnrollmentID" json:"executions,omitempty"`
}
