package models

import (
	"time"

	"gorm.io/gorm"
)

// StepExecution is one concrete attempt to perform a step for an enrollment.
type StepExecution struct {
	gorm.Model
	TenantID     uint `gorm:"not null;index" json:"tenant_id"`
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index" json:"step_id"`
	StepNumber   int  `gorm:"not null" json:"step_number"`

	Channel      Channel         `gorm:"type:varchar(20);not null" json:"channel"`
	Status       ExecutionStatus `gorm:"type:varchar(20);not null;index:idx_exec_status_due,priority:1" json:"status"`
	ScheduledFor time.Time       `gorm:"not null;index:idx_exec_status_due,priority:2" json:"scheduled_for"`
	ExecutedAt   *time.Time      `json:"executed_at"`

	// Content, either rendered from templates or generated
	GeneratedSubject string   `gorm:"type:text" json:"generated_subject"`
	GeneratedBody    string   `gorm:"type:text" json:"generated_body"`
	TalkingPoints    []string `gorm:"type:jsonb;serializer:json" json:"talking_points,omitempty"`
	ErrorMessage     string   `gorm:"type:text" json:"error_message"`

	// Identifiers used to correlate inbound engagement
	TrackingID string `gorm:"type:varchar(64);uniqueIndex" json:"tracking_id"`
	MessageID  string `gorm:"type:varchar(255);index" json:"message_id"`

	// Engagement timestamps
	OpenedAt  *time.Time `json:"opened_at"`
	ClickedAt *time.Time `json:"clicked_at"`
	RepliedAt *time.Time `json:"replied_at"`
	BouncedAt *time.Time `json:"bounced_at"`

	// Dispatch claim; set by the worker that is sending this execution.
	LockedBy    string     `gorm:"type:varchar(64)" json:"-"`
	LockedUntil *time.Time `json:"-"`
	// Lease used by the database-backed due queue.
	VisibleAt *time.Time `json:"-"`

	// Relations
	Enrollment Enrollment   `json:"-"`
	Step       SequenceStep `gorm:"foreignKey:StepID" json:"-"`
}

// HasContent reports whether generated content is stored on the execution.
func (e *StepExecution) HasContent() bool {
	return e.GeneratedBody != "" || len(e.TalkingPoints) > 0
}
