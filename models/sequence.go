package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Sequence is a named, ordered cadence of outreach steps.
type Sequence struct {
	gorm.Model
	TenantID  uint `gorm:"not null;index" json:"tenant_id"`
	CreatedBy uint `gorm:"index" json:"created_by"`

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"type:varchar(20);default:'draft';index" json:"status"`
	Tags        []string       `gorm:"type:jsonb;serializer:json" json:"tags"`

	// Settings: review_ai_content (bool) holds generated content for operator approval.
	Settings datatypes.JSONMap `gorm:"type:jsonb" json:"settings"`

	// Steps of older versions stay in place for enrollments that started on them.
	CurrentVersion int `gorm:"not null;default:1" json:"current_version"`

	// Relations
	Steps []SequenceStep `gorm:"-" json:"steps,omitempty"`
}

// ReviewAIContent reports whether generated content waits for approval
// instead of being scheduled right away.
func (s *Sequence) ReviewAIContent() bool {
	if s.Settings == nil {
		return false
	}
	v, ok := s.Settings["review_ai_content"].(bool)
	return ok && v
}

// SequenceStep is one step of one version of a sequence. Rows are never
// updated after insert.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex:idx_step_version_number" json:"sequence_id"`
	Version    int  `gorm:"not null;uniqueIndex:idx_step_version_number" json:"version"`
	StepNumber int  `gorm:"not null;uniqueIndex:idx_step_version_number" json:"step_number"`

	Channel   Channel `gorm:"type:varchar(20);not null" json:"channel"`
	DelayDays int     `gorm:"not null;default:0" json:"delay_days"`

	SubjectTemplate string `gorm:"type:text" json:"subject_template"`
	BodyTemplate    string `gorm:"type:text" json:"body_template"`

	// AI personalization
	AIPersonalization bool   `gorm:"default:false" json:"ai_personalization"`
	AIPrompt          string `gorm:"type:text" json:"ai_prompt"`
}
