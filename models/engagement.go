package models

import (
	"time"

	"gorm.io/gorm"
)

// EngagementEvent records every inbound engagement signal. ExternalID lets
// providers and the event stream redeliver without double counting.
type EngagementEvent struct {
	gorm.Model
	ExternalID      *string   `gorm:"type:varchar(255);uniqueIndex" json:"external_id"`
	StepExecutionID uint      `gorm:"index" json:"step_execution_id"`
	Signal          string    `gorm:"type:varchar(20);not null" json:"signal"`
	Source          string    `gorm:"type:varchar(30)" json:"source"` // pixel, click, webhook, kafka, imap, operator
	OccurredAt      time.Time `gorm:"not null" json:"occurred_at"`
	Applied         bool      `gorm:"default:false" json:"applied"`
}
