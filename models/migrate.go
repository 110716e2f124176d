package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrate creates the sequence engine tables and the partial indexes gorm
// tags cannot express portably.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Contact{},
		&Sequence{},
		&SequenceStep{},
		&Enrollment{},
		&StepExecution{},
		&Activity{},
		&EngagementEvent{},
	); err != nil {
		return err
	}

	indexes := []string{
		// one live enrollment per (sequence, contact)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_live_pair
			ON enrollments (sequence_id, contact_id)
			WHERE status <> 'removed' AND deleted_at IS NULL`,
		// one not-yet-dispatched execution per enrollment
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_step_executions_in_flight
			ON step_executions (enrollment_id)
			WHERE status IN ('scheduled', 'pending_review') AND deleted_at IS NULL`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// SeedDemoData inserts a demo tenant contact set and a two step sequence when
// the tenant has no sequences yet.
func SeedDemoData(db *gorm.DB, tenantID uint) error {
	var count int64
	if err := db.Model(&Sequence{}).Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		contacts := []Contact{
			{TenantID: tenantID, Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace", Title: "CTO", Company: "Analytical"},
			{TenantID: tenantID, Email: "grace@example.com", FirstName: "Grace", LastName: "Hopper", Title: "VP Engineering", Company: "Cobol Works"},
		}
		if err := tx.Create(&contacts).Error; err != nil {
			return err
		}

		seq := Sequence{TenantID: tenantID, Name: "Demo outreach", Status: SequenceDraft, CurrentVersion: 1}
		if err := tx.Create(&seq).Error; err != nil {
			return err
		}
		steps := []SequenceStep{
			{SequenceID: seq.ID, Version: 1, StepNumber: 1, Channel: ChannelEmail, DelayDays: 0,
				SubjectTemplate: "Quick question, {{first_name}}", BodyTemplate: "Hi {{first_name}}, ..."},
			{SequenceID: seq.ID, Version: 1, StepNumber: 2, Channel: ChannelTask, DelayDays: 2,
				BodyTemplate: "Look up {{company}} on LinkedIn"},
		}
		return tx.Create(&steps).Error
	})
}
