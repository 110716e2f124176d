package engine

import (
	"context"
	"errors"
	"fmt"

	"cadencely/models"

	"gorm.io/gorm"
)

// EnrollResult counts per-contact outcomes of one enroll call.
type EnrollResult struct {
	Enrolled      int             `json:"enrolled"`
	Skipped       int             `json:"skipped"`
	Failed        int             `json:"failed"`
	EnrollmentIDs []uint          `json:"enrollment_ids"`
	Errors        map[uint]string `json:"errors,omitempty"`
}

func (r *EnrollResult) fail(contactID uint, msg string) {
	r.Failed++
	if r.Errors == nil {
		r.Errors = make(map[uint]string)
	}
	r.Errors[contactID] = msg
}

// EnrollmentManager creates enrollments and applies operator status changes.
type EnrollmentManager struct {
	*core
	scheduler *Scheduler
}

// Enroll adds contacts to a sequence. Contacts already holding a live
// enrollment are skipped; one contact failing never affects the others.
func (m *EnrollmentManager) Enroll(ctx context.Context, tenantID, userID, sequenceID uint, contactIDs []uint) (*EnrollResult, error) {
	seq, err := m.findSequence(ctx, m.db, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status == models.SequenceArchived {
		return nil, &ConfigurationError{Reason: "cannot enroll into an archived sequence"}
	}
	steps, err := m.stepsForVersion(ctx, m.db, seq.ID, seq.CurrentVersion)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, &ConfigurationError{Reason: "sequence has no steps"}
	}

	result := &EnrollResult{EnrollmentIDs: []uint{}}
	seen := make(map[uint]bool, len(contactIDs))
	for _, contactID := range contactIDs {
		if contactID == 0 || seen[contactID] {
			continue
		}
		seen[contactID] = true

		enr, exec, err := m.enrollOne(ctx, seq, &steps[0], tenantID, userID, contactID)
		switch {
		case err == nil && enr == nil:
			result.Skipped++
		case err == nil:
			result.Enrolled++
			result.EnrollmentIDs = append(result.EnrollmentIDs, enr.ID)
			m.enqueue(ctx, exec)
			m.publish(Event{
				Type:         EventEnrolled,
				TenantID:     tenantID,
				SequenceID:   seq.ID,
				EnrollmentID: enr.ID,
				ExecutionID:  exec.ID,
				Status:       string(exec.Status),
			})
		case errors.Is(err, ErrNotFound):
			result.fail(contactID, "contact not found")
		default:
			m.log.WithError(err).WithField("contact_id", contactID).Warn("enrollment failed")
			result.fail(contactID, err.Error())
		}
	}

	m.log.WithFields(map[string]interface{}{
		"sequence_id": seq.ID,
		"enrolled":    result.Enrolled,
		"skipped":     result.Skipped,
		"failed":      result.Failed,
	}).Info("enroll finished")
	return result, nil
}

// enrollOne returns a nil enrollment when the contact is already enrolled.
func (m *EnrollmentManager) enrollOne(ctx context.Context, seq *models.Sequence, first *models.SequenceStep, tenantID, userID, contactID uint) (*models.Enrollment, *models.StepExecution, error) {
	if _, err := m.contacts.GetContact(ctx, tenantID, contactID); err != nil {
		return nil, nil, err
	}

	var live int64
	if err := m.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("sequence_id = ? AND contact_id = ? AND status <> ?", seq.ID, contactID, models.EnrollmentRemoved).
		Count(&live).Error; err != nil {
		return nil, nil, err
	}
	if live > 0 {
		return nil, nil, nil
	}

	now := m.now()
	enr := models.Enrollment{
		TenantID:        tenantID,
		SequenceID:      seq.ID,
		ContactID:       contactID,
		EnrolledBy:      userID,
		SequenceVersion: seq.CurrentVersion,
		Status:          models.EnrollmentActive,
		CurrentStep:     1,
		EnrolledAt:      now,
		LastActivityAt:  &now,
	}
	var exec models.StepExecution

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&enr).Error; err != nil {
			return err
		}
		exec = m.newExecution(&enr, first, now.Add(days(first.DelayDays)))
		return tx.Create(&exec).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			// lost the race against a concurrent enroll of the same pair
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return &enr, &exec, nil
}

// SetEnrollmentStatus applies an operator action: pause, resume (active),
// mark replied, or remove.
func (m *EnrollmentManager) SetEnrollmentStatus(ctx context.Context, tenantID, enrollmentID uint, to models.EnrollmentStatus) (*models.Enrollment, error) {
	if !to.Valid() {
		return nil, newValidationError("status", fmt.Sprintf("unknown enrollment status %q", to))
	}
	enr, err := m.findEnrollment(ctx, m.db, tenantID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enr.Status == to {
		return enr, nil
	}
	if err := models.ValidateEnrollmentTransition(enr.Status, to); err != nil {
		return nil, err
	}

	from := enr.Status
	switch to {
	case models.EnrollmentPaused, models.EnrollmentActive:
		now := m.now()
		updates := map[string]interface{}{
			"status":           to,
			"last_activity_at": now,
		}
		if to == models.EnrollmentPaused {
			updates["paused_at"] = now
		} else {
			updates["paused_at"] = nil
		}
		res := m.db.WithContext(ctx).Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", enr.ID, from).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrConcurrencyConflict
		}
		enr.Status = to

	case models.EnrollmentCompleted:
		return nil, fmt.Errorf("%w: enrollments complete on their own", ErrInvalidTransition)

	default:
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, err := m.closeEnrollment(ctx, tx, enr, to, "enrollment "+string(to))
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	m.publish(Event{
		Type:         EventEnrollmentStatus,
		TenantID:     enr.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		Status:       string(to),
		Message:      "from " + string(from),
	})

	if to == models.EnrollmentActive {
		// a step may have finished while paused; pick the cadence back up
		if _, err := m.scheduler.Advance(ctx, enr.ID); err != nil {
			return enr, err
		}
	}
	return m.findEnrollment(ctx, m.db, tenantID, enr.ID)
}

func (m *EnrollmentManager) GetEnrollment(ctx context.Context, tenantID, enrollmentID uint) (*models.Enrollment, error) {
	return m.findEnrollment(ctx, m.db, tenantID, enrollmentID)
}

func (m *EnrollmentManager) ListEnrollments(ctx context.Context, tenantID, sequenceID uint, status string, page, limit int) ([]models.Enrollment, int64, error) {
	q := m.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("tenant_id = ? AND sequence_id = ?", tenantID, sequenceID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []models.Enrollment
	err := q.Order("id ASC").Offset((page - 1) * limit).Limit(limit).Find(&list).Error
	return list, total, err
}

// ListExecutions returns an enrollment's executions, oldest first.
func (m *EnrollmentManager) ListExecutions(ctx context.Context, tenantID, enrollmentID uint) ([]models.StepExecution, error) {
	if _, err := m.findEnrollment(ctx, m.db, tenantID, enrollmentID); err != nil {
		return nil, err
	}
	var execs []models.StepExecution
	err := m.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id ASC").
		Find(&execs).Error
	return execs, err
}
