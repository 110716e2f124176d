package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadencely/models"

	"gorm.io/gorm"
)

type Signal string

const (
	SignalOpened   Signal = "opened"
	SignalClicked  Signal = "clicked"
	SignalReplied  Signal = "replied"
	SignalBounced  Signal = "bounced"
	SignalOptedOut Signal = "opted_out"
)

func (s Signal) Valid() bool {
	switch s {
	case SignalOpened, SignalClicked, SignalReplied, SignalBounced, SignalOptedOut:
		return true
	}
	return false
}

// SignalResult reports what a signal did. Applied is false for duplicates,
// regressions and signals on executions that were never dispatched.
type SignalResult struct {
	ExecutionID      uint                    `json:"execution_id"`
	EnrollmentID     uint                    `json:"enrollment_id"`
	Status           models.ExecutionStatus  `json:"status"`
	EnrollmentStatus models.EnrollmentStatus `json:"enrollment_status,omitempty"`
	Applied          bool                    `json:"applied"`
	Duplicate        bool                    `json:"duplicate,omitempty"`
}

// SignalInput is an engagement signal from any source. At least one of
// ExecutionID, TrackingID and MessageID must identify the execution.
type SignalInput struct {
	ExecutionID uint      `json:"execution_id"`
	TrackingID  string    `json:"tracking_id"`
	MessageID   string    `json:"message_id"`
	Signal      Signal    `json:"signal" validate:"required,oneof=opened clicked replied bounced opted_out"`
	OccurredAt  time.Time `json:"occurred_at"`
	Source      string    `json:"source" validate:"max=30"`
	ExternalID  string    `json:"external_id" validate:"max=255"`
}

// Tracker applies engagement signals to dispatched executions.
type Tracker struct {
	*core
}

const engagementRetries = 3

// RecordEngagement moves an execution forward along sent → opened → clicked →
// replied, or from sent to bounced. Replies and bounces end the enrollment.
func (t *Tracker) RecordEngagement(ctx context.Context, executionID uint, signal Signal, at time.Time) (*SignalResult, error) {
	if signal == SignalOptedOut {
		return t.RecordOptOut(ctx, executionID, at)
	}
	if !signal.Valid() {
		return nil, newValidationError("signal", fmt.Sprintf("unknown signal %q", signal))
	}
	if at.IsZero() {
		at = t.now()
	}
	at = at.UTC()
	target := models.ExecutionStatus(signal)

	var exec *models.StepExecution
	applied := false
	for attempt := 0; attempt < engagementRetries && !applied; attempt++ {
		var err error
		exec, err = t.findExecution(ctx, t.db, 0, executionID)
		if err != nil {
			return nil, err
		}
		if !advancesEngagement(exec.Status, target) {
			break
		}

		updates := map[string]interface{}{"status": target}
		switch target {
		case models.ExecutionOpened:
			updates["opened_at"] = at
		case models.ExecutionClicked:
			updates["clicked_at"] = at
			if exec.OpenedAt == nil {
				updates["opened_at"] = at
			}
		case models.ExecutionReplied:
			updates["replied_at"] = at
		case models.ExecutionBounced:
			updates["bounced_at"] = at
		}

		res := t.db.WithContext(ctx).Model(&models.StepExecution{}).
			Where("id = ? AND status = ?", exec.ID, exec.Status).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			applied = true
			exec.Status = target
		}
	}

	result := &SignalResult{
		ExecutionID:  exec.ID,
		EnrollmentID: exec.EnrollmentID,
		Status:       exec.Status,
		Applied:      applied,
	}
	if !applied {
		return result, nil
	}

	enr, err := t.findEnrollment(ctx, t.db, 0, exec.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if target == models.ExecutionReplied || target == models.ExecutionBounced {
		to := models.EnrollmentReplied
		if target == models.ExecutionBounced {
			to = models.EnrollmentBounced
		}
		if err := t.endEnrollment(ctx, enr, to, "contact "+string(to)); err != nil {
			return nil, err
		}
	}
	result.EnrollmentStatus = enr.Status

	t.publish(Event{
		Type:         EventEngagement,
		TenantID:     exec.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		ExecutionID:  exec.ID,
		Status:       string(target),
	})
	return result, nil
}

// RecordOptOut ends the enrollment behind an execution because the contact
// asked not to be contacted again.
func (t *Tracker) RecordOptOut(ctx context.Context, executionID uint, at time.Time) (*SignalResult, error) {
	exec, err := t.findExecution(ctx, t.db, 0, executionID)
	if err != nil {
		return nil, err
	}
	enr, err := t.findEnrollment(ctx, t.db, 0, exec.EnrollmentID)
	if err != nil {
		return nil, err
	}

	before := enr.Status
	if err := t.endEnrollment(ctx, enr, models.EnrollmentOptedOut, "contact opted out"); err != nil {
		return nil, err
	}
	result := &SignalResult{
		ExecutionID:      exec.ID,
		EnrollmentID:     enr.ID,
		Status:           exec.Status,
		EnrollmentStatus: enr.Status,
		Applied:          before != enr.Status,
	}
	if result.Applied {
		t.publish(Event{
			Type:         EventEnrollmentStatus,
			TenantID:     enr.TenantID,
			SequenceID:   enr.SequenceID,
			EnrollmentID: enr.ID,
			ExecutionID:  exec.ID,
			Status:       string(enr.Status),
			Message:      "opted out",
			At:           at.UTC(),
		})
	}
	return result, nil
}

// endEnrollment closes enr when its current status allows it. An enrollment
// that already ended, or was changed concurrently, is left as it is.
func (t *Tracker) endEnrollment(ctx context.Context, enr *models.Enrollment, to models.EnrollmentStatus, reason string) error {
	for attempt := 0; attempt < engagementRetries; attempt++ {
		if enr.Status == to || models.ValidateEnrollmentTransition(enr.Status, to) != nil {
			return nil
		}
		err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, err := t.closeEnrollment(ctx, tx, enr, to, reason)
			return err
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		fresh, err := t.findEnrollment(ctx, t.db, 0, enr.ID)
		if err != nil {
			return err
		}
		*enr = *fresh
	}
	return nil
}

// RecordSignal resolves the execution a signal refers to, records the raw
// event, and applies it. Signals carrying an ExternalID already seen are
// reported as duplicates without being applied again.
func (t *Tracker) RecordSignal(ctx context.Context, in SignalInput) (*SignalResult, error) {
	if in.Signal == "" || !in.Signal.Valid() {
		return nil, newValidationError("signal", fmt.Sprintf("unknown signal %q", in.Signal))
	}
	exec, err := t.resolveExecution(ctx, in)
	if err != nil {
		return nil, err
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = t.now()
	}

	event := models.EngagementEvent{
		StepExecutionID: exec.ID,
		Signal:          string(in.Signal),
		Source:          in.Source,
		OccurredAt:      in.OccurredAt.UTC(),
	}
	if in.ExternalID != "" {
		event.ExternalID = &in.ExternalID
	}
	if err := t.db.WithContext(ctx).Create(&event).Error; err != nil {
		if isUniqueViolation(err) {
			return &SignalResult{
				ExecutionID:  exec.ID,
				EnrollmentID: exec.EnrollmentID,
				Status:       exec.Status,
				Duplicate:    true,
			}, nil
		}
		return nil, fmt.Errorf("record engagement event: %w", err)
	}

	result, err := t.RecordEngagement(ctx, exec.ID, in.Signal, in.OccurredAt)
	if err != nil {
		return nil, err
	}
	if result.Applied {
		if err := t.db.WithContext(ctx).Model(&event).Update("applied", true).Error; err != nil {
			t.log.WithError(err).WithField("event_id", event.ID).Warn("failed to flag engagement event")
		}
	}
	return result, nil
}

func (t *Tracker) resolveExecution(ctx context.Context, in SignalInput) (*models.StepExecution, error) {
	if in.ExecutionID != 0 {
		return t.findExecution(ctx, t.db, 0, in.ExecutionID)
	}

	var exec models.StepExecution
	q := t.db.WithContext(ctx)
	switch {
	case in.TrackingID != "":
		q = q.Where("tracking_id = ?", in.TrackingID)
	case in.MessageID != "":
		bare := strings.Trim(strings.TrimSpace(in.MessageID), "<>")
		q = q.Where("message_id IN ?", []string{bare, "<" + bare + ">"})
	default:
		return nil, newValidationError("execution_id", "one of execution_id, tracking_id or message_id is required")
	}
	if err := q.Order("id DESC").First(&exec).Error; err != nil {
		return nil, notFound(err)
	}
	return &exec, nil
}

// advancesEngagement reports whether moving from → to is forward progress.
func advancesEngagement(from, to models.ExecutionStatus) bool {
	if to == models.ExecutionBounced {
		return from == models.ExecutionSent
	}
	current := models.EngagementRank(from)
	return current > 0 && models.EngagementRank(to) > current
}
