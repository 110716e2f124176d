package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadencely/models"
	"cadencely/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AdvanceOutcome string

const (
	AdvanceNoop      AdvanceOutcome = "noop"
	AdvanceScheduled AdvanceOutcome = "scheduled"
	AdvanceCompleted AdvanceOutcome = "completed"
)

type MaterializeOutcome string

const (
	OutcomeSent             MaterializeOutcome = "sent"
	OutcomeFailed           MaterializeOutcome = "failed"
	OutcomeSkipped          MaterializeOutcome = "skipped"
	OutcomePendingReview    MaterializeOutcome = "pending_review"
	OutcomeNotDue           MaterializeOutcome = "not_due"
	OutcomeAlreadyHandled   MaterializeOutcome = "already_handled"
	OutcomeClaimedElsewhere MaterializeOutcome = "claimed_elsewhere"
	// OutcomeHeld leaves the execution scheduled because its sequence is not
	// active. It is picked up again once the sequence is activated.
	OutcomeHeld MaterializeOutcome = "held"
)

// TickResult counts what one tick did. Errors counts per-item failures that
// were isolated and will be retried by a later tick.
type TickResult struct {
	Reconciled       int `json:"reconciled"`
	Generated        int `json:"generated"`
	GenerationFailed int `json:"generation_failed"`
	Received         int `json:"received"`
	Sent             int `json:"sent"`
	DispatchFailed   int `json:"dispatch_failed"`
	Skipped          int `json:"skipped"`
	Held             int `json:"held"`
	PendingReview    int `json:"pending_review"`
	Advanced         int `json:"advanced"`
	Errors           int `json:"errors"`
}

type ApproveInput struct {
	Subject *string `json:"subject" validate:"omitempty,max=998"`
	Body    *string `json:"body"`
}

// Scheduler advances enrollments and turns due executions into actions.
type Scheduler struct {
	*core
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// Advance moves an enrollment past its finished step: it completes the
// enrollment after the last step or schedules the next one. Calls that find
// nothing to do, or lose a race, are no-ops.
func (s *Scheduler) Advance(ctx context.Context, enrollmentID uint) (AdvanceOutcome, error) {
	outcome := AdvanceNoop
	var created *models.StepExecution
	var enr *models.Enrollment

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		enr, err = s.findEnrollment(ctx, tx, 0, enrollmentID)
		if err != nil {
			return err
		}
		if enr.Status != models.EnrollmentActive {
			return nil
		}
		running, err := s.sequenceRunning(ctx, tx, enr.SequenceID)
		if err != nil || !running {
			return err
		}

		steps, err := s.stepsForVersion(ctx, tx, enr.SequenceID, enr.SequenceVersion)
		if err != nil {
			return err
		}
		if enr.CurrentStep < 1 || enr.CurrentStep > len(steps) {
			return &ConfigurationError{Reason: fmt.Sprintf("enrollment %d points at step %d of a %d step snapshot", enr.ID, enr.CurrentStep, len(steps))}
		}

		var latest models.StepExecution
		err = tx.Where("enrollment_id = ?", enr.ID).Order("id DESC").First(&latest).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// the current step was never materialized
			exec, err := s.createExecution(tx, enr, &steps[enr.CurrentStep-1], enr.EnrolledAt)
			if err != nil {
				return err
			}
			created, outcome = exec, AdvanceScheduled
			return nil
		case err != nil:
			return err
		}

		if latest.Status.IsInFlight() {
			return nil
		}

		base := s.now()
		if latest.ExecutedAt != nil {
			base = latest.ExecutedAt.UTC()
		}

		if latest.StepNumber < enr.CurrentStep {
			exec, err := s.createExecution(tx, enr, &steps[enr.CurrentStep-1], base)
			if err != nil {
				return err
			}
			created, outcome = exec, AdvanceScheduled
			return nil
		}

		if enr.CurrentStep >= len(steps) {
			now := s.now()
			res := tx.Model(&models.Enrollment{}).
				Where("id = ? AND status = ? AND current_step = ?", enr.ID, models.EnrollmentActive, enr.CurrentStep).
				Updates(map[string]interface{}{
					"status":           models.EnrollmentCompleted,
					"completed_at":     now,
					"last_activity_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConcurrencyConflict
			}
			enr.Status = models.EnrollmentCompleted
			outcome = AdvanceCompleted
			return nil
		}

		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ? AND current_step = ?", enr.ID, models.EnrollmentActive, enr.CurrentStep).
			Updates(map[string]interface{}{
				"current_step":     gorm.Expr("current_step + 1"),
				"last_activity_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}
		enr.CurrentStep++

		exec, err := s.createExecution(tx, enr, &steps[enr.CurrentStep-1], base)
		if err != nil {
			return err
		}
		created, outcome = exec, AdvanceScheduled
		return nil
	})

	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		s.log.WithField("enrollment_id", enrollmentID).Debug("advance lost a race, skipping")
		return AdvanceNoop, nil
	case err != nil:
		return AdvanceNoop, err
	}

	switch outcome {
	case AdvanceScheduled:
		s.enqueue(ctx, created)
		evType := EventStepScheduled
		if created.Status == models.ExecutionPendingReview {
			evType = EventStepPendingReview
		}
		s.publish(Event{
			Type:         evType,
			TenantID:     enr.TenantID,
			SequenceID:   enr.SequenceID,
			EnrollmentID: enr.ID,
			ExecutionID:  created.ID,
			Status:       string(created.Status),
		})
	case AdvanceCompleted:
		s.publish(Event{
			Type:         EventEnrollmentStatus,
			TenantID:     enr.TenantID,
			SequenceID:   enr.SequenceID,
			EnrollmentID: enr.ID,
			Status:       string(models.EnrollmentCompleted),
		})
	}
	return outcome, nil
}

// createExecution inserts the execution for step, due delay_days after base.
// The in-flight unique index turns a concurrent duplicate into a conflict.
func (s *Scheduler) createExecution(tx *gorm.DB, enr *models.Enrollment, step *models.SequenceStep, base time.Time) (*models.StepExecution, error) {
	exec := s.newExecution(enr, step, base.Add(days(step.DelayDays)))
	if err := tx.Create(&exec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrencyConflict
		}
		return nil, err
	}
	return &exec, nil
}

// Materialize performs a due scheduled execution. It is safe to call more
// than once for the same execution: only the caller that wins the claim
// dispatches. A *DispatchFailure return means the execution was marked failed.
func (s *Scheduler) Materialize(ctx context.Context, executionID uint) (MaterializeOutcome, error) {
	exec, err := s.findExecution(ctx, s.db, 0, executionID)
	if errors.Is(err, ErrNotFound) {
		return OutcomeAlreadyHandled, nil
	}
	if err != nil {
		return "", err
	}
	if exec.Status != models.ExecutionScheduled {
		return OutcomeAlreadyHandled, nil
	}

	now := s.now()
	if exec.ScheduledFor.After(now) {
		return OutcomeNotDue, nil
	}

	enr, err := s.findEnrollment(ctx, s.db, 0, exec.EnrollmentID)
	if err != nil {
		return "", err
	}
	if !enr.Status.IsOpen() {
		return s.skip(ctx, exec, enr, "enrollment "+string(enr.Status))
	}

	seq, err := s.findSequence(ctx, s.db, 0, enr.SequenceID)
	if err != nil {
		return "", err
	}
	if seq.Status != models.SequenceActive {
		return OutcomeHeld, nil
	}

	var step models.SequenceStep
	if err := s.db.WithContext(ctx).Unscoped().First(&step, exec.StepID).Error; err != nil {
		return "", fmt.Errorf("load step %d: %w", exec.StepID, err)
	}
	if step.AIPersonalization && !exec.HasContent() {
		return s.backToReview(ctx, exec, enr)
	}

	contact, err := s.contacts.GetContact(ctx, enr.TenantID, enr.ContactID)
	if errors.Is(err, ErrNotFound) {
		return s.fail(ctx, exec, enr, "", &DispatchFailure{ExecutionID: exec.ID, Channel: exec.Channel, Err: errors.New("contact not found")})
	}
	if err != nil {
		return "", err
	}
	if contact.DoNotContact {
		outcome, err := s.skip(ctx, exec, enr, "contact is marked do not contact")
		if err != nil || outcome != OutcomeSkipped {
			return outcome, err
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, err := s.closeEnrollment(ctx, tx, enr, models.EnrollmentOptedOut, "contact opted out")
			return err
		})
		if err != nil && !errors.Is(err, ErrConcurrencyConflict) {
			return outcome, err
		}
		return outcome, nil
	}

	token := s.opts.WorkerID + ":" + uuid.NewString()[:8]
	claim := s.db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("id = ? AND status = ?", exec.ID, models.ExecutionScheduled).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Updates(map[string]interface{}{
			"locked_by":    token,
			"locked_until": now.Add(s.opts.ClaimLease),
		})
	if claim.Error != nil {
		return "", claim.Error
	}
	if claim.RowsAffected == 0 {
		return OutcomeClaimedElsewhere, nil
	}

	subject, body := exec.GeneratedSubject, exec.GeneratedBody
	isHTML := utils.LooksLikeHTML(body)
	if !exec.HasContent() {
		// Decided from the template so contact data cannot switch the format.
		body = utils.RenderTemplate(step.BodyTemplate, contact)
		isHTML = utils.LooksLikeHTML(step.BodyTemplate)
	}
	if subject == "" {
		subject = utils.RenderTemplate(step.SubjectTemplate, contact)
	}

	req := DispatchRequest{
		ExecutionID:   exec.ID,
		TenantID:      exec.TenantID,
		StepNumber:    exec.StepNumber,
		SequenceName:  seq.Name,
		Channel:       exec.Channel,
		Contact:       contact,
		Subject:       subject,
		Body:          body,
		HTML:          isHTML,
		TalkingPoints: exec.TalkingPoints,
		TrackingID:    exec.TrackingID,
		MessageID:     s.messageID(exec),
		DueAt:         exec.ScheduledFor,
	}

	if s.dispatcher == nil {
		return s.fail(ctx, exec, enr, token, &DispatchFailure{ExecutionID: exec.ID, Channel: exec.Channel, Err: errors.New("no dispatcher configured")})
	}
	result, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return s.fail(ctx, exec, enr, token, &DispatchFailure{ExecutionID: exec.ID, Channel: exec.Channel, Err: err})
	}

	messageID := req.MessageID
	if result != nil && result.ProviderMessageID != "" {
		messageID = result.ProviderMessageID
	}
	sentAt := s.now()
	res := s.db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("id = ? AND status = ? AND locked_by = ?", exec.ID, models.ExecutionScheduled, token).
		Updates(map[string]interface{}{
			"status":            models.ExecutionSent,
			"executed_at":       sentAt,
			"message_id":        messageID,
			"generated_subject": subject,
			"generated_body":    body,
			"error_message":     "",
			"locked_until":      nil,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		// lease expired and someone else finished the row; they advance
		return OutcomeClaimedElsewhere, nil
	}

	s.publish(Event{
		Type:         EventStepSent,
		TenantID:     exec.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		ExecutionID:  exec.ID,
		Status:       string(models.ExecutionSent),
	})
	if _, err := s.Advance(ctx, enr.ID); err != nil {
		return OutcomeSent, fmt.Errorf("advance after send: %w", err)
	}
	return OutcomeSent, nil
}

// sequenceRunning reports whether steps of the sequence may be created and
// dispatched. Only active sequences run; draft, paused and archived ones hold
// their enrollments where they are.
func (s *Scheduler) sequenceRunning(ctx context.Context, db *gorm.DB, sequenceID uint) (bool, error) {
	var statuses []models.SequenceStatus
	err := db.WithContext(ctx).Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Pluck("status", &statuses).Error
	if err != nil {
		return false, err
	}
	return len(statuses) == 1 && statuses[0] == models.SequenceActive, nil
}

func (s *Scheduler) skip(ctx context.Context, exec *models.StepExecution, enr *models.Enrollment, reason string) (MaterializeOutcome, error) {
	res := s.db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("id = ? AND status = ?", exec.ID, exec.Status).
		Updates(map[string]interface{}{
			"status":        models.ExecutionSkipped,
			"error_message": reason,
			"executed_at":   s.now(),
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return OutcomeAlreadyHandled, nil
	}
	s.publish(Event{
		Type:         EventStepSkipped,
		TenantID:     exec.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		ExecutionID:  exec.ID,
		Status:       string(models.ExecutionSkipped),
		Message:      reason,
	})
	return OutcomeSkipped, nil
}

func (s *Scheduler) backToReview(ctx context.Context, exec *models.StepExecution, enr *models.Enrollment) (MaterializeOutcome, error) {
	res := s.db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("id = ? AND status = ?", exec.ID, models.ExecutionScheduled).
		Update("status", models.ExecutionPendingReview)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return OutcomeAlreadyHandled, nil
	}
	s.publish(Event{
		Type:         EventStepPendingReview,
		TenantID:     exec.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		ExecutionID:  exec.ID,
		Status:       string(models.ExecutionPendingReview),
	})
	return OutcomePendingReview, nil
}

// fail marks a claimed execution failed and moves the enrollment on. An
// empty token fails an unclaimed row.
func (s *Scheduler) fail(ctx context.Context, exec *models.StepExecution, enr *models.Enrollment, token string, failure *DispatchFailure) (MaterializeOutcome, error) {
	utils.LogError("step_dispatch_failed", failure, map[string]interface{}{
		"execution_id":  exec.ID,
		"enrollment_id": enr.ID,
		"channel":       exec.Channel,
		"step_number":   exec.StepNumber,
	})

	q := s.db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("id = ? AND status = ?", exec.ID, models.ExecutionScheduled)
	if token != "" {
		q = q.Where("locked_by = ?", token)
	}
	res := q.Updates(map[string]interface{}{
		"status":        models.ExecutionFailed,
		"error_message": failure.Err.Error(),
		"executed_at":   s.now(),
		"locked_until":  nil,
	})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return OutcomeClaimedElsewhere, nil
	}

	s.publish(Event{
		Type:         EventStepFailed,
		TenantID:     exec.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		ExecutionID:  exec.ID,
		Status:       string(models.ExecutionFailed),
		Message:      failure.Err.Error(),
	})
	if _, err := s.Advance(ctx, enr.ID); err != nil {
		return OutcomeFailed, fmt.Errorf("advance after failure: %w", err)
	}
	return OutcomeFailed, failure
}

// Generate asks the content generator for a pending_review execution. On
// failure the execution stays pending_review with the error recorded.
func (s *Scheduler) Generate(ctx context.Context, tenantID, executionID uint) (*models.StepExecution, error) {
	exec, err := s.findExecution(ctx, s.db, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.ExecutionPendingReview {
		return nil, fmt.Errorf("%w: execution is %s, generation needs pending_review", ErrInvalidTransition, exec.Status)
	}
	enr, err := s.findEnrollment(ctx, s.db, 0, exec.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if !enr.Status.IsOpen() {
		_, err := s.skip(ctx, exec, enr, "enrollment "+string(enr.Status))
		return exec, err
	}

	seq, step, steps, contact, err := s.loadContext(ctx, enr, exec.StepID)
	if err != nil {
		return nil, err
	}

	if s.generator == nil {
		return nil, s.recordGenerationFailure(ctx, exec, enr, errors.New("no content generator configured"))
	}
	content, err := s.generator.GenerateStepContent(ctx, contentRequest(seq, len(steps), step, contact))
	if err == nil && (content == nil || strings.TrimSpace(content.Body) == "") {
		err = errors.New("generator returned empty content")
	}
	if err != nil {
		return nil, s.recordGenerationFailure(ctx, exec, enr, err)
	}

	next := models.ExecutionScheduled
	if seq.ReviewAIContent() {
		next = models.ExecutionPendingReview
	}
	update := models.StepExecution{
		GeneratedSubject: content.Subject,
		GeneratedBody:    content.Body,
		TalkingPoints:    content.TalkingPoints,
		Status:           next,
	}
	res := s.db.WithContext(ctx).Model(exec).
		Where("status = ?", models.ExecutionPendingReview).
		Select("generated_subject", "generated_body", "talking_points", "error_message", "status", "visible_at").
		Updates(&update)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return exec, nil
	}
	exec.GeneratedSubject, exec.GeneratedBody, exec.TalkingPoints = content.Subject, content.Body, content.TalkingPoints
	exec.Status, exec.ErrorMessage, exec.VisibleAt = next, "", nil

	s.enqueue(ctx, exec)
	evType := EventStepScheduled
	if next == models.ExecutionPendingReview {
		evType = EventStepPendingReview
	}
	s.publish(Event{
		Type:         evType,
		TenantID:     exec.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		ExecutionID:  exec.ID,
		Status:       string(next),
		Message:      "content generated",
	})
	return exec, nil
}

func (s *Scheduler) recordGenerationFailure(ctx context.Context, exec *models.StepExecution, enr *models.Enrollment, cause error) error {
	failure := &GenerationFailure{ExecutionID: exec.ID, Err: cause}
	utils.LogError("content_generation_failed", failure, map[string]interface{}{
		"execution_id":  exec.ID,
		"enrollment_id": enr.ID,
	})
	if err := s.db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("id = ? AND status = ?", exec.ID, models.ExecutionPendingReview).
		Update("error_message", cause.Error()).Error; err != nil {
		return err
	}
	s.publish(Event{
		Type:         EventGenerationFailed,
		TenantID:     exec.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		ExecutionID:  exec.ID,
		Status:       string(models.ExecutionPendingReview),
		Message:      cause.Error(),
	})
	return failure
}

// Approve releases a pending_review execution for dispatch, optionally with
// operator edits to the content.
func (s *Scheduler) Approve(ctx context.Context, tenantID, executionID uint, in ApproveInput) (*models.StepExecution, error) {
	if fields := utils.FieldErrors(in); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}
	exec, err := s.findExecution(ctx, s.db, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateExecutionTransition(exec.Status, models.ExecutionScheduled); err != nil {
		return nil, err
	}
	enr, err := s.findEnrollment(ctx, s.db, 0, exec.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if !enr.Status.IsOpen() {
		return nil, &ConfigurationError{Reason: "enrollment is " + string(enr.Status)}
	}

	if in.Subject != nil {
		exec.GeneratedSubject = *in.Subject
	}
	if in.Body != nil {
		exec.GeneratedBody = *in.Body
	}
	if !exec.HasContent() {
		return nil, newValidationError("body", "content is required before approval")
	}

	update := models.StepExecution{
		GeneratedSubject: exec.GeneratedSubject,
		GeneratedBody:    exec.GeneratedBody,
		Status:           models.ExecutionScheduled,
	}
	res := s.db.WithContext(ctx).Model(exec).
		Where("status = ?", models.ExecutionPendingReview).
		Select("generated_subject", "generated_body", "error_message", "status", "visible_at").
		Updates(&update)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrencyConflict
	}
	exec.Status, exec.ErrorMessage, exec.VisibleAt = models.ExecutionScheduled, "", nil

	s.enqueue(ctx, exec)
	s.publish(Event{
		Type:         EventStepScheduled,
		TenantID:     exec.TenantID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		ExecutionID:  exec.ID,
		Status:       string(models.ExecutionScheduled),
		Message:      "approved",
	})
	return exec, nil
}

// Preview computes the content of the enrollment's current step without
// storing anything.
func (s *Scheduler) Preview(ctx context.Context, tenantID, enrollmentID uint) (*ContentPreview, error) {
	enr, err := s.findEnrollment(ctx, s.db, tenantID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if !enr.Status.IsOpen() {
		return nil, &ConfigurationError{Reason: "enrollment is " + string(enr.Status)}
	}

	steps, err := s.stepsForVersion(ctx, s.db, enr.SequenceID, enr.SequenceVersion)
	if err != nil {
		return nil, err
	}
	if enr.CurrentStep < 1 || enr.CurrentStep > len(steps) {
		return nil, &ConfigurationError{Reason: "enrollment has no current step"}
	}
	step := steps[enr.CurrentStep-1]

	preview := &ContentPreview{
		EnrollmentID: enr.ID,
		StepNumber:   step.StepNumber,
		Channel:      step.Channel,
	}

	var exec models.StepExecution
	err = s.db.WithContext(ctx).
		Where("enrollment_id = ? AND status IN ?", enr.ID, models.InFlightExecutionStatuses).
		First(&exec).Error
	switch {
	case err == nil:
		preview.ExecutionID = exec.ID
		preview.ScheduledFor = utils.Pointer(exec.ScheduledFor)
		if exec.HasContent() {
			preview.Subject = exec.GeneratedSubject
			preview.Body = exec.GeneratedBody
			preview.TalkingPoints = exec.TalkingPoints
			preview.Generated = step.AIPersonalization
			return preview, nil
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	seq, _, _, contact, err := s.loadContext(ctx, enr, step.ID)
	if err != nil {
		return nil, err
	}

	if step.AIPersonalization {
		if s.generator == nil {
			return nil, &GenerationFailure{ExecutionID: preview.ExecutionID, Err: errors.New("no content generator configured")}
		}
		content, err := s.generator.GenerateStepContent(ctx, contentRequest(seq, len(steps), &step, contact))
		if err != nil {
			return nil, &GenerationFailure{ExecutionID: preview.ExecutionID, Err: err}
		}
		preview.Subject = content.Subject
		preview.Body = content.Body
		preview.TalkingPoints = content.TalkingPoints
		preview.Generated = true
		return preview, nil
	}

	preview.Subject = utils.RenderTemplate(step.SubjectTemplate, contact)
	preview.Body = utils.RenderTemplate(step.BodyTemplate, contact)
	return preview, nil
}

func (s *Scheduler) loadContext(ctx context.Context, enr *models.Enrollment, stepID uint) (*models.Sequence, *models.SequenceStep, []models.SequenceStep, *models.Contact, error) {
	seq, err := s.findSequence(ctx, s.db, 0, enr.SequenceID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	steps, err := s.stepsForVersion(ctx, s.db, enr.SequenceID, enr.SequenceVersion)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var step *models.SequenceStep
	for i := range steps {
		if steps[i].ID == stepID {
			step = &steps[i]
			break
		}
	}
	if step == nil {
		return nil, nil, nil, nil, fmt.Errorf("step %d is not part of sequence %d version %d", stepID, enr.SequenceID, enr.SequenceVersion)
	}
	contact, err := s.contacts.GetContact(ctx, enr.TenantID, enr.ContactID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return seq, step, steps, contact, nil
}

// Tick runs one bounded scheduling pass and returns. Every item is handled
// on its own; one failure never aborts the batch.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	result := &TickResult{}
	now := s.now()
	limit := s.opts.BatchSize
	openStatuses := []models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentPaused}

	// 1. make sure every due scheduled execution is queued
	var due []models.StepExecution
	err := s.db.WithContext(ctx).
		Select("step_executions.id", "step_executions.scheduled_for", "step_executions.status").
		Joins("JOIN enrollments ON enrollments.id = step_executions.enrollment_id").
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id").
		Where("step_executions.status = ? AND step_executions.scheduled_for <= ?", models.ExecutionScheduled, now).
		Where("enrollments.status IN ? AND sequences.status = ?", openStatuses, models.SequenceActive).
		Order("step_executions.scheduled_for ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return result, fmt.Errorf("scan due executions: %w", err)
	}
	for i := range due {
		if err := s.queue.Enqueue(ctx, due[i].ID, due[i].ScheduledFor); err != nil {
			result.Errors++
			continue
		}
		result.Reconciled++
	}

	// 2. generate content that AI steps are waiting for
	var waiting []uint
	err = s.db.WithContext(ctx).Model(&models.StepExecution{}).
		Joins("JOIN enrollments ON enrollments.id = step_executions.enrollment_id").
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id").
		Where("step_executions.status = ? AND step_executions.generated_body = ''", models.ExecutionPendingReview).
		Where("enrollments.status IN ? AND sequences.status = ?", openStatuses, models.SequenceActive).
		Order("step_executions.scheduled_for ASC").
		Limit(limit).
		Pluck("step_executions.id", &waiting).Error
	if err != nil {
		return result, fmt.Errorf("scan pending generation: %w", err)
	}
	for _, id := range waiting {
		if _, err := s.Generate(ctx, 0, id); err != nil {
			var gf *GenerationFailure
			if errors.As(err, &gf) {
				result.GenerationFailed++
			} else {
				result.Errors++
			}
			continue
		}
		result.Generated++
	}

	// 3. perform what the queue hands us
	deliveries, err := s.queue.Receive(ctx, now, limit, s.opts.Visibility)
	if err != nil {
		return result, fmt.Errorf("receive due executions: %w", err)
	}
	result.Received = len(deliveries)
	for _, d := range deliveries {
		outcome, err := s.Materialize(ctx, d.ExecutionID)
		var df *DispatchFailure
		if err != nil && !errors.As(err, &df) {
			// leave it unacked; the visibility timeout redelivers it
			result.Errors++
			s.log.WithError(err).WithField("execution_id", d.ExecutionID).Warn("materialize failed")
			continue
		}

		switch outcome {
		case OutcomeSent:
			result.Sent++
		case OutcomeFailed:
			result.DispatchFailed++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomePendingReview:
			result.PendingReview++
		case OutcomeHeld:
			// acked; the reconcile scan requeues it after activation
			result.Held++
		case OutcomeClaimedElsewhere:
			// the claim holder acks
			continue
		}

		if err := s.queue.Ack(ctx, d); err != nil {
			result.Errors++
			continue
		}
		if outcome == OutcomeNotDue {
			if exec, err := s.findExecution(ctx, s.db, 0, d.ExecutionID); err == nil {
				s.enqueue(ctx, exec)
			}
		}
	}

	// 4. catch up enrollments that have nothing in flight
	var idle []uint
	err = s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("status = ?", models.EnrollmentActive).
		Where("sequence_id IN (?)", s.db.Model(&models.Sequence{}).Select("id").Where("status = ?", models.SequenceActive)).
		Where(`NOT EXISTS (SELECT 1 FROM step_executions x
			WHERE x.enrollment_id = enrollments.id AND x.status IN ? AND x.deleted_at IS NULL)`,
			models.InFlightExecutionStatuses).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &idle).Error
	if err != nil {
		return result, fmt.Errorf("scan idle enrollments: %w", err)
	}
	for _, id := range idle {
		outcome, err := s.Advance(ctx, id)
		if err != nil {
			result.Errors++
			s.log.WithError(err).WithField("enrollment_id", id).Warn("catch-up advance failed")
			continue
		}
		if outcome != AdvanceNoop {
			result.Advanced++
		}
	}

	if result.Received > 0 || result.Generated > 0 || result.Advanced > 0 || result.Errors > 0 {
		s.log.WithFields(map[string]interface{}{
			"received":          result.Received,
			"sent":              result.Sent,
			"dispatch_failed":   result.DispatchFailed,
			"generated":         result.Generated,
			"generation_failed": result.GenerationFailed,
			"advanced":          result.Advanced,
			"errors":            result.Errors,
		}).Info("scheduler tick")
	}
	return result, nil
}
