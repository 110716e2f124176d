// Package engine implements the sequence engine: definitions, enrollments,
// step scheduling, engagement tracking and statistics.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"cadencely/models"
	"cadencely/queue"
	"cadencely/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ContentGenerator produces personalized content for one step execution.
// Any returned error is treated as a generation failure.
type ContentGenerator interface {
	GenerateStepContent(ctx context.Context, req ContentRequest) (*GeneratedContent, error)
}

// Dispatcher performs the outbound action of a step on its channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
}

// ContactDirectory is the read-only view of contacts owned by the CRM.
type ContactDirectory interface {
	GetContact(ctx context.Context, tenantID, contactID uint) (*models.Contact, error)
}

// EventPublisher receives engine events for live feeds.
type EventPublisher interface {
	Publish(ev Event)
}

type Options struct {
	// BatchSize bounds every scan done by one tick.
	BatchSize int
	// Visibility is how long a received queue message stays hidden.
	Visibility time.Duration
	// ClaimLease bounds how long a dispatch claim blocks other workers.
	ClaimLease time.Duration
	// MessageIDDomain is the right-hand side of generated Message-IDs.
	MessageIDDomain string
	// WorkerID identifies this process in dispatch claims.
	WorkerID string
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Visibility <= 0 {
		o.Visibility = 2 * time.Minute
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 5 * time.Minute
	}
	if o.MessageIDDomain == "" {
		o.MessageIDDomain = "cadencely.local"
	}
	if o.WorkerID == "" {
		o.WorkerID = uuid.NewString()
	}
}

type Deps struct {
	DB         *gorm.DB
	Contacts   ContactDirectory
	Generator  ContentGenerator
	Dispatcher Dispatcher
	Queue      queue.DueQueue
	Events     EventPublisher
	Clock      func() time.Time
	Logger     *logrus.Entry
	Options    Options
}

// Engine bundles the components sharing one set of dependencies.
type Engine struct {
	Definitions *DefinitionStore
	Enrollments *EnrollmentManager
	Scheduler   *Scheduler
	Tracker     *Tracker
	Stats       *StatsAggregator
	Hub         *Hub
}

func New(d Deps) *Engine {
	d.Options.withDefaults()
	hub := NewHub()
	if d.Contacts == nil {
		d.Contacts = NewGormContactDirectory(d.DB)
	}
	if d.Queue == nil {
		d.Queue = queue.NewDBQueue(d.DB)
	}
	if d.Events == nil {
		d.Events = hub
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = logrus.WithField("component", "sequence_engine")
	}

	c := &core{
		db:         d.DB,
		contacts:   d.Contacts,
		generator:  d.Generator,
		dispatcher: d.Dispatcher,
		queue:      d.Queue,
		events:     d.Events,
		clock:      d.Clock,
		log:        d.Logger,
		opts:       d.Options,
	}

	scheduler := &Scheduler{core: c}
	return &Engine{
		Definitions: &DefinitionStore{core: c},
		Enrollments: &EnrollmentManager{core: c, scheduler: scheduler},
		Scheduler:   scheduler,
		Tracker:     &Tracker{core: c},
		Stats:       &StatsAggregator{core: c},
		Hub:         hub,
	}
}

// core is the state shared by every component.
type core struct {
	db         *gorm.DB
	contacts   ContactDirectory
	generator  ContentGenerator
	dispatcher Dispatcher
	queue      queue.DueQueue
	events     EventPublisher
	clock      func() time.Time
	log        *logrus.Entry
	opts       Options
}

func (c *core) now() time.Time {
	return c.clock().UTC()
}

func (c *core) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.events.Publish(ev)
}

// enqueue hands a scheduled execution to the due queue. A lost enqueue is
// recovered by the reconcile pass of the next tick, so it is only logged.
func (c *core) enqueue(ctx context.Context, exec *models.StepExecution) {
	if exec.Status != models.ExecutionScheduled {
		return
	}
	if err := c.queue.Enqueue(ctx, exec.ID, exec.ScheduledFor); err != nil {
		utils.LogError("enqueue_failed", err, map[string]interface{}{
			"execution_id": exec.ID,
		})
	}
}

func (c *core) findSequence(ctx context.Context, db *gorm.DB, tenantID, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	q := db.WithContext(ctx).Where("id = ?", id)
	if tenantID != 0 {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.First(&seq).Error; err != nil {
		return nil, notFound(err)
	}
	return &seq, nil
}

func (c *core) findEnrollment(ctx context.Context, db *gorm.DB, tenantID, id uint) (*models.Enrollment, error) {
	var enr models.Enrollment
	q := db.WithContext(ctx).Where("id = ?", id)
	if tenantID != 0 {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.First(&enr).Error; err != nil {
		return nil, notFound(err)
	}
	return &enr, nil
}

func (c *core) findExecution(ctx context.Context, db *gorm.DB, tenantID, id uint) (*models.StepExecution, error) {
	var exec models.StepExecution
	q := db.WithContext(ctx).Where("id = ?", id)
	if tenantID != 0 {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.First(&exec).Error; err != nil {
		return nil, notFound(err)
	}
	return &exec, nil
}

// stepsForVersion returns the immutable step snapshot ordered by step number.
func (c *core) stepsForVersion(ctx context.Context, db *gorm.DB, sequenceID uint, version int) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := db.WithContext(ctx).
		Where("sequence_id = ? AND version = ?", sequenceID, version).
		Order("step_number ASC").
		Find(&steps).Error
	return steps, err
}

func (c *core) newExecution(enr *models.Enrollment, step *models.SequenceStep, due time.Time) models.StepExecution {
	status := models.ExecutionScheduled
	if step.AIPersonalization {
		status = models.ExecutionPendingReview
	}
	return models.StepExecution{
		TenantID:     enr.TenantID,
		EnrollmentID: enr.ID,
		StepID:       step.ID,
		StepNumber:   step.StepNumber,
		Channel:      step.Channel,
		Status:       status,
		ScheduledFor: due.UTC(),
		TrackingID:   utils.NewTrackingID(),
	}
}

// messageID is stable for an execution so a redelivered dispatch carries the
// same Message-ID header.
func (c *core) messageID(exec *models.StepExecution) string {
	return "<" + exec.TrackingID + "@" + c.opts.MessageIDDomain + ">"
}

// skipInFlight skips every unclaimed not-yet-dispatched execution of an
// enrollment. Claimed executions run to completion.
func (c *core) skipInFlight(ctx context.Context, db *gorm.DB, enrollmentID uint, reason string) (int64, error) {
	now := c.now()
	res := db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("enrollment_id = ? AND status IN ?", enrollmentID, models.InFlightExecutionStatuses).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Updates(map[string]interface{}{
			"status":        models.ExecutionSkipped,
			"error_message": reason,
			"executed_at":   now,
		})
	return res.RowsAffected, res.Error
}

// closeEnrollment moves an open or completed enrollment to a closing status
// and skips what is still in flight.
func (c *core) closeEnrollment(ctx context.Context, db *gorm.DB, enr *models.Enrollment, to models.EnrollmentStatus, reason string) (bool, error) {
	if enr.Status == to {
		return false, nil
	}
	if err := models.ValidateEnrollmentTransition(enr.Status, to); err != nil {
		return false, err
	}
	now := c.now()
	res := db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", enr.ID, enr.Status).
		Updates(map[string]interface{}{
			"status":           to,
			"last_activity_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, ErrConcurrencyConflict
	}
	if _, err := c.skipInFlight(ctx, db, enr.ID, reason); err != nil {
		return false, err
	}
	enr.Status = to
	return true, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation reports a unique index conflict. TranslateError maps most
// drivers to gorm.ErrDuplicatedKey; the string checks cover the rest.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
