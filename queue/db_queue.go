package queue

import (
	"context"
	"strconv"
	"time"

	"cadencely/models"

	"gorm.io/gorm"
)

// DBQueue implements DueQueue directly on step_executions for deployments
// without Redis. Scheduled rows are the queue; visible_at is the lease.
type DBQueue struct {
	db *gorm.DB
}

func NewDBQueue(db *gorm.DB) *DBQueue {
	return &DBQueue{db: db}
}

// Enqueue is a no-op: a scheduled row is already queued.
func (q *DBQueue) Enqueue(ctx context.Context, executionID uint, dueAt time.Time) error {
	return nil
}

func (q *DBQueue) Receive(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]Delivery, error) {
	var ids []uint
	// executions of sequences that are not active stay put until activation
	err := q.db.WithContext(ctx).Model(&models.StepExecution{}).
		Joins("JOIN enrollments ON enrollments.id = step_executions.enrollment_id").
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id").
		Where("step_executions.status = ? AND step_executions.scheduled_for <= ?", models.ExecutionScheduled, now).
		Where("step_executions.visible_at IS NULL OR step_executions.visible_at <= ?", now).
		Where("sequences.status = ?", models.SequenceActive).
		Order("step_executions.scheduled_for ASC, step_executions.id ASC").
		Limit(limit).
		Pluck("step_executions.id", &ids).Error
	if err != nil {
		return nil, err
	}

	deadline := now.Add(visibility)
	receipt := strconv.FormatInt(deadline.UnixNano(), 10)
	deliveries := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		res := q.db.WithContext(ctx).Model(&models.StepExecution{}).
			Where("id = ? AND status = ?", id, models.ExecutionScheduled).
			Where("visible_at IS NULL OR visible_at <= ?", now).
			Update("visible_at", deadline)
		if res.Error != nil {
			return deliveries, res.Error
		}
		if res.RowsAffected == 0 {
			// leased by another worker between the scan and the update
			continue
		}
		deliveries = append(deliveries, Delivery{ExecutionID: id, Receipt: receipt})
	}
	return deliveries, nil
}

// Ack is a no-op: once the execution leaves the scheduled status it is no
// longer selected.
func (q *DBQueue) Ack(ctx context.Context, d Delivery) error {
	return nil
}
