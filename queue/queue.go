// Package queue holds the transports that move work between the API,
// the scheduler, and external event sources.
package queue

import (
	"context"
	"time"
)

// Delivery is one leased message. Receipt identifies the lease; acking
// with a stale receipt is a no-op.
type Delivery struct {
	ExecutionID uint
	Receipt     string
}

// DueQueue holds step executions until they are due. Receive leases due
// messages for the visibility timeout; a message that is not acked before
// the lease runs out is delivered again.
type DueQueue interface {
	Enqueue(ctx context.Context, executionID uint, dueAt time.Time) error
	Receive(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}
