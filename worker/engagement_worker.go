package worker

import (
	"context"
	"errors"
	"time"

	"cadencely/engine"
	"cadencely/queue"
	"cadencely/utils"

	"github.com/sirupsen/logrus"
)

type signalRecorder interface {
	RecordSignal(ctx context.Context, in engine.SignalInput) (*engine.SignalResult, error)
}

type engagementSource interface {
	Read(ctx context.Context) (queue.EngagementMessage, func(context.Context) error, error)
}

const engagementAttempts = 5

// EngagementWorker applies signals from the engagement topic. A message is
// committed once it has been applied, found to be a duplicate, or rejected
// as unusable.
type EngagementWorker struct {
	source  engagementSource
	tracker signalRecorder
	backoff time.Duration
	logger  *logrus.Entry
}

func NewEngagementWorker(source engagementSource, tracker signalRecorder, logger *logrus.Entry) *EngagementWorker {
	if logger == nil {
		logger = logrus.WithField("worker", "engagement")
	}
	return &EngagementWorker{
		source:  source,
		tracker: tracker,
		backoff: time.Second,
		logger:  logger,
	}
}

func (ew *EngagementWorker) Start(ctx context.Context) {
	ew.logger.Info("Engagement worker started")
	for {
		msg, commit, err := ew.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				ew.logger.Info("Engagement worker shutting down...")
				return
			}
			ew.logger.WithError(err).Warn("Failed to read engagement message")
			if !sleep(ctx, ew.backoff) {
				return
			}
			continue
		}

		ew.handle(ctx, msg)
		if err := commit(ctx); err != nil && ctx.Err() == nil {
			ew.logger.WithError(err).Warn("Failed to commit engagement message")
		}
	}
}

// handle applies msg, retrying transient failures. It returns once the
// message needs no further work.
func (ew *EngagementWorker) handle(ctx context.Context, msg queue.EngagementMessage) {
	in := engine.SignalInput{
		ExecutionID: msg.ExecutionID,
		TrackingID:  msg.TrackingID,
		MessageID:   msg.MessageID,
		Signal:      engine.Signal(msg.Signal),
		OccurredAt:  msg.OccurredAt,
		Source:      msg.Source,
		ExternalID:  msg.ExternalID,
	}
	if in.Source == "" {
		in.Source = "kafka"
	}

	fields := logrus.Fields{
		"signal":       msg.Signal,
		"external_id":  msg.ExternalID,
		"execution_id": msg.ExecutionID,
		"tracking_id":  msg.TrackingID,
	}

	for attempt := 1; attempt <= engagementAttempts; attempt++ {
		res, err := ew.tracker.RecordSignal(ctx, in)
		if err == nil {
			ew.logger.WithFields(fields).WithField("applied", res.Applied).Debug("Engagement signal handled")
			return
		}
		if permanent(err) {
			ew.logger.WithFields(fields).WithError(err).Warn("Dropping engagement message")
			return
		}
		if attempt == engagementAttempts || !sleep(ctx, ew.backoff*time.Duration(attempt)) {
			utils.LogError("engagement_apply", err, fields)
			return
		}
	}
}

func permanent(err error) bool {
	var verr *engine.ValidationError
	return errors.Is(err, engine.ErrNotFound) || errors.As(err, &verr)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
