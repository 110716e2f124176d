package worker

import (
	"context"
	"time"

	"cadencely/engine"

	"github.com/sirupsen/logrus"
)

type ticker interface {
	Tick(ctx context.Context) (*engine.TickResult, error)
}

// SequenceWorker drives the scheduler: every interval it runs one tick that
// reconciles the queue, generates content, dispatches due steps and advances
// enrollments.
type SequenceWorker struct {
	scheduler    ticker
	interval     time.Duration
	startupDelay time.Duration
	logger       *logrus.Entry
}

func NewSequenceWorker(scheduler ticker, interval time.Duration, logger *logrus.Entry) *SequenceWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.WithField("worker", "sequence")
	}
	return &SequenceWorker{
		scheduler:    scheduler,
		interval:     interval,
		startupDelay: 5 * time.Second,
		logger:       logger,
	}
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	// let the HTTP server come up first
	select {
	case <-ctx.Done():
		return
	case <-time.After(sw.startupDelay):
	}

	sw.logger.WithField("interval", sw.interval.String()).Info("Sequence worker started")

	t := time.NewTicker(sw.interval)
	defer t.Stop()

	sw.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Sequence worker shutting down...")
			return
		case <-t.C:
			sw.runTick(ctx)
		}
	}
}

func (sw *SequenceWorker) runTick(ctx context.Context) {
	// A tick that panics must not take the worker down with it.
	defer func() {
		if r := recover(); r != nil {
			sw.logger.WithField("panic", r).Error("Scheduler tick panicked")
		}
	}()

	tctx, cancel := context.WithTimeout(ctx, sw.interval*4)
	defer cancel()

	if _, err := sw.scheduler.Tick(tctx); err != nil && ctx.Err() == nil {
		sw.logger.WithError(err).Error("Scheduler tick failed")
	}
}
