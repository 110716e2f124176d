// Package channels performs the outbound action of a step on each channel.
package channels

import (
	"context"
	"errors"
	"fmt"

	"cadencely/engine"
	"cadencely/models"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoChannel = errors.New("no dispatcher registered for channel")
	ErrNoContact = errors.New("dispatch request has no contact")
)

// Router implements engine.Dispatcher by handing each request to the
// dispatcher registered for its channel.
type Router struct {
	routes map[models.Channel]engine.Dispatcher
	log    *logrus.Entry
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[models.Channel]engine.Dispatcher),
		log:    logrus.WithField("component", "channel_router"),
	}
}

// Register sets the dispatcher for channel, replacing any previous one.
func (r *Router) Register(channel models.Channel, d engine.Dispatcher) *Router {
	r.routes[channel] = d
	return r
}

func (r *Router) Dispatch(ctx context.Context, req engine.DispatchRequest) (*engine.DispatchResult, error) {
	if req.Contact == nil {
		return nil, ErrNoContact
	}
	d, ok := r.routes[req.Channel]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoChannel, req.Channel)
	}

	result, err := d.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &engine.DispatchResult{}
	}
	r.log.WithFields(logrus.Fields{
		"execution_id": req.ExecutionID,
		"channel":      req.Channel,
		"step_number":  req.StepNumber,
	}).Info("step dispatched")
	return result, nil
}
