package controller

import (
	"context"
	"net/url"
	"time"

	"cadencely/engine"
	"cadencely/queue"
	"cadencely/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// EngagementPublisher hands webhook signals to the engagement topic.
type EngagementPublisher interface {
	Publish(ctx context.Context, msg queue.EngagementMessage) error
}

// EngagementController receives engagement from providers and from the
// tracking links embedded in outbound email.
type EngagementController struct {
	Tracker *engine.Tracker
	// Producer, when set, moves webhook signals onto the engagement topic
	// instead of applying them inline.
	Producer EngagementPublisher
	Logger   *logrus.Entry
}

func NewEngagementController(tracker *engine.Tracker, producer EngagementPublisher, logger *logrus.Entry) *EngagementController {
	return &EngagementController{Tracker: tracker, Producer: producer, Logger: logger}
}

// webhookEvent is what providers may post. Executions are addressed only by
// the identifiers that went out in the message itself.
type webhookEvent struct {
	TrackingID string        `json:"tracking_id" validate:"max=64"`
	MessageID  string        `json:"message_id" validate:"max=255"`
	Signal     engine.Signal `json:"signal" validate:"required,oneof=opened clicked replied bounced opted_out"`
	OccurredAt time.Time     `json:"occurred_at"`
	Source     string        `json:"source" validate:"max=30"`
	ExternalID string        `json:"external_id" validate:"max=255"`
}

// HandleWebhook accepts provider events (opens, clicks, replies, bounces).
func (ec *EngagementController) HandleWebhook(c *fiber.Ctx) error {
	var event webhookEvent
	if err := c.BodyParser(&event); err != nil {
		return badBody(c, err)
	}
	if event.Source == "" {
		event.Source = "webhook"
	}
	if fields := utils.FieldErrors(event); fields != nil {
		return respondError(c, &engine.ValidationError{Fields: fields})
	}
	if event.TrackingID == "" && event.MessageID == "" {
		return respondError(c, &engine.ValidationError{Fields: map[string]string{
			"tracking_id": "one of tracking_id or message_id is required",
		}})
	}

	if ec.Producer != nil {
		err := ec.Producer.Publish(c.UserContext(), queue.EngagementMessage{
			ExternalID: event.ExternalID,
			TrackingID: event.TrackingID,
			MessageID:  event.MessageID,
			Signal:     string(event.Signal),
			OccurredAt: event.OccurredAt,
			Source:     event.Source,
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"success": true,
			"message": "Engagement event queued",
		})
	}

	res, err := ec.Tracker.RecordSignal(c.UserContext(), engine.SignalInput{
		TrackingID: event.TrackingID,
		MessageID:  event.MessageID,
		Signal:     event.Signal,
		OccurredAt: event.OccurredAt,
		Source:     event.Source,
		ExternalID: event.ExternalID,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(res))
}

func (ec *EngagementController) HandleOpenTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	if !utils.ValidTrackingToken(trackingID, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	ec.record(c, trackingID, engine.SignalOpened, "pixel")

	c.Set(fiber.HeaderCacheControl, "no-store, max-age=0")
	return c.Type("gif").Send(transparentPixel())
}

func (ec *EngagementController) HandleClickTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	raw := c.Query("url")
	if !utils.ValidClickToken(trackingID, raw, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid url")
	}

	ec.record(c, trackingID, engine.SignalClicked, "click")
	return c.Redirect(target.String(), fiber.StatusFound)
}

func (ec *EngagementController) HandleUnsubscribe(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	if !utils.ValidTrackingToken(trackingID, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	ec.record(c, trackingID, engine.SignalOptedOut, "unsubscribe")

	c.Type("html")
	return c.SendString("<!doctype html><html><body><p>You have been unsubscribed and will not receive further messages.</p></body></html>")
}

// record applies a tracking-link signal. Failures are logged only; the
// recipient always gets the pixel or redirect.
func (ec *EngagementController) record(c *fiber.Ctx, trackingID string, signal engine.Signal, source string) {
	_, err := ec.Tracker.RecordSignal(c.UserContext(), engine.SignalInput{
		TrackingID: trackingID,
		Signal:     signal,
		OccurredAt: time.Now(),
		Source:     source,
	})
	if err != nil {
		ec.Logger.WithError(err).WithFields(logrus.Fields{
			"tracking_id": trackingID,
			"signal":      signal,
		}).Warn("Failed to record tracking signal")
	}
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
