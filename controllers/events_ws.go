package controller

import (
	"time"

	"cadencely/engine"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const eventsPingInterval = 30 * time.Second

// RequireUpgrade rejects plain HTTP requests to websocket routes.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleEventsWS streams the tenant's engine events until the client goes
// away.
func HandleEventsWS(hub *engine.Hub, logger *logrus.Entry) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		tenant, _ := c.Locals("tenantID").(uint)
		if tenant == 0 {
			return
		}
		events, unsubscribe := hub.Subscribe(tenant, 64)
		defer unsubscribe()

		// the read loop only notices the client closing
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(eventsPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := c.WriteJSON(ev); err != nil {
					logger.WithError(err).Debug("Error writing event")
					return
				}
			case <-ping.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
