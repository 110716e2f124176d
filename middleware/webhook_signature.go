package middleware

import (
	"time"

	"cadencely/config"
	"cadencely/utils"

	"github.com/gofiber/fiber/v2"
)

const (
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Webhook-Signature"

	webhookTolerance = 5 * time.Minute
)

// WebhookSignature admits provider callbacks signed with the shared webhook
// secret. The signature covers the timestamp header and the raw body.
func WebhookSignature() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := utils.VerifyWebhook(
			config.AppConfig.WebhookSecret,
			c.Get(HeaderWebhookTimestamp),
			c.Get(HeaderWebhookSignature),
			c.Body(),
			time.Now(),
			webhookTolerance,
		)
		if err != nil {
			utils.LogEvent("webhook_signature_rejected", map[string]interface{}{
				"endpoint": c.Path(),
				"ip":       c.IP(),
				"reason":   err.Error(),
			})
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid webhook signature",
			})
		}
		return c.Next()
	}
}
