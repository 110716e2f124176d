package routes

import (
	controller "cadencely/controllers"
	"cadencely/engine"
	"cadencely/middleware"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type Deps struct {
	Engine *engine.Engine
	// Producer is optional; without it webhooks are applied inline.
	Producer         controller.EngagementPublisher
	Redis            *redis.Client
	WebhookRateLimit int
	// CORSOrigins may call the authenticated API from a browser.
	CORSOrigins      []string
	Logger           *logrus.Entry
}

func SetupAPIRoutes(app *fiber.App, d Deps) {
	sequenceController := controller.NewSequenceController(d.Engine, d.Logger.WithField("controller", "sequence"))
	enrollmentController := controller.NewEnrollmentController(d.Engine, d.Logger.WithField("controller", "enrollment"))
	executionController := controller.NewExecutionController(d.Engine, d.Logger.WithField("controller", "execution"))

	cors := middleware.APICORS(d.CORSOrigins)

	// Live events feed. Registered before the API group so the access log
	// middleware does not wrap the upgrade.
	app.Get("/api/v1/events", cors, middleware.Protected(), controller.RequireUpgrade,
		websocket.New(controller.HandleEventsWS(d.Engine.Hub, d.Logger.WithField("controller", "events"))))

	// API group with versioning and protection
	api := app.Group("/api/v1", cors, middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequence)
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Patch("/:id", sequenceController.UpdateSequence)
	sequence.Put("/:id/steps", sequenceController.ReplaceSteps)
	sequence.Post("/:id/status", sequenceController.SetStatus)
	sequence.Delete("/:id", sequenceController.DeleteSequence)
	sequence.Get("/:id/stats", sequenceController.GetStats)
	sequence.Get("/:id/steps/stats", sequenceController.GetStepStats)

	// Enrollment routes
	sequence.Post("/:id/enrollments", enrollmentController.Enroll)
	sequence.Get("/:id/enrollments", enrollmentController.GetEnrollments)

	enrollment := api.Group("/enrollments")
	enrollment.Get("/:id", enrollmentController.GetEnrollment)
	enrollment.Patch("/:id/status", enrollmentController.SetStatus)
	enrollment.Get("/:id/executions", enrollmentController.GetExecutions)
	enrollment.Get("/:id/preview", enrollmentController.Preview)

	// Execution routes
	execution := api.Group("/executions")
	execution.Post("/:id/approve", executionController.Approve)
	execution.Post("/:id/generate", executionController.Generate)

	api.Post("/scheduler/tick", executionController.Tick)
}

// SetupPublicRoutes registers the engagement endpoints that are reached
// without a user token: provider webhooks carry a shared-secret signature
// and tracking links carry an HMAC token.
func SetupPublicRoutes(app *fiber.App, d Deps) {
	engagementController := controller.NewEngagementController(d.Engine.Tracker, d.Producer,
		d.Logger.WithField("controller", "engagement"))

	limit := middleware.WebhookRateLimiter(d.WebhookRateLimit, d.Redis)

	app.Post("/webhooks/engagement", limit, middleware.WebhookSignature(), engagementController.HandleWebhook)
	app.Get("/track/open/:trackingID/:token", engagementController.HandleOpenTracking)
	app.Get("/track/click/:trackingID/:token", engagementController.HandleClickTracking)
	app.Get("/unsubscribe/:trackingID/:token", limit, engagementController.HandleUnsubscribe)
}

func SetupRoutes(app *fiber.App, d Deps) {
	if d.Logger == nil {
		d.Logger = logrus.WithField("component", "http")
	}

	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupPublicRoutes(app, d)
	SetupAPIRoutes(app, d)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	d.Logger.Info("Routes initialized successfully")
}
