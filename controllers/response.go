package controller

import (
	"errors"

	"cadencely/engine"
	"cadencely/utils"

	"github.com/gofiber/fiber/v2"
)

// respondError maps engine errors onto HTTP statuses. Anything unexpected is
// reported and hidden behind a 500.
func respondError(c *fiber.Ctx, err error) error {
	var (
		verr *engine.ValidationError
		cerr *engine.ConfigurationError
		gerr *engine.GenerationFailure
	)

	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Validation failed",
			"fields":  verr.Fields,
		})
	case errors.As(err, &cerr):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, cerr.Reason, nil)
	case errors.Is(err, engine.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Invalid status transition", err)
	case errors.As(err, &gerr):
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Content generation failed", gerr.Err)
	}

	utils.LogError("api_error", err, map[string]interface{}{
		"method":    c.Method(),
		"path":      c.Path(),
		"tenant_id": c.Locals("tenantID"),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}

func tenantID(c *fiber.Ctx) uint {
	id, _ := c.Locals("tenantID").(uint)
	return id
}

func userID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}

func invalidID(c *fiber.Ctx) error {
	return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid id", nil)
}

func badBody(c *fiber.Ctx, err error) error {
	return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
}
