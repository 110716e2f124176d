package controller

import (
	"cadencely/engine"
	"cadencely/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type ExecutionController struct {
	Engine *engine.Engine
	Logger *logrus.Entry
}

func NewExecutionController(eng *engine.Engine, logger *logrus.Entry) *ExecutionController {
	return &ExecutionController{Engine: eng, Logger: logger}
}

// Approve releases reviewed content for dispatch, optionally with edits.
func (xc *ExecutionController) Approve(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	var input engine.ApproveInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return badBody(c, err)
		}
	}

	exec, err := xc.Engine.Scheduler.Approve(c.UserContext(), tenantID(c), id, input)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(exec))
}

// Generate retries content generation for an execution waiting on it.
func (xc *ExecutionController) Generate(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	exec, err := xc.Engine.Scheduler.Generate(c.UserContext(), tenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(exec))
}

// Tick runs one scheduler pass on demand.
func (xc *ExecutionController) Tick(c *fiber.Ctx) error {
	res, err := xc.Engine.Scheduler.Tick(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	xc.Logger.WithField("tenant_id", tenantID(c)).Info("Scheduler tick triggered via API")
	return c.JSON(utils.SuccessResponse(res))
}
