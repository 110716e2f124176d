package controller

import (
	"cadencely/engine"
	"cadencely/models"
	"cadencely/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type SequenceController struct {
	Engine *engine.Engine
	Logger *logrus.Entry
}

func NewSequenceController(eng *engine.Engine, logger *logrus.Entry) *SequenceController {
	return &SequenceController{Engine: eng, Logger: logger}
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input engine.SequenceInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	seq, err := sc.Engine.Definitions.CreateSequence(c.UserContext(), tenantID(c), userID(c), input)
	if err != nil {
		return respondError(c, err)
	}

	utils.LogEvent("sequence_created", map[string]interface{}{
		"tenant_id":   seq.TenantID,
		"sequence_id": seq.ID,
		"steps":       len(seq.Steps),
	})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	page, limit := utils.Pagination(c)
	seqs, total, err := sc.Engine.Definitions.ListSequences(c.UserContext(), tenantID(c), c.Query("status"), page, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.PaginatedResponse{Data: seqs, Total: total, Page: page, Limit: limit})
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	seq, err := sc.Engine.Definitions.GetSequence(c.UserContext(), tenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	var input engine.DetailsInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	seq, err := sc.Engine.Definitions.UpdateDetails(c.UserContext(), tenantID(c), id, input)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// ReplaceSteps publishes a new step version. Running enrollments keep theirs.
func (sc *SequenceController) ReplaceSteps(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	var input struct {
		Steps []engine.StepInput `json:"steps"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	seq, err := sc.Engine.Definitions.ReplaceSteps(c.UserContext(), tenantID(c), id, input.Steps)
	if err != nil {
		return respondError(c, err)
	}
	sc.Logger.WithFields(logrus.Fields{
		"sequence_id": seq.ID,
		"version":     seq.CurrentVersion,
	}).Info("Sequence steps replaced")
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) SetStatus(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	var input struct {
		Status models.SequenceStatus `json:"status"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	seq, err := sc.Engine.Definitions.SetStatus(c.UserContext(), tenantID(c), id, input.Status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// DeleteSequence removes an unused sequence; one with enrollments is archived.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	archived, err := sc.Engine.Definitions.DeleteSequence(c.UserContext(), tenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}

	message := "Sequence deleted"
	if archived {
		message = "Sequence has enrollments and was archived"
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"message":  message,
		"archived": archived,
	})
}

func (sc *SequenceController) GetStats(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	stats, err := sc.Engine.Stats.SequenceStats(c.UserContext(), tenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

func (sc *SequenceController) GetStepStats(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	stats, err := sc.Engine.Stats.StepStats(c.UserContext(), tenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}
