package controller

import (
	"cadencely/engine"
	"cadencely/models"
	"cadencely/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type EnrollmentController struct {
	Engine *engine.Engine
	Logger *logrus.Entry
}

func NewEnrollmentController(eng *engine.Engine, logger *logrus.Entry) *EnrollmentController {
	return &EnrollmentController{Engine: eng, Logger: logger}
}

// Enroll adds contacts to a sequence. Contacts that are already enrolled are
// counted as skipped, unknown ones as failed.
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	if sequenceID == 0 {
		return invalidID(c)
	}
	var input struct {
		ContactIDs []uint `json:"contact_ids"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}
	if len(input.ContactIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Validation failed",
			"fields":  map[string]string{"contact_ids": "is required"},
		})
	}

	res, err := ec.Engine.Enrollments.Enroll(c.UserContext(), tenantID(c), userID(c), sequenceID, input.ContactIDs)
	if err != nil {
		return respondError(c, err)
	}

	ec.Logger.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"enrolled":    res.Enrolled,
		"skipped":     res.Skipped,
		"failed":      res.Failed,
	}).Info("Contacts enrolled")

	status := fiber.StatusCreated
	if res.Enrolled == 0 {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(utils.SuccessResponse(res))
}

func (ec *EnrollmentController) GetEnrollments(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	if sequenceID == 0 {
		return invalidID(c)
	}
	page, limit := utils.Pagination(c)
	list, total, err := ec.Engine.Enrollments.ListEnrollments(c.UserContext(), tenantID(c), sequenceID, c.Query("status"), page, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.PaginatedResponse{Data: list, Total: total, Page: page, Limit: limit})
}

func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	enr, err := ec.Engine.Enrollments.GetEnrollment(c.UserContext(), tenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enr))
}

func (ec *EnrollmentController) SetStatus(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	var input struct {
		Status models.EnrollmentStatus `json:"status"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	enr, err := ec.Engine.Enrollments.SetEnrollmentStatus(c.UserContext(), tenantID(c), id, input.Status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enr))
}

func (ec *EnrollmentController) GetExecutions(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	execs, err := ec.Engine.Enrollments.ListExecutions(c.UserContext(), tenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(execs))
}

// Preview shows the content the enrollment's next step would send, without
// changing anything.
func (ec *EnrollmentController) Preview(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	preview, err := ec.Engine.Scheduler.Preview(c.UserContext(), tenantID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(preview))
}
