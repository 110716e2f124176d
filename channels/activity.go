package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cadencely/engine"
	"cadencely/models"

	"gorm.io/gorm"
)

// ActivityCreator turns call and task steps into activities for a rep.
// There is at most one activity per execution, so a redelivered dispatch
// finds the existing row and succeeds.
type ActivityCreator struct {
	db *gorm.DB
}

func NewActivityCreator(db *gorm.DB) *ActivityCreator {
	return &ActivityCreator{db: db}
}

func (a *ActivityCreator) Dispatch(ctx context.Context, req engine.DispatchRequest) (*engine.DispatchResult, error) {
	if req.Channel != models.ChannelCall && req.Channel != models.ChannelTask {
		return nil, fmt.Errorf("activities are only created for call and task steps, got %q", req.Channel)
	}

	activity := models.Activity{
		TenantID:        req.TenantID,
		ContactID:       req.Contact.ID,
		StepExecutionID: req.ExecutionID,
		Type:            req.Channel,
		Title:           activityTitle(req),
		Notes:           req.Body,
		TalkingPoints:   req.TalkingPoints,
		DueAt:           req.DueAt,
	}

	err := a.db.WithContext(ctx).Create(&activity).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) && !strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("create activity: %w", err)
		}
		if err := a.db.WithContext(ctx).
			Where("step_execution_id = ?", req.ExecutionID).
			First(&activity).Error; err != nil {
			return nil, fmt.Errorf("load existing activity: %w", err)
		}
	}
	return &engine.DispatchResult{}, nil
}

func activityTitle(req engine.DispatchRequest) string {
	verb := "Call"
	if req.Channel == models.ChannelTask {
		verb = "Task for"
	}
	name := req.Contact.FullName()
	if name == "" {
		name = req.Contact.Email
	}
	title := fmt.Sprintf("%s %s", verb, name)
	if req.SequenceName != "" {
		title += fmt.Sprintf(" (%s, step %d)", req.SequenceName, req.StepNumber)
	}
	return title
}
