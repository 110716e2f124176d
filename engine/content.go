package engine

import (
	"time"

	"cadencely/models"
)

// ContentRequest is what the generator receives for one execution.
type ContentRequest struct {
	Contact         ContactContext  `json:"contact"`
	Step            StepContext     `json:"step"`
	SequenceContext SequenceContext `json:"sequence_context"`
}

type ContactContext struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Title     string `json:"title"`
}

type StepContext struct {
	StepNumber      int            `json:"step_number"`
	Channel         models.Channel `json:"channel"`
	SubjectTemplate string         `json:"subject_template"`
	BodyTemplate    string         `json:"body_template"`
	AIPrompt        string         `json:"ai_prompt"`
}

type SequenceContext struct {
	Name       string `json:"name"`
	TotalSteps int    `json:"total_steps"`
}

// GeneratedContent is the channel-neutral form of a generator response.
// Email fills Subject and Body, social and task fill Body, call fills Body
// with the opening and call to action plus TalkingPoints.
type GeneratedContent struct {
	Subject       string   `json:"subject,omitempty"`
	Body          string   `json:"body"`
	TalkingPoints []string `json:"talking_points,omitempty"`
}

// DispatchRequest carries everything a channel needs to perform a step.
type DispatchRequest struct {
	ExecutionID   uint
	TenantID      uint
	StepNumber    int
	SequenceName  string
	Channel       models.Channel
	Contact       *models.Contact
	Subject       string
	Body          string
	// HTML marks Body as markup; otherwise it is plain text.
	HTML          bool
	TalkingPoints []string
	TrackingID    string
	MessageID     string
	DueAt         time.Time
}

type DispatchResult struct {
	// ProviderMessageID overrides the generated Message-ID when the channel
	// assigns its own.
	ProviderMessageID string
}

// ContentPreview is the content a step would use, computed without
// committing anything.
type ContentPreview struct {
	EnrollmentID  uint           `json:"enrollment_id"`
	ExecutionID   uint           `json:"execution_id,omitempty"`
	StepNumber    int            `json:"step_number"`
	Channel       models.Channel `json:"channel"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body"`
	TalkingPoints []string       `json:"talking_points,omitempty"`
	Generated     bool           `json:"generated"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
}

func contentRequest(seq *models.Sequence, totalSteps int, step *models.SequenceStep, contact *models.Contact) ContentRequest {
	return ContentRequest{
		Contact: ContactContext{
			FirstName: contact.FirstName,
			LastName:  contact.LastName,
			Email:     contact.Email,
			Title:     contact.Title,
		},
		Step: StepContext{
			StepNumber:      step.StepNumber,
			Channel:         step.Channel,
			SubjectTemplate: step.SubjectTemplate,
			BodyTemplate:    step.BodyTemplate,
			AIPrompt:        step.AIPrompt,
		},
		SequenceContext: SequenceContext{
			Name:       seq.Name,
			TotalSteps: totalSteps,
		},
	}
}
