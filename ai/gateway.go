// Package ai generates personalized step content with an OpenAI chat model.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cadencely/engine"
	"cadencely/models"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyResponse     = errors.New("empty response from model")
)

// chatService is the slice of the OpenAI client the gateway uses.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	Temperature float64
}

// Gateway implements engine.ContentGenerator.
type Gateway struct {
	chat        chatService
	model       string
	timeout     time.Duration
	temperature float64
	log         *logrus.Entry
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return newGateway(&client.Chat.Completions, cfg), nil
}

func newGateway(chat chatService, cfg Config) *Gateway {
	if cfg.Model == "" {
		cfg.Model = string(openai.ChatModelGPT4oMini)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Gateway{
		chat:        chat,
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		log:         logrus.WithField("component", "ai_gateway"),
	}
}

// GenerateStepContent asks the model for the step's content and normalizes
// the channel-specific answer. A response missing any required field is an
// error; partial content is never returned.
func (g *Gateway) GenerateStepContent(ctx context.Context, req engine.ContentRequest) (*engine.GeneratedContent, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(req.Step.Channel)),
			openai.UserMessage(string(payload)),
		},
		Model:       openai.ChatModel(g.model),
		Temperature: openai.Float(g.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	start := time.Now()
	resp, err := g.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if raw == "" {
		return nil, ErrEmptyResponse
	}

	content, err := parseContent(req.Step.Channel, raw)
	if err != nil {
		return nil, err
	}
	g.log.WithFields(logrus.Fields{
		"channel":     req.Step.Channel,
		"step_number": req.Step.StepNumber,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("step content generated")
	return content, nil
}

type emailResponse struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type socialResponse struct {
	Message string `json:"message"`
}

type callResponse struct {
	Opening       string   `json:"opening"`
	TalkingPoints []string `json:"talking_points"`
	CTA           string   `json:"cta"`
}

type taskResponse struct {
	TaskDescription string `json:"task_description"`
}

func parseContent(channel models.Channel, raw string) (*engine.GeneratedContent, error) {
	switch channel {
	case models.ChannelEmail:
		var r emailResponse
		if err := decode(raw, &r); err != nil {
			return nil, err
		}
		if err := require(map[string]string{"subject": r.Subject, "body": r.Body}); err != nil {
			return nil, err
		}
		return &engine.GeneratedContent{Subject: r.Subject, Body: r.Body}, nil

	case models.ChannelSocial:
		var r socialResponse
		if err := decode(raw, &r); err != nil {
			return nil, err
		}
		if err := require(map[string]string{"message": r.Message}); err != nil {
			return nil, err
		}
		return &engine.GeneratedContent{Body: r.Message}, nil

	case models.ChannelCall:
		var r callResponse
		if err := decode(raw, &r); err != nil {
			return nil, err
		}
		if err := require(map[string]string{"opening": r.Opening, "cta": r.CTA}); err != nil {
			return nil, err
		}
		points := make([]string, 0, len(r.TalkingPoints))
		for _, p := range r.TalkingPoints {
			if p = strings.TrimSpace(p); p != "" {
				points = append(points, p)
			}
		}
		if len(points) == 0 {
			return nil, fmt.Errorf("response is missing talking_points")
		}
		return &engine.GeneratedContent{
			Body:          r.Opening + "\n\nCall to action: " + r.CTA,
			TalkingPoints: points,
		}, nil

	case models.ChannelTask:
		var r taskResponse
		if err := decode(raw, &r); err != nil {
			return nil, err
		}
		if err := require(map[string]string{"task_description": r.TaskDescription}); err != nil {
			return nil, err
		}
		return &engine.GeneratedContent{Body: r.TaskDescription}, nil
	}
	return nil, fmt.Errorf("unsupported channel %q", channel)
}

func decode(raw string, v interface{}) error {
	// some models wrap JSON in a markdown fence even in JSON mode
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), v); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}
	return nil
}

func require(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("response is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

const basePrompt = `You write one step of a B2B outreach sequence for a single contact.
The user message is JSON with the contact, the step (channel, templates and the
author's instructions in ai_prompt) and the sequence context.
Follow ai_prompt when present and use the templates as a guide to tone and intent.
Keep it specific to the contact, short, and free of placeholders.
Respond with a single JSON object and nothing else.`

func systemPrompt(channel models.Channel) string {
	var shape string
	switch channel {
	case models.ChannelEmail:
		shape = `{"subject": "...", "body": "..."}`
	case models.ChannelSocial:
		shape = `{"message": "..."}`
	case models.ChannelCall:
		shape = `{"opening": "...", "talking_points": ["...", "..."], "cta": "..."}`
	case models.ChannelTask:
		shape = `{"task_description": "..."}`
	}
	return basePrompt + "\nThe object must have exactly this shape: " + shape
}
