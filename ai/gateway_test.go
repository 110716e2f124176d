package ai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cadencely/engine"
	"cadencely/models"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	testrequire "github.com/stretchr/testify/require"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	content string
	err     error
	calls   int
	last    openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.calls++
	m.last = params
	if m.err != nil {
		return nil, m.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.content}},
		},
	}, nil
}

func request(channel models.Channel) engine.ContentRequest {
	return engine.ContentRequest{
		Contact: engine.ContactContext{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Title: "CTO"},
		Step: engine.StepContext{
			StepNumber: 2,
			Channel:    channel,
			AIPrompt:   "mention their recent launch",
		},
		SequenceContext: engine.SequenceContext{Name: "Q3 outbound", TotalSteps: 4},
	}
}

func TestGenerateStepContent_Channels(t *testing.T) {
	tests := []struct {
		name    string
		channel models.Channel
		content string
		want    engine.GeneratedContent
	}{
		{
			name:    "email",
			channel: models.ChannelEmail,
			content: `{"subject":"Congrats on the launch","body":"Hi Ada, ..."}`,
			want:    engine.GeneratedContent{Subject: "Congrats on the launch", Body: "Hi Ada, ..."},
		},
		{
			name:    "social",
			channel: models.ChannelSocial,
			content: `{"message":"Loved the launch post, Ada"}`,
			want:    engine.GeneratedContent{Body: "Loved the launch post, Ada"},
		},
		{
			name:    "call",
			channel: models.ChannelCall,
			content: `{"opening":"Hi Ada, quick one","talking_points":["launch"," ","pricing"],"cta":"Book a demo"}`,
			want: engine.GeneratedContent{
				Body:          "Hi Ada, quick one\n\nCall to action: Book a demo",
				TalkingPoints: []string{"launch", "pricing"},
			},
		},
		{
			name:    "task",
			channel: models.ChannelTask,
			content: "```json\n{\"task_description\":\"Research Ada's launch\"}\n```",
			want:    engine.GeneratedContent{Body: "Research Ada's launch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &mockChatService{content: tt.content}
			g := newGateway(chat, Config{Model: "test-model"})

			got, err := g.GenerateStepContent(context.Background(), request(tt.channel))
			testrequire.NoError(t, err)
			assert.Equal(t, tt.want, *got)
			assert.Equal(t, 1, chat.calls)
			assert.Equal(t, openai.ChatModel("test-model"), chat.last.Model)
			assert.Len(t, chat.last.Messages, 2)
		})
	}
}

func TestGenerateStepContent_SendsRequestAsJSON(t *testing.T) {
	chat := &mockChatService{content: `{"message":"hi"}`}
	g := newGateway(chat, Config{})

	_, err := g.GenerateStepContent(context.Background(), request(models.ChannelSocial))
	testrequire.NoError(t, err)

	user := chat.last.Messages[1].OfUser
	testrequire.NotNil(t, user)
	var decoded engine.ContentRequest
	testrequire.NoError(t, json.Unmarshal([]byte(user.Content.OfString.Value), &decoded))
	assert.Equal(t, "Ada", decoded.Contact.FirstName)
	assert.Equal(t, 4, decoded.SequenceContext.TotalSteps)
}

func TestGenerateStepContent_MissingFieldsFail(t *testing.T) {
	tests := []struct {
		name    string
		channel models.Channel
		content string
		wantErr string
	}{
		{"email without subject", models.ChannelEmail, `{"body":"hello"}`, "subject"},
		{"social without message", models.ChannelSocial, `{"text":"hello"}`, "message"},
		{"call without talking points", models.ChannelCall, `{"opening":"hi","cta":"book"}`, "talking_points"},
		{"call without cta", models.ChannelCall, `{"opening":"hi","talking_points":["a"]}`, "cta"},
		{"task without description", models.ChannelTask, `{}`, "task_description"},
		{"not json", models.ChannelEmail, `Sure! Here is your email`, "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(&mockChatService{content: tt.content}, Config{})
			got, err := g.GenerateStepContent(context.Background(), request(tt.channel))
			testrequire.Error(t, err)
			assert.Nil(t, got)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGenerateStepContent_ServiceError(t *testing.T) {
	g := newGateway(&mockChatService{err: errors.New("service failure")}, Config{})
	_, err := g.GenerateStepContent(context.Background(), request(models.ChannelEmail))
	testrequire.Error(t, err)
	assert.Contains(t, err.Error(), "service failure")
}

func TestGenerateStepContent_EmptyResponse(t *testing.T) {
	g := newGateway(&mockChatService{content: "  "}, Config{})
	_, err := g.GenerateStepContent(context.Background(), request(models.ChannelEmail))
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewGateway_NoKey(t *testing.T) {
	_, err := NewGateway(Config{})
	assert.Error(t, err)
}
