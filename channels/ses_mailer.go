package channels

import (
	"context"
	"fmt"
	"strconv"

	"cadencely/engine"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESMailer sends email steps through Amazon SES. SES assigns its own
// Message-ID, which is returned so replies can be matched against it.
type SESMailer struct {
	client           sesAPI
	region           string
	fromEmail        string
	fromName         string
	configurationSet string
	trackingBaseURL  string
}

func NewSESMailer(ctx context.Context, region, fromEmail, fromName, configurationSet, trackingBaseURL string) (*SESMailer, error) {
	if fromEmail == "" {
		return nil, fmt.Errorf("FROM_EMAIL is not set")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESMailer{
		client:           sesv2.NewFromConfig(cfg),
		region:           region,
		fromEmail:        fromEmail,
		fromName:         fromName,
		configurationSet: configurationSet,
		trackingBaseURL:  trackingBaseURL,
	}, nil
}

func (m *SESMailer) Dispatch(ctx context.Context, req engine.DispatchRequest) (*engine.DispatchResult, error) {
	content, err := composeEmail(req, m.trackingBaseURL)
	if err != nil {
		return nil, err
	}

	body := &types.Body{
		Html: &types.Content{Data: aws.String(content.HTML), Charset: aws.String("UTF-8")},
	}
	if content.Text != "" {
		body.Text = &types.Content{Data: aws.String(content.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatFrom(m.fromName, m.fromEmail)),
		Destination: &types.Destination{
			ToAddresses: []string{content.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(content.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("execution_id"), Value: aws.String(strconv.FormatUint(uint64(req.ExecutionID), 10))},
			{Name: aws.String("tracking_id"), Value: aws.String(req.TrackingID)},
		},
	}
	if m.configurationSet != "" {
		input.ConfigurationSetName = aws.String(m.configurationSet)
	}

	out, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}
	result := &engine.DispatchResult{}
	if out != nil && out.MessageId != nil && *out.MessageId != "" {
		result.ProviderMessageID = "<" + *out.MessageId + "@" + m.messageIDDomain() + ">"
	}
	return result, nil
}

// messageIDDomain is the host SES uses on the right of its Message-ID header.
func (m *SESMailer) messageIDDomain() string {
	if m.region == "" || m.region == "us-east-1" {
		return "email.amazonses.com"
	}
	return m.region + ".amazonses.com"
}
