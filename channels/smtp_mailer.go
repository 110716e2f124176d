package channels

import (
	"context"
	"fmt"

	"cadencely/engine"

	"gopkg.in/gomail.v2"
)

type smtpSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer sends email steps through an SMTP relay.
type SMTPMailer struct {
	sender          smtpSender
	fromEmail       string
	fromName        string
	trackingBaseURL string
}

func NewSMTPMailer(host string, port int, username, password, fromEmail, fromName, trackingBaseURL string) *SMTPMailer {
	return &SMTPMailer{
		sender:          gomail.NewDialer(host, port, username, password),
		fromEmail:       fromEmail,
		fromName:        fromName,
		trackingBaseURL: trackingBaseURL,
	}
}

// Dispatch sends the message with the execution's deterministic Message-ID
// so replies and provider retries correlate to the same execution.
func (m *SMTPMailer) Dispatch(ctx context.Context, req engine.DispatchRequest) (*engine.DispatchResult, error) {
	content, err := composeEmail(req, m.trackingBaseURL)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", formatFrom(m.fromName, m.fromEmail))
	msg.SetHeader("To", content.To)
	msg.SetHeader("Subject", content.Subject)
	if req.MessageID != "" {
		msg.SetHeader("Message-ID", req.MessageID)
	}
	msg.SetHeader("X-Sequence-Step", fmt.Sprintf("%d", req.StepNumber))
	if content.Text != "" {
		msg.SetBody("text/plain", content.Text)
		msg.AddAlternative("text/html", content.HTML)
	} else {
		msg.SetBody("text/html", content.HTML)
	}

	if err := m.sender.DialAndSend(msg); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}
	return &engine.DispatchResult{}, nil
}
