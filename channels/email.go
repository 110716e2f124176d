package channels

import (
	"fmt"
	"html"
	"strings"

	"cadencely/engine"
	"cadencely/utils"

	"github.com/badoux/checkmail"
)

// emailContent is the rendered form shared by the SMTP and SES mailers.
type emailContent struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// composeEmail validates the recipient and builds the tracked HTML part and
// a plain text alternative.
func composeEmail(req engine.DispatchRequest, trackingBaseURL string) (*emailContent, error) {
	to := strings.TrimSpace(req.Contact.Email)
	if to == "" {
		return nil, fmt.Errorf("contact %d has no email address", req.Contact.ID)
	}
	if err := checkmail.ValidateFormat(to); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, fmt.Errorf("email step %d has an empty subject", req.StepNumber)
	}

	body := req.Body
	text := body
	if !req.HTML {
		body = textToHTML(body)
	} else {
		text = ""
	}
	if trackingBaseURL != "" && req.TrackingID != "" {
		body = utils.InjectTracking(body, trackingBaseURL, req.TrackingID)
	}

	return &emailContent{
		To:      to,
		Subject: req.Subject,
		HTML:    body,
		Text:    text,
	}, nil
}

func textToHTML(s string) string {
	paragraphs := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n\n")
	var b strings.Builder
	for _, p := range paragraphs {
		if strings.TrimSpace(p) == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(p), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func formatFrom(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
