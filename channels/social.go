package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cadencely/engine"

	"github.com/valyala/fasthttp"
)

type httpDoer interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

// SocialWebhook hands social steps to the social automation provider.
type SocialWebhook struct {
	client  httpDoer
	url     string
	apiKey  string
	timeout time.Duration
}

func NewSocialWebhook(url, apiKey string, timeout time.Duration) *SocialWebhook {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SocialWebhook{
		client: &fasthttp.Client{
			Name:                "cadencely",
			MaxIdleConnDuration: time.Minute,
		},
		url:     url,
		apiKey:  apiKey,
		timeout: timeout,
	}
}

type socialPayload struct {
	ExecutionID uint          `json:"execution_id"`
	TrackingID  string        `json:"tracking_id"`
	Sequence    string        `json:"sequence"`
	StepNumber  int           `json:"step_number"`
	Message     string        `json:"message"`
	Contact     socialContact `json:"contact"`
}

type socialContact struct {
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Company     string `json:"company,omitempty"`
	LinkedInURL string `json:"linkedin_url"`
}

type socialResponse struct {
	ID string `json:"id"`
}

func (s *SocialWebhook) Dispatch(ctx context.Context, req engine.DispatchRequest) (*engine.DispatchResult, error) {
	if s.url == "" {
		return nil, fmt.Errorf("social webhook URL is not configured")
	}
	if req.Contact.LinkedInURL == "" {
		return nil, fmt.Errorf("contact %d has no social profile", req.Contact.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(socialPayload{
		ExecutionID: req.ExecutionID,
		TrackingID:  req.TrackingID,
		Sequence:    req.SequenceName,
		StepNumber:  req.StepNumber,
		Message:     req.Body,
		Contact: socialContact{
			Name:        req.Contact.FullName(),
			Email:       req.Contact.Email,
			Company:     req.Contact.Company,
			LinkedInURL: req.Contact.LinkedInURL,
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(s.url)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	// the provider drops repeated deliveries carrying the same key
	httpReq.Header.Set("Idempotency-Key", req.TrackingID)
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	httpReq.SetBody(payload)

	if err := s.client.DoTimeout(httpReq, httpResp, s.timeout); err != nil {
		return nil, fmt.Errorf("social webhook: %w", err)
	}
	status := httpResp.StatusCode()
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("social webhook returned %d: %s", status, truncate(string(httpResp.Body()), 200))
	}

	result := &engine.DispatchResult{}
	var parsed socialResponse
	if err := json.Unmarshal(httpResp.Body(), &parsed); err == nil && parsed.ID != "" {
		result.ProviderMessageID = parsed.ID
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
