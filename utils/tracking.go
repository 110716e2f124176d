package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"cadencely/config"

	"github.com/google/uuid"
)

// NewTrackingID returns the opaque id embedded in tracking links.
func NewTrackingID() string {
	return uuid.NewString()
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, trackingID, TrackingToken(trackingID))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, trackingID, originalURL string) string {
	encodedURL := url.QueryEscape(originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", baseURL, trackingID, ClickToken(trackingID, originalURL), encodedURL)
}

// GenerateUnsubscribeURL generates the opt-out link appended to emails.
func GenerateUnsubscribeURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/unsubscribe/%s/%s", baseURL, trackingID, TrackingToken(trackingID))
}

// InjectTracking injects tracking into email content
func InjectTracking(htmlContent, baseURL, trackingID string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, trackingID)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)

	modifiedHTML := injectClickTracking(htmlContent, baseURL, trackingID)
	unsubscribe := fmt.Sprintf(`<p style="font-size:11px;color:#888"><a href="%s">Unsubscribe</a></p>`,
		GenerateUnsubscribeURL(baseURL, trackingID))

	return modifiedHTML + unsubscribe + trackingPixel
}

func injectClickTracking(html, baseURL, trackingID string) string {
	// Only double-quoted hrefs are rewritten; mailto links are left alone.
	startTag := "<a href=\""
	endTag := "\""
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		if strings.HasPrefix(originalURL, "mailto:") {
			offset = endIdx
			continue
		}
		trackedURL := GenerateClickTrackURL(baseURL, trackingID, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}

// TrackingToken signs a tracking id so links cannot be forged for other
// executions.
func TrackingToken(trackingID string) string {
	mac := hmac.New(sha256.New, []byte(config.AppConfig.TrackingSecret))
	mac.Write([]byte(trackingID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

func ValidTrackingToken(trackingID, token string) bool {
	return hmac.Equal([]byte(TrackingToken(trackingID)), []byte(token))
}

// ClickToken binds a click link to its destination, so the redirect cannot
// be pointed at another host.
func ClickToken(trackingID, target string) string {
	mac := hmac.New(sha256.New, []byte(config.AppConfig.TrackingSecret))
	mac.Write([]byte(trackingID))
	mac.Write([]byte{0})
	mac.Write([]byte(target))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

func ValidClickToken(trackingID, target, token string) bool {
	return hmac.Equal([]byte(ClickToken(trackingID, target)), []byte(token))
}
