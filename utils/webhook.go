package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const webhookSignaturePrefix = "sha256="

var (
	ErrWebhookSignature = errors.New("invalid webhook signature")
	ErrWebhookStale     = errors.New("webhook timestamp outside tolerance")
)

// SignWebhook returns the signature header value for a provider callback:
// an HMAC-SHA256 over "<unix timestamp>.<raw body>".
func SignWebhook(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return webhookSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a signed callback. Requests older or newer than
// tolerance are rejected so a captured request cannot be replayed later.
func VerifyWebhook(secret, timestamp, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" || signature == "" || !strings.HasPrefix(signature, webhookSignaturePrefix) {
		return ErrWebhookSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrWebhookSignature
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrWebhookStale
	}
	if !hmac.Equal([]byte(SignWebhook(secret, ts, body)), []byte(signature)) {
		return ErrWebhookSignature
	}
	return nil
}
