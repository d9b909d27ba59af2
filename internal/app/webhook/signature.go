// Package webhook implements the inbound delivery pipeline: signature
// verification, delivery deduplication, payload normalization, and fan-out of
// canonical events onto the stream.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signature header names by provider.
const (
	headerGitHubSignature = "X-Hub-Signature-256"
	headerGitHubDelivery  = "X-GitHub-Delivery"
	headerSlackSignature  = "X-Slack-Signature"
	headerSlackTimestamp  = "X-Slack-Request-Timestamp"
	headerGenericSig      = "X-Webhook-Signature"
	headerGenericDelivery = "X-Delivery-Id"
)

// slackTimestampTolerance bounds how old a signed Slack request may be,
// closing the replay window.
const slackTimestampTolerance = 5 * time.Minute

// SignatureValidator verifies provider webhook signatures over the raw
// request body using per-provider HMAC schemes.
type SignatureValidator struct {
	now func() time.Time
}

// NewSignatureValidator creates a validator using wall-clock time.
func NewSignatureValidator() *SignatureValidator {
	return &SignatureValidator{now: time.Now}
}

// Validate checks the delivery's signature against the configured secret. An
// empty secret means no verification is configured and the delivery passes.
// With a secret configured, a missing or mismatched signature fails closed.
func (v *SignatureValidator) Validate(provider, secret string, body []byte, header http.Header) bool {
	if secret == "" {
		return true
	}

	switch strings.ToLower(provider) {
	case "github":
		return v.validateGitHub(secret, body, header)
	case "slack":
		return v.validateSlack(secret, body, header)
	default:
		return v.validateGeneric(secret, body, header)
	}
}

// validateGitHub checks the sha256=<hex> HMAC over the raw body.
func (v *SignatureValidator) validateGitHub(secret string, body []byte, header http.Header) bool {
	sig := header.Get(headerGitHubSignature)
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	expected := hmacHex(secret, body)
	return constantTimeEqualHex(strings.TrimPrefix(sig, "sha256="), expected)
}

// validateSlack checks the v0=<hex> HMAC over "v0:<timestamp>:<body>" and
// rejects stale timestamps.
func (v *SignatureValidator) validateSlack(secret string, body []byte, header http.Header) bool {
	sig := header.Get(headerSlackSignature)
	ts := header.Get(headerSlackTimestamp)
	if !strings.HasPrefix(sig, "v0=") || ts == "" {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age > slackTimestampTolerance || age < -slackTimestampTolerance {
		return false
	}

	base := "v0:" + ts + ":" + string(body)
	expected := hmacHex(secret, []byte(base))
	return constantTimeEqualHex(strings.TrimPrefix(sig, "v0="), expected)
}

// validateGeneric checks a plain hex HMAC over the raw body.
func (v *SignatureValidator) validateGeneric(secret string, body []byte, header http.Header) bool {
	sig := header.Get(headerGenericSig)
	if sig == "" {
		return false
	}
	return constantTimeEqualHex(sig, hmacHex(secret, body))
}

func hmacHex(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeEqualHex(got, want string) bool {
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}

// DeliveryID extracts the provider's delivery identifier from the request.
// Providers that do not carry one in a header may carry it in the payload;
// the ingestor falls back to payload fields for those.
func DeliveryID(provider string, header http.Header) string {
	switch strings.ToLower(provider) {
	case "github":
		return header.Get(headerGitHubDelivery)
	default:
		return header.Get(headerGenericDelivery)
	}
}
