package tracker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the HMAC of the webhook body.
const SignatureHeader = "X-Tracker-Signature-256"

// Webhook validation errors.
var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrMalformed    = errors.New("malformed webhook payload")
)

// WebhookPayload is the tracker's callback body.
type WebhookPayload struct {
	IssueID string `json:"issue_id"`
	State   string `json:"state"`
	Actor   string `json:"actor,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Sign computes the signature header value for a body. Exposed for tests
// and for the polling fallback's synthetic deliveries.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the HMAC-SHA256 signature over the raw body.
// Comparison is constant-time.
func VerifySignature(secret []byte, body []byte, signature string) error {
	if signature == "" || !strings.HasPrefix(signature, "sha256=") {
		return ErrBadSignature
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// ParseWebhook decodes and validates the payload after signature
// verification has passed.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if p.IssueID == "" || p.State == "" {
		return nil, fmt.Errorf("%w: issue_id and state are required", ErrMalformed)
	}
	return &p, nil
}
