package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Outbound request headers.
const (
	HeaderSignature      = "X-Webhook-Signature"
	HeaderEventID        = "X-Webhook-Event-Id"
	HeaderEventType      = "X-Webhook-Event-Type"
	HeaderDeliveryID     = "X-Webhook-Delivery-Id"
	HeaderIdempotencyKey = "X-Webhook-Idempotency-Key"
)

const signaturePrefix = "sha256="

// Sign returns "sha256=" followed by the lowercase hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(digest(payload, secret))
}

// Verify checks signature against payload and secret in constant time.
// Only the exact form Sign produces is accepted; anything else is a mismatch.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func digest(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
