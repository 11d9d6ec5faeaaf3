package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureHeader is the HTTP header carrying the payload signature.
const SignatureHeader = "X-Webhook-Signature"

// Sign computes the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureValue formats the signature header value for a delivery body
func SignatureValue(secret string, body []byte) string {
	return "sha256=" + Sign(secret, body)
}

// VerifySignature checks a received signature header value against the body.
// Comparison is constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	expected := strings.TrimPrefix(header, "sha256=")
	return hmac.Equal([]byte(expected), []byte(Sign(secret, body)))
}

// GenerateSecret returns a new random signing secret
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
