// Package auth implements the shared-secret HMAC primitive used both to
// verify inbound detector webhooks and to sign outbound hub deliveries,
// guaranteeing symmetry between what is sent and what the next hop checks.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign computes the hex-encoded HMAC-SHA256 of raw keyed by secret.
// An empty secret yields an empty signature.
func Sign(raw []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the HMAC of raw in constant time.
// Fail-closed: an empty secret or missing signature is never valid.
func Verify(raw []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(raw, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}
