package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// IdempotencyKey derives the canonical idempotency key for a logical
// alert event. The same (symbol, triggeredAt) pair always yields the
// same key regardless of which entry point the alert arrived through.
//
// The output alphabet is restricted to [A-Za-z0-9_-] so the key can
// travel in an HTTP header; non-ASCII runes in the symbol (ΔK200 etc.)
// are stripped before hashing, not replaced.
func IdempotencyKey(symbol string, triggeredAt time.Time) string {
	sym := sanitizeKeyPart(symbol)
	if sym == "" {
		sym = "ALERT"
	}
	ts := triggeredAt.UTC()
	seed := sym + "|" + ts.Format(time.RFC3339)
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("SN-%s-%s-%s", sym, ts.Format("20060102T150405Z"), hex.EncodeToString(sum[:])[:8])
}

func sanitizeKeyPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
