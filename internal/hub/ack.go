package hub

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenAck builds a human-readable acknowledgment code, e.g.
// SNT-20250613-1004-9F3A. The suffix is random; the code identifies a
// push in chat logs, the idempotency key remains the machine handle.
func GenAck(now time.Time) string {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand 不可用时退化为时钟纳秒
		n := now.Nanosecond()
		buf[0] = byte(n >> 8)
		buf[1] = byte(n)
	}
	suffix := strings.ToUpper(hex.EncodeToString(buf[:]))
	return fmt.Sprintf("SNT-%s-%s", now.Format("20060102-1504"), suffix)
}
