// Package buffer holds the most recent normalised alerts for read-back
// queries. Contents reflect what was seen, not what was delivered.
package buffer

import (
	"sync"
	"time"

	"market-sentinel/internal/alert"
)

// DefaultCapacity bounds the ring when the configured capacity is absent.
const DefaultCapacity = 2000

// Filter narrows a read-back query. Zero values disable each criterion.
type Filter struct {
	Limit       int
	MinSeverity alert.Severity
	Symbol      string
	Since       time.Time
}

// Ring is a fixed-capacity, newest-first alert store. Insertion evicts
// the oldest entry once full. Safe for concurrent use.
type Ring struct {
	mu   sync.Mutex
	buf  []alert.Alert
	next int
	size int
}

// NewRing builds a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]alert.Alert, capacity)}
}

// Append records one alert, evicting the oldest when full.
func (r *Ring) Append(a alert.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Len reports the number of retained alerts.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Recent returns retained alerts newest-first, filtered and capped at
// f.Limit (non-positive limit returns all matches).
func (r *Ring) Recent(f Filter) []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]alert.Alert, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		a := r.buf[idx]
		if !matches(a, f) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func matches(a alert.Alert, f Filter) bool {
	if f.Symbol != "" && a.Symbol != f.Symbol {
		return false
	}
	if f.MinSeverity != "" && a.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if !f.Since.IsZero() && a.TriggeredAt.Before(f.Since) {
		return false
	}
	return true
}
