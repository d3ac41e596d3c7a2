// Package dedup suppresses repeat alerts for the same (symbol, severity)
// pair inside a cooldown window.
package dedup

import (
	"sync"
	"time"

	"market-sentinel/internal/alert"
)

// DefaultCooldown matches the upstream watcher cadence.
const DefaultCooldown = 30 * time.Minute

type entryKey struct {
	symbol   string
	severity alert.Severity
}

// Deduplicator keeps the last fire time per dedup key. State is
// in-memory only; a restart resets dedup history, which is an accepted
// tradeoff. Safe for concurrent use.
type Deduplicator struct {
	mu       sync.Mutex
	cooldown time.Duration
	seen     map[entryKey]time.Time
}

// New constructs a deduplicator with the given cooldown window.
// Non-positive cooldown falls back to DefaultCooldown.
func New(cooldown time.Duration) *Deduplicator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Deduplicator{
		cooldown: cooldown,
		seen:     make(map[entryKey]time.Time),
	}
}

// ShouldSuppress reports whether an alert for (symbol, severity) fired
// at now is a repeat within the cooldown window. A non-duplicate
// records now as the key's new fire time in the same critical section,
// so two near-simultaneous duplicates cannot both pass.
//
// CLEARED is exempt: clear events always propagate so downstream state
// cannot get stuck alarmed, and they reset the symbol's entries so the
// next escalation fires immediately.
func (d *Deduplicator) ShouldSuppress(symbol string, severity alert.Severity, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if severity == alert.SeverityCleared {
		for key := range d.seen {
			if key.symbol == symbol {
				delete(d.seen, key)
			}
		}
		return false
	}

	key := entryKey{symbol: symbol, severity: severity}
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.cooldown {
		return true
	}
	d.seen[key] = now
	return false
}

// Len reports the number of live dedup entries, for introspection.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
