package alert

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Severity grades the magnitude of a market move. CLEARED marks the
// return to a normal condition after a prior level had fired.
type Severity string

const (
	SeverityLV1     Severity = "LV1"
	SeverityLV2     Severity = "LV2"
	SeverityLV3     Severity = "LV3"
	SeverityCleared Severity = "CLEARED"
)

// ParseSeverity normalises an upstream severity string. Unrecognised
// values coerce to LV2; the default is lossy and intentional so that a
// misbehaving detector still produces a visible mid-grade alert.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityLV1:
		return SeverityLV1
	case SeverityLV2:
		return SeverityLV2
	case SeverityLV3:
		return SeverityLV3
	case SeverityCleared:
		return SeverityCleared
	default:
		return SeverityLV2
	}
}

// Rank orders severities for minimum-severity filtering: LV1 < LV2 < LV3.
// CLEARED ranks below LV1 and only survives an unfiltered query.
func (s Severity) Rank() int {
	switch s {
	case SeverityLV1:
		return 1
	case SeverityLV2:
		return 2
	case SeverityLV3:
		return 3
	default:
		return 0
	}
}

// Priority maps a severity onto the hub envelope priority scale.
func (s Severity) Priority() string {
	switch s {
	case SeverityLV3:
		return "urgent"
	case SeverityLV2:
		return "high"
	default:
		return "normal"
	}
}

// Alert is one normalised upstream anomaly event. Immutable after
// ingestion; copies flow into the ring buffer and the outbound envelope.
type Alert struct {
	Symbol      string          `json:"symbol"`
	Severity    Severity        `json:"severity"`
	DeltaPct    decimal.Decimal `json:"delta_pct"`
	TriggeredAt time.Time       `json:"triggered_at"`
	Note        string          `json:"note,omitempty"`
}

var (
	gradeLV1 = decimal.NewFromFloat(0.8)
	gradeLV2 = decimal.NewFromFloat(1.5)
	gradeLV3 = decimal.NewFromFloat(2.5)
)

// GradeDelta maps an absolute percent move onto a severity, using the
// same thresholds the upstream watcher applies (0.8 / 1.5 / 2.5).
// Moves below the first threshold grade as CLEARED.
func GradeDelta(deltaPct decimal.Decimal) Severity {
	abs := deltaPct.Abs()
	switch {
	case abs.GreaterThanOrEqual(gradeLV3):
		return SeverityLV3
	case abs.GreaterThanOrEqual(gradeLV2):
		return SeverityLV2
	case abs.GreaterThanOrEqual(gradeLV1):
		return SeverityLV1
	default:
		return SeverityCleared
	}
}
