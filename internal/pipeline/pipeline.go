// Package pipeline orchestrates alert ingestion: authenticate, gate
// against the trading session, deduplicate, buffer, and dispatch to the
// notification sink and the hub.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentinel/internal/alert"
	"market-sentinel/internal/alerting"
	"market-sentinel/internal/auth"
	"market-sentinel/internal/buffer"
	"market-sentinel/internal/dedup"
	"market-sentinel/internal/forward"
	"market-sentinel/internal/market"
)

// ErrInvalidSignature rejects an inbound request whose X-Signature does
// not match the configured secret.
var ErrInvalidSignature = errors.New("pipeline: invalid signature")

// ValidationError rejects a request with a missing or malformed field.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "pipeline: " + e.Reason
}

// Result is the synchronous acknowledgment returned to the inbound
// caller. Admitted means the alert was buffered and dispatched;
// delivery itself completes asynchronously and is never reported here.
type Result struct {
	Admitted        bool
	DedupSuppressed bool
	SessionClosed   bool
	Session         market.Session
	Alert           alert.Alert
}

// Config tunes one pipeline instance.
type Config struct {
	// InboundSecret enables X-Signature verification when non-empty.
	// Leaving it empty skips inbound auth; that is an explicit
	// local/dev configuration, never an implicit production default.
	InboundSecret   string
	Source          string
	EventType       string
	DispatchTimeout time.Duration
	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

const (
	defaultSource          = "sentinel"
	defaultEventType       = "alert.market"
	defaultDispatchTimeout = 60 * time.Second
)

// Pipeline owns the dedup map and ring buffer it gates with; both are
// injected at construction so tests can run independent instances.
type Pipeline struct {
	cfg       Config
	clock     *market.Clock
	dedup     *dedup.Deduplicator
	ring      *buffer.Ring
	forwarder *forward.Forwarder
	notifier  alerting.Notifier
	logger    zerolog.Logger

	now func() time.Time
	wg  sync.WaitGroup
}

// New wires a pipeline. Forwarder and notifier may be nil; the
// corresponding dispatch leg is then skipped.
func New(cfg Config, clock *market.Clock, dd *dedup.Deduplicator, ring *buffer.Ring, forwarder *forward.Forwarder, notifier alerting.Notifier, logger zerolog.Logger) *Pipeline {
	if cfg.Source == "" {
		cfg.Source = defaultSource
	}
	if cfg.EventType == "" {
		cfg.EventType = defaultEventType
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		cfg:       cfg,
		clock:     clock,
		dedup:     dd,
		ring:      ring,
		forwarder: forwarder,
		notifier:  notifier,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		now:       now,
	}
}

type inboundAlert struct {
	Symbol      string          `json:"symbol"`
	Severity    string          `json:"severity"`
	DeltaPct    decimal.Decimal `json:"delta_pct"`
	TriggeredAt string          `json:"triggered_at"`
	Note        string          `json:"note"`
}

// Ingest runs one alert through the pipeline. Errors are only returned
// for the synchronous pre-buffer stages (authentication, validation);
// everything after buffering is absorbed and visible through logs and
// hub events.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte, signature string) (Result, error) {
	if p.cfg.InboundSecret != "" && !auth.Verify(raw, signature, p.cfg.InboundSecret) {
		return Result{}, ErrInvalidSignature
	}

	a, err := parseAlert(raw)
	if err != nil {
		return Result{}, err
	}

	status := p.clock.Classify(p.now())
	res := Result{Session: status.Session, Alert: a}

	if status.Session == market.SessionClosed {
		// Acknowledged but not forwarded; distinct from dedup
		// suppression and not an error for the caller.
		p.logger.Info().Str("symbol", a.Symbol).
			Str("severity", string(a.Severity)).
			Bool("is_holiday", status.IsHoliday).
			Time("next_open", status.NextOpen).
			Msg("market closed; alert acknowledged without delivery")
		res.SessionClosed = true
		return res, nil
	}

	if p.dedup.ShouldSuppress(a.Symbol, a.Severity, p.now()) {
		p.logger.Info().Str("symbol", a.Symbol).
			Str("severity", string(a.Severity)).
			Msg("duplicate alert suppressed")
		res.DedupSuppressed = true
		return res, nil
	}

	// Buffered unconditionally so read-back reflects what was seen,
	// even when delivery later fails.
	p.ring.Append(a)
	res.Admitted = true

	p.dispatch(a, status.Session)
	return res, nil
}

// dispatch runs the notification push and the hub forward concurrently,
// detached from the inbound request. Outcomes are logged; the hub side
// additionally records them as events.
func (p *Pipeline) dispatch(a alert.Alert, session market.Session) {
	if p.notifier != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DispatchTimeout)
			defer cancel()

			attempts, err := p.notifier.Notify(ctx, alerting.Notification{
				Symbol:      a.Symbol,
				Severity:    a.Severity,
				DeltaPct:    a.DeltaPct,
				TriggeredAt: a.TriggeredAt,
				Session:     string(session),
				Note:        a.Note,
			})
			if err != nil {
				p.logger.Error().Err(err).Int("attempts", attempts).
					Str("symbol", a.Symbol).Msg("notification push failed")
				return
			}
			p.logger.Debug().Int("attempts", attempts).Str("symbol", a.Symbol).Msg("notification pushed")
		}()
	}

	if p.forwarder != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DispatchTimeout)
			defer cancel()

			env, err := p.envelope(a)
			if err != nil {
				p.logger.Error().Err(err).Str("symbol", a.Symbol).Msg("envelope build failed")
				return
			}
			outcome, err := p.forwarder.Forward(ctx, env)
			if err != nil {
				p.logger.Error().Err(err).
					Int("status", outcome.StatusCode).
					Int("attempts", outcome.Attempts).
					Str("idempotency_key", env.IdempotencyKey).
					Msg("hub forward failed")
				return
			}
			p.logger.Info().Int("attempts", outcome.Attempts).
				Str("idempotency_key", env.IdempotencyKey).
				Msg("alert forwarded to hub")
		}()
	}
}

func (p *Pipeline) envelope(a alert.Alert) (forward.Envelope, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return forward.Envelope{}, fmt.Errorf("marshal alert payload: %w", err)
	}
	return forward.Envelope{
		IdempotencyKey: alert.IdempotencyKey(a.Symbol, a.TriggeredAt),
		Source:         p.cfg.Source,
		Type:           p.cfg.EventType,
		Priority:       a.Severity.Priority(),
		Timestamp:      a.TriggeredAt.Format(time.RFC3339),
		Payload:        payload,
	}, nil
}

// Recent exposes the ring buffer for read-back queries.
func (p *Pipeline) Recent(f buffer.Filter) []alert.Alert {
	return p.ring.Recent(f)
}

// Session classifies the current instant for status endpoints.
func (p *Pipeline) Session() market.Status {
	return p.clock.Classify(p.now())
}

// Close waits for in-flight dispatches to finish.
func (p *Pipeline) Close() {
	p.wg.Wait()
}

func parseAlert(raw []byte) (alert.Alert, error) {
	var in inboundAlert
	if err := json.Unmarshal(raw, &in); err != nil {
		return alert.Alert{}, &ValidationError{Reason: "invalid json"}
	}
	if in.Symbol == "" {
		return alert.Alert{}, &ValidationError{Reason: "symbol is required"}
	}
	if in.TriggeredAt == "" {
		return alert.Alert{}, &ValidationError{Reason: "triggered_at is required"}
	}
	at, err := time.Parse(time.RFC3339, in.TriggeredAt)
	if err != nil {
		return alert.Alert{}, &ValidationError{Reason: "triggered_at must be ISO-8601 with offset"}
	}
	return alert.Alert{
		Symbol:      in.Symbol,
		Severity:    alert.ParseSeverity(in.Severity),
		DeltaPct:    in.DeltaPct,
		TriggeredAt: at,
		Note:        in.Note,
	}, nil
}
