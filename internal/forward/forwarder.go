// Package forward delivers signed alert envelopes to the hub with
// bounded retries and exponential backoff.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrRetriesExhausted marks a delivery that stayed retryable
	// through the whole attempt budget.
	ErrRetriesExhausted = errors.New("forward: retries exhausted")
	// ErrPermanent marks a terminal downstream rejection; retrying a
	// rejected request cannot succeed.
	ErrPermanent = errors.New("forward: permanent delivery failure")
)

// Envelope is the hub ingest wire format.
type Envelope struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Source         string          `json:"source"`
	Type           string          `json:"type"`
	Priority       string          `json:"priority"`
	Timestamp      string          `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// Outcome reports the final attempt's result.
type Outcome struct {
	StatusCode int
	Attempts   int
	Delivered  bool
}

// Options tune delivery behaviour.
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

const (
	defaultMaxAttempts    = 4
	defaultBackoffBase    = 500 * time.Millisecond
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 15 * time.Second
	maxBackoff            = 30 * time.Second
)

// Signer produces the X-Signature value for an outbound body. It is
// the same primitive the inbound side verifies with.
type Signer func(raw []byte) string

// Forwarder posts envelopes to a fixed hub endpoint. Safe for
// concurrent use.
type Forwarder struct {
	url    string
	sign   Signer
	opts   Options
	client *http.Client
	logger zerolog.Logger

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a forwarder for the given hub URL.
func New(url string, sign Signer, opts Options, logger zerolog.Logger) *Forwarder {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	client := &http.Client{
		Timeout: opts.ReadTimeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: opts.ConnectTimeout,
		},
	}

	return &Forwarder{
		url:    url,
		sign:   sign,
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "forwarder").Logger(),
		sleep:  sleepCtx,
	}
}

// Forward serialises the envelope deterministically, signs it, and
// delivers it with the configured retry budget. The returned outcome
// describes the final attempt; err is nil only on terminal success.
func (f *Forwarder) Forward(ctx context.Context, env Envelope) (Outcome, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal envelope: %w", err)
	}

	outcome := Outcome{}
	for attempt := 0; attempt < f.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.backoff(attempt-1)); err != nil {
				return outcome, err
			}
		}
		outcome.Attempts = attempt + 1

		status, reqErr := f.attempt(ctx, env, body)
		outcome.StatusCode = status

		switch classify(status, reqErr) {
		case verdictSuccess:
			outcome.Delivered = true
			f.logger.Debug().Str("idempotency_key", env.IdempotencyKey).
				Int("attempts", outcome.Attempts).
				Msg("envelope delivered")
			return outcome, nil
		case verdictRetry:
			f.logger.Warn().Err(reqErr).Int("status", status).
				Str("idempotency_key", env.IdempotencyKey).
				Int("attempt", outcome.Attempts).
				Msg("retryable delivery failure")
			continue
		default:
			f.logger.Error().Int("status", status).
				Str("idempotency_key", env.IdempotencyKey).
				Msg("terminal delivery failure")
			return outcome, fmt.Errorf("%w: status %d", ErrPermanent, status)
		}
	}
	return outcome, ErrRetriesExhausted
}

func (f *Forwarder) attempt(ctx context.Context, env Envelope, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create hub request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.IdempotencyKey)
	if f.sign != nil {
		if sig := f.sign(body); sig != "" {
			req.Header.Set("X-Signature", sig)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send hub request: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (f *Forwarder) backoff(exponent int) time.Duration {
	d := f.opts.BackoffBase << uint(exponent)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

type verdict int

const (
	verdictSuccess verdict = iota
	verdictRetry
	verdictFatal
)

// Transport errors and a fixed status set retry; everything else
// below 300 succeeds and the rest fails terminally.
func classify(status int, err error) verdict {
	if err != nil {
		return verdictRetry
	}
	if status < 300 {
		return verdictSuccess
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return verdictRetry
	}
	return verdictFatal
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
