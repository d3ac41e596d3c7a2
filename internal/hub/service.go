// Package hub implements the relay side of the bridge: it accepts
// signed envelopes, keeps an idempotent job ledger in postgres, and
// pushes accepted alerts to the notification channel.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"market-sentinel/internal/alert"
	"market-sentinel/internal/alerting"
	"market-sentinel/internal/auth"
	"market-sentinel/internal/forward"
	"market-sentinel/internal/storage"
)

// ErrInvalidSignature rejects an envelope whose X-Signature does not
// match the shared secret.
var ErrInvalidSignature = errors.New("hub: invalid signature")

// ValidationError rejects an envelope with a missing or malformed
// field.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "hub: " + e.Reason
}

// Ledger is the persistence surface the hub needs.
type Ledger interface {
	storage.JobStore
	storage.EventStore
}

// IngestResult is the synchronous answer to one envelope.
type IngestResult struct {
	JobID     int64
	Ack       string
	JobURL    string
	Status    string
	Duplicate bool
}

// Config tunes one hub service.
type Config struct {
	// Secret enables inbound signature verification when non-empty.
	Secret string
	// BaseURL prefixes job links embedded in pushed messages.
	BaseURL string
	// CacheTTL bounds how long the fast-path duplicate marker lives.
	CacheTTL time.Duration
}

const defaultCacheTTL = 48 * time.Hour

// Service is the hub ingest/push engine.
type Service struct {
	cfg      Config
	ledger   Ledger
	cache    IdemCache
	notifier alerting.Notifier
	logger   zerolog.Logger

	now func() time.Time
}

// NewService wires a hub service. Cache may be nil (no fast path);
// notifier may be nil (ledger-only mode, jobs stay queued).
func NewService(cfg Config, ledger Ledger, cache IdemCache, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cache == nil {
		cache = NoopCache{}
	}
	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		cache:    cache,
		notifier: notifier,
		logger:   logger.With().Str("component", "hub").Logger(),
		now:      time.Now,
	}
}

// Ingest processes one signed envelope. Replays of an already-claimed
// idempotency key return the original job with Duplicate set; they are
// never an error for the caller.
func (s *Service) Ingest(ctx context.Context, raw []byte, signature, headerKey string) (IngestResult, error) {
	if s.cfg.Secret != "" && !auth.Verify(raw, signature, s.cfg.Secret) {
		return IngestResult{}, ErrInvalidSignature
	}

	env, a, err := decodeEnvelope(raw, headerKey)
	if err != nil {
		return IngestResult{}, err
	}
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return IngestResult{}, &ValidationError{Reason: "timestamp must be ISO-8601 with offset"}
	}

	// Fast path: a marked key means an earlier request already claimed
	// it, so skip the insert and hand back the original. A cache error
	// falls through, the unique constraint stays authoritative.
	if ok, cacheErr := s.cache.TryMark(ctx, env.IdempotencyKey, s.cfg.CacheTTL); !ok && cacheErr == nil {
		if existing, getErr := s.ledger.GetJobByKey(ctx, env.IdempotencyKey); getErr == nil {
			return s.replay(ctx, existing), nil
		} else if !errors.Is(getErr, pgx.ErrNoRows) {
			return IngestResult{}, getErr
		}
	}

	job, duplicate, err := s.ledger.InsertJob(ctx, storage.Job{
		IdempotencyKey: env.IdempotencyKey,
		Source:         env.Source,
		Type:           env.Type,
		Priority:       env.Priority,
		Timestamp:      ts,
		Payload:        env.Payload,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("persist job: %w", err)
	}
	if duplicate {
		return s.replay(ctx, job), nil
	}

	s.addEvent(ctx, job.ID, storage.StageIngest, "envelope accepted", nil)
	s.addEvent(ctx, job.ID, storage.StageRoute, "routed to telegram", routeMeta(env.Priority))

	return s.push(ctx, job, a), nil
}

// replay records the dedup hit against the original job and returns
// its acknowledgment.
func (s *Service) replay(ctx context.Context, job storage.Job) IngestResult {
	if !job.Dedup {
		if err := s.ledger.MarkJobDedup(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("mark dedup failed")
		}
	}
	s.addEvent(ctx, job.ID, storage.StageDedup, "idempotency key replayed", nil)
	s.logger.Info().Int64("job_id", job.ID).
		Str("idempotency_key", job.IdempotencyKey).
		Msg("duplicate envelope; returning original job")

	return IngestResult{
		JobID:     job.ID,
		Ack:       deref(job.Ack),
		JobURL:    deref(job.JobURL),
		Status:    job.Status,
		Duplicate: true,
	}
}

// push delivers the alert and settles the job status. Push failure is
// a job outcome, not an ingest error: the envelope was accepted.
func (s *Service) push(ctx context.Context, job storage.Job, a alert.Alert) IngestResult {
	res := IngestResult{
		JobID:  job.ID,
		Ack:    GenAck(s.now()),
		JobURL: s.jobURL(job.ID),
		Status: storage.JobStatusQueued,
	}
	if s.notifier == nil {
		return res
	}

	attempts, err := s.notifier.Notify(ctx, alerting.Notification{
		Symbol:      a.Symbol,
		Severity:    a.Severity,
		DeltaPct:    a.DeltaPct,
		TriggeredAt: a.TriggeredAt,
		Note:        a.Note,
		Ack:         res.Ack,
		JobURL:      res.JobURL,
	})
	if err != nil {
		s.addEvent(ctx, job.ID, storage.StageError, err.Error(), nil)
		if markErr := s.ledger.MarkJobFailed(ctx, job.ID, attempts); markErr != nil {
			s.logger.Warn().Err(markErr).Int64("job_id", job.ID).Msg("mark failed failed")
		}
		s.logger.Error().Err(err).Int64("job_id", job.ID).Int("attempts", attempts).Msg("push failed")
		res.Status = storage.JobStatusFailed
		return res
	}

	if markErr := s.ledger.MarkJobPushed(ctx, job.ID, res.Ack, res.JobURL, attempts); markErr != nil {
		s.logger.Warn().Err(markErr).Int64("job_id", job.ID).Msg("mark pushed failed")
	}
	s.addEvent(ctx, job.ID, storage.StagePush, "pushed "+res.Ack, nil)
	s.logger.Info().Int64("job_id", job.ID).Str("ack", res.Ack).Int("attempts", attempts).Msg("alert pushed")
	res.Status = storage.JobStatusPushed
	return res
}

// RepushFailed retries failed jobs, oldest first. Used by the sweeper
// and the resend command. Returns how many jobs were repushed.
func (s *Service) RepushFailed(ctx context.Context, limit int) (int, error) {
	if s.notifier == nil {
		return 0, errors.New("hub: no notifier configured")
	}
	jobs, err := s.ledger.ListFailedJobs(ctx, limit)
	if err != nil {
		return 0, err
	}

	repushed := 0
	for _, job := range jobs {
		var a alert.Alert
		if err := json.Unmarshal(job.Payload, &a); err != nil {
			s.addEvent(ctx, job.ID, storage.StageError, "payload unreadable on repush: "+err.Error(), nil)
			continue
		}
		out := s.push(ctx, job, a)
		if out.Status == storage.JobStatusPushed {
			repushed++
		}
	}
	return repushed, nil
}

// ErrorsSince counts error events for the health surface.
func (s *Service) ErrorsSince(ctx context.Context, since time.Time) (int64, error) {
	return s.ledger.CountErrorEvents(ctx, since)
}

func (s *Service) jobURL(id int64) string {
	if s.cfg.BaseURL == "" {
		return fmt.Sprintf("/jobs/%d", id)
	}
	return fmt.Sprintf("%s/jobs/%d", s.cfg.BaseURL, id)
}

func (s *Service) addEvent(ctx context.Context, jobID int64, stage, detail string, meta json.RawMessage) {
	if err := s.ledger.AddEvent(ctx, jobID, stage, detail, meta); err != nil {
		s.logger.Warn().Err(err).Int64("job_id", jobID).Str("stage", stage).Msg("event append failed")
	}
}

func decodeEnvelope(raw []byte, headerKey string) (forward.Envelope, alert.Alert, error) {
	var env forward.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, alert.Alert{}, &ValidationError{Reason: "invalid json"}
	}
	// 请求头优先于正文
	if headerKey != "" {
		env.IdempotencyKey = headerKey
	}
	switch {
	case env.IdempotencyKey == "":
		return env, alert.Alert{}, &ValidationError{Reason: "idempotency_key is required"}
	case env.Source == "":
		return env, alert.Alert{}, &ValidationError{Reason: "source is required"}
	case env.Type == "":
		return env, alert.Alert{}, &ValidationError{Reason: "type is required"}
	case env.Timestamp == "":
		return env, alert.Alert{}, &ValidationError{Reason: "timestamp is required"}
	case len(env.Payload) == 0:
		return env, alert.Alert{}, &ValidationError{Reason: "payload is required"}
	}
	var a alert.Alert
	if err := json.Unmarshal(env.Payload, &a); err != nil || a.Symbol == "" {
		return env, alert.Alert{}, &ValidationError{Reason: "payload must carry a symbol alert"}
	}
	return env, a, nil
}

func routeMeta(priority string) json.RawMessage {
	meta, err := json.Marshal(map[string]string{"channel": "telegram", "priority": priority})
	if err != nil {
		return nil
	}
	return meta
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
