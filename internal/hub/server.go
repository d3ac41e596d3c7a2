package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"market-sentinel/internal/storage"
	"market-sentinel/internal/web"
)

// Server exposes the hub over HTTP.
type Server struct {
	svc    *Service
	logger zerolog.Logger
}

// NewServer builds the hub HTTP surface around a service.
func NewServer(svc *Service, logger zerolog.Logger) *Server {
	return &Server{svc: svc, logger: logger.With().Str("component", "hub_http").Logger()}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), web.RequestID(), web.AccessLog(s.logger))

	r.POST("/bridge/ingest", s.handleIngest)
	r.GET("/jobs", s.handleListJobs)
	r.GET("/jobs/:id", s.handleGetJob)
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	return r
}

type ingestResponse struct {
	JobID     int64  `json:"job_id"`
	Ack       string `json:"ack"`
	JobURL    string `json:"job_url"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleIngest(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	res, err := s.svc.Ingest(c.Request.Context(), raw,
		c.GetHeader("X-Signature"), c.GetHeader("Idempotency-Key"))
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.Is(err, ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.As(err, &verr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Reason})
		default:
			s.logger.Error().Err(err).Str("request_id", c.GetString(web.RequestIDKey)).Msg("ingest failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, ingestResponse{
		JobID:     res.JobID,
		Ack:       res.Ack,
		JobURL:    res.JobURL,
		Status:    res.Status,
		Duplicate: res.Duplicate,
	})
}

type jobView struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Source         string          `json:"source"`
	Type           string          `json:"type"`
	Priority       string          `json:"priority"`
	Timestamp      time.Time       `json:"timestamp"`
	Ack            string          `json:"ack,omitempty"`
	JobURL         string          `json:"job_url,omitempty"`
	Dedup          bool            `json:"dedup"`
	Status         string          `json:"status"`
	Retries        int             `json:"retries"`
	CreatedAt      time.Time       `json:"created_at"`
	Events         []eventView     `json:"events,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type eventView struct {
	Stage  string    `json:"stage"`
	Detail string    `json:"detail"`
	TS     time.Time `json:"ts"`
}

func (s *Server) handleListJobs(c *gin.Context) {
	hours := intQuery(c, "hours", 24)
	limit := intQuery(c, "limit", 50)
	if hours <= 0 || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours and limit must be positive"})
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	jobs, err := s.svc.ledger.ListRecentJobs(c.Request.Context(), since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list jobs failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, toJobView(job, nil, false))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := s.svc.ledger.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		s.logger.Error().Err(err).Int64("job_id", id).Msg("get job failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	events, err := s.svc.ledger.ListJobEvents(c.Request.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Int64("job_id", id).Msg("list events failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, toJobView(job, events, true))
}

func (s *Server) handleHealth(c *gin.Context) {
	errs, err := s.svc.ErrorsSince(c.Request.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "errors_24h": errs})
}

func (s *Server) handleReady(c *gin.Context) {
	if _, err := s.svc.ledger.CountJobs(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func toJobView(job storage.Job, events []storage.Event, withPayload bool) jobView {
	v := jobView{
		ID:             job.ID,
		IdempotencyKey: job.IdempotencyKey,
		Source:         job.Source,
		Type:           job.Type,
		Priority:       job.Priority,
		Timestamp:      job.Timestamp,
		Dedup:          job.Dedup,
		Status:         job.Status,
		Retries:        job.Retries,
		CreatedAt:      job.CreatedAt,
	}
	if job.Ack != nil {
		v.Ack = *job.Ack
	}
	if job.JobURL != nil {
		v.JobURL = *job.JobURL
	}
	if withPayload {
		v.Payload = job.Payload
	}
	for _, ev := range events {
		v.Events = append(v.Events, eventView{Stage: ev.Stage, Detail: ev.Detail, TS: ev.TS})
	}
	return v
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
