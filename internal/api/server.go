// Package api exposes the sentinel ingest pipeline over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"market-sentinel/internal/alert"
	"market-sentinel/internal/buffer"
	"market-sentinel/internal/pipeline"
	"market-sentinel/internal/web"
)

// Server wires the pipeline into a gin engine.
type Server struct {
	pipe   *pipeline.Pipeline
	logger zerolog.Logger
}

// NewServer builds the sentinel HTTP surface.
func NewServer(pipe *pipeline.Pipeline, logger zerolog.Logger) *Server {
	return &Server{pipe: pipe, logger: logger.With().Str("component", "api").Logger()}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), web.RequestID(), web.AccessLog(s.logger))

	r.POST("/alert", s.handleAlert)
	r.GET("/alerts", s.handleListAlerts)
	r.GET("/session", s.handleSession)
	r.GET("/healthz", s.handleHealthz)
	return r
}

type alertResponse struct {
	Delivered       bool   `json:"delivered"`
	DedupSuppressed bool   `json:"dedup_suppressed"`
	SessionClosed   bool   `json:"session_closed"`
	Session         string `json:"session"`
}

func (s *Server) handleAlert(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	res, err := s.pipe.Ingest(c.Request.Context(), raw, c.GetHeader("X-Signature"))
	if err != nil {
		var verr *pipeline.ValidationError
		switch {
		case errors.Is(err, pipeline.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.As(err, &verr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Reason})
		default:
			s.logger.Error().Err(err).Str("request_id", c.GetString(web.RequestIDKey)).Msg("ingest failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	// Delivered means admitted and dispatched; outbound delivery
	// settles asynchronously.
	c.JSON(http.StatusOK, alertResponse{
		Delivered:       res.Admitted,
		DedupSuppressed: res.DedupSuppressed,
		SessionClosed:   res.SessionClosed,
		Session:         string(res.Session),
	})
}

func (s *Server) handleListAlerts(c *gin.Context) {
	filter := buffer.Filter{}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("minSeverity"); raw != "" {
		filter.MinSeverity = alert.ParseSeverity(raw)
	}
	filter.Symbol = c.Query("symbol")
	if raw := c.Query("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be ISO-8601 with offset"})
			return
		}
		filter.Since = ts
	}

	c.JSON(http.StatusOK, gin.H{"alerts": s.pipe.Recent(filter)})
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipe.Session())
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
