// Package http provides the HTTP API for historyd: message append, history
// reads, semantic search, session deletion, retention administration, and the
// health and metrics endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/historyd/internal/conversationlog"
	"github.com/fyrsmithlabs/historyd/internal/history"
	"github.com/fyrsmithlabs/historyd/internal/retention"
	"github.com/fyrsmithlabs/historyd/internal/service"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the chat history engine over HTTP.
type Server struct {
	echo      *echo.Echo
	service   *service.Service
	retention *retention.Engine
	logger    *zap.Logger
	config    Config
}

// NewServer creates the HTTP server. gatherer may be nil to disable /metrics.
func NewServer(svc *service.Service, engine *retention.Engine,
	gatherer prometheus.Gatherer, logger *zap.Logger, cfg Config) (*Server, error) {

	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		service:   svc,
		retention: engine,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/messages", s.handleAppend)
	v1.GET("/history", s.handleHistory)
	v1.GET("/conversations", s.handleConversations)
	v1.GET("/sessions/:session_id/stats", s.handleSessionStats)
	v1.POST("/search", s.handleSearch)
	v1.DELETE("/history/:session_id", s.handleDeleteHistory)

	if s.retention != nil {
		admin := s.echo.Group("/admin")
		admin.POST("/cleanup/expire", s.handleExpire)
		admin.POST("/cleanup/trim", s.handleCleanup(s.retention.TrimOversizedSessions))
		admin.POST("/cleanup/orphans", s.handleCleanup(s.retention.PruneOrphans))
		admin.POST("/cleanup/run", s.handleCleanup(s.retention.RunAll))
		admin.GET("/retention/stats", s.handleRetentionStats)
	}
}

// HealthResponse is the response body for GET /health and GET /ready.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.service.Healthy(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	if err := s.service.Ready(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "not ready"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ready"})
}

// AppendRequest is the request body for POST /api/v1/messages.
type AppendRequest struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	TopicContext   string `json:"topic_context,omitempty"`
}

func (s *Server) handleAppend(c echo.Context) error {
	var req AppendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	msg, err := s.service.Append(c.Request().Context(), history.Message{
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		Username:       req.Username,
		Role:           history.Role(req.Role),
		Content:        req.Content,
		TopicContext:   req.TopicContext,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "offset must be an integer")
	}

	messages, err := s.service.History(c.Request().Context(), conversationlog.HistoryRequest{
		SessionID:      c.QueryParam("session_id"),
		ConversationID: c.QueryParam("conversation_id"),
		TopicContext:   c.QueryParam("topic_context"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return s.mapError(err)
	}
	if messages == nil {
		messages = []history.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Server) handleConversations(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "offset must be an integer")
	}

	conversations, err := s.service.Conversations(c.Request().Context(), c.QueryParam("session_id"), limit, offset)
	if err != nil {
		return s.mapError(err)
	}
	if conversations == nil {
		conversations = []history.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"conversations": conversations})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req service.SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.service.Search(c.Request().Context(), req)
	if err != nil {
		return s.mapError(err)
	}
	if result.Hits == nil {
		result.Hits = []history.SearchHit{}
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleSessionStats(c echo.Context) error {
	stats, err := s.service.Stats(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDeleteHistory(c echo.Context) error {
	deleted, err := s.service.DeleteHistory(c.Request().Context(),
		c.Param("session_id"), c.QueryParam("conversation_id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages_deleted":      deleted.Messages,
		"conversations_deleted": deleted.Conversations,
		"points_deleted":        len(deleted.PointIDs),
	})
}

// handleExpire runs session expiry, with an optional RFC 3339 cutoff query
// parameter overriding the policy-derived one.
func (s *Server) handleExpire(c echo.Context) error {
	var cutoff time.Time
	if raw := c.QueryParam("cutoff"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "cutoff must be an RFC 3339 timestamp")
		}
		cutoff = parsed
	}
	return s.handleCleanup(func(ctx context.Context) (retention.CleanupResult, error) {
		return s.retention.ExpireOldSessions(ctx, cutoff)
	})(c)
}

func (s *Server) handleCleanup(run func(context.Context) (retention.CleanupResult, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		result, err := run(c.Request().Context())
		if err != nil {
			// Partial results still went through; report both.
			s.logger.Error("cleanup finished with failures", zap.Error(err))
			return c.JSON(http.StatusMultiStatus, map[string]interface{}{
				"result": result,
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleRetentionStats(c echo.Context) error {
	stats, err := s.retention.Statistics(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// mapError translates the error taxonomy into HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case history.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case history.IsPrivacyViolation(err):
		// The requester must not learn whose data they collided with.
		s.logger.Error("session isolation violation", zap.Error(err))
		return echo.NewHTTPError(http.StatusForbidden, "session isolation violation")
	default:
		var re *history.ResourceError
		if errors.As(err, &re) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		}
		var te *history.TimeoutError
		if errors.As(err, &te) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "backing store timed out")
		}
		var se *history.StoreError
		if errors.As(err, &se) {
			return echo.NewHTTPError(http.StatusBadGateway, "backing store failed")
		}
		if errors.Is(err, conversationlog.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
		s.logger.Error("unclassified error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
