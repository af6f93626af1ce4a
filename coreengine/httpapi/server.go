// Package httpapi exposes the orchestrator over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/orchestrator"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	readyTimeout     = 2 * time.Second
)

// ExecutionService is what the API needs from the orchestrator.
type ExecutionService interface {
	ProcessEmail(ctx context.Context, email *execution.Email) (*execution.Execution, error)
	GetExecution(id string) (*execution.Execution, bool)
	ListExecutions(limit int, status *execution.Status) []*execution.Execution
}

// Check is a named readiness probe.
type Check func(ctx context.Context) error

// Server is the HTTP front end.
type Server struct {
	svc    ExecutionService
	checks map[string]Check
	logger logging.Logger
	engine *gin.Engine
}

// New builds the router. checks are run by GET /ready.
func New(svc ExecutionService, checks map[string]Check, logger logging.Logger) *Server {
	s := &Server{
		svc:    svc,
		checks: checks,
		logger: logger.Bind("component", "http"),
	}

	r := gin.New()
	r.Use(s.recovery(), s.observe())

	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/emails", s.submitEmail)
		v1.GET("/executions", s.listExecutions)
		v1.GET("/executions/:id", s.getExecution)
	}

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_server_started", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.logger.Info("http_server_stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// observe logs and records every request by route template.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		duration := time.Since(start)
		observability.RecordHTTPRequest(route, code, duration)
		s.logger.Debug("http_request",
			"method", c.Request.Method,
			"route", route,
			"code", code,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("http_panic_recovered", "route", c.FullPath(), "panic", fmt.Sprintf("%v", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal error"))
	})
}

// =============================================================================
// HANDLERS
// =============================================================================

// emailRequest is the POST /v1/emails body.
type emailRequest struct {
	ID          string                 `json:"id" binding:"required"`
	Subject     string                 `json:"subject"`
	Sender      string                 `json:"sender" binding:"required"`
	Recipient   string                 `json:"recipient"`
	Body        string                 `json:"body"`
	Attachments []execution.Attachment `json:"attachments" binding:"omitempty,dive"`
	ReceivedAt  time.Time              `json:"received_at"`
	Headers     map[string]string      `json:"headers"`
	Category    execution.Category     `json:"category" binding:"omitempty,oneof=vendor staff customer system"`
}

func (r *emailRequest) email() *execution.Email {
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return &execution.Email{
		ID:          r.ID,
		Subject:     r.Subject,
		Sender:      r.Sender,
		Recipient:   r.Recipient,
		Body:        r.Body,
		Attachments: r.Attachments,
		ReceivedAt:  receivedAt,
		Headers:     r.Headers,
		Category:    r.Category,
	}
}

func (s *Server) submitEmail(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	exec, err := s.svc.ProcessEmail(c.Request.Context(), req.email())
	if err != nil {
		var ve *execution.ValidationError
		switch {
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, errorBody(ve.Error()))
		case errors.Is(err, orchestrator.ErrShuttingDown):
			c.JSON(http.StatusServiceUnavailable, errorBody(err.Error()))
		default:
			s.logger.Error("submit_email_failed", "email_id", req.ID, "error", err.Error())
			c.JSON(http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, ok := s.svc.GetExecution(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("execution not found"))
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) listExecutions(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	var filter *execution.Status
	if raw := c.Query("status"); raw != "" {
		st, err := execution.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		filter = &st
	}

	execs := s.svc.ListExecutions(limit, filter)
	c.JSON(http.StatusOK, gin.H{"executions": execs, "count": len(execs)})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	results := make(map[string]string, len(s.checks))
	ready := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not_ready"
	}
	c.JSON(code, gin.H{"status": status, "checks": results})
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}
