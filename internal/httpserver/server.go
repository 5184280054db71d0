package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tinytelemetry/procscope/internal/model"
)

const requestIDHeader = "X-Request-ID"

// Server provides an HTTP API for report evaluation and import status.
type Server struct {
	addr      string
	api       model.ReadAPI
	metrics   http.Handler
	timeout   time.Duration
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. metrics may be nil when no
// Prometheus registry is configured.
func NewServer(addr string, api model.ReadAPI, metrics http.Handler) *Server {
	if addr == "" {
		addr = "0.0.0.0:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		api:     api,
		metrics: metrics,
		timeout: model.DefaultQueryTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetQueryTimeout bounds each report evaluation.
func (s *Server) SetQueryTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler builds the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/api/health", s.handleHealth)
	r.POST("/api/reports/evaluate", s.handleEvaluate)
	r.POST("/api/reports/evaluate-combined", s.handleEvaluateCombined)
	r.GET("/api/import/status", s.handleImportStatus)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.timeout + 30*time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// requestID echoes the caller's X-Request-ID or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"loops":   len(s.api.ImportStatus()),
		"request": c.GetString(requestIDHeader),
	})
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var def model.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report definition: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	res, err := s.api.Evaluate(ctx, def)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleEvaluateCombined(c *gin.Context) {
	var req struct {
		Reports []model.Definition `json:"reports" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing reports field"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	res, err := s.api.EvaluateCombined(ctx, req.Reports)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleImportStatus(c *gin.Context) {
	loops := s.api.ImportStatus()
	c.JSON(http.StatusOK, gin.H{
		"loops": loops,
		"count": len(loops),
	})
}

// statusFor maps evaluation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidReport),
		errors.Is(err, model.ErrUnsupportedFilterCombination),
		errors.Is(err, model.ErrTooManyBuckets):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrBackendUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
