// Package server exposes the pipeline over HTTP with gin. Besides the /v1
// routes for transcripts, minutes and templates it serves health, build
// version and Prometheus metrics.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/fusion"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/minutes"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/pipeline"
	"github.com/kbukum/minutes/version"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 15 * time.Second

// Pipeline is the service behind the routes. *pipeline.Service implements it.
type Pipeline interface {
	Transcribe(ctx context.Context, rawPath string, cfg pipeline.TranscriptionConfig) (*fusion.Document, error)
	Transcript(ctx context.Context, fileID string) (*fusion.Document, error)
	GenerateMinutes(ctx context.Context, req pipeline.MinutesRequest) (*minutes.Document, error)
	TemplateCodes() []string
	Health(ctx context.Context) *observability.ServiceHealth
}

// TranscribeRequest is the body of POST /v1/transcripts.
type TranscribeRequest struct {
	RawPath string                       `json:"raw_path" binding:"required"`
	Config  pipeline.TranscriptionConfig `json:"config"`
}

// Server is an HTTP server backed by gin.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	svc        Pipeline
	gatherer   prometheus.Gatherer
	log        *logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// New builds the server and registers every route.
func New(cfg Config, svc Pipeline, log *logger.Logger, opts ...Option) *Server {
	cfg.ApplyDefaults()
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	s := &Server{
		engine:   gin.New(),
		svc:      svc,
		gatherer: prometheus.DefaultGatherer,
		log:      log.WithComponent("server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(Recovery(s.log), RequestID(), BodySizeLimit(cfg.MaxBodyBytes), RequestLogger(s.log))
	s.routes()

	// h2c lets HTTP/2 clients reach the server without TLS.
	handler := h2c.NewHandler(s.engine, &http2.Server{IdleTimeout: cfg.IdleTimeout})
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/alive", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "alive"}) })
	s.engine.GET("/health", s.health)
	s.engine.GET("/version", func(c *gin.Context) { c.JSON(http.StatusOK, version.Current()) })
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.POST("/transcripts", s.transcribe)
	v1.GET("/transcripts/:file_id", s.transcript)
	v1.POST("/minutes", s.generateMinutes)
	v1.GET("/templates", func(c *gin.Context) { RespondOK(c, s.svc.TemplateCodes()) })
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) health(c *gin.Context) {
	sh := s.svc.Health(c.Request.Context())
	status := http.StatusOK
	if sh.Status == observability.HealthStatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, sh)
}

func (s *Server) transcribe(c *gin.Context) {
	var req TranscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondWithError(c, errors.InputError("body", err.Error()))
		return
	}
	doc, err := s.svc.Transcribe(c.Request.Context(), req.RawPath, req.Config)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondCreated(c, doc)
}

func (s *Server) transcript(c *gin.Context) {
	doc, err := s.svc.Transcript(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, doc)
}

func (s *Server) generateMinutes(c *gin.Context) {
	var req pipeline.MinutesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondWithError(c, errors.InputError("body", err.Error()))
		return
	}
	doc, err := s.svc.GenerateMinutes(c.Request.Context(), req)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondCreated(c, doc)
}

// Start binds the port and serves in a goroutine. It returns once the
// listener is bound.
func (s *Server) Start(_ context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to bind %s: %w", s.httpServer.Addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", logger.Fields(logger.FieldError, err.Error()))
		}
	}()
	s.log.Info("HTTP server started", logger.Fields("addr", listener.Addr().String()))
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}
