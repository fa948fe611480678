package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
	"github.com/claims-adjudication-server/internal/formulary"
	"github.com/claims-adjudication-server/internal/middleware"
	"github.com/claims-adjudication-server/internal/notify"
	"github.com/claims-adjudication-server/internal/processor"
)

// CycleRunner runs one processing cycle on demand
type CycleRunner interface {
	Trigger(ctx context.Context) (processor.CycleResult, error)
}

// CacheStatsSource reports formulary cache counters
type CacheStatsSource interface {
	Stats() formulary.Stats
}

// Dependencies are the collaborators the HTTP API serves.
// Processor and CacheStats are optional.
type Dependencies struct {
	Store         domain.ClaimStore
	Members       domain.MemberSource
	Formulary     domain.FormularyAdmin
	CacheStats    CacheStatsSource
	Processor     CycleRunner
	Hub           *notify.Hub
	Notifications *notify.Handler
}

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	deps          Dependencies
	router        *gin.Engine
	server        *http.Server
	logger        *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, deps Dependencies, logger *logrus.Logger) *Server {
	cfg := configManager.GetConfig()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))

	server := &Server{
		configManager: configManager,
		deps:          deps,
		router:        router,
		logger:        logger,
	}

	server.setupRoutes()

	return server
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/claims", s.handleSubmitClaim)
		v1.GET("/claims", s.handleListClaims)
		v1.GET("/claims/:token", s.handleGetClaim)
	}

	admin := v1.Group("/admin")
	{
		admin.GET("/diagnoses", s.handleListDiagnoses)
		admin.POST("/diagnoses", s.handleCreateDiagnosis)
		admin.GET("/diagnoses/:code", s.handleGetDiagnosis)
		admin.PUT("/diagnoses/:code", s.handleUpdateDiagnosis)
		admin.DELETE("/diagnoses/:code", s.handleDeleteDiagnosis)
		admin.POST("/process", s.handleProcess)
	}

	if s.deps.Notifications != nil {
		s.deps.Notifications.Register(s.router)
	}
}

// respondError renders err as an APIError with the request's correlation id.
func (s *Server) respondError(c *gin.Context, err error) {
	requestID := c.GetString(middleware.CorrelationIDKey)

	var ve *domain.ValidationError
	var status int
	var apiErr *domain.APIError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		apiErr = domain.NewAPIError(domain.ErrValidation, ve.Message, ve.Field, requestID)
	case errors.Is(err, domain.ErrInvalidStatus):
		status = http.StatusBadRequest
		apiErr = domain.NewAPIError(domain.ErrInvalidInput, "Invalid claim status", err.Error(), requestID)
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		apiErr = domain.NewAPIError(domain.ErrNotFoundCode, "Resource not found", err.Error(), requestID)
	case errors.Is(err, domain.ErrDuplicateClaim):
		status = http.StatusConflict
		apiErr = domain.NewAPIError(domain.ErrConflict, "Claim already submitted", err.Error(), requestID)
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		apiErr = domain.NewAPIError(domain.ErrDatabaseError, "Storage timed out", "", requestID)
	default:
		status = http.StatusInternalServerError
		apiErr = domain.NewAPIError(domain.ErrInternalServer, "Internal server error", "", requestID)
		s.logger.WithError(err).WithField("correlation_id", requestID).Error("Request failed")
	}

	c.AbortWithStatusJSON(status, apiErr)
}
