// Package http provides the REST API for ragorch.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/logging"
	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

// HeaderUserID carries the calling user when the body does not.
const HeaderUserID = "X-User-ID"

const maxHistoryLimit = 1000

// Orchestrator handles orchestration and history requests.
type Orchestrator interface {
	Handle(ctx context.Context, req orchestrator.Request) *orchestrator.Result
	History(ctx context.Context, userID string, limit int) ([]audit.IntentHistory, error)
}

// Searcher answers direct retrieval requests.
type Searcher interface {
	PerformAdvancedRAG(ctx context.Context, req retrieval.AdvancedRequest) (*retrieval.AdvancedResponse, error)
}

// Indexer embeds and stores entities.
type Indexer interface {
	Index(ctx context.Context, items ...vectorstore.Indexable) ([]string, error)
}

// VectorStore is the part of the vector store the API manages directly.
type VectorStore interface {
	RemoveVector(ctx context.Context, entityType, entityID string) (bool, error)
	CountByEntityType(ctx context.Context) (map[string]int, error)
	Backend() string
}

// Deps are the collaborators of a Server.
type Deps struct {
	Orchestrator Orchestrator
	Searcher     Searcher
	Indexer      Indexer
	Store        VectorStore
	Sanitizer    *sanitize.Sanitizer
	// Metrics defaults to NewMetrics on the global meter provider.
	Metrics *Metrics
}

// Server provides HTTP endpoints for ragorch.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *Metrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// BodyLimit caps request bodies, in echo size notation.
	BodyLimit string
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if deps.Searcher == nil || deps.Indexer == nil || deps.Store == nil {
		return nil, fmt.Errorf("searcher, indexer and store are required")
	}
	if deps.Sanitizer == nil {
		return nil, fmt.Errorf("sanitizer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/orchestrate", s.handleOrchestrate)
	v1.GET("/history/:userId", s.handleHistory)
	v1.PUT("/vectors/:entityType/:entityId", s.handlePutVector)
	v1.DELETE("/vectors/:entityType/:entityId", s.handleDeleteVector)
	v1.POST("/search", s.handleSearch)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		Backend: s.deps.Store.Backend(),
		Vectors: map[string]int{},
	}
	counts, err := s.deps.Store.CountByEntityType(c.Request().Context())
	if err != nil {
		s.logger.Warn("status counts unavailable", zap.Error(err))
		resp.Status = "degraded"
		return c.JSON(http.StatusOK, resp)
	}
	for t, n := range counts {
		resp.Vectors[t] = n
		resp.Total += n
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOrchestrate(c echo.Context) error {
	var req OrchestrateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid orchestrate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if req.UserID == "" {
		req.UserID = c.Request().Header.Get(HeaderUserID)
	}

	result := s.deps.Orchestrator.Handle(c.Request().Context(), orchestrator.Request{
		Query:   req.Query,
		UserID:  req.UserID,
		History: req.History,
		Context: req.Context,
	})
	s.metrics.Orchestration(c.Request().Context(), result)
	return c.JSON(http.StatusOK, result.Public())
}

func (s *Server) handleHistory(c echo.Context) error {
	userID := c.Param("userId")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
		}
		limit = n
	}

	entries, err := s.deps.Orchestrator.History(c.Request().Context(), userID, limit)
	if err != nil {
		s.logger.Error("history lookup failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable")
	}
	if entries == nil {
		entries = []audit.IntentHistory{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{UserID: userID, Entries: entries})
}

func (s *Server) handlePutVector(c echo.Context) error {
	var req PutVectorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	entity := vectorstore.Entity{
		Type:     c.Param("entityType"),
		ID:       c.Param("entityId"),
		Content:  req.Content,
		Metadata: req.Metadata,
	}

	ids, err := s.deps.Indexer.Index(c.Request().Context(), entity)
	s.metrics.VectorWrite(c.Request().Context(), "upsert", entity.Type, err == nil, err)
	if err != nil {
		if errors.Is(err, vectorstore.ErrInvalidInput) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("vector upsert failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "vector could not be stored")
	}
	return c.JSON(http.StatusOK, PutVectorResponse{
		VectorID:   ids[0],
		EntityType: entity.Type,
		EntityID:   entity.ID,
	})
}

func (s *Server) handleDeleteVector(c echo.Context) error {
	entityType, entityID := c.Param("entityType"), c.Param("entityId")
	removed, err := s.deps.Store.RemoveVector(c.Request().Context(), entityType, entityID)
	s.metrics.VectorWrite(c.Request().Context(), "remove", entityType, removed, err)
	if err != nil {
		if errors.Is(err, vectorstore.ErrInvalidInput) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("vector removal failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "vector could not be removed")
	}
	return c.JSON(http.StatusOK, DeleteVectorResponse{
		EntityType: entityType,
		EntityID:   entityID,
		Removed:    removed,
	})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	resp, err := s.deps.Searcher.PerformAdvancedRAG(c.Request().Context(), req.AdvancedRequest)
	if err != nil {
		if errors.Is(err, retrieval.ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search unavailable")
	}
	s.metrics.Search(c.Request().Context(), resp)

	payload := orchestrator.SanitizeSearch(s.deps.Sanitizer, req.Query, resp)
	return c.JSON(http.StatusOK, SearchResponse{Payload: payload})
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
