// Package server exposes hydrochat over HTTP: the converse endpoint, the
// operator stats endpoint, health and Prometheus scraping.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hydrochat/internal/converse"
	"hydrochat/internal/logging"
	"hydrochat/internal/metrics"
	"hydrochat/internal/namecache"
	"hydrochat/internal/session"
)

// Converser is the single operation the HTTP layer drives. The concrete
// converse.Service satisfies it; tests wire stubs.
type Converser interface {
	Converse(ctx context.Context, req converse.Request) (converse.Response, error)
}

// Config carries the server's wiring.
type Config struct {
	ListenAddr string
	APIToken   string
}

// Server is the gin HTTP front.
type Server struct {
	engine  *gin.Engine
	http    *http.Server
	service Converser
	metrics *metrics.Metrics
	store   session.Store
	cache   *namecache.Cache
	logger  *logging.Logger
	token   string
}

// New assembles the engine and routes.
func New(cfg Config, service Converser, m *metrics.Metrics, store session.Store, cache *namecache.Cache, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine:  engine,
		service: service,
		metrics: m,
		store:   store,
		cache:   cache,
		logger:  logger.With("component", "server"),
		token:   cfg.APIToken,
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	engine.GET("/healthz", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := engine.Group("/hydrochat", s.requireBearer)
	authed.POST("/converse/", s.handleConverse)
	authed.GET("/stats/", s.handleStats)

	return s
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requireBearer rejects requests without the configured API token. The
// comparison is constant time; an unconfigured token disables inbound auth.
func (s *Server) requireBearer(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid bearer token"})
		return
	}
	c.Next()
}

func (s *Server) handleConverse(c *gin.Context) {
	var req converse.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request envelope"})
		return
	}

	resp, err := s.service.Converse(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, converse.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, converse.ErrDeadline):
		c.JSON(http.StatusRequestTimeout, resp)
	case errors.Is(err, converse.ErrCancelled):
		c.JSON(http.StatusRequestTimeout, resp)
	default:
		c.JSON(http.StatusInternalServerError, resp)
	}
}

// statsResponse aggregates the metrics summary with sub-component health.
type statsResponse struct {
	Metrics  metrics.Summary `json:"metrics"`
	Sessions session.Stats   `json:"sessions"`
	Cache    namecache.Stats `json:"name_cache"`
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Metrics:  s.metrics.Snapshot(),
		Sessions: s.store.Stats(),
		Cache:    s.cache.Stats(),
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
