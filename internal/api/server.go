// Package api assembles the HTTP surface: the OpenAI-compatible completion
// endpoints, the simple chat endpoint, health, and the audit log views.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/api/handler"
	"github.com/user/octoroute/internal/api/middleware"
	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/metrics"
	"github.com/user/octoroute/internal/service"
	"github.com/user/octoroute/internal/storage"
)

// Server wraps the HTTP router and its dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server. LogRepo may be nil
// when the audit log is not configured.
type ServerDeps struct {
	Config     *config.Config
	Engine     *service.RoutingEngine
	Dispatcher *service.Dispatcher
	Health     *service.HealthTracker
	Metrics    *metrics.Metrics
	LogRepo    *storage.RequestLogRepository
	Logger     *zap.Logger
}

// NewServer creates the API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware.
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	// Health check.
	healthHandler := handler.NewHealthHandler(deps.Health)
	r.GET("/health", healthHandler.Health)

	// OpenAI-compatible surface.
	completions := handler.NewCompletionsHandler(deps.Config, deps.Engine, deps.Dispatcher, deps.Metrics, deps.LogRepo, logger)
	modelsHandler := handler.NewModelsHandler(deps.Config)
	v1 := r.Group("/v1")
	{
		v1.POST("/chat/completions", completions.ChatCompletions)
		v1.GET("/models", modelsHandler.List)
	}

	// Simple chat endpoint.
	chatHandler := handler.NewChatHandler(deps.Config, deps.Engine, deps.Dispatcher, logger)
	r.POST("/chat", chatHandler.Chat)

	// Audit log views, available only when storage is configured.
	if deps.LogRepo != nil {
		logsHandler := handler.NewLogsHandler(deps.LogRepo, logger)
		admin := r.Group("/admin")
		{
			admin.GET("/logs", logsHandler.List)
			admin.GET("/logs/stats", logsHandler.Stats)
		}
	}

	return &Server{router: r, logger: logger}
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
