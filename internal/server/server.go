package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentbridge/agentbridge/internal/bridge"
	"github.com/agentbridge/agentbridge/internal/bridge/registry"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events/bus"
)

// Server hosts the bridge HTTP API and the WebSocket update stream.
type Server struct {
	httpServer *http.Server
	hub        *Hub
	logger     *logger.Logger
}

// New builds the server with its routes and middleware configured.
func New(cfg config.ServerConfig, mgr *bridge.Manager, reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) *Server {
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())
	router.Use(ErrorHandler(log))

	handler := NewHandler(mgr, reg, log)
	hub := NewHub(eventBus, log)
	SetupRoutes(router, handler, hub)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		hub:    hub,
		logger: log,
	}
}

// SetupRoutes configures the bridge API routes
func SetupRoutes(router *gin.Engine, handler *Handler, hub *Hub) {
	router.GET("/health", handler.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/agents", handler.ListAgents)
		v1.GET("/stream", hub.ServeWS)

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", handler.CreateConversation)
			conversations.GET("", handler.ListConversations)
			conversations.DELETE("/:conversationId", handler.DeleteConversation)
			conversations.POST("/:conversationId/prompt", handler.Prompt)
			conversations.POST("/:conversationId/cancel", handler.Cancel)
			conversations.POST("/:conversationId/pause", handler.Pause)
			conversations.POST("/:conversationId/resume", handler.Resume)
			conversations.GET("/:conversationId/diagnostics", handler.Diagnostics)
			conversations.GET("/:conversationId/messages", handler.Messages)
		}

		permissions := v1.Group("/permissions")
		{
			permissions.GET("", handler.ListPermissions)
			permissions.POST("/resolve", handler.ResolvePermission)
		}
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens and serves until the server is shut down.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the stream hub and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.StopAll()
	return s.httpServer.Shutdown(ctx)
}
