// Package server exposes the runtime broker over HTTP/JSON.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/config"
	"github.com/fingerhq/finger/internal/common/httpmw"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/runtime/control"
	"github.com/fingerhq/finger/internal/runtime/hub"
	"github.com/fingerhq/finger/internal/runtime/inputlock"
	"github.com/fingerhq/finger/internal/runtime/orchestration"
	"github.com/fingerhq/finger/internal/runtime/scheduler"
	"github.com/fingerhq/finger/internal/runtime/session"
	"github.com/fingerhq/finger/internal/runtime/toolpolicy"
	"github.com/fingerhq/finger/internal/runtime/view"
	"github.com/fingerhq/finger/internal/runtime/workflow"
)

// Deps bundles the runtime components the HTTP boundary fronts.
type Deps struct {
	Hub       *hub.Hub
	Scheduler *scheduler.Scheduler
	Plane     *control.Plane
	Composer  *view.Composer
	Gate      *toolpolicy.Gate
	Workflows *workflow.Store
	Sessions  *session.Workspace
	Messages  *session.MessageLog
	Applier   *orchestration.Applier
	Locks     *inputlock.Manager
}

// Server is the HTTP API server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *logger.Logger
	router *gin.Engine
}

// New creates the API server and wires its routes.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithFields(zap.String("component", "api-server")),
		router: gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "api"))
	s.router.Use(corsMiddleware())
	s.router.Use(bodyLimitMiddleware(cfg.Server.BodyLimitBytes()))
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler for the server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.POST("/message", s.handleMessage)

		api.GET("/agents/runtime-view", s.handleRuntimeView)
		api.GET("/agents/catalog", s.handleCatalog)
		api.POST("/agents/dispatch", s.handleDispatch)
		api.POST("/agents/control", s.handleControl)
		api.POST("/agents/deploy", s.handleDeploy)

		api.GET("/tools", s.handleListTools)
		api.GET("/tools/agents/:id/policy", s.handleToolPolicy)

		api.POST("/workflow/pause", s.handleWorkflowPause)
		api.POST("/workflow/resume", s.handleWorkflowResume)
		api.POST("/workflow/input", s.handleWorkflowInput)

		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/messages", s.handleSessionMessages)

		api.POST("/orchestration/config", s.handleOrchestrationConfig)
		api.POST("/orchestration/config/switch", s.handleOrchestrationSwitch)

		api.GET("/input-lock/:sessionId", s.handleInputLockState)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "finger",
	})
}
