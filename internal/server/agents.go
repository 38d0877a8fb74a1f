package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/runtime/control"
	"github.com/fingerhq/finger/internal/runtime/scheduler"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// dispatchErrorStatus maps dispatch failure messages onto HTTP statuses.
// Validation, not-found, and governance failures are caller errors; busy and
// timeout outcomes are still 200 because the dispatch itself was accepted and
// resolved, just unfavourably.
func dispatchErrorStatus(message string) int {
	switch message {
	case scheduler.ErrTargetAgentRequired,
		scheduler.ErrAgentNotStarted,
		scheduler.ErrAgentDisabled,
		scheduler.ErrModuleNotStarted,
		scheduler.ErrDeadlockRisk:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func (s *Server) handleRuntimeView(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Composer.RuntimeView())
}

func (s *Server) handleCatalog(c *gin.Context) {
	layer := v1.ParseCatalogLayer(c.Query("layer"))
	c.JSON(http.StatusOK, s.deps.Composer.Catalog(layer))
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req v1.AgentDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispatch request: " + err.Error()})
		return
	}

	result := s.deps.Scheduler.Dispatch(c.Request.Context(), &req)
	if !result.OK {
		c.JSON(dispatchErrorStatus(result.Error), result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleControl(c *gin.Context) {
	var req v1.AgentControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid control request: " + err.Error()})
		return
	}

	result := s.deps.Plane.Handle(c.Request.Context(), &req)
	status := http.StatusOK
	if !result.OK {
		switch result.Error {
		case control.ErrUnsupportedAction, control.ErrPauseScope:
			status = http.StatusBadRequest
		}
	}
	c.JSON(status, result)
}

func (s *Server) handleDeploy(c *gin.Context) {
	var req v1.AgentDeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deploy request: " + err.Error()})
		return
	}

	resp := s.deps.Scheduler.Deploy(&req)
	if !resp.Success {
		s.logger.Warn("deploy rejected", zap.String("agent_id", req.AgentID), zap.String("error", resp.Error))
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.deps.Gate.ListTools()})
}

func (s *Server) handleToolPolicy(c *gin.Context) {
	agentID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"agentId": agentID,
		"access":  s.deps.Gate.ResolveToolAccess(agentID),
	})
}
