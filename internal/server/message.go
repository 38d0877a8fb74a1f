package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/hub"
)

// MessageRequest is the external entrypoint payload. Target is optional; an
// absent target routes to the primary orchestrator.
type MessageRequest struct {
	Target    string         `json:"target,omitempty"`
	Message   any            `json:"message"`
	SessionID string         `json:"sessionId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Blocking  bool           `json:"blocking,omitempty"`
}

func (s *Server) handleMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message request: " + err.Error()})
		return
	}
	if req.Message == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = bus.DefaultSessionID
	}

	payload := map[string]any{
		"message":   req.Message,
		"sessionId": req.SessionID,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	moduleID := s.resolveMessageTarget(req.Target, payload)
	if moduleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no message target available"})
		return
	}

	s.deps.Messages.Append(req.SessionID, "user", "", req.Message, req.Metadata)

	if !req.Blocking {
		// Fire and forget; delivery failures are logged, not surfaced.
		go func() {
			if _, err := s.deps.Hub.Send(context.Background(), moduleID, payload); err != nil {
				s.logger.WithError(err).Warn("background message send failed",
					zap.String("module_id", moduleID))
			}
		}()
		c.JSON(http.StatusOK, gin.H{"success": true, "target": moduleID})
		return
	}

	result, err := s.deps.Hub.SendBlocking(c.Request.Context(), moduleID, payload)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, hub.ErrModuleNotFound) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s.deps.Messages.Append(req.SessionID, "assistant", req.Target, result, nil)
	c.JSON(http.StatusOK, gin.H{"success": true, "target": moduleID, "result": result})
}

// resolveMessageTarget picks the destination module. Unless direct agent
// routing is enabled, every message funnels through the primary orchestrator;
// agent ids are mapped to their deployed module.
func (s *Server) resolveMessageTarget(target string, payload map[string]any) string {
	primary := s.cfg.Runtime.PrimaryOrchestratorTarget
	if target != "" && target != primary && !s.cfg.Runtime.AllowDirectAgentRoute {
		s.logger.Debug("direct agent route disabled, redirecting to orchestrator",
			zap.String("requested_target", target))
		target = primary
	}

	resolved := s.deps.Hub.Resolve(target, payload)
	if resolved == "" {
		resolved = primary
	}

	// An agent id is addressed through its deployed module.
	if !s.deps.Hub.Registry().Has(resolved) {
		for _, dep := range s.deps.Scheduler.AgentDeployments(resolved) {
			if dep.ModuleID != "" && s.deps.Hub.Registry().Has(dep.ModuleID) {
				return dep.ModuleID
			}
		}
	}
	return resolved
}
