package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fingerhq/finger/internal/runtime/workflow"
)

type workflowControlRequest struct {
	WorkflowID string         `json:"workflowId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Hard       bool           `json:"hard,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

func (s *Server) bindWorkflowRequest(c *gin.Context) (*workflowControlRequest, bool) {
	var req workflowControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow request: " + err.Error()})
		return nil, false
	}
	if req.WorkflowID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflowId is required"})
		return nil, false
	}
	return &req, true
}

func workflowErrorStatus(err error) int {
	if errors.Is(err, workflow.ErrNotFound) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleWorkflowPause(c *gin.Context) {
	req, ok := s.bindWorkflowRequest(c)
	if !ok {
		return
	}
	if err := s.deps.Workflows.Pause(req.WorkflowID, req.Hard); err != nil {
		c.JSON(workflowErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "workflowId": req.WorkflowID})
}

func (s *Server) handleWorkflowResume(c *gin.Context) {
	req, ok := s.bindWorkflowRequest(c)
	if !ok {
		return
	}
	if err := s.deps.Workflows.Resume(req.WorkflowID); err != nil {
		c.JSON(workflowErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "workflowId": req.WorkflowID})
}

func (s *Server) handleWorkflowInput(c *gin.Context) {
	req, ok := s.bindWorkflowRequest(c)
	if !ok {
		return
	}
	if err := s.deps.Workflows.Input(req.WorkflowID, req.Input); err != nil {
		c.JSON(workflowErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "workflowId": req.WorkflowID})
}
