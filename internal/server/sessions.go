package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fingerhq/finger/internal/runtime/orchestration"
	"github.com/fingerhq/finger/internal/runtime/session"
)

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionMessages(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.deps.Sessions.Get(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"messages":  s.deps.Messages.BySession(sessionID),
	})
}

func (s *Server) handleOrchestrationConfig(c *gin.Context) {
	var cfg orchestration.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid orchestration config: " + err.Error()})
		return
	}

	if err := s.deps.Applier.Apply(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"activeProfileId":  cfg.ActiveProfile().ID,
		"currentSessionId": s.deps.Applier.CurrentSessionID(),
	})
}

type switchProfileRequest struct {
	ProfileID string `json:"profileId"`
}

func (s *Server) handleOrchestrationSwitch(c *gin.Context) {
	var req switchProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid switch request: " + err.Error()})
		return
	}
	if req.ProfileID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profileId is required"})
		return
	}

	if err := s.deps.Applier.SwitchProfile(req.ProfileID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "activeProfileId": req.ProfileID})
}

func (s *Server) handleInputLockState(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Locks.State(c.Param("sessionId")))
}
