package scheduler

import (
	"sort"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/registry"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// Deploy upserts a deployment record. The deployment id is deterministic per
// {agentId, implementationId}; redeploying preserves createdAt, and status is
// kept unless explicitly overridden.
func (s *Scheduler) Deploy(req *v1.AgentDeployRequest) *v1.AgentDeployResponse {
	resp := &v1.AgentDeployResponse{
		StartupTargets:   StartupTargets(),
		StartupTemplates: s.StartupTemplates(),
	}
	if req.AgentID == "" {
		resp.Error = "agentId is required"
		return resp
	}

	implID := req.ImplementationID
	if implID == "" {
		if req.ModuleID != "" {
			implID = "native:" + req.ModuleID
		} else {
			implID = "native:" + req.AgentID
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = bus.DefaultSessionID
	}
	scope := req.Scope
	if scope == "" {
		scope = v1.ScopeSession
	}
	launchMode := req.LaunchMode
	if launchMode == "" {
		launchMode = v1.LaunchManual
	}
	instanceCount := req.InstanceCount
	if instanceCount < 1 {
		instanceCount = 1
	}

	id := v1.DeploymentID(req.AgentID, implID)

	s.mu.Lock()
	existing := s.deployments[id]

	dep := &v1.Deployment{
		ID:               id,
		AgentID:          req.AgentID,
		ImplementationID: implID,
		ModuleID:         req.ModuleID,
		SessionID:        sessionID,
		Scope:            scope,
		InstanceCount:    instanceCount,
		LaunchMode:       launchMode,
		Status:           v1.DeploymentIdle,
		CreatedAt:        s.clock.Now(),
	}
	if existing != nil {
		dep.CreatedAt = existing.CreatedAt
		dep.Status = existing.Status
		if dep.ModuleID == "" {
			dep.ModuleID = existing.ModuleID
		}
	}
	if req.Status != "" {
		dep.Status = req.Status
	}
	s.deployments[id] = dep

	if req.Enabled != nil {
		profile, ok := s.profiles[req.AgentID]
		if !ok {
			profile = v1.DefaultRuntimeProfile()
		}
		profile.Enabled = *req.Enabled
		s.profiles[req.AgentID] = profile
	}
	s.mu.Unlock()

	s.logger.WithAgentID(req.AgentID).Info("deployment upserted",
		zap.String("deployment_id", id),
		zap.Int("instance_count", instanceCount),
		zap.String("session_id", sessionID))

	s.publish(v1.EventAgentUpdate, sessionID, req.AgentID, dep)
	s.publish(v1.EventAgentRuntimeCatalog, sessionID, req.AgentID, &v1.CatalogEventPayload{
		AgentID: req.AgentID,
		Reason:  "deployment",
	})

	resp.Success = true
	resp.Deployment = dep
	return resp
}

// SetProfile replaces the runtime profile of an agent.
func (s *Scheduler) SetProfile(agentID string, profile v1.RuntimeProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile.Capabilities = v1.SortedSet(profile.Capabilities)
	s.profiles[agentID] = profile
}

// Profile returns the runtime profile of an agent, falling back to defaults.
func (s *Scheduler) Profile(agentID string) v1.RuntimeProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile, ok := s.profiles[agentID]; ok {
		return profile
	}
	return v1.DefaultRuntimeProfile()
}

// Profiles returns a snapshot of every configured profile.
func (s *Scheduler) Profiles() map[string]v1.RuntimeProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]v1.RuntimeProfile, len(s.profiles))
	for id, profile := range s.profiles {
		out[id] = profile
	}
	return out
}

// Deployments returns a snapshot of all deployment records sorted by id.
func (s *Scheduler) Deployments() []*v1.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*v1.Deployment, 0, len(s.deployments))
	for _, dep := range s.deployments {
		copied := *dep
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentDeployments returns the deployment records of one agent sorted by id.
func (s *Scheduler) AgentDeployments(agentID string) []*v1.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*v1.Deployment
	for _, dep := range s.deployments {
		if dep.AgentID == agentID {
			copied := *dep
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// latestDeploymentLocked resolves the most-recent deployment for an agent.
func (s *Scheduler) latestDeploymentLocked(agentID string) *v1.Deployment {
	var latest *v1.Deployment
	for _, dep := range s.deployments {
		if dep.AgentID != agentID {
			continue
		}
		if latest == nil || dep.CreatedAt.After(latest.CreatedAt) ||
			(dep.CreatedAt.Equal(latest.CreatedAt) && dep.ID > latest.ID) {
			latest = dep
		}
	}
	return latest
}

// StartupTargets lists the canonical agent ids every broker instance offers.
func StartupTargets() []string {
	targets := make([]string, 0, len(registry.BaselineTemplates))
	for _, tpl := range registry.BaselineTemplates {
		targets = append(targets, tpl.ID)
	}
	return targets
}

// StartupTemplates returns the baseline definitions with implementation
// availability reflecting the current module registry.
func (s *Scheduler) StartupTemplates() []v1.AgentDefinition {
	templates := make([]v1.AgentDefinition, 0, len(registry.BaselineTemplates))
	for _, tpl := range registry.BaselineTemplates {
		def := v1.AgentDefinition{
			ID:     tpl.ID,
			Name:   tpl.Name,
			Role:   tpl.Role,
			Source: v1.SourceRuntimeConfig,
		}
		if s.hub.Registry().Has(tpl.ID) {
			def.Implementations = []v1.AgentImplementation{{
				ID:       "native:" + tpl.ID,
				Kind:     v1.ImplKindNative,
				ModuleID: tpl.ID,
				Status:   v1.ImplAvailable,
			}}
		}
		def.Normalize()
		templates = append(templates, def)
	}
	return templates
}
