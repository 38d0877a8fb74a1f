package scheduler

import (
	"context"

	"github.com/fingerhq/finger/internal/events/bus"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// emitDispatch publishes a dispatch event and updates the agent's last event.
func (s *Scheduler) emitDispatch(req *v1.AgentDispatchRequest, payload *v1.DispatchEventPayload) {
	s.RecordLastEvent(payload.TargetAgentID, &v1.AgentLastEvent{
		Type:       v1.LastEventDispatch,
		Status:     lastEventStatus(payload),
		Summary:    payload.Error,
		Timestamp:  s.clock.Now(),
		SessionID:  req.SessionID,
		WorkflowID: req.WorkflowID,
		DispatchID: payload.DispatchID,
	})
	s.publish(v1.EventAgentRuntimeDispatch, req.SessionID, payload.TargetAgentID, payload)
}

func (s *Scheduler) publish(eventType, sessionID, agentID string, payload any) {
	event := bus.NewEvent(eventType, sessionID, agentID, payload)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.WithError(err).Warn("failed to publish event")
	}
}

// lastEventStatus maps a dispatch event to the status string stored in the
// last-event read model.
func lastEventStatus(payload *v1.DispatchEventPayload) string {
	switch payload.Status {
	case v1.DispatchCompleted:
		if payload.Assignment != nil && payload.Assignment.Phase == v1.PhasePassed {
			return string(v1.PhasePassed)
		}
		return string(v1.DispatchCompleted)
	case v1.DispatchFailed:
		if payload.Error == ErrInterrupted {
			return string(v1.RuntimeStatusInterrupted)
		}
		return string(v1.DispatchFailed)
	default:
		if payload.Assignment != nil && payload.Assignment.Phase == v1.PhaseStarted {
			return string(v1.RuntimeStatusRunning)
		}
		return string(v1.DispatchQueued)
	}
}

// RecordLastEvent stores the most recent runtime event for an agent. The
// control plane uses this to reflect interrupts in the catalog.
func (s *Scheduler) RecordLastEvent(agentID string, event *v1.AgentLastEvent) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEvents[agentID] = event
}

// LastEvent returns the most recent runtime event for an agent, if any.
func (s *Scheduler) LastEvent(agentID string) *v1.AgentLastEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event, ok := s.lastEvents[agentID]; ok {
		copied := *event
		return &copied
	}
	return nil
}

// DeriveStatus computes the catalog status of an agent. Precedence: instance
// error, running, queued, paused, then the last-event derived states.
func (s *Scheduler) DeriveStatus(agentID string) v1.AgentRuntimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hasError, hasPaused bool
	for _, dep := range s.deployments {
		if dep.AgentID != agentID {
			continue
		}
		switch dep.Status {
		case v1.DeploymentError:
			hasError = true
		case v1.DeploymentPaused:
			hasPaused = true
		}
	}
	if hasError {
		return v1.RuntimeStatusError
	}

	state := s.agents[agentID]
	if state != nil && state.active > 0 {
		return v1.RuntimeStatusRunning
	}
	if s.workflows != nil && s.workflows.AgentHasActiveTask(agentID) {
		return v1.RuntimeStatusRunning
	}
	if state != nil && len(state.queue) > 0 {
		return v1.RuntimeStatusQueued
	}
	if hasPaused {
		return v1.RuntimeStatusPaused
	}

	last := s.lastEvents[agentID]
	if last == nil {
		return v1.RuntimeStatusIdle
	}
	switch last.Status {
	case string(v1.RuntimeStatusWaitingInput):
		return v1.RuntimeStatusWaitingInput
	case string(v1.DispatchCompleted), string(v1.PhasePassed), string(v1.PhaseClosed):
		return v1.RuntimeStatusCompleted
	case string(v1.RuntimeStatusInterrupted), string(v1.ControlCancel):
		return v1.RuntimeStatusInterrupted
	default:
		return v1.RuntimeStatusIdle
	}
}

// ResolveQuota surfaces the effective quota for an agent in an optional
// workflow scope. Precedence: workflow override, project quota, profile
// default, then the deployment's instance count. Quotas are reported, never
// enforced by admission.
func (s *Scheduler) ResolveQuota(agentID, workflowID string) v1.QuotaView {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, configured := s.profiles[agentID]

	if configured {
		if workflowID != "" {
			if quota, ok := profile.QuotaPolicy.WorkflowQuotas[workflowID]; ok {
				return v1.QuotaView{Effective: quota, Source: v1.QuotaSourceWorkflow, WorkflowID: workflowID}
			}
		}
		if profile.QuotaPolicy.ProjectQuota != nil {
			return v1.QuotaView{Effective: *profile.QuotaPolicy.ProjectQuota, Source: v1.QuotaSourceProject}
		}
		return v1.QuotaView{Effective: profile.DefaultQuota, Source: v1.QuotaSourceDefault}
	}

	if dep := s.latestDeploymentLocked(agentID); dep != nil {
		return v1.QuotaView{Effective: capacityOf(dep), Source: v1.QuotaSourceDeployment}
	}
	return v1.QuotaView{Effective: v1.DefaultRuntimeProfile().DefaultQuota, Source: v1.QuotaSourceDefault}
}
