// Package control implements the runtime control plane: status snapshots and
// pause/resume/interrupt/cancel across the session and workflow scopes.
package control

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/errorsample"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/scheduler"
	"github.com/fingerhq/finger/internal/runtime/view"
	"github.com/fingerhq/finger/internal/runtime/workflow"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// Control-plane error strings surfaced verbatim to callers.
const (
	ErrUnsupportedAction = "unsupported control action"
	ErrPauseScope        = "pause requires sessionId or workflowId"
)

// SessionRunner is implemented by the agent runner layer. The control plane
// delegates session-scoped verbs to it; the broker itself only tracks the
// resulting state.
type SessionRunner interface {
	InterruptSession(sessionID, providerID string) (v1.InterruptResult, error)
	PauseSession(sessionID string) error
	ResumeSession(sessionID string) error
}

// SessionStateReporter is optionally implemented by runners that can report
// per-session runner state for status snapshots.
type SessionStateReporter interface {
	SessionStates() map[string]string
}

// Plane executes control requests against the runtime.
type Plane struct {
	scheduler *scheduler.Scheduler
	workflows *workflow.Store
	composer  *view.Composer
	runner    SessionRunner
	bus       bus.EventBus
	clock     clock.Clock
	logger    *logger.Logger
	samples   *errorsample.Writer
}

// NewPlane wires the control plane. runner may be nil when no session runner
// is attached; session-scoped verbs then fail cleanly.
func NewPlane(sched *scheduler.Scheduler, workflows *workflow.Store, composer *view.Composer, runner SessionRunner, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger, samples *errorsample.Writer) *Plane {
	return &Plane{
		scheduler: sched,
		workflows: workflows,
		composer:  composer,
		runner:    runner,
		bus:       eventBus,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "control")),
		samples:   samples,
	}
}

// Handle executes a control request. It never panics outward: internal panics
// become a failed result. Every request emits a control event; status
// additionally emits a status event.
func (p *Plane) Handle(ctx context.Context, req *v1.AgentControlRequest) (result *v1.AgentControlResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("control action panicked",
				zap.String("action", string(req.Action)),
				zap.Any("panic", r))
			p.samples.Record("control", "control action panicked", map[string]any{
				"action": string(req.Action),
				"panic":  fmt.Sprint(r),
			})
			result = p.failed(req, fmt.Sprintf("control action %s panicked", req.Action))
			p.emitControl(req, result)
		}
	}()

	switch req.Action {
	case v1.ControlStatus:
		result = p.handleStatus(req)
	case v1.ControlPause:
		result = p.handlePause(req, true)
	case v1.ControlResume:
		result = p.handlePause(req, false)
	case v1.ControlInterrupt, v1.ControlCancel:
		result = p.handleInterrupt(req)
	default:
		result = p.failed(req, ErrUnsupportedAction)
	}

	p.emitControl(req, result)
	return result
}

// handleStatus snapshots the catalog, runtime view, and runner session
// states. Read errors never surface as a panic; they become a failed result
// with an error status event.
func (p *Plane) handleStatus(req *v1.AgentControlRequest) *v1.AgentControlResult {
	snapshot, err := p.snapshot()
	if err != nil {
		p.samples.Record("control", "status snapshot failed", map[string]any{"error": err.Error()})
		p.emitStatus(req, &v1.StatusEventPayload{Status: "error", Error: err.Error()})
		return p.failed(req, err.Error())
	}

	p.emitStatus(req, &v1.StatusEventPayload{Status: "ok"})
	return &v1.AgentControlResult{
		OK:            true,
		Action:        req.Action,
		Status:        v1.ControlCompleted,
		TargetAgentID: req.TargetAgentID,
		SessionID:     req.SessionID,
		WorkflowID:    req.WorkflowID,
		Result:        snapshot,
	}
}

func (p *Plane) snapshot() (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("status snapshot panicked: %v", r)
		}
	}()

	snapshot := map[string]any{
		"catalog":     p.composer.Catalog(v1.LayerFull),
		"runtimeView": p.composer.RuntimeView(),
	}
	if reporter, ok := p.runner.(SessionStateReporter); ok {
		snapshot["sessions"] = reporter.SessionStates()
	}
	return snapshot, nil
}

// handlePause pauses or resumes a workflow or a session. Exactly one scope id
// must be provided; the workflow scope wins when both are set.
func (p *Plane) handlePause(req *v1.AgentControlRequest, pause bool) *v1.AgentControlResult {
	switch {
	case req.WorkflowID != "":
		var err error
		if pause {
			err = p.workflows.Pause(req.WorkflowID, req.Hard)
		} else {
			err = p.workflows.Resume(req.WorkflowID)
		}
		if err != nil {
			return p.failed(req, err.Error())
		}
	case req.SessionID != "":
		if err := p.pauseSession(req.SessionID, pause); err != nil {
			return p.failed(req, err.Error())
		}
	default:
		return p.failed(req, ErrPauseScope)
	}

	return &v1.AgentControlResult{
		OK:            true,
		Action:        req.Action,
		Status:        v1.ControlCompleted,
		TargetAgentID: req.TargetAgentID,
		SessionID:     req.SessionID,
		WorkflowID:    req.WorkflowID,
	}
}

// pauseSession delegates to the runner when one is attached and flips the
// session's deployment records so status derivation reflects the pause.
func (p *Plane) pauseSession(sessionID string, pause bool) error {
	if p.runner != nil {
		var err error
		if pause {
			err = p.runner.PauseSession(sessionID)
		} else {
			err = p.runner.ResumeSession(sessionID)
		}
		if err != nil {
			return err
		}
	}

	status := v1.DeploymentIdle
	if pause {
		status = v1.DeploymentPaused
	}
	var errs []error
	for _, dep := range p.scheduler.Deployments() {
		if dep.SessionID != sessionID {
			continue
		}
		resp := p.scheduler.Deploy(&v1.AgentDeployRequest{
			AgentID:          dep.AgentID,
			ImplementationID: dep.ImplementationID,
			ModuleID:         dep.ModuleID,
			SessionID:        dep.SessionID,
			InstanceCount:    dep.InstanceCount,
			LaunchMode:       dep.LaunchMode,
			Status:           status,
		})
		if !resp.Success {
			errs = append(errs, errors.New(resp.Error))
		}
	}
	return errors.Join(errs...)
}

// handleInterrupt stops in-flight turns of a session via the runner. Queued
// dispatch items of the session are left alone; callers cancel those
// explicitly.
func (p *Plane) handleInterrupt(req *v1.AgentControlRequest) *v1.AgentControlResult {
	if req.SessionID == "" {
		return p.failed(req, fmt.Sprintf("%s requires sessionId", req.Action))
	}
	if p.runner == nil {
		return p.failed(req, "no session runner attached")
	}

	interrupted, err := p.runner.InterruptSession(req.SessionID, req.ProviderID)
	if err != nil {
		return p.failed(req, err.Error())
	}

	p.logger.Info("session interrupted",
		zap.String("session_id", req.SessionID),
		zap.String("action", string(req.Action)),
		zap.Int("interrupted_count", interrupted.InterruptedCount))

	// Reflect the interrupt in each session agent's last event so the
	// catalog reports interrupted rather than the stale dispatch status.
	for _, dep := range p.scheduler.Deployments() {
		if dep.SessionID != req.SessionID {
			continue
		}
		p.scheduler.RecordLastEvent(dep.AgentID, &v1.AgentLastEvent{
			Type:      v1.LastEventControl,
			Status:    v1.ControlInterruptedTag,
			Timestamp: p.clock.Now(),
			SessionID: req.SessionID,
		})
	}

	return &v1.AgentControlResult{
		OK:            true,
		Action:        req.Action,
		Status:        v1.ControlCompleted,
		TargetAgentID: req.TargetAgentID,
		SessionID:     req.SessionID,
		Result:        interrupted,
	}
}

func (p *Plane) failed(req *v1.AgentControlRequest, message string) *v1.AgentControlResult {
	return &v1.AgentControlResult{
		OK:            false,
		Action:        req.Action,
		Status:        v1.ControlFailed,
		TargetAgentID: req.TargetAgentID,
		SessionID:     req.SessionID,
		WorkflowID:    req.WorkflowID,
		Error:         message,
	}
}

// emitControl publishes the control event and records the per-agent last
// event. Successful interrupt/cancel are stored as interrupted.
func (p *Plane) emitControl(req *v1.AgentControlRequest, result *v1.AgentControlResult) {
	status := result.Status
	payload := &v1.ControlEventPayload{
		Action:        req.Action,
		Status:        status,
		TargetAgentID: req.TargetAgentID,
		Error:         result.Error,
	}
	p.publish(v1.EventAgentRuntimeControl, req.SessionID, req.TargetAgentID, payload)

	if req.TargetAgentID == "" {
		return
	}
	stored := string(status)
	if result.OK && (req.Action == v1.ControlInterrupt || req.Action == v1.ControlCancel) {
		stored = v1.ControlInterruptedTag
	}
	p.scheduler.RecordLastEvent(req.TargetAgentID, &v1.AgentLastEvent{
		Type:       v1.LastEventControl,
		Status:     stored,
		Summary:    result.Error,
		Timestamp:  p.clock.Now(),
		SessionID:  req.SessionID,
		WorkflowID: req.WorkflowID,
	})
}

func (p *Plane) emitStatus(req *v1.AgentControlRequest, payload *v1.StatusEventPayload) {
	p.publish(v1.EventAgentRuntimeStatus, req.SessionID, req.TargetAgentID, payload)
	if req.TargetAgentID != "" {
		p.scheduler.RecordLastEvent(req.TargetAgentID, &v1.AgentLastEvent{
			Type:      v1.LastEventStatus,
			Status:    payload.Status,
			Summary:   payload.Error,
			Timestamp: p.clock.Now(),
			SessionID: req.SessionID,
		})
	}
}

func (p *Plane) publish(eventType, sessionID, agentID string, payload any) {
	event := bus.NewEvent(eventType, sessionID, agentID, payload)
	if err := p.bus.Publish(context.Background(), eventType, event); err != nil {
		p.logger.WithError(err).Warn("failed to publish control event")
	}
}
