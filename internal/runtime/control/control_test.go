package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/hub"
	"github.com/fingerhq/finger/internal/runtime/scheduler"
	"github.com/fingerhq/finger/internal/runtime/toolpolicy"
	"github.com/fingerhq/finger/internal/runtime/view"
	"github.com/fingerhq/finger/internal/runtime/workflow"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

type fakeRunner struct {
	mu          sync.Mutex
	interrupted []string
	paused      []string
	resumed     []string
	interruptFn func(sessionID, providerID string) (v1.InterruptResult, error)
}

func (r *fakeRunner) InterruptSession(sessionID, providerID string) (v1.InterruptResult, error) {
	r.mu.Lock()
	r.interrupted = append(r.interrupted, sessionID)
	fn := r.interruptFn
	r.mu.Unlock()
	if fn != nil {
		return fn(sessionID, providerID)
	}
	return v1.InterruptResult{InterruptedCount: 1, Sessions: []string{sessionID}}, nil
}

func (r *fakeRunner) PauseSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = append(r.paused, sessionID)
	return nil
}

func (r *fakeRunner) ResumeSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, sessionID)
	return nil
}

func (r *fakeRunner) SessionStates() map[string]string {
	return map[string]string{"session-1": "running"}
}

type controlEnv struct {
	plane     *Plane
	sched     *scheduler.Scheduler
	workflows *workflow.Store
	hub       *hub.Hub
	runner    *fakeRunner

	mu      sync.Mutex
	control []*v1.ControlEventPayload
	status  []*v1.StatusEventPayload
	notify  chan struct{}
}

func newControlEnv(t *testing.T) *controlEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	h := hub.New(hub.NewRegistry(), hub.RetryPolicy{}, log, nil)
	sched := scheduler.New(h, memBus, clk, log, nil)
	workflows := workflow.NewStore(memBus, clk, log)
	sched.SetWorkflowTracker(workflows)
	composer := view.NewComposer(h, sched, toolpolicy.NewGate(), nil, clk)
	runner := &fakeRunner{}

	env := &controlEnv{
		plane:     NewPlane(sched, workflows, composer, runner, memBus, clk, log, nil),
		sched:     sched,
		workflows: workflows,
		hub:       h,
		runner:    runner,
		notify:    make(chan struct{}, 64),
	}

	_, err = memBus.Subscribe(v1.EventAgentRuntimeControl, func(ctx context.Context, event *bus.Event) error {
		if payload, ok := event.Payload.(*v1.ControlEventPayload); ok {
			env.mu.Lock()
			env.control = append(env.control, payload)
			env.mu.Unlock()
			env.notify <- struct{}{}
		}
		return nil
	})
	require.NoError(t, err)
	_, err = memBus.Subscribe(v1.EventAgentRuntimeStatus, func(ctx context.Context, event *bus.Event) error {
		if payload, ok := event.Payload.(*v1.StatusEventPayload); ok {
			env.mu.Lock()
			env.status = append(env.status, payload)
			env.mu.Unlock()
			env.notify <- struct{}{}
		}
		return nil
	})
	require.NoError(t, err)
	return env
}

func (e *controlEnv) waitControlEvents(t *testing.T, n int) []*v1.ControlEventPayload {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		e.mu.Lock()
		if len(e.control) >= n {
			out := make([]*v1.ControlEventPayload, len(e.control))
			copy(out, e.control)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		select {
		case <-e.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d control events", n)
		}
	}
}

func (e *controlEnv) waitStatusEvents(t *testing.T, n int) []*v1.StatusEventPayload {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		e.mu.Lock()
		if len(e.status) >= n {
			out := make([]*v1.StatusEventPayload, len(e.status))
			copy(out, e.status)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		select {
		case <-e.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d status events", n)
		}
	}
}

func (e *controlEnv) deployEcho(t *testing.T, agentID, sessionID string) {
	t.Helper()
	moduleID := agentID + "-loop"
	e.hub.Registry().Register(hub.ModuleFunc{
		ModuleID: moduleID,
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			return map[string]any{"echo": true}, nil
		},
	})
	resp := e.sched.Deploy(&v1.AgentDeployRequest{AgentID: agentID, ModuleID: moduleID, SessionID: sessionID})
	require.True(t, resp.Success)
}

func TestHandle_UnsupportedAction(t *testing.T) {
	env := newControlEnv(t)

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{Action: "reboot"})

	assert.False(t, result.OK)
	assert.Equal(t, v1.ControlFailed, result.Status)
	assert.Equal(t, "unsupported control action", result.Error)

	events := env.waitControlEvents(t, 1)
	assert.Equal(t, v1.ControlFailed, events[0].Status)
}

func TestHandle_Status(t *testing.T) {
	env := newControlEnv(t)
	env.deployEcho(t, "coder", "session-1")

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{Action: v1.ControlStatus})

	require.True(t, result.OK)
	assert.Equal(t, v1.ControlCompleted, result.Status)

	snapshot, ok := result.Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, snapshot, "catalog")
	assert.Contains(t, snapshot, "runtimeView")
	assert.Contains(t, snapshot, "sessions")

	statuses := env.waitStatusEvents(t, 1)
	assert.Equal(t, "ok", statuses[0].Status)
	env.waitControlEvents(t, 1)
}

func TestHandle_PauseRequiresScope(t *testing.T) {
	env := newControlEnv(t)

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{Action: v1.ControlPause})

	assert.False(t, result.OK)
	assert.Equal(t, "pause requires sessionId or workflowId", result.Error)
}

func TestHandle_PauseUnknownWorkflow(t *testing.T) {
	env := newControlEnv(t)

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:     v1.ControlPause,
		WorkflowID: "wf-ghost",
	})

	assert.False(t, result.OK)
	assert.Equal(t, "workflow not found", result.Error)
}

func TestHandle_PauseResumeWorkflow(t *testing.T) {
	env := newControlEnv(t)
	env.workflows.Ensure("wf-1", "session-1")

	pause := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:     v1.ControlPause,
		WorkflowID: "wf-1",
		Hard:       true,
	})
	require.True(t, pause.OK)
	assert.True(t, env.workflows.IsPaused("wf-1"))

	resume := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:     v1.ControlResume,
		WorkflowID: "wf-1",
	})
	require.True(t, resume.OK)
	assert.False(t, env.workflows.IsPaused("wf-1"))
}

func TestHandle_PauseResumeSession(t *testing.T) {
	env := newControlEnv(t)
	env.deployEcho(t, "coder", "session-1")

	pause := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:    v1.ControlPause,
		SessionID: "session-1",
	})
	require.True(t, pause.OK)
	assert.Equal(t, []string{"session-1"}, env.runner.paused)
	assert.Equal(t, v1.RuntimeStatusPaused, env.sched.DeriveStatus("coder"))

	resume := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:    v1.ControlResume,
		SessionID: "session-1",
	})
	require.True(t, resume.OK)
	assert.Equal(t, []string{"session-1"}, env.runner.resumed)
	assert.NotEqual(t, v1.RuntimeStatusPaused, env.sched.DeriveStatus("coder"))
}

func TestHandle_InterruptRequiresSession(t *testing.T) {
	env := newControlEnv(t)

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{Action: v1.ControlInterrupt})

	assert.False(t, result.OK)
	assert.Equal(t, "interrupt requires sessionId", result.Error)
}

func TestHandle_InterruptRunnerFailure(t *testing.T) {
	env := newControlEnv(t)
	env.runner.interruptFn = func(sessionID, providerID string) (v1.InterruptResult, error) {
		return v1.InterruptResult{}, errors.New("runner unavailable")
	}

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:    v1.ControlInterrupt,
		SessionID: "session-1",
	})

	assert.False(t, result.OK)
	assert.Equal(t, "runner unavailable", result.Error)
}

func TestHandle_InterruptSession(t *testing.T) {
	env := newControlEnv(t)
	env.deployEcho(t, "coder", "session-1")

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:    v1.ControlInterrupt,
		SessionID: "session-1",
	})

	require.True(t, result.OK)
	assert.Equal(t, v1.ControlCompleted, result.Status)
	interrupted, ok := result.Result.(v1.InterruptResult)
	require.True(t, ok)
	assert.Equal(t, 1, interrupted.InterruptedCount)
	assert.Equal(t, []string{"session-1"}, interrupted.Sessions)

	// The session agent's last event reflects the interrupt.
	last := env.sched.LastEvent("coder")
	require.NotNil(t, last)
	assert.Equal(t, v1.LastEventControl, last.Type)
	assert.Equal(t, "interrupted", last.Status)
	assert.Equal(t, v1.RuntimeStatusInterrupted, env.sched.DeriveStatus("coder"))
}

func TestHandle_CancelNormalisesToInterrupted(t *testing.T) {
	env := newControlEnv(t)
	env.deployEcho(t, "coder", "session-1")

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:        v1.ControlCancel,
		SessionID:     "session-1",
		TargetAgentID: "coder",
	})

	require.True(t, result.OK)
	last := env.sched.LastEvent("coder")
	require.NotNil(t, last)
	assert.Equal(t, "interrupted", last.Status)
}

func TestHandle_InterruptStopsInFlightDispatch(t *testing.T) {
	env := newControlEnv(t)

	// A module that streams until its session is interrupted.
	started := make(chan struct{})
	stop := make(chan struct{})
	env.hub.Registry().Register(hub.ModuleFunc{
		ModuleID: "coder-loop",
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			close(started)
			select {
			case <-stop:
				return nil, errors.New("interrupted by user")
			case <-ctx.Done():
				return nil, errors.New("interrupted by user")
			}
		},
	})
	resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "coder", ModuleID: "coder-loop", SessionID: "session-1"})
	require.True(t, resp.Success)

	env.runner.interruptFn = func(sessionID, providerID string) (v1.InterruptResult, error) {
		close(stop)
		return v1.InterruptResult{InterruptedCount: 1, Sessions: []string{sessionID}}, nil
	}

	done := make(chan *v1.DispatchResult, 1)
	go func() {
		done <- env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
			TargetAgentID: "coder",
			Task:          "long task",
			SessionID:     "session-1",
			Blocking:      true,
		})
	}()
	<-started

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:    v1.ControlInterrupt,
		SessionID: "session-1",
	})
	require.True(t, result.OK)

	dispatch := <-done
	assert.False(t, dispatch.OK)
	assert.Contains(t, dispatch.Error, "interrupted")
	assert.Equal(t, v1.RuntimeStatusInterrupted, env.sched.DeriveStatus("coder"))
}

func TestHandle_PanicBecomesFailedResult(t *testing.T) {
	env := newControlEnv(t)
	env.runner.interruptFn = func(sessionID, providerID string) (v1.InterruptResult, error) {
		panic("runner blew up")
	}

	result := env.plane.Handle(context.Background(), &v1.AgentControlRequest{
		Action:    v1.ControlInterrupt,
		SessionID: "session-1",
	})

	assert.False(t, result.OK)
	assert.Equal(t, v1.ControlFailed, result.Status)
	assert.Contains(t, result.Error, "panicked")
}
