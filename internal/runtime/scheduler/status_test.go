package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

type staticWorkflows struct {
	active map[string]bool
}

func (w staticWorkflows) AgentHasActiveTask(agentID string) bool {
	return w.active[agentID]
}

func TestDeriveStatus_Idle(t *testing.T) {
	env := newEnv(t)
	assert.Equal(t, v1.RuntimeStatusIdle, env.sched.DeriveStatus("executor"))
}

func TestDeriveStatus_ErrorWinsOverEverything(t *testing.T) {
	env := newEnv(t)
	release := env.deployGated("executor", 1)
	defer release()

	go env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "held",
		Blocking:      true,
	})
	env.waitEvents(1)

	resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "executor", Status: v1.DeploymentError})
	require.True(t, resp.Success)

	assert.Equal(t, v1.RuntimeStatusError, env.sched.DeriveStatus("executor"))
}

func TestDeriveStatus_RunningFromActiveDispatch(t *testing.T) {
	env := newEnv(t)
	release := env.deployGated("executor", 1)
	defer release()

	go env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "held",
		Blocking:      true,
	})
	env.waitEvents(1)

	assert.Equal(t, v1.RuntimeStatusRunning, env.sched.DeriveStatus("executor"))
}

func TestDeriveStatus_RunningFromWorkflowTask(t *testing.T) {
	env := newEnv(t)
	env.deployEcho("executor", 1)
	env.sched.SetWorkflowTracker(staticWorkflows{active: map[string]bool{"executor": true}})

	assert.Equal(t, v1.RuntimeStatusRunning, env.sched.DeriveStatus("executor"))
}

func TestDeriveStatus_QueuedAndPaused(t *testing.T) {
	env := newEnv(t)
	release := env.deployGated("executor", 1)
	defer release()

	go env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "held",
		Blocking:      true,
	})
	env.waitEvents(1)
	go env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "waiting",
		Blocking:      true,
	})
	env.waitEvents(2)

	// Active beats queued.
	assert.Equal(t, v1.RuntimeStatusRunning, env.sched.DeriveStatus("executor"))

	t.Run("paused instance", func(t *testing.T) {
		env := newEnv(t)
		resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "coder", Status: v1.DeploymentPaused})
		require.True(t, resp.Success)
		assert.Equal(t, v1.RuntimeStatusPaused, env.sched.DeriveStatus("coder"))
	})
}

func TestDeriveStatus_FromLastEvent(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   v1.AgentRuntimeStatus
	}{
		{"waiting input", "waiting_input", v1.RuntimeStatusWaitingInput},
		{"completed", "completed", v1.RuntimeStatusCompleted},
		{"passed", "passed", v1.RuntimeStatusCompleted},
		{"closed", "closed", v1.RuntimeStatusCompleted},
		{"interrupted", "interrupted", v1.RuntimeStatusInterrupted},
		{"cancel", "cancel", v1.RuntimeStatusInterrupted},
		{"unknown", "something", v1.RuntimeStatusIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			env.sched.RecordLastEvent("executor", &v1.AgentLastEvent{
				Type:      v1.LastEventDispatch,
				Status:    tt.status,
				Timestamp: env.clock.Now(),
			})
			assert.Equal(t, tt.want, env.sched.DeriveStatus("executor"))
		})
	}
}

func TestDeriveStatus_CompletedAfterDispatch(t *testing.T) {
	env := newEnv(t)
	env.deployEcho("executor", 1)

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "hi",
		Blocking:      true,
	})
	require.True(t, res.OK)

	assert.Equal(t, v1.RuntimeStatusCompleted, env.sched.DeriveStatus("executor"))

	last := env.sched.LastEvent("executor")
	require.NotNil(t, last)
	assert.Equal(t, v1.LastEventDispatch, last.Type)
	assert.Equal(t, res.DispatchID, last.DispatchID)
}

func TestResolveQuota_Precedence(t *testing.T) {
	env := newEnv(t)
	project := 7
	env.sched.SetProfile("executor", v1.RuntimeProfile{
		Enabled:      true,
		DefaultQuota: 2,
		QuotaPolicy: v1.QuotaPolicy{
			ProjectQuota:   &project,
			WorkflowQuotas: map[string]int{"wf-1": 9},
		},
	})

	t.Run("workflow override wins", func(t *testing.T) {
		quota := env.sched.ResolveQuota("executor", "wf-1")
		assert.Equal(t, 9, quota.Effective)
		assert.Equal(t, v1.QuotaSourceWorkflow, quota.Source)
		assert.Equal(t, "wf-1", quota.WorkflowID)
	})

	t.Run("project quota next", func(t *testing.T) {
		quota := env.sched.ResolveQuota("executor", "wf-other")
		assert.Equal(t, 7, quota.Effective)
		assert.Equal(t, v1.QuotaSourceProject, quota.Source)
	})

	t.Run("profile default without project", func(t *testing.T) {
		env.sched.SetProfile("coder", v1.RuntimeProfile{Enabled: true, DefaultQuota: 4})
		quota := env.sched.ResolveQuota("coder", "")
		assert.Equal(t, 4, quota.Effective)
		assert.Equal(t, v1.QuotaSourceDefault, quota.Source)
	})

	t.Run("deployment fallback without profile", func(t *testing.T) {
		resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "reviewer", InstanceCount: 3})
		require.True(t, resp.Success)
		quota := env.sched.ResolveQuota("reviewer", "")
		assert.Equal(t, 3, quota.Effective)
		assert.Equal(t, v1.QuotaSourceDeployment, quota.Source)
	})

	t.Run("nothing configured", func(t *testing.T) {
		quota := env.sched.ResolveQuota("ghost", "")
		assert.Equal(t, 1, quota.Effective)
		assert.Equal(t, v1.QuotaSourceDefault, quota.Source)
	})
}
