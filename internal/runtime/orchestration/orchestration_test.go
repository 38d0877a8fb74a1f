package orchestration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/config"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/hub"
	"github.com/fingerhq/finger/internal/runtime/registry"
	"github.com/fingerhq/finger/internal/runtime/scheduler"
	"github.com/fingerhq/finger/internal/runtime/session"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

type applyEnv struct {
	applier *Applier
	sched   *scheduler.Scheduler
	hub     *hub.Hub
	path    string
}

func newApplyEnv(t *testing.T) *applyEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	h := hub.New(hub.NewRegistry(), hub.RetryPolicy{}, log, nil)
	sched := scheduler.New(h, memBus, clk, log, nil)
	sessions := session.NewWorkspace(config.RuntimeConfig{Home: t.TempDir()}, clk, log)

	definitions := func() map[string]*v1.AgentDefinition {
		return registry.BuildDefinitions(registry.Inputs{
			Modules:     h.Registry().List(),
			Deployments: sched.Deployments(),
		})
	}

	path := filepath.Join(t.TempDir(), "orchestration.json")
	return &applyEnv{
		applier: NewApplier(sched, sessions, definitions, path, log),
		sched:   sched,
		hub:     h,
		path:    path,
	}
}

func twoProfileConfig() *Config {
	return &Config{
		ActiveProfileID: "default",
		Profiles: []Profile{
			{
				ID:           "default",
				ReviewPolicy: "strict",
				Agents: []AgentEntry{
					{AgentID: "orchestrator", Enabled: true, InstanceCount: 1},
					{AgentID: "executor", Enabled: true, InstanceCount: 2},
				},
			},
			{
				ID: "solo",
				Agents: []AgentEntry{
					{AgentID: "orchestrator", Enabled: true, InstanceCount: 1},
				},
			},
		},
	}
}

func (e *applyEnv) enabledAgents() map[string]bool {
	out := make(map[string]bool)
	for _, dep := range e.sched.Deployments() {
		if e.sched.Profile(dep.AgentID).Enabled {
			out[dep.AgentID] = true
		}
	}
	return out
}

func TestApply_DeploysActiveProfile(t *testing.T) {
	env := newApplyEnv(t)

	require.NoError(t, env.applier.Apply(twoProfileConfig()))

	assert.Equal(t, map[string]bool{"orchestrator": true, "executor": true}, env.enabledAgents())
	assert.Equal(t, "strict", env.applier.ReviewPolicy())
	assert.NotEmpty(t, env.applier.CurrentSessionID())
	assert.FileExists(t, env.path)

	// Orchestrator runs in the root session, executor in a child.
	var orchestratorSession, executorSession string
	for _, dep := range env.sched.Deployments() {
		switch dep.AgentID {
		case "orchestrator":
			orchestratorSession = dep.SessionID
		case "executor":
			executorSession = dep.SessionID
		}
	}
	assert.Equal(t, env.applier.CurrentSessionID(), orchestratorSession)
	assert.NotEqual(t, orchestratorSession, executorSession)
}

func TestApply_Idempotent(t *testing.T) {
	env := newApplyEnv(t)
	cfg := twoProfileConfig()

	require.NoError(t, env.applier.Apply(cfg))
	first := env.enabledAgents()

	require.NoError(t, env.applier.Apply(cfg))
	assert.Equal(t, first, env.enabledAgents())
	assert.Len(t, env.sched.Deployments(), 2)
}

func TestApply_RetiresAgentsNotInProfile(t *testing.T) {
	env := newApplyEnv(t)
	require.NoError(t, env.applier.Apply(twoProfileConfig()))

	// Switch to the solo profile: executor must be retired, not removed.
	require.NoError(t, env.applier.SwitchProfile("solo"))

	assert.Equal(t, map[string]bool{"orchestrator": true}, env.enabledAgents())
	assert.False(t, env.sched.Profile("executor").Enabled)

	found := false
	for _, dep := range env.sched.Deployments() {
		if dep.AgentID == "executor" {
			found = true
		}
	}
	assert.True(t, found, "retired deployment record remains")
}

func TestApply_ReconciliationScenario(t *testing.T) {
	env := newApplyEnv(t)

	// Start with deployments {A, B}.
	for _, agentID := range []string{"agent-a", "agent-b"} {
		resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: agentID})
		require.True(t, resp.Success)
	}

	// Apply a profile listing {A, C}.
	cfg := &Config{
		ActiveProfileID: "next",
		Profiles: []Profile{{
			ID: "next",
			Agents: []AgentEntry{
				{AgentID: "agent-a", Enabled: true},
				{AgentID: "agent-c", Enabled: true},
			},
		}},
	}
	require.NoError(t, env.applier.Apply(cfg))

	assert.Equal(t, map[string]bool{"agent-a": true, "agent-c": true}, env.enabledAgents())
	assert.False(t, env.sched.Profile("agent-b").Enabled)
}

func TestSwitchProfile_UnknownProfile(t *testing.T) {
	env := newApplyEnv(t)
	require.NoError(t, env.applier.Apply(twoProfileConfig()))

	err := env.applier.SwitchProfile("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", *twoProfileConfig(), false},
		{"no profiles", Config{}, true},
		{"empty profile id", Config{Profiles: []Profile{{}}}, true},
		{"duplicate profile id", Config{Profiles: []Profile{{ID: "a"}, {ID: "a"}}}, true},
		{"unknown active profile", Config{Profiles: []Profile{{ID: "a"}}, ActiveProfileID: "b"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "orchestration.json")
	cfg := twoProfileConfig()

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, configVersion, loaded.Version)
	assert.Equal(t, "default", loaded.ActiveProfileID)
	require.Len(t, loaded.Profiles, 2)
	assert.Equal(t, "strict", loaded.Profiles[0].ReviewPolicy)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestration.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid orchestration config")
}

func TestLoadPersisted_MissingFileIsNil(t *testing.T) {
	env := newApplyEnv(t)
	cfg, err := env.applier.LoadPersisted()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}
