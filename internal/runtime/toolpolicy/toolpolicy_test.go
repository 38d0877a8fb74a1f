package toolpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/runtime/agentconfig"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

func newGateWithTools() *Gate {
	g := NewGate()
	g.RegisterTool(v1.Tool{Name: "shell", Policy: v1.ToolPolicyAllow})
	g.RegisterTool(v1.Tool{Name: "edit", Policy: v1.ToolPolicyAllow})
	g.RegisterTool(v1.Tool{Name: "browse", Policy: v1.ToolPolicyAllow})
	g.RegisterTool(v1.Tool{Name: "deploy", Policy: v1.ToolPolicyDeny})
	return g
}

func TestResolveToolAccess_GlobalAllowed(t *testing.T) {
	g := newGateWithTools()

	access := g.ResolveToolAccess("coder")
	assert.Equal(t, []string{"browse", "edit", "shell"}, access.ExposedTools)
	assert.Empty(t, access.Whitelist)
	assert.Empty(t, access.Blacklist)
	assert.False(t, access.AuthorizationRequired)
}

func TestResolveToolAccess_WhitelistOverridesGlobal(t *testing.T) {
	g := newGateWithTools()
	g.SetAgentToolWhitelist("coder", []string{"shell", "deploy"})

	access := g.ResolveToolAccess("coder")
	// A whitelist may expose tools the global policy denies.
	assert.Equal(t, []string{"deploy", "shell"}, access.ExposedTools)
}

func TestResolveToolAccess_BlacklistSubtracts(t *testing.T) {
	g := newGateWithTools()
	g.SetAgentToolBlacklist("coder", []string{"shell"})

	access := g.ResolveToolAccess("coder")
	assert.Equal(t, []string{"browse", "edit"}, access.ExposedTools)
	assert.Equal(t, []string{"shell"}, access.Blacklist)
}

func TestResolveToolAccess_WhitelistMinusBlacklist(t *testing.T) {
	g := newGateWithTools()
	g.SetAgentToolWhitelist("coder", []string{"shell", "edit"})
	g.SetAgentToolBlacklist("coder", []string{"edit"})

	access := g.ResolveToolAccess("coder")
	assert.Equal(t, []string{"shell"}, access.ExposedTools)
}

func TestResolveToolAccess_AuthorizationRequired(t *testing.T) {
	g := newGateWithTools()
	g.SetAuthorizationRequired("coder", true)

	assert.True(t, g.ResolveToolAccess("coder").AuthorizationRequired)
	assert.False(t, g.ResolveToolAccess("reviewer").AuthorizationRequired)
}

func TestGate_ToolRegistry(t *testing.T) {
	g := NewGate()
	g.RegisterTool(v1.Tool{Name: "zeta", Policy: v1.ToolPolicyAllow})
	g.RegisterTool(v1.Tool{Name: "alpha", Policy: v1.ToolPolicyDeny})

	tools := g.ListTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "alpha", tools[0].Name)
	assert.Equal(t, "zeta", tools[1].Name)

	g.UnregisterTool("alpha")
	tools = g.ListTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "zeta", tools[0].Name)
}

func TestApplyAgentConfigs_SeedsPolicies(t *testing.T) {
	g := newGateWithTools()
	g.ApplyAgentConfigs([]agentconfig.AgentConfig{
		{
			ID: "coder",
			Tools: agentconfig.ToolsConfig{
				AuthorizationRequired: true,
				Whitelist:             []string{"shell"},
			},
		},
		{
			ID:    "reviewer",
			Tools: agentconfig.ToolsConfig{Blacklist: []string{"edit"}},
		},
		{ID: ""}, // files without an id are not applied
	})

	coder := g.ResolveToolAccess("coder")
	assert.True(t, coder.AuthorizationRequired)
	assert.Equal(t, []string{"shell"}, coder.Whitelist)
	assert.Equal(t, []string{"shell"}, coder.ExposedTools)

	reviewer := g.ResolveToolAccess("reviewer")
	assert.False(t, reviewer.AuthorizationRequired)
	assert.Equal(t, []string{"edit"}, reviewer.Blacklist)
	assert.Equal(t, []string{"browse", "shell"}, reviewer.ExposedTools)
}

func TestApplyAgentConfigs_ReplacesOnReload(t *testing.T) {
	g := newGateWithTools()
	g.ApplyAgentConfigs([]agentconfig.AgentConfig{{
		ID:    "coder",
		Tools: agentconfig.ToolsConfig{AuthorizationRequired: true, Whitelist: []string{"shell"}},
	}})

	// A reload with a rewritten tools section replaces the previous policy.
	g.ApplyAgentConfigs([]agentconfig.AgentConfig{{
		ID:    "coder",
		Tools: agentconfig.ToolsConfig{Blacklist: []string{"browse"}},
	}})

	access := g.ResolveToolAccess("coder")
	assert.False(t, access.AuthorizationRequired)
	assert.Empty(t, access.Whitelist)
	assert.Equal(t, []string{"browse"}, access.Blacklist)
	assert.Equal(t, []string{"edit", "shell"}, access.ExposedTools)
}

func TestSetAgentToolWhitelist_Replaces(t *testing.T) {
	g := newGateWithTools()
	g.SetAgentToolWhitelist("coder", []string{"shell"})
	g.SetAgentToolWhitelist("coder", []string{"edit"})

	access := g.ResolveToolAccess("coder")
	assert.Equal(t, []string{"edit"}, access.Whitelist)
	assert.Equal(t, []string{"edit"}, access.ExposedTools)
}
