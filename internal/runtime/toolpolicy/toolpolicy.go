// Package toolpolicy computes which tools an agent may invoke from the
// global tool registry and per-agent whitelist/blacklist policies.
package toolpolicy

import (
	"sort"
	"sync"

	"github.com/fingerhq/finger/internal/runtime/agentconfig"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// Gate owns the global tool registry and the per-agent policies. All reads
// observe a consistent snapshot; mutations replace lists atomically.
type Gate struct {
	mu           sync.RWMutex
	tools        map[string]v1.Tool
	whitelists   map[string][]string
	blacklists   map[string][]string
	authRequired map[string]bool
}

// NewGate creates an empty tool policy gate.
func NewGate() *Gate {
	return &Gate{
		tools:        make(map[string]v1.Tool),
		whitelists:   make(map[string][]string),
		blacklists:   make(map[string][]string),
		authRequired: make(map[string]bool),
	}
}

// RegisterTool adds or replaces a tool in the global registry.
func (g *Gate) RegisterTool(tool v1.Tool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tools[tool.Name] = tool
}

// UnregisterTool removes a tool from the global registry.
func (g *Gate) UnregisterTool(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tools, name)
}

// ListTools returns the registered tools sorted by name.
func (g *Gate) ListTools() []v1.Tool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tools := make([]v1.Tool, 0, len(g.tools))
	for _, tool := range g.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// SetAgentToolWhitelist replaces the whitelist for an agent.
func (g *Gate) SetAgentToolWhitelist(agentID string, names []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.whitelists[agentID] = v1.SortedSet(names)
}

// SetAgentToolBlacklist replaces the blacklist for an agent.
func (g *Gate) SetAgentToolBlacklist(agentID string, names []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blacklists[agentID] = v1.SortedSet(names)
}

// SetAuthorizationRequired records whether tool calls from the agent need
// explicit user authorization. Sourced from the agent's config file.
func (g *Gate) SetAuthorizationRequired(agentID string, required bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authRequired[agentID] = required
}

// ApplyAgentConfigs replaces each configured agent's policy with the tools
// section of its config file. Agents without a config file are untouched.
func (g *Gate) ApplyAgentConfigs(configs []agentconfig.AgentConfig) {
	for _, cfg := range configs {
		if cfg.ID == "" {
			continue
		}
		g.SetAuthorizationRequired(cfg.ID, cfg.Tools.AuthorizationRequired)
		g.SetAgentToolWhitelist(cfg.ID, cfg.Tools.Whitelist)
		g.SetAgentToolBlacklist(cfg.ID, cfg.Tools.Blacklist)
	}
}

// ResolveToolAccess composes the effective tool policy for an agent: the
// whitelist when present, otherwise every globally allowed tool, minus the
// blacklist.
func (g *Gate) ResolveToolAccess(agentID string) v1.ToolAccess {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var globalAllowed []string
	for name, tool := range g.tools {
		if tool.Policy == v1.ToolPolicyAllow {
			globalAllowed = append(globalAllowed, name)
		}
	}

	whitelist := g.whitelists[agentID]
	blacklist := g.blacklists[agentID]

	base := globalAllowed
	if len(whitelist) > 0 {
		base = whitelist
	}

	blocked := make(map[string]struct{}, len(blacklist))
	for _, name := range blacklist {
		blocked[name] = struct{}{}
	}

	exposed := make([]string, 0, len(base))
	for _, name := range base {
		if _, ok := blocked[name]; ok {
			continue
		}
		exposed = append(exposed, name)
	}

	return v1.ToolAccess{
		ExposedTools:          v1.SortedSet(exposed),
		Whitelist:             v1.SortedSet(whitelist),
		Blacklist:             v1.SortedSet(blacklist),
		AuthorizationRequired: g.authRequired[agentID],
	}
}
