// Package registry builds the agent catalog by merging agent config files,
// registered modules, and live deployments with the baseline startup
// templates. Definitions are rebuilt on demand and never persisted.
package registry

import (
	"strings"

	"github.com/fingerhq/finger/internal/runtime/agentconfig"
	"github.com/fingerhq/finger/internal/runtime/hub"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// BaselineTemplate seeds a canonical agent id so the catalog is usable before
// any config or deployment exists.
type BaselineTemplate struct {
	ID   string
	Name string
	Role v1.AgentRole
}

// BaselineTemplates are the startup agents every broker instance knows about.
var BaselineTemplates = []BaselineTemplate{
	{ID: "orchestrator", Name: "Orchestrator", Role: v1.RoleOrchestrator},
	{ID: "researcher", Name: "Researcher", Role: v1.RoleSearcher},
	{ID: "executor", Name: "Executor", Role: v1.RoleExecutor},
	{ID: "coder", Name: "Coder", Role: v1.RoleExecutor},
	{ID: "reviewer", Name: "Reviewer", Role: v1.RoleReviewer},
}

// Inputs are the sources merged into the definition map. All fields are
// snapshots; BuildDefinitions never mutates them.
type Inputs struct {
	Configs     []agentconfig.AgentConfig
	Modules     []hub.ModuleInfo
	Deployments []*v1.Deployment
}

// BuildDefinitions merges the input sources into a definition per agent id.
// Precedence when fields collide: config files, then modules, then
// deployments, then baseline templates. The result is deterministic for a
// given input set.
func BuildDefinitions(in Inputs) map[string]*v1.AgentDefinition {
	defs := make(map[string]*v1.AgentDefinition)

	// 1. Agent config files establish identity.
	for i := range in.Configs {
		cfg := &in.Configs[i]
		def := &v1.AgentDefinition{
			ID:              cfg.ID,
			Name:            cfg.Name,
			Role:            roleFromHint(cfg.Role),
			Source:          v1.SourceAgentJSON,
			Implementations: cfg.DerivedImplementations(),
			Tags:            append([]string(nil), cfg.Tags...),
		}
		if def.Name == "" {
			def.Name = cfg.ID
		}
		defs[cfg.ID] = def
	}

	// 2. Registered agent modules contribute native implementations.
	for _, module := range in.Modules {
		if IgnorableModule(module.ID) || !IsAgentModule(module) {
			continue
		}
		for _, agentID := range candidateAgentIDs(module.ID) {
			addModuleImplementation(defs, agentID, module)
		}
	}

	// 3. Deployments guarantee a definition and an implementation entry for
	// everything currently running.
	for _, dep := range in.Deployments {
		def, ok := defs[dep.AgentID]
		if !ok {
			def = &v1.AgentDefinition{
				ID:     dep.AgentID,
				Name:   dep.AgentID,
				Role:   roleFromHint(dep.AgentID),
				Source: v1.SourceDeployment,
			}
			defs[dep.AgentID] = def
		}
		if dep.ImplementationID != "" && !def.HasImplementation(dep.ImplementationID) {
			def.Implementations = append(def.Implementations, v1.AgentImplementation{
				ID:       dep.ImplementationID,
				Kind:     v1.ImplKindNative,
				ModuleID: dep.ModuleID,
				Status:   v1.ImplAvailable,
			})
		}
	}

	// 4. Baseline templates backfill the canonical ids.
	registered := make(map[string]bool, len(in.Modules))
	for _, module := range in.Modules {
		registered[module.ID] = true
	}
	for _, tpl := range BaselineTemplates {
		if _, ok := defs[tpl.ID]; ok {
			continue
		}
		def := &v1.AgentDefinition{
			ID:     tpl.ID,
			Name:   tpl.Name,
			Role:   tpl.Role,
			Source: v1.SourceRuntimeConfig,
		}
		if registered[tpl.ID] {
			def.Implementations = []v1.AgentImplementation{{
				ID:       "native:" + tpl.ID,
				Kind:     v1.ImplKindNative,
				ModuleID: tpl.ID,
				Status:   v1.ImplAvailable,
			}}
		}
		defs[tpl.ID] = def
	}

	for _, def := range defs {
		def.Normalize()
	}
	return defs
}

func addModuleImplementation(defs map[string]*v1.AgentDefinition, agentID string, module hub.ModuleInfo) {
	def, ok := defs[agentID]
	if !ok {
		def = &v1.AgentDefinition{
			ID:     agentID,
			Name:   agentID,
			Role:   moduleRole(module, agentID),
			Source: v1.SourceModule,
		}
		defs[agentID] = def
	}

	implID := "native:" + module.ID
	if def.HasImplementation(implID) {
		return
	}
	def.Implementations = append(def.Implementations, v1.AgentImplementation{
		ID:       implID,
		Kind:     v1.ImplKindNative,
		ModuleID: module.ID,
		Status:   v1.ImplAvailable,
	})
}

// candidateAgentIDs returns the agent ids a module can serve. A `-loop`
// module also associates with the de-suffixed agent id.
func candidateAgentIDs(moduleID string) []string {
	ids := []string{moduleID}
	if base := strings.TrimSuffix(moduleID, "-loop"); base != moduleID && base != "" {
		ids = append(ids, base)
	}
	return ids
}

var gatewayModuleIDs = map[string]bool{
	"gateway":           true,
	"ws-gateway":        true,
	"websocket-gateway": true,
}

// IgnorableModule filters modules that must never surface as agents.
func IgnorableModule(moduleID string) bool {
	id := strings.ToLower(moduleID)
	if gatewayModuleIDs[id] {
		return true
	}
	return strings.Contains(id, "mock") ||
		strings.Contains(id, "echo") ||
		strings.Contains(id, "debug-agent")
}

// IsAgentModule is the agent-identity heuristic: a module of type agent, or
// an output module whose metadata marks it as an agent loop.
func IsAgentModule(module hub.ModuleInfo) bool {
	switch module.Type {
	case "agent":
		return true
	case "output":
	default:
		return false
	}

	hint := strings.ToLower(module.Metadata["type"] + " " + module.Metadata["role"])
	for _, marker := range []string{"loop", "orchestr", "executor", "review"} {
		if strings.Contains(hint, marker) {
			return true
		}
	}
	if strings.Contains(strings.ToLower(module.Metadata["bridge"]), "rust-kernel") {
		return true
	}
	if strings.EqualFold(module.Metadata["provider"], "codex") {
		id := strings.ToLower(module.ID)
		return strings.Contains(id, "finger") || strings.Contains(id, "chat-codex")
	}
	return false
}

// roleFromHint infers an agent role from a free-form hint string.
func roleFromHint(hint string) v1.AgentRole {
	h := strings.ToLower(hint)
	switch {
	case strings.Contains(h, "orchestr"):
		return v1.RoleOrchestrator
	case strings.Contains(h, "review"):
		return v1.RoleReviewer
	case strings.Contains(h, "search"), strings.Contains(h, "research"):
		return v1.RoleSearcher
	default:
		return v1.RoleExecutor
	}
}

func moduleRole(module hub.ModuleInfo, agentID string) v1.AgentRole {
	if role := module.Metadata["role"]; role != "" {
		return roleFromHint(role)
	}
	return roleFromHint(agentID)
}
