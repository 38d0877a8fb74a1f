package v1

import "time"

// CatalogLayer selects how much detail a catalog query returns.
type CatalogLayer string

const (
	LayerSummary    CatalogLayer = "summary"
	LayerExecution  CatalogLayer = "execution"
	LayerGovernance CatalogLayer = "governance"
	LayerFull       CatalogLayer = "full"
)

// ParseCatalogLayer normalises a query value, defaulting to summary.
func ParseCatalogLayer(s string) CatalogLayer {
	switch CatalogLayer(s) {
	case LayerExecution, LayerGovernance, LayerFull:
		return CatalogLayer(s)
	default:
		return LayerSummary
	}
}

// AgentCatalogEntry is one agent's row in the catalog. Optional sections are
// populated according to the requested layer.
type AgentCatalogEntry struct {
	Definition AgentDefinition    `json:"definition"`
	Status     AgentRuntimeStatus `json:"status"`

	// execution layer
	Deployments      []Deployment    `json:"deployments,omitempty"`
	ActiveDispatches int             `json:"activeDispatches,omitempty"`
	QueuedDispatches int             `json:"queuedDispatches,omitempty"`
	LastEvent        *AgentLastEvent `json:"lastEvent,omitempty"`

	// governance layer
	Profile *RuntimeProfile `json:"profile,omitempty"`
	Quota   *QuotaView      `json:"quota,omitempty"`
	Tools   *ToolAccess     `json:"tools,omitempty"`
}

// AgentCatalog is the full catalog response.
type AgentCatalog struct {
	Layer       CatalogLayer        `json:"layer"`
	Agents      []AgentCatalogEntry `json:"agents"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

// RuntimeView is the aggregate view consumed by the front-end.
type RuntimeView struct {
	Definitions      []AgentDefinition         `json:"definitions"`
	Instances        []Deployment              `json:"instances"`
	Configs          map[string]RuntimeProfile `json:"configs"`
	StartupTargets   []string                  `json:"startupTargets"`
	StartupTemplates []AgentDefinition         `json:"startupTemplates"`
}

// SessionKind distinguishes the orchestrator root session from runtime
// children created per sub-agent.
type SessionKind string

const (
	SessionKindRoot         SessionKind = "orchestrator-root"
	SessionKindRuntimeChild SessionKind = "runtime-child"
)

// Session is a node in the session workspace tree.
type Session struct {
	ID        string      `json:"id"`
	ParentID  string      `json:"parentId,omitempty"`
	AgentID   string      `json:"agentId,omitempty"`
	Kind      SessionKind `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ToolPolicyMode is the registry-level policy of a tool.
type ToolPolicyMode string

const (
	ToolPolicyAllow ToolPolicyMode = "allow"
	ToolPolicyDeny  ToolPolicyMode = "deny"
)

// Tool is an entry in the global tool registry. The broker treats invocation
// as an opaque request to the named executor.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Executor    string         `json:"executor,omitempty"`
	Policy      ToolPolicyMode `json:"policy"`
}
