package v1

import (
	"sort"
	"strings"
	"time"
)

// AgentRole classifies what kind of work an agent performs.
type AgentRole string

const (
	RoleExecutor     AgentRole = "executor"
	RoleReviewer     AgentRole = "reviewer"
	RoleOrchestrator AgentRole = "orchestrator"
	RoleSearcher     AgentRole = "searcher"
)

// DefinitionSource records where an agent definition was derived from.
type DefinitionSource string

const (
	SourceAgentJSON     DefinitionSource = "agent-json"
	SourceRuntimeConfig DefinitionSource = "runtime-config"
	SourceModule        DefinitionSource = "module"
	SourceDeployment    DefinitionSource = "deployment"
)

// ImplementationKind distinguishes kernel-backed and native implementations.
type ImplementationKind string

const (
	ImplKindIflow  ImplementationKind = "iflow"
	ImplKindNative ImplementationKind = "native"
)

// ImplementationStatus reports whether an implementation can serve dispatches.
type ImplementationStatus string

const (
	ImplAvailable   ImplementationStatus = "available"
	ImplUnavailable ImplementationStatus = "unavailable"
)

// UnboundImplementationID is appended when no implementation can be derived
// for a definition so every definition carries at least one entry.
const UnboundImplementationID = "native:unbound"

// AgentImplementation is one concrete way of running an agent.
type AgentImplementation struct {
	ID       string               `json:"implId"`
	Kind     ImplementationKind   `json:"kind"`
	ModuleID string               `json:"moduleId,omitempty"`
	Provider string               `json:"provider,omitempty"`
	Status   ImplementationStatus `json:"status"`
}

// AgentDefinition is the logical identity of an agent in the catalog.
// Definitions are derived on demand; they are never persisted.
type AgentDefinition struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Role            AgentRole             `json:"role"`
	Source          DefinitionSource      `json:"source"`
	Implementations []AgentImplementation `json:"implementations"`
	Tags            []string              `json:"tags"`
}

// Normalize sorts implementations and tags for deterministic output and
// guarantees the role tag and the unbound fallback implementation.
func (d *AgentDefinition) Normalize() {
	if len(d.Implementations) == 0 {
		d.Implementations = []AgentImplementation{{
			ID:     UnboundImplementationID,
			Kind:   ImplKindNative,
			Status: ImplUnavailable,
		}}
	}
	sort.Slice(d.Implementations, func(i, j int) bool {
		return d.Implementations[i].ID < d.Implementations[j].ID
	})

	if d.Role != "" {
		d.Tags = append(d.Tags, string(d.Role))
	}
	d.Tags = dedupeSorted(d.Tags)
}

// HasImplementation reports whether an implementation with the given id exists.
func (d *AgentDefinition) HasImplementation(implID string) bool {
	for _, impl := range d.Implementations {
		if impl.ID == implID {
			return true
		}
	}
	return false
}

// DeploymentScope is the visibility of a deployment.
type DeploymentScope string

const (
	ScopeSession DeploymentScope = "session"
	ScopeGlobal  DeploymentScope = "global"
)

// LaunchMode records who initiated a deployment.
type LaunchMode string

const (
	LaunchManual       LaunchMode = "manual"
	LaunchOrchestrator LaunchMode = "orchestrator"
)

// DeploymentStatus is the coarse state of a deployment.
type DeploymentStatus string

const (
	DeploymentIdle    DeploymentStatus = "idle"
	DeploymentRunning DeploymentStatus = "running"
	DeploymentError   DeploymentStatus = "error"
	DeploymentPaused  DeploymentStatus = "paused"
)

// Deployment is a running binding of an agent to a module.
type Deployment struct {
	ID               string           `json:"id"`
	AgentID          string           `json:"agentId"`
	ImplementationID string           `json:"implementationId"`
	ModuleID         string           `json:"moduleId,omitempty"`
	SessionID        string           `json:"sessionId"`
	Scope            DeploymentScope  `json:"scope"`
	InstanceCount    int              `json:"instanceCount"`
	LaunchMode       LaunchMode       `json:"launchMode"`
	Status           DeploymentStatus `json:"status"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// DeploymentID builds the deterministic deployment id for an agent and
// implementation pair. Redeploying the same pair yields the same id.
func DeploymentID(agentID, implementationID string) string {
	return "deployment-" + agentID + "-" + SanitizeID(implementationID)
}

// SanitizeID replaces characters that are unsafe in composite ids.
func SanitizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// QuotaPolicy holds per-scope quota overrides for an agent.
type QuotaPolicy struct {
	ProjectQuota   *int           `json:"projectQuota,omitempty"`
	WorkflowQuotas map[string]int `json:"workflowQuotas,omitempty"`
}

// RuntimeProfile carries the governance knobs for an agent, distinct from its
// definition. A disabled profile blocks dispatch admission entirely.
type RuntimeProfile struct {
	Enabled      bool        `json:"enabled"`
	Capabilities []string    `json:"capabilities,omitempty"`
	DefaultQuota int         `json:"defaultQuota"`
	QuotaPolicy  QuotaPolicy `json:"quotaPolicy"`
}

// DefaultRuntimeProfile returns the profile used when none was configured.
func DefaultRuntimeProfile() RuntimeProfile {
	return RuntimeProfile{Enabled: true, DefaultQuota: 1}
}

// QuotaSource identifies which policy level produced an effective quota.
type QuotaSource string

const (
	QuotaSourceWorkflow   QuotaSource = "workflow"
	QuotaSourceProject    QuotaSource = "project"
	QuotaSourceDefault    QuotaSource = "default"
	QuotaSourceDeployment QuotaSource = "deployment"
)

// QuotaView is the resolved quota for a dispatch request. Quotas are surfaced
// in views but not enforced by admission.
type QuotaView struct {
	Effective  int         `json:"effective"`
	Source     QuotaSource `json:"source"`
	WorkflowID string      `json:"workflowId,omitempty"`
}

// AssignmentPhase is the review/retry sub-state of a dispatch.
type AssignmentPhase string

const (
	PhaseAssigned  AssignmentPhase = "assigned"
	PhaseQueued    AssignmentPhase = "queued"
	PhaseStarted   AssignmentPhase = "started"
	PhaseReviewing AssignmentPhase = "reviewing"
	PhaseRetry     AssignmentPhase = "retry"
	PhasePassed    AssignmentPhase = "passed"
	PhaseFailed    AssignmentPhase = "failed"
	PhaseClosed    AssignmentPhase = "closed"
)

// Assignment tracks a dispatch within the review lifecycle.
type Assignment struct {
	EpicID          string          `json:"epicId,omitempty"`
	TaskID          string          `json:"taskId,omitempty"`
	BdTaskID        string          `json:"bdTaskId,omitempty"`
	AssignerAgentID string          `json:"assignerAgentId,omitempty"`
	AssigneeAgentID string          `json:"assigneeAgentId,omitempty"`
	Phase           AssignmentPhase `json:"phase,omitempty"`
	Attempt         int             `json:"attempt,omitempty"`
}

// WithPhase returns a copy of the assignment with the phase replaced and the
// attempt floored at 1.
func (a *Assignment) WithPhase(phase AssignmentPhase) *Assignment {
	if a == nil {
		return &Assignment{Phase: phase, Attempt: 1}
	}
	out := *a
	out.Phase = phase
	if out.Attempt < 1 {
		out.Attempt = 1
	}
	return &out
}

// PhaseFromReviewDecision maps a reply's review decision to the terminal
// assignment phase of a completed dispatch.
func PhaseFromReviewDecision(decision string) AssignmentPhase {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "pass", "passed", "approved":
		return PhasePassed
	case "retry", "rework", "reject":
		return PhaseRetry
	case "reviewing":
		return PhaseReviewing
	default:
		return PhaseClosed
	}
}

// AgentRuntimeStatus is the derived per-agent status shown in the catalog.
type AgentRuntimeStatus string

const (
	RuntimeStatusError        AgentRuntimeStatus = "error"
	RuntimeStatusRunning      AgentRuntimeStatus = "running"
	RuntimeStatusQueued       AgentRuntimeStatus = "queued"
	RuntimeStatusPaused       AgentRuntimeStatus = "paused"
	RuntimeStatusWaitingInput AgentRuntimeStatus = "waiting_input"
	RuntimeStatusCompleted    AgentRuntimeStatus = "completed"
	RuntimeStatusInterrupted  AgentRuntimeStatus = "interrupted"
	RuntimeStatusIdle         AgentRuntimeStatus = "idle"
)

// LastEventType classifies the origin of a per-agent last event.
type LastEventType string

const (
	LastEventDispatch LastEventType = "dispatch"
	LastEventControl  LastEventType = "control"
	LastEventStatus   LastEventType = "status"
)

// AgentLastEvent is the most recent runtime event observed for an agent. It is
// the read model behind catalog status derivation.
type AgentLastEvent struct {
	Type       LastEventType `json:"type"`
	Status     string        `json:"status"`
	Summary    string        `json:"summary,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	SessionID  string        `json:"sessionId,omitempty"`
	WorkflowID string        `json:"workflowId,omitempty"`
	DispatchID string        `json:"dispatchId,omitempty"`
}

// ToolAccess is the composed tool policy for an agent.
type ToolAccess struct {
	ExposedTools          []string `json:"exposedTools"`
	Whitelist             []string `json:"whitelist"`
	Blacklist             []string `json:"blacklist"`
	AuthorizationRequired bool     `json:"authorizationRequired"`
}

func dedupeSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j]) ||
			(strings.ToLower(out[i]) == strings.ToLower(out[j]) && out[i] < out[j])
	})
	return out
}

// SortedSet returns a deduplicated, locale-insensitively sorted copy of values.
func SortedSet(values []string) []string {
	return dedupeSorted(values)
}
