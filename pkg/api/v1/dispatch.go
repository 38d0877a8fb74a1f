package v1

// DispatchStatus is the outward status of a dispatch request.
type DispatchStatus string

const (
	DispatchQueued    DispatchStatus = "queued"
	DispatchCompleted DispatchStatus = "completed"
	DispatchFailed    DispatchStatus = "failed"
)

// AgentDispatchRequest asks the scheduler to run a task on a target agent.
// Task is opaque to the broker: either a string prompt or a JSON object whose
// metadata the scheduler merges before forwarding to the target module.
type AgentDispatchRequest struct {
	SourceAgentID  string         `json:"sourceAgentId"`
	TargetAgentID  string         `json:"targetAgentId"`
	Task           any            `json:"task"`
	SessionID      string         `json:"sessionId,omitempty"`
	WorkflowID     string         `json:"workflowId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Blocking       bool           `json:"blocking,omitempty"`
	QueueOnBusy    *bool          `json:"queueOnBusy,omitempty"`
	MaxQueueWaitMs int64          `json:"maxQueueWaitMs,omitempty"`
	Assignment     *Assignment    `json:"assignment,omitempty"`
}

// QueueOnBusyEnabled resolves the queueOnBusy flag with its default of true.
func (r *AgentDispatchRequest) QueueOnBusyEnabled() bool {
	if r.QueueOnBusy == nil {
		return true
	}
	return *r.QueueOnBusy
}

// DispatchResult is the discriminated outcome of a dispatch request.
type DispatchResult struct {
	OK             bool           `json:"ok"`
	DispatchID     string         `json:"dispatchId,omitempty"`
	Status         DispatchStatus `json:"status"`
	Result         any            `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	TargetModuleID string         `json:"targetModuleId,omitempty"`
	QueuePosition  int            `json:"queuePosition,omitempty"`
}

// ControlAction is a control-plane verb.
type ControlAction string

const (
	ControlStatus    ControlAction = "status"
	ControlPause     ControlAction = "pause"
	ControlResume    ControlAction = "resume"
	ControlInterrupt ControlAction = "interrupt"
	ControlCancel    ControlAction = "cancel"
)

// AgentControlRequest drives pause/resume/interrupt/cancel/status across the
// session, workflow, and runtime scopes.
type AgentControlRequest struct {
	Action        ControlAction `json:"action"`
	TargetAgentID string        `json:"targetAgentId,omitempty"`
	SessionID     string        `json:"sessionId,omitempty"`
	WorkflowID    string        `json:"workflowId,omitempty"`
	ProviderID    string        `json:"providerId,omitempty"`
	Hard          bool          `json:"hard,omitempty"`
}

// ControlResultStatus is the outward status of a control request.
type ControlResultStatus string

const (
	ControlAccepted       ControlResultStatus = "accepted"
	ControlCompleted      ControlResultStatus = "completed"
	ControlFailed         ControlResultStatus = "failed"
	ControlInterruptedTag                     = "interrupted"
)

// AgentControlResult is the discriminated outcome of a control request.
type AgentControlResult struct {
	OK            bool                `json:"ok"`
	Action        ControlAction       `json:"action"`
	Status        ControlResultStatus `json:"status"`
	TargetAgentID string              `json:"targetAgentId,omitempty"`
	SessionID     string              `json:"sessionId,omitempty"`
	WorkflowID    string              `json:"workflowId,omitempty"`
	Result        any                 `json:"result,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// InterruptResult reports the outcome of an interrupt/cancel action.
type InterruptResult struct {
	InterruptedCount int      `json:"interruptedCount"`
	Sessions         []string `json:"sessions"`
}

// AgentDeployRequest binds an agent to a module with an instance count.
type AgentDeployRequest struct {
	AgentID          string          `json:"agentId"`
	ImplementationID string          `json:"implementationId,omitempty"`
	ModuleID         string          `json:"moduleId,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	Scope            DeploymentScope `json:"scope,omitempty"`
	InstanceCount    int             `json:"instanceCount,omitempty"`
	LaunchMode       LaunchMode      `json:"launchMode,omitempty"`
	Status           DeploymentStatus `json:"status,omitempty"`
	Enabled          *bool           `json:"enabled,omitempty"`
}

// AgentDeployResponse is the outcome of a deploy request.
type AgentDeployResponse struct {
	Success          bool              `json:"success"`
	Deployment       *Deployment       `json:"deployment,omitempty"`
	StartupTargets   []string          `json:"startupTargets"`
	StartupTemplates []AgentDefinition `json:"startupTemplates"`
	Error            string            `json:"error,omitempty"`
}
