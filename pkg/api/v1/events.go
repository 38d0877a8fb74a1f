package v1

// Event types produced by the runtime core. Subscribers receive these on the
// event bus and over the WebSocket gateway with identical payloads.
const (
	EventAgentRuntimeCatalog  = "agent_runtime_catalog"
	EventAgentRuntimeDispatch = "agent_runtime_dispatch"
	EventAgentRuntimeControl  = "agent_runtime_control"
	EventAgentRuntimeStatus   = "agent_runtime_status"
	EventInputLockChanged     = "input_lock_changed"
	EventTypingIndicator      = "typing_indicator"
	EventWorkflowUpdate       = "workflow_update"
	EventAgentUpdate          = "agent_update"
	EventUserMessage          = "user_message"
)

// Kernel-turn event types re-emitted from agent runners. The broker forwards
// these untouched; only the envelope is normalised.
const (
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventToolError         = "tool_error"
	EventChatCodexTurn     = "chat_codex_turn"
	EventAssistantChunk    = "assistant_chunk"
	EventAssistantComplete = "assistant_complete"
	EventPhaseTransition   = "phase_transition"
)

// CatalogEventPayload signals that the agent catalog changed and cached
// snapshots should be refetched.
type CatalogEventPayload struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

// DispatchEventPayload is emitted on every scheduler decision for a dispatch.
type DispatchEventPayload struct {
	DispatchID     string         `json:"dispatchId"`
	SourceAgentID  string         `json:"sourceAgentId,omitempty"`
	TargetAgentID  string         `json:"targetAgentId"`
	TargetModuleID string         `json:"targetModuleId,omitempty"`
	Status         DispatchStatus `json:"status"`
	Assignment     *Assignment    `json:"assignment,omitempty"`
	QueuePosition  int            `json:"queuePosition,omitempty"`
	Error          string         `json:"error,omitempty"`
	Summary        string         `json:"summary,omitempty"`
}

// ControlEventPayload is emitted for every control-plane request.
type ControlEventPayload struct {
	Action        ControlAction       `json:"action"`
	Status        ControlResultStatus `json:"status"`
	TargetAgentID string              `json:"targetAgentId,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// StatusEventPayload carries a control-plane status snapshot.
type StatusEventPayload struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// InputLockStatePayload is the wire form of a session input lock.
type InputLockStatePayload struct {
	SessionID       string `json:"sessionId"`
	LockedBy        string `json:"lockedBy,omitempty"`
	LockedAt        string `json:"lockedAt,omitempty"`
	Typing          bool   `json:"typing"`
	LastHeartbeatAt string `json:"lastHeartbeatAt,omitempty"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
}

// TypingIndicatorPayload reports typing state changes of the lock holder.
type TypingIndicatorPayload struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Typing    bool   `json:"typing"`
}

// WorkflowUpdatePayload reports workflow state transitions.
type WorkflowUpdatePayload struct {
	WorkflowID string `json:"workflowId"`
	State      string `json:"state"`
	Hard       bool   `json:"hard,omitempty"`
}
