// Package websocket defines the wire protocol of the gateway: outbound event
// frames mirroring the event bus, and the small inbound command set for
// session input locks and typing indicators.
package websocket

import (
	"encoding/json"
	"time"
)

// Inbound command types accepted from clients.
const (
	ActionInputLockAcquire   = "input_lock_acquire"
	ActionInputLockRelease   = "input_lock_release"
	ActionInputLockHeartbeat = "input_lock_heartbeat"
	ActionTypingIndicator    = "typing_indicator"
)

// Outbound reply types the gateway produces in response to commands. Bus
// events are forwarded under their own event type.
const (
	TypeInputLockResult       = "input_lock_result"
	TypeInputLockHeartbeatAck = "input_lock_heartbeat_ack"
	TypeError                 = "error"
)

// Frame is the envelope for every server-to-client message.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Command is a client-to-server message.
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
}

// NewFrame builds a frame with the payload marshalled in place.
func NewFrame(frameType, sessionID, agentID string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      frameType,
		SessionID: sessionID,
		AgentID:   agentID,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload parses the frame payload into the given struct.
func (f *Frame) ParsePayload(v any) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}
