package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fingerhq/finger/internal/common/clock"
)

// Message is one entry in a session's conversation read model.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	AgentID   string         `json:"agentId,omitempty"`
	Content   any            `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MessageLog is an in-memory per-session message history. It backs the
// session read-model endpoints; durable history lives with the agent runners.
type MessageLog struct {
	mu       sync.RWMutex
	messages map[string][]*Message

	clock clock.Clock
}

// NewMessageLog creates an empty message log.
func NewMessageLog(clk clock.Clock) *MessageLog {
	return &MessageLog{
		messages: make(map[string][]*Message),
		clock:    clk,
	}
}

// Append records a message and returns the stored entry.
func (l *MessageLog) Append(sessionID, role, agentID string, content any, metadata map[string]any) *Message {
	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		AgentID:   agentID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: l.clock.Now(),
	}
	l.mu.Lock()
	l.messages[sessionID] = append(l.messages[sessionID], msg)
	l.mu.Unlock()
	return msg
}

// BySession returns the messages of a session in append order.
func (l *MessageLog) BySession(sessionID string) []*Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Message, len(l.messages[sessionID]))
	copy(out, l.messages[sessionID])
	return out
}
