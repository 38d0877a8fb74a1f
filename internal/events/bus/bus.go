// Package bus provides the typed event bus the runtime publishes every
// scheduler and control-plane decision on.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionID is used when an event is not tied to a specific session.
const DefaultSessionID = "default"

// Event is a message on the event bus. Type doubles as the subject for core
// runtime events; Payload's schema is fixed per event type.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewEvent creates an event with a UUID and current timestamp. An empty
// session id is normalised to DefaultSessionID.
func NewEvent(eventType, sessionID, agentID string, payload any) *Event {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventHandler is a function that handles an event. Returned errors are
// logged by the bus and never propagated to the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub/sub contract. Publish is non-blocking and never
// surfaces subscriber failures; each subscriber observes events for a subject
// in emission order, with no concurrent invocations of the same handler.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus and releases all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
