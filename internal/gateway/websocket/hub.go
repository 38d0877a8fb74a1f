// Package websocket implements the realtime gateway: every event bus emission
// is fanned out to connected clients, and clients drive session input locks
// over the same connection.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/inputlock"
	ws "github.com/fingerhq/finger/pkg/websocket"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Frame

	locks  *inputlock.Manager
	bus    bus.EventBus
	logger *logger.Logger

	busSub bus.Subscription

	mu sync.RWMutex
}

// NewHub creates a WebSocket hub over the event bus and input lock manager.
func NewHub(eventBus bus.EventBus, locks *inputlock.Manager, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Frame, 256),
		locks:      locks,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub loop and the event bus bridge. Blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	sub, err := h.bus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		h.BroadcastEvent(event)
		return nil
	})
	if err != nil {
		h.logger.WithError(err).Error("failed to subscribe to event bus")
	} else {
		h.busSub = sub
	}

	for {
		select {
		case <-ctx.Done():
			if h.busSub != nil {
				if err := h.busSub.Unsubscribe(); err != nil {
					h.logger.WithError(err).Warn("failed to unsubscribe from event bus")
				}
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.broadcastFrame(frame)
		}
	}
}

// BroadcastEvent forwards a bus event to every connected client.
func (h *Hub) BroadcastEvent(event *bus.Event) {
	frame, err := ws.NewFrame(event.Type, event.SessionID, event.AgentID, event.Payload)
	if err != nil {
		h.logger.WithError(err).Warn("failed to frame event", zap.String("event_type", event.Type))
		return
	}
	frame.Timestamp = event.Timestamp

	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("broadcast buffer full, dropping event", zap.String("event_type", event.Type))
	}
}

func (h *Hub) broadcastFrame(frame *ws.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.WithError(err).Error("failed to marshal broadcast frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping frame",
				zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}
