package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/logger"
	ws "github.com/fingerhq/finger/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	mu sync.Mutex
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps commands from the connection into the input lock manager.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("websocket read error")
			}
			break
		}

		var cmd ws.Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.WithError(err).Warn("failed to parse command")
			c.sendReply(ws.TypeError, "", map[string]any{"error": "invalid message format"})
			continue
		}
		c.handleCommand(&cmd)
	}
}

// handleCommand executes one inbound command against the lock manager. The
// connection id stands in for the client id when the command omits one.
func (c *Client) handleCommand(cmd *ws.Command) {
	clientID := cmd.ClientID
	if clientID == "" {
		clientID = c.ID
	}
	if cmd.SessionID == "" {
		c.sendReply(ws.TypeError, "", map[string]any{"error": "sessionId is required"})
		return
	}

	switch cmd.Type {
	case ws.ActionInputLockAcquire:
		result := c.hub.locks.Acquire(cmd.SessionID, clientID)
		c.sendReply(ws.TypeInputLockResult, cmd.SessionID, result)

	case ws.ActionInputLockRelease:
		released := c.hub.locks.Release(cmd.SessionID, clientID)
		c.sendReply(ws.TypeInputLockResult, cmd.SessionID, map[string]any{"released": released})

	case ws.ActionInputLockHeartbeat:
		alive := c.hub.locks.Heartbeat(cmd.SessionID, clientID)
		c.sendReply(ws.TypeInputLockHeartbeatAck, cmd.SessionID, map[string]any{"alive": alive})

	case ws.ActionTypingIndicator:
		// Broadcast happens via the lock manager's event; no direct reply.
		c.hub.locks.SetTyping(cmd.SessionID, clientID, cmd.Typing)

	default:
		c.sendReply(ws.TypeError, cmd.SessionID, map[string]any{"error": "unknown command: " + cmd.Type})
	}
}

func (c *Client) sendReply(frameType, sessionID string, payload any) {
	frame, err := ws.NewFrame(frameType, sessionID, "", payload)
	if err != nil {
		c.logger.WithError(err).Error("failed to build reply frame")
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.WithError(err).Error("failed to marshal reply frame")
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping reply")
	}
}

// WritePump pumps frames from the hub to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
