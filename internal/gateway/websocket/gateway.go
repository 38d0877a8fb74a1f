package websocket

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/logger"
)

// Gateway serves the WebSocket endpoint and hands connections to the hub.
type Gateway struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewGateway creates the gateway over a running hub.
func NewGateway(hub *Hub, log *logger.Logger) *Gateway {
	return &Gateway{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // the broker is bound to localhost-class deployments
			},
		},
		logger: log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// Handler returns the HTTP handler that upgrades connections.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleUpgrade)
	mux.HandleFunc("/", g.handleUpgrade)
	return mux
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.New().String(), conn, g.hub, g.logger)
	g.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}
