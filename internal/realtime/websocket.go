// internal/realtime/websocket.go
package realtime

import (
	"log/slog"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// WebSocketConn wraps websocket.Conn so the hub does not import websocket.
type WebSocketConn struct {
	Conn *websocket.Conn
}

func NewWebSocketConn(c *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: c}
}

// Serve registers the connection for userID, pumps hub messages to it and blocks
// until the peer goes away. Inbound frames are only read to detect disconnects.
func (h *Hub) Serve(c *websocket.Conn, userID uuid.UUID) {
	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   NewWebSocketConn(c),
		Send:   make(chan []byte, 256),
	}

	if !h.RegisterClient(client) {
		_ = c.Close()
		return
	}
	defer h.UnregisterClient(client)

	go func() {
		for msg := range client.Send {
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("websocket write failed", "client_id", client.ID, "error", err)
				return
			}
		}
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			slog.Debug("websocket closed", "client_id", client.ID, "user_id", userID.String(), "error", err)
			return
		}
	}
}
