// internal/realtime/hub.go
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type Client struct {
	ID     string
	UserID uuid.UUID
	Conn   *WebSocketConn
	Send   chan []byte
}

// Hub tracks connected websocket clients per user. Registration goes through
// channels consumed by Run; fan-out reads the client map directly.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// RegisterClient returns false once the hub has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// SendToUser queues data for every connection of userID and returns how many
// connections accepted it. Full buffers are skipped, never waited on.
func (h *Hub) SendToUser(userID uuid.UUID, data interface{}) (int, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, client := range h.clients {
		if client.UserID != userID {
			continue
		}
		select {
		case client.Send <- payload:
			sent++
		default:
			slog.Warn("websocket send buffer full, dropping", "client_id", client.ID, "user_id", userID.String())
		}
	}
	return sent, nil
}

// Online reports whether userID has at least one open connection.
func (h *Hub) Online(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.UserID == userID {
			return true
		}
	}
	return false
}

// Run serves registrations until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			slog.Debug("websocket client registered", "client_id", client.ID, "user_id", client.UserID.String())

		case client := <-h.unregister:
			h.mu.Lock()
			if old, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(old.Send)
				slog.Debug("websocket client unregistered", "client_id", client.ID)
			}
			h.mu.Unlock()

		case <-stop:
			close(h.done)
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}
