package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/realtime"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/inbox"
)

type NotificationHandler struct {
	Inbox *inbox.Service
	Hub   *realtime.Hub
}

func NewNotificationHandler(svc *inbox.Service, hub *realtime.Hub) *NotificationHandler {
	return &NotificationHandler{Inbox: svc, Hub: hub}
}

func (h *NotificationHandler) List(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	list, err := h.Inbox.List(c.UserContext(), a, c.QueryBool("unread", false), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "", list)
}

func (h *NotificationHandler) MarkRead(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.Inbox.MarkRead(c.UserContext(), a, id); err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "Notification marked as read", nil)
}

// UpgradeWebSocket only lets authenticated websocket upgrades through and hands the
// user id to the websocket handler.
func (h *NotificationHandler) UpgradeWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	uid, err := getUserUUID(c)
	if err != nil {
		return err
	}
	c.Locals("wsUserId", uid)
	logger.Debug(c.UserContext(), "websocket upgrade", "user_id", uid.String())
	return c.Next()
}

// WebSocket streams the caller's notifications as they are relayed.
func (h *NotificationHandler) WebSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		uid, err := wsUser(conn)
		if err != nil {
			_ = conn.Close()
			return
		}
		h.Hub.Serve(conn, uid)
	})
}

func wsUser(conn *websocket.Conn) (uuid.UUID, error) {
	uid, ok := conn.Locals("wsUserId").(uuid.UUID)
	if !ok || uid == uuid.Nil {
		return uuid.Nil, errors.New("websocket without user")
	}
	return uid, nil
}
