package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/pelusa-v/toto-hub/internal/chat"
)

const localChannel = "channel"

// upgrade resolves the home channel before the handshake so that bad
// requests get a plain HTTP answer.
func (h *Handlers) upgrade(kind chat.ChannelKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		var id chat.ChannelID
		if kind == chat.NotificationStream {
			userID := userFrom(c)
			if userID == "" {
				return fiber.NewError(fiber.StatusUnauthorized, "an authenticated user is required")
			}
			id = chat.NotificationChannel(userID)
		} else {
			var err error
			if id, err = chat.ParseChannelID(string(kind) + "/" + c.Params("room")); err != nil {
				return err
			}
		}

		c.Locals(localChannel, id)
		return c.Next()
	}
}

// GET /ws/chat/:room, /ws/voice-room/:room, /ws/notifications
func (h *Handlers) serve() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		id, _ := conn.Locals(localChannel).(chat.ChannelID)
		userID, _ := conn.Locals(localUser).(string)
		h.opts.Hub.Serve(h.ctx, conn, userID, id)
	})
}
