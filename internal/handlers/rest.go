package handlers

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/pelusa-v/toto-hub/internal/chat"
	"github.com/pelusa-v/toto-hub/internal/notify"
	"github.com/pelusa-v/toto-hub/internal/store"
)

const internalTokenHeader = "X-Internal-Token"

// Health GET /healthz
func (h *Handlers) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.opts.HealthTimeout)
	defer cancel()

	if err := h.opts.Store.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"status":      "ok",
		"connections": h.opts.Hub.Registry().Len(),
		"channels":    h.opts.Hub.Channels().Len(),
	})
}

// History GET /api/rooms/:room/history?limit=
func (h *Handlers) History(c *fiber.Ctx) error {
	if userFrom(c) == "" && !h.opts.AnonymousChatReaders {
		return chat.ErrAuthenticationRequired
	}
	id, err := chat.ParseChannelID(string(chat.ChatRoom) + "/" + c.Params("room"))
	if err != nil {
		return err
	}

	bridge := h.opts.Hub.Bridge()
	if _, err := bridge.Room(c.UserContext(), id); err != nil {
		return err
	}

	limit := c.QueryInt("limit", h.opts.HistoryLimit)
	if limit <= 0 || limit > h.opts.HistoryLimit {
		limit = h.opts.HistoryLimit
	}
	msgs, err := bridge.RecentHistory(c.UserContext(), id.Room, limit)
	if err != nil {
		return err
	}
	return c.JSON(chat.HistoryPayload{Messages: msgs})
}

// VoiceParticipants GET /api/rooms/:room/voice
func (h *Handlers) VoiceParticipants(c *fiber.Ctx) error {
	id, err := chat.ParseChannelID(string(chat.VoiceRoom) + "/" + c.Params("room"))
	if err != nil {
		return err
	}
	members := h.opts.Hub.Participants(id.Room)
	return c.JSON(fiber.Map{
		"room":         id.Room,
		"count":        len(members),
		"participants": members,
	})
}

// Presence GET /api/presence/:user
func (h *Handlers) Presence(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("user"))
	if userID == "" {
		return fiber.ErrBadRequest
	}
	conns := h.opts.Hub.Registry().UserConnections(userID)
	return c.JSON(fiber.Map{
		"user_id":     userID,
		"online":      len(conns) > 0,
		"connections": len(conns),
	})
}

// Receipts GET /api/messages/:id/receipts
func (h *Handlers) Receipts(c *fiber.Ctx) error {
	receipts, err := h.opts.Hub.Bridge().Receipts(c.UserContext(), c.Params("id"), userFrom(c))
	if err != nil {
		return err
	}
	if receipts == nil {
		receipts = []store.ReadReceipt{}
	}
	return c.JSON(receipts)
}

// Inbox GET /api/notifications?unread=&limit=
func (h *Handlers) Inbox(c *fiber.Ctx) error {
	inbox, err := h.opts.Dispatcher.Inbox(c.UserContext(), userFrom(c), c.QueryBool("unread", false), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(inbox)
}

// Unread GET /api/notifications/unread
func (h *Handlers) Unread(c *fiber.Ctx) error {
	n, err := h.opts.Dispatcher.UnreadCount(c.UserContext(), userFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"unread": n})
}

// MarkRead POST /api/notifications/:id/read
func (h *Handlers) MarkRead(c *fiber.Ctx) error {
	n, err := h.opts.Dispatcher.MarkRead(c.UserContext(), userFrom(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(n)
}

type deviceRequest struct {
	Token string `json:"token"`
}

// RegisterDevice POST /api/devices
func (h *Handlers) RegisterDevice(c *fiber.Ctx) error {
	var req deviceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := h.opts.Dispatcher.RegisterDevice(c.UserContext(), userFrom(c), req.Token); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// PushPreferences GET /api/notifications/preferences
func (h *Handlers) PushPreferences(c *fiber.Ctx) error {
	prefs, err := h.opts.Dispatcher.PushPreferences(c.UserContext(), userFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(prefs)
}

// SetPushPreferences PUT /api/notifications/preferences
func (h *Handlers) SetPushPreferences(c *fiber.Ctx) error {
	var req store.PushPreferences
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	prefs, err := h.opts.Dispatcher.SetPushPreferences(c.UserContext(), userFrom(c), req)
	if err != nil {
		return err
	}
	return c.JSON(prefs)
}

func (h *Handlers) internalOnly(c *fiber.Ctx) error {
	if h.opts.InternalToken == "" {
		return fiber.ErrNotFound
	}
	got := c.Get(internalTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.InternalToken)) != 1 {
		return fiber.ErrForbidden
	}
	return c.Next()
}

// Notify POST /internal/notifications
func (h *Handlers) Notify(c *fiber.Ctx) error {
	var req notify.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	n, err := h.opts.Dispatcher.Notify(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(n)
}
