// Package handlers is the transport boundary: websocket endpoints for live
// channels and a small REST surface over the same services.
package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"github.com/pelusa-v/toto-hub/internal/chat"
	"github.com/pelusa-v/toto-hub/internal/notify"
	"github.com/pelusa-v/toto-hub/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Options struct {
	Hub        *chat.Hub
	Dispatcher *notify.Dispatcher
	Store      store.Store
	Auth       *Authenticator

	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	// InternalToken guards producer endpoints; empty disables them.
	InternalToken        string
	AnonymousChatReaders bool
	HistoryLimit         int
	HealthTimeout        time.Duration
}

type Handlers struct {
	ctx  context.Context
	opts Options
}

// New builds the fiber app. ctx bounds every websocket session.
func New(ctx context.Context, opts Options) *fiber.App {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	h := &Handlers{ctx: ctx, opts: opts}

	app := fiber.New(fiber.Config{
		AppName:               "toto-hub",
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.ConfigCompatibleWithStandardLibrary.Marshal,
		JSONDecoder:           jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())

	app.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		app.Get(opts.MetricsPath, adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	authn := opts.Auth.Middleware()

	// WS
	ws := app.Group("/ws", authn)
	ws.Get("/chat/:room", h.upgrade(chat.ChatRoom), h.serve())
	ws.Get("/voice-room/:room", h.upgrade(chat.VoiceRoom), h.serve())
	ws.Get("/notifications", h.upgrade(chat.NotificationStream), h.serve())

	// APIs
	api := app.Group("/api", authn)
	api.Get("/rooms/:room/history", h.History)
	api.Get("/rooms/:room/voice", h.VoiceParticipants)
	api.Get("/presence/:user", h.Presence)
	api.Get("/messages/:id/receipts", requireUser, h.Receipts)
	api.Get("/notifications", requireUser, h.Inbox)
	api.Get("/notifications/unread", requireUser, h.Unread)
	api.Post("/notifications/:id/read", requireUser, h.MarkRead)
	api.Get("/notifications/preferences", requireUser, h.PushPreferences)
	api.Put("/notifications/preferences", requireUser, h.SetPushPreferences)
	api.Post("/devices", requireUser, h.RegisterDevice)

	internal := app.Group("/internal", h.internalOnly)
	internal.Post("/notifications", h.Notify)

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	body := fiber.Map{"error": err.Error()}

	var fe *fiber.Error
	var ce *chat.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		body["error"] = fe.Message
	case errors.As(err, &ce):
		code = statusOf(ce.Code)
		body["error"] = ce.Message
		body["code"] = ce.Code
		body["retryable"] = ce.Retryable
	case errors.Is(err, notify.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, notify.ErrInvalid):
		code = fiber.StatusBadRequest
	}

	if code >= fiber.StatusInternalServerError {
		zap.S().Errorw("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"error", err,
		)
	}
	return c.Status(code).JSON(body)
}

func statusOf(code chat.Code) int {
	switch code {
	case chat.CodeAuthenticationRequired:
		return fiber.StatusUnauthorized
	case chat.CodeForbidden, chat.CodeNotAMember:
		return fiber.StatusForbidden
	case chat.CodeChannelNotFound, chat.CodeNotFound:
		return fiber.StatusNotFound
	case chat.CodeMalformedEvent:
		return fiber.StatusBadRequest
	case chat.CodeRoomFull, chat.CodeAlreadyJoined, chat.CodeMuted:
		return fiber.StatusConflict
	case chat.CodePersistenceUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
