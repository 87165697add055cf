package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pelusa-v/toto-hub/internal/metrics"
	"github.com/pelusa-v/toto-hub/internal/store"
	"go.uber.org/zap"
)

// Bridge records messages, receipts and voice membership in the durable
// store. Every call is bounded by timeout; store failures surface as
// ErrPersistenceUnavailable.
type Bridge struct {
	store   store.Store
	timeout time.Duration
	rooms   *cache.Cache
	metrics *metrics.Metrics
}

func NewBridge(s store.Store, timeout, roomTTL time.Duration, m *metrics.Metrics) *Bridge {
	return &Bridge{
		store:   s,
		timeout: timeout,
		rooms:   cache.New(roomTTL, 2*roomTTL),
		metrics: m,
	}
}

func (b *Bridge) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	defer b.metrics.ObserveStore(op, time.Now())
	return fn(ctx)
}

// translate maps a store error to the error a client sees.
func (b *Bridge) translate(op string, err error, notFound *Error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	zap.S().Warnw("store call failed",
		"op", op,
		"error", err,
	)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrPersistenceUnavailable.With("store timed out, try again")
	}
	return ErrPersistenceUnavailable
}

// Room returns the durable record backing id. The record must have the
// same kind as the channel.
func (b *Bridge) Room(ctx context.Context, id ChannelID) (store.Room, error) {
	if v, ok := b.rooms.Get(id.Room); ok {
		room := v.(store.Room)
		if room.Kind != roomKind(id.Kind) {
			return store.Room{}, ErrChannelNotFound
		}
		return room, nil
	}

	var room store.Room
	err := b.call(ctx, "get_room", func(ctx context.Context) (err error) {
		room, err = b.store.GetRoom(ctx, id.Room)
		return err
	})
	if err != nil {
		return store.Room{}, b.translate("get_room", err, ErrChannelNotFound)
	}
	b.rooms.SetDefault(id.Room, room)

	if room.Kind != roomKind(id.Kind) {
		return store.Room{}, ErrChannelNotFound
	}
	return room, nil
}

// RecordMessage persists a new message and returns it with its server id
// and timestamp.
func (b *Bridge) RecordMessage(ctx context.Context, roomID, senderID, body string, typ store.MessageType, replyTo string) (store.Message, error) {
	if replyTo != "" {
		parent, err := b.message(ctx, replyTo)
		if err != nil {
			return store.Message{}, err
		}
		if parent.RoomID != roomID {
			return store.Message{}, ErrNotFound.With("reply_to is not a message of this room")
		}
	}

	now := time.Now().UTC()
	msg := store.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		Type:      typ,
		ReplyTo:   replyTo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := b.call(ctx, "create_message", func(ctx context.Context) error {
		return b.store.CreateMessage(ctx, msg)
	})
	if err != nil {
		return store.Message{}, b.translate("create_message", err, ErrChannelNotFound)
	}
	return msg, nil
}

func (b *Bridge) message(ctx context.Context, id string) (store.Message, error) {
	var msg store.Message
	err := b.call(ctx, "get_message", func(ctx context.Context) (err error) {
		msg, err = b.store.GetMessage(ctx, id)
		return err
	})
	if err != nil {
		return store.Message{}, b.translate("get_message", err, ErrNotFound.With("message not found"))
	}
	return msg, nil
}

// RecentHistory returns up to limit messages of a room, oldest first.
func (b *Bridge) RecentHistory(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	var msgs []store.Message
	err := b.call(ctx, "recent_messages", func(ctx context.Context) (err error) {
		msgs, err = b.store.RecentMessages(ctx, roomID, limit)
		return err
	})
	if err != nil {
		return nil, b.translate("recent_messages", err, ErrChannelNotFound)
	}

	// the store returns newest first
	out := make([]store.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m.Redacted()
	}
	return out, nil
}

// RecordReceipt stores a read receipt for a message of roomID. Repeated
// calls for the same reader are no-ops and report created=false.
func (b *Bridge) RecordReceipt(ctx context.Context, roomID, messageID, userID string) (store.ReadReceipt, bool, error) {
	msg, err := b.message(ctx, messageID)
	if err != nil {
		return store.ReadReceipt{}, false, err
	}
	if msg.RoomID != roomID {
		return store.ReadReceipt{}, false, ErrNotFound.With("message not found")
	}

	r := store.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: time.Now().UTC()}
	var created bool
	err = b.call(ctx, "upsert_receipt", func(ctx context.Context) (err error) {
		created, err = b.store.UpsertReceipt(ctx, r)
		return err
	})
	if err != nil {
		return store.ReadReceipt{}, false, b.translate("upsert_receipt", err, ErrNotFound.With("message not found"))
	}
	return r, created, nil
}

// Receipts lists who read a message. Only its author may ask.
func (b *Bridge) Receipts(ctx context.Context, messageID, userID string) ([]store.ReadReceipt, error) {
	msg, err := b.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrForbidden.With("only the author can list receipts")
	}

	var out []store.ReadReceipt
	err = b.call(ctx, "list_receipts", func(ctx context.Context) (err error) {
		out, err = b.store.ListReceipts(ctx, messageID)
		return err
	})
	return out, b.translate("list_receipts", err, ErrNotFound)
}

// EditMessage replaces the body of a message written by userID.
func (b *Bridge) EditMessage(ctx context.Context, roomID, messageID, userID, body string) (store.Message, error) {
	return b.updateMessage(ctx, roomID, messageID, userID, func(m *store.Message) {
		m.Body = body
		m.Edited = true
	})
}

// DeleteMessage soft deletes a message written by userID. The row and its
// body are kept; clients only see the deleted flag.
func (b *Bridge) DeleteMessage(ctx context.Context, roomID, messageID, userID string) (store.Message, error) {
	return b.updateMessage(ctx, roomID, messageID, userID, func(m *store.Message) {
		m.Deleted = true
	})
}

func (b *Bridge) updateMessage(ctx context.Context, roomID, messageID, userID string, apply func(*store.Message)) (store.Message, error) {
	msg, err := b.message(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if msg.RoomID != roomID || msg.Deleted {
		return store.Message{}, ErrNotFound.With("message not found")
	}
	if msg.SenderID != userID {
		return store.Message{}, ErrForbidden.With("only the author can change a message")
	}

	apply(&msg)
	msg.UpdatedAt = time.Now().UTC()
	err = b.call(ctx, "update_message", func(ctx context.Context) error {
		return b.store.UpdateMessage(ctx, msg)
	})
	if err != nil {
		return store.Message{}, b.translate("update_message", err, ErrNotFound.With("message not found"))
	}
	return msg.Redacted(), nil
}

func (b *Bridge) SaveParticipant(ctx context.Context, roomID string, m Member) error {
	err := b.call(ctx, "upsert_participant", func(ctx context.Context) error {
		return b.store.UpsertParticipant(ctx, store.VoiceParticipant{
			RoomID:   roomID,
			UserID:   m.UserID,
			Muted:    m.Muted,
			JoinedAt: m.JoinedAt,
		})
	})
	return b.translate("upsert_participant", err, ErrChannelNotFound)
}

func (b *Bridge) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	err := b.call(ctx, "delete_participant", func(ctx context.Context) error {
		return b.store.DeleteParticipant(ctx, roomID, userID)
	})
	return b.translate("delete_participant", err, ErrChannelNotFound)
}
