// Package store is the durable side of the hub: room records, chat messages,
// read receipts, voice participants and notifications.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

type RoomKind string

const (
	RoomChat  RoomKind = "chat-room"
	RoomVoice RoomKind = "voice-room"
)

type Room struct {
	ID              string    `json:"id" mapstructure:"id"`
	Kind            RoomKind  `json:"kind" mapstructure:"kind"`
	Name            string    `json:"name" mapstructure:"name"`
	MaxParticipants int       `json:"max_participants" mapstructure:"max_participants"`
	CreatedAt       time.Time `json:"created_at" mapstructure:"-"`
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVideo  MessageType = "video"
	MessageAudio  MessageType = "audio"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Message is a persisted chat utterance. Only the edited/deleted flags change
// after creation; a deleted message keeps its row.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	SenderID  string      `json:"sender_id"`
	Body      string      `json:"body"`
	Type      MessageType `json:"message_type"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	Edited    bool        `json:"edited"`
	Deleted   bool        `json:"deleted"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Redacted returns the message as clients may see it.
func (m Message) Redacted() Message {
	if m.Deleted {
		m.Body = ""
	}
	return m
}

type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

type VoiceParticipant struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Muted    bool      `json:"muted"`
	JoinedAt time.Time `json:"joined_at"`
}

type NotificationKind string

const (
	NotifyLike    NotificationKind = "like"
	NotifyComment NotificationKind = "comment"
	NotifyFollow  NotificationKind = "follow"
	NotifyMessage NotificationKind = "message"
	NotifyCall    NotificationKind = "call"
	NotifySystem  NotificationKind = "system"
)

// NotificationKinds lists every kind in display order.
var NotificationKinds = []NotificationKind{NotifyLike, NotifyComment, NotifyFollow, NotifyMessage, NotifyCall, NotifySystem}

func (k NotificationKind) Valid() bool {
	switch k {
	case NotifyLike, NotifyComment, NotifyFollow, NotifyMessage, NotifyCall, NotifySystem:
		return true
	}
	return false
}

// PushPreferences tells per kind whether a user accepts pushes. A kind
// without an entry is pushed.
type PushPreferences map[NotificationKind]bool

func (p PushPreferences) Allows(k NotificationKind) bool {
	enabled, ok := p[k]
	return !ok || enabled
}

type NotificationState string

const (
	StateCreated   NotificationState = "created"
	StateDelivered NotificationState = "delivered"
	StateQueued    NotificationState = "queued"
	StateRead      NotificationState = "read"
)

type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Kind      NotificationKind  `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	State     NotificationState `json:"state"`
	Delivered bool              `json:"delivered"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
}

type Rooms interface {
	CreateRoom(ctx context.Context, room Room) error
	GetRoom(ctx context.Context, id string) (Room, error)
}

type Messages interface {
	CreateMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	// RecentMessages returns up to limit messages of a room, newest first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
	UpdateMessage(ctx context.Context, msg Message) error
}

type Receipts interface {
	// UpsertReceipt stores the receipt unless one exists for the same
	// (message, user) pair. created reports whether a row was written.
	UpsertReceipt(ctx context.Context, r ReadReceipt) (created bool, err error)
	ListReceipts(ctx context.Context, messageID string) ([]ReadReceipt, error)
}

type Voice interface {
	UpsertParticipant(ctx context.Context, p VoiceParticipant) error
	DeleteParticipant(ctx context.Context, roomID, userID string) error
}

type Notifications interface {
	CreateNotification(ctx context.Context, n Notification) error
	SetNotificationState(ctx context.Context, id string, state NotificationState) error
	// MarkNotificationRead fails with ErrNotFound unless id belongs to userID.
	MarkNotificationRead(ctx context.Context, userID, id string, at time.Time) (Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	AddDeviceToken(ctx context.Context, userID, token string) error
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
	PushPreferences(ctx context.Context, userID string) (PushPreferences, error)
	// SetPushPreferences merges prefs into the stored preferences of userID.
	SetPushPreferences(ctx context.Context, userID string, prefs PushPreferences) error
}

type Store interface {
	Rooms
	Messages
	Receipts
	Voice
	Notifications

	Ping(ctx context.Context) error
	Close() error
}
