package chat

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pelusa-v/toto-hub/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Kind string

// Inbound kinds.
const (
	KindSendMessage    Kind = "send-message"
	KindTyping         Kind = "typing"
	KindReadReceipt    Kind = "read-receipt"
	KindJoinVoiceRoom  Kind = "join-voice-room"
	KindLeaveVoiceRoom Kind = "leave-voice-room"
	KindAudioFrame     Kind = "audio-frame"
	KindMuteToggle     Kind = "mute-toggle"
	KindEditMessage    Kind = "edit-message"
	KindDeleteMessage  Kind = "delete-message"
)

// Outbound kinds. typing and audio-frame are relayed under their inbound name.
const (
	OutWelcome           Kind = "welcome"
	OutHistory           Kind = "history"
	OutMessage           Kind = "message"
	OutMessageUpdated    Kind = "message-updated"
	OutMemberJoined      Kind = "member-joined"
	OutMemberLeft        Kind = "member-left"
	OutParticipantJoined Kind = "participant-joined"
	OutParticipantLeft   Kind = "participant-left"
	OutMuteChanged       Kind = "mute-changed"
	OutReceiptRecorded   Kind = "receipt-recorded"
	OutNotification      Kind = "notification"
	OutError             Kind = "error"
)

// Envelope holds the fields shared by every inbound event.
type Envelope struct {
	Type    Kind   `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Channel string `json:"channel,omitempty"`
}

func (e Envelope) header() Envelope { return e }

// Inbound is the closed set of events a client may send. Only the types in
// this file implement it.
type Inbound interface {
	header() Envelope
	validate() error
}

type SendMessage struct {
	Envelope
	Body        string            `json:"body"`
	MessageType store.MessageType `json:"message_type"`
	ReplyTo     string            `json:"reply_to"`
}

type Typing struct {
	Envelope
	Typing bool `json:"typing"`
}

type ReadReceipt struct {
	Envelope
	MessageID string `json:"message_id"`
}

type JoinVoiceRoom struct {
	Envelope
}

type LeaveVoiceRoom struct {
	Envelope
}

type AudioFrame struct {
	Envelope
	Data []byte `json:"data"`
}

type MuteToggle struct {
	Envelope
	Muted *bool `json:"muted"`
}

type EditMessage struct {
	Envelope
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

type DeleteMessage struct {
	Envelope
	MessageID string `json:"message_id"`
}

func (e *SendMessage) validate() error {
	if strings.TrimSpace(e.Body) == "" {
		return ErrMalformedEvent.With("body is required")
	}
	if e.MessageType == "" {
		e.MessageType = store.MessageText
	}
	if !e.MessageType.Valid() {
		return ErrMalformedEvent.With(fmt.Sprintf("unknown message_type %q", e.MessageType))
	}
	return nil
}

func (e *Typing) validate() error         { return nil }
func (e *JoinVoiceRoom) validate() error  { return nil }
func (e *LeaveVoiceRoom) validate() error { return nil }

func (e *ReadReceipt) validate() error {
	if e.MessageID == "" {
		return ErrMalformedEvent.With("message_id is required")
	}
	return nil
}

func (e *AudioFrame) validate() error {
	if len(e.Data) == 0 {
		return ErrMalformedEvent.With("data is required")
	}
	return nil
}

func (e *MuteToggle) validate() error {
	if e.Muted == nil {
		return ErrMalformedEvent.With("muted is required")
	}
	return nil
}

func (e *EditMessage) validate() error {
	if e.MessageID == "" {
		return ErrMalformedEvent.With("message_id is required")
	}
	if strings.TrimSpace(e.Body) == "" {
		return ErrMalformedEvent.With("body is required")
	}
	return nil
}

func (e *DeleteMessage) validate() error {
	if e.MessageID == "" {
		return ErrMalformedEvent.With("message_id is required")
	}
	return nil
}

// DecodeInbound parses one text frame. The returned envelope is filled as far
// as parsing got, so errors can still echo the client's ref.
func DecodeInbound(data []byte) (Inbound, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, ErrMalformedEvent.With("invalid json")
	}

	var ev Inbound
	switch env.Type {
	case KindSendMessage:
		ev = &SendMessage{}
	case KindTyping:
		ev = &Typing{}
	case KindReadReceipt:
		ev = &ReadReceipt{}
	case KindJoinVoiceRoom:
		ev = &JoinVoiceRoom{}
	case KindLeaveVoiceRoom:
		ev = &LeaveVoiceRoom{}
	case KindAudioFrame:
		ev = &AudioFrame{}
	case KindMuteToggle:
		ev = &MuteToggle{}
	case KindEditMessage:
		ev = &EditMessage{}
	case KindDeleteMessage:
		ev = &DeleteMessage{}
	case "":
		return nil, env, ErrMalformedEvent.With("type is required")
	default:
		return nil, env, ErrMalformedEvent.With(fmt.Sprintf("unknown event type %q", env.Type))
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, env, ErrMalformedEvent.With(fmt.Sprintf("invalid %s event", env.Type))
	}
	if err := ev.validate(); err != nil {
		return nil, env, err
	}
	return ev, env, nil
}

// Outbound is the frame written to clients.
type Outbound struct {
	Type    Kind        `json:"type"`
	Ref     string      `json:"ref,omitempty"`
	Channel string      `json:"channel,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

type WelcomePayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
	Channel      string `json:"channel,omitempty"`
}

type HistoryPayload struct {
	Messages []store.Message `json:"messages"`
}

type TypingPayload struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

type MemberPayload struct {
	UserID string `json:"user_id,omitempty"`
	Count  int    `json:"count"`
}

type AudioFramePayload struct {
	UserID string `json:"user_id"`
	Data   []byte `json:"data"`
}

type MutePayload struct {
	UserID string `json:"user_id"`
	Muted  bool   `json:"muted"`
}

type ReceiptPayload struct {
	MessageID string     `json:"message_id"`
	Created   bool       `json:"created"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}
