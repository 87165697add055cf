package chat

import (
	"context"
)

// Route handles one inbound frame of c. Every failure is answered with a
// single error event to c; other members never see it.
func (h *Hub) Route(ctx context.Context, c *Connection, data []byte) {
	ev, env, err := DecodeInbound(data)
	if err != nil {
		h.metrics.Event("invalid", string(asError(err).Code))
		h.replyError(c, env.Ref, env.Channel, err)
		return
	}

	id := c.home
	if env.Channel != "" {
		if id, err = ParseChannelID(env.Channel); err != nil {
			h.metrics.Event(string(env.Type), string(CodeMalformedEvent))
			h.replyError(c, env.Ref, env.Channel, err)
			return
		}
	}
	if id.IsZero() {
		err = ErrMalformedEvent.With("channel is required")
	} else {
		err = h.dispatch(ctx, c, id, ev)
	}

	if err != nil {
		h.metrics.Event(string(env.Type), string(asError(err).Code))
		h.replyError(c, env.Ref, id.String(), err)
		return
	}
	h.metrics.Event(string(env.Type), "ok")
}

func (h *Hub) dispatch(ctx context.Context, c *Connection, id ChannelID, ev Inbound) error {
	switch e := ev.(type) {
	case *SendMessage:
		return h.sendMessage(ctx, c, id, e)
	case *Typing:
		return h.typing(ctx, c, id, e)
	case *ReadReceipt:
		return h.readReceipt(ctx, c, id, e)
	case *JoinVoiceRoom:
		if err := requireVoice(id, KindJoinVoiceRoom); err != nil {
			return err
		}
		return h.Join(ctx, c, id, e.Ref)
	case *LeaveVoiceRoom:
		if err := requireVoice(id, KindLeaveVoiceRoom); err != nil {
			return err
		}
		return h.Leave(ctx, c, id, e.Ref)
	case *AudioFrame:
		return h.audioFrame(ctx, c, id, e)
	case *MuteToggle:
		return h.muteToggle(ctx, c, id, e)
	case *EditMessage:
		return h.changeMessage(ctx, c, id, KindEditMessage, e.Ref, func() (interface{}, error) {
			return h.bridge.EditMessage(ctx, id.Room, e.MessageID, c.UserID, e.Body)
		})
	case *DeleteMessage:
		return h.changeMessage(ctx, c, id, KindDeleteMessage, e.Ref, func() (interface{}, error) {
			return h.bridge.DeleteMessage(ctx, id.Room, e.MessageID, c.UserID)
		})
	default:
		return ErrMalformedEvent.With("unsupported event")
	}
}

// memberOf acquires a channel c belongs to. The caller must release it.
func (h *Hub) memberOf(ctx context.Context, c *Connection, id ChannelID) (*Channel, Member, error) {
	ch, err := h.channels.acquire(ctx, id, false)
	if err != nil {
		return nil, Member{}, err
	}
	m, ok := ch.member(c.ID)
	if !ok {
		h.channels.release(ch)
		return nil, Member{}, ErrNotAMember
	}
	return ch, m, nil
}

func requireChat(id ChannelID, kind Kind) error {
	if id.Kind != ChatRoom {
		return ErrMalformedEvent.With(string(kind) + " needs a chat-room channel")
	}
	return nil
}

func requireVoice(id ChannelID, kind Kind) error {
	if id.Kind != VoiceRoom {
		return ErrMalformedEvent.With(string(kind) + " needs a voice-room channel")
	}
	return nil
}

// sendMessage persists before broadcasting, under the channel order lock, so
// clients only ever see ids that exist in the store.
func (h *Hub) sendMessage(ctx context.Context, c *Connection, id ChannelID, e *SendMessage) error {
	if c.Anonymous() {
		return ErrAuthenticationRequired
	}
	if err := requireChat(id, KindSendMessage); err != nil {
		return err
	}

	ch, _, err := h.memberOf(ctx, c, id)
	if err != nil {
		return err
	}
	defer h.channels.release(ch)

	msg, err := h.bridge.RecordMessage(ctx, id.Room, c.UserID, e.Body, e.MessageType, e.ReplyTo)
	if err != nil {
		return err
	}
	h.emit(ch, c, e.Ref, Outbound{Type: OutMessage, Channel: id.String(), Payload: msg})

	// sending ends typing
	if was, _ := ch.SetMemberFlag(c.UserID, FlagTyping, false); was {
		h.fanout(ch, Outbound{
			Type:    KindTyping,
			Channel: id.String(),
			Payload: TypingPayload{UserID: c.UserID, Typing: false},
		}, c.ID)
	}
	return nil
}

func (h *Hub) typing(ctx context.Context, c *Connection, id ChannelID, e *Typing) error {
	if c.Anonymous() {
		return ErrAuthenticationRequired
	}

	ch, _, err := h.memberOf(ctx, c, id)
	if err != nil {
		return err
	}
	defer h.channels.release(ch)

	if _, err := ch.SetMemberFlag(c.UserID, FlagTyping, e.Typing); err != nil {
		return err
	}
	h.fanout(ch, Outbound{
		Type:    KindTyping,
		Channel: id.String(),
		Payload: TypingPayload{UserID: c.UserID, Typing: e.Typing},
	}, c.ID)
	return nil
}

// readReceipt is acknowledged to the reader only.
func (h *Hub) readReceipt(ctx context.Context, c *Connection, id ChannelID, e *ReadReceipt) error {
	if c.Anonymous() {
		return ErrAuthenticationRequired
	}
	if err := requireChat(id, KindReadReceipt); err != nil {
		return err
	}

	ch, ok := h.channels.Lookup(id)
	if !ok {
		return ErrNotAMember
	}
	if _, ok := ch.member(c.ID); !ok {
		return ErrNotAMember
	}

	r, created, err := h.bridge.RecordReceipt(ctx, id.Room, e.MessageID, c.UserID)
	if err != nil {
		return err
	}
	p := ReceiptPayload{MessageID: r.MessageID, Created: created}
	if created {
		p.ReadAt = &r.ReadAt
	}
	h.reply(c, Outbound{Type: OutReceiptRecorded, Ref: e.Ref, Channel: id.String(), Payload: p})
	return nil
}

// audioFrame relays opaque bytes to the other members.
func (h *Hub) audioFrame(ctx context.Context, c *Connection, id ChannelID, e *AudioFrame) error {
	if err := requireVoice(id, KindAudioFrame); err != nil {
		return err
	}

	ch, m, err := h.memberOf(ctx, c, id)
	if err != nil {
		return err
	}
	defer h.channels.release(ch)

	if m.Muted {
		return ErrMuted
	}
	if !m.Speaking {
		_, _ = ch.SetMemberFlag(c.UserID, FlagSpeaking, true)
	}
	h.fanout(ch, Outbound{
		Type:    KindAudioFrame,
		Channel: id.String(),
		Payload: AudioFramePayload{UserID: c.UserID, Data: e.Data},
	}, c.ID)
	return nil
}

// muteToggle flips the flag first and undoes it if the store rejects it.
func (h *Hub) muteToggle(ctx context.Context, c *Connection, id ChannelID, e *MuteToggle) error {
	if err := requireVoice(id, KindMuteToggle); err != nil {
		return err
	}

	ch, m, err := h.memberOf(ctx, c, id)
	if err != nil {
		return err
	}
	defer h.channels.release(ch)

	muted := *e.Muted
	prev, err := ch.SetMemberFlag(c.UserID, FlagMuted, muted)
	if err != nil {
		return err
	}
	m.Muted = muted
	if err := h.bridge.SaveParticipant(ctx, id.Room, m); err != nil {
		_, _ = ch.SetMemberFlag(c.UserID, FlagMuted, prev)
		return err
	}
	if muted {
		_, _ = ch.SetMemberFlag(c.UserID, FlagSpeaking, false)
	}

	h.emit(ch, c, e.Ref, Outbound{
		Type:    OutMuteChanged,
		Channel: id.String(),
		Payload: MutePayload{UserID: c.UserID, Muted: muted},
	})
	return nil
}

func (h *Hub) changeMessage(ctx context.Context, c *Connection, id ChannelID, kind Kind, ref string, change func() (interface{}, error)) error {
	if c.Anonymous() {
		return ErrAuthenticationRequired
	}
	if err := requireChat(id, kind); err != nil {
		return err
	}

	ch, _, err := h.memberOf(ctx, c, id)
	if err != nil {
		return err
	}
	defer h.channels.release(ch)

	msg, err := change()
	if err != nil {
		return err
	}
	h.emit(ch, c, ref, Outbound{Type: OutMessageUpdated, Channel: id.String(), Payload: msg})
	return nil
}
