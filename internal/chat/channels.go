package chat

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pelusa-v/toto-hub/internal/metrics"
	"github.com/pelusa-v/toto-hub/internal/store"
	"go.uber.org/zap"
)

type ChannelKind string

const (
	ChatRoom           ChannelKind = "chat-room"
	VoiceRoom          ChannelKind = "voice-room"
	NotificationStream ChannelKind = "notification-stream"
)

// ChannelID names a channel. For notification streams Room is the user id.
type ChannelID struct {
	Kind ChannelKind
	Room string
}

func (id ChannelID) String() string {
	if id.IsZero() {
		return ""
	}
	return string(id.Kind) + "/" + id.Room
}

func (id ChannelID) IsZero() bool { return id.Kind == "" && id.Room == "" }

func NotificationChannel(userID string) ChannelID {
	return ChannelID{Kind: NotificationStream, Room: userID}
}

// normalizeRoom trims blanks and duplicate or leading slashes.
func normalizeRoom(room string) string {
	r := strings.TrimSpace(room)
	if r == "" {
		return ""
	}
	r = path.Clean("/" + r)
	return strings.TrimPrefix(r, "/")
}

// ParseChannelID parses "kind/room", e.g. "voice-room/R1".
func ParseChannelID(s string) (ChannelID, error) {
	kind, room, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return ChannelID{}, ErrMalformedEvent.With("channel must look like kind/id")
	}
	id := ChannelID{Kind: ChannelKind(kind), Room: normalizeRoom(room)}
	switch id.Kind {
	case ChatRoom, VoiceRoom, NotificationStream:
	default:
		return ChannelID{}, ErrMalformedEvent.With("unknown channel kind " + kind)
	}
	if id.Room == "" {
		return ChannelID{}, ErrMalformedEvent.With("channel id is required")
	}
	return id, nil
}

type Flag int

const (
	FlagMuted Flag = iota
	FlagSpeaking
	FlagTyping
)

// Member is one connection's membership and its ephemeral flags.
type Member struct {
	ConnID   string    `json:"connection_id"`
	UserID   string    `json:"user_id"`
	Muted    bool      `json:"muted"`
	Speaking bool      `json:"speaking"`
	Typing   bool      `json:"typing"`
	JoinedAt time.Time `json:"joined_at"`
}

func (m *Member) flag(f Flag) *bool {
	switch f {
	case FlagMuted:
		return &m.Muted
	case FlagSpeaking:
		return &m.Speaking
	default:
		return &m.Typing
	}
}

// Channel is the in-memory state of one chat room, voice room or
// notification stream.
//
// order serializes everything a channel emits and is held across the store
// calls of an operation; mu guards the state and is only held briefly.
// Lock order is order, then mu.
type Channel struct {
	ID       ChannelID
	Capacity int // 0 means unbounded

	order sync.Mutex

	mu      sync.Mutex
	members []*Member
	evicted bool
}

func (ch *Channel) indexOf(connID string) int {
	for i, m := range ch.members {
		if m.ConnID == connID {
			return i
		}
	}
	return -1
}

// add records m. It reports false when the connection already belongs to the
// channel.
func (ch *Channel) add(m *Member) (added bool, count int, err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.indexOf(m.ConnID) >= 0 {
		return false, len(ch.members), nil
	}
	if ch.ID.Kind == VoiceRoom {
		for _, o := range ch.members {
			if o.UserID == m.UserID {
				return false, len(ch.members), ErrAlreadyJoined
			}
		}
	}
	if ch.Capacity > 0 && len(ch.members) >= ch.Capacity {
		return false, len(ch.members), ErrRoomFull
	}
	ch.members = append(ch.members, m)
	return true, len(ch.members), nil
}

func (ch *Channel) remove(connID string) (idx int, m *Member, count int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	idx = ch.indexOf(connID)
	if idx < 0 {
		return -1, nil, len(ch.members)
	}
	m = ch.members[idx]
	ch.members = append(ch.members[:idx], ch.members[idx+1:]...)
	return idx, m, len(ch.members)
}

// restore puts back a member removed by remove, at its old position.
func (ch *Channel) restore(idx int, m *Member) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if idx > len(ch.members) {
		idx = len(ch.members)
	}
	ch.members = append(ch.members, nil)
	copy(ch.members[idx+1:], ch.members[idx:])
	ch.members[idx] = m
}

func (ch *Channel) member(connID string) (Member, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if i := ch.indexOf(connID); i >= 0 {
		return *ch.members[i], true
	}
	return Member{}, false
}

// SetMemberFlag sets flag on every membership of userID and returns the
// previous value of the first one.
func (ch *Channel) SetMemberFlag(userID string, f Flag, value bool) (prev bool, err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	found := false
	for _, m := range ch.members {
		if m.UserID != userID {
			continue
		}
		p := m.flag(f)
		if !found {
			prev = *p
			found = true
		}
		*p = value
	}
	if !found {
		return false, ErrNotAMember
	}
	return prev, nil
}

// recipients returns the member connections at call time.
func (ch *Channel) recipients(excluding string) []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, 0, len(ch.members))
	for _, m := range ch.members {
		if m.ConnID != excluding {
			out = append(out, m.ConnID)
		}
	}
	return out
}

// Members returns a copy of the membership in join order.
func (ch *Channel) Members() []Member {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]Member, len(ch.members))
	for i, m := range ch.members {
		out[i] = *m
	}
	return out
}

func (ch *Channel) Count() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.members)
}

// ChannelManager owns the in-memory channels. Channels are created on the
// first join naming a stored room and evicted when their last member leaves.
type ChannelManager struct {
	mu       sync.Mutex
	channels map[ChannelID]*Channel

	bridge          *Bridge
	defaultCapacity int
	metrics         *metrics.Metrics
}

func NewChannelManager(b *Bridge, defaultCapacity int, m *metrics.Metrics) *ChannelManager {
	return &ChannelManager{
		channels:        map[ChannelID]*Channel{},
		bridge:          b,
		defaultCapacity: defaultCapacity,
		metrics:         m,
	}
}

func (cm *ChannelManager) lookup(id ChannelID) *Channel {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.channels[id]
}

// Lookup returns the live channel for id, if any.
func (cm *ChannelManager) Lookup(id ChannelID) (*Channel, bool) {
	ch := cm.lookup(id)
	return ch, ch != nil
}

// Ensure returns the channel for id, creating it when the backing room
// record exists. The store is not called while the manager lock is held.
func (cm *ChannelManager) Ensure(ctx context.Context, id ChannelID) (*Channel, error) {
	if ch := cm.lookup(id); ch != nil {
		return ch, nil
	}

	ch := &Channel{ID: id}
	switch id.Kind {
	case ChatRoom, VoiceRoom:
		room, err := cm.bridge.Room(ctx, id)
		if err != nil {
			return nil, err
		}
		if id.Kind == VoiceRoom {
			ch.Capacity = room.MaxParticipants
			if ch.Capacity <= 0 {
				ch.Capacity = cm.defaultCapacity
			}
		}
	case NotificationStream:
	default:
		return nil, ErrChannelNotFound
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if existing, ok := cm.channels[id]; ok {
		return existing, nil
	}
	cm.channels[id] = ch
	cm.metrics.ChannelOpened(string(id.Kind))
	zap.S().Debugw("channel created",
		"channel", id.String(),
		"capacity", ch.Capacity,
	)
	return ch, nil
}

// acquire returns a live channel with its order lock held. With create unset
// a missing channel yields ErrNotAMember.
func (cm *ChannelManager) acquire(ctx context.Context, id ChannelID, create bool) (*Channel, error) {
	for {
		var ch *Channel
		if create {
			var err error
			if ch, err = cm.Ensure(ctx, id); err != nil {
				return nil, err
			}
		} else if ch = cm.lookup(id); ch == nil {
			return nil, ErrNotAMember
		}

		ch.order.Lock()
		ch.mu.Lock()
		evicted := ch.evicted
		ch.mu.Unlock()
		if !evicted {
			return ch, nil
		}
		ch.order.Unlock()
	}
}

// release drops the order lock, evicting the channel if it ended up empty.
func (cm *ChannelManager) release(ch *Channel) {
	ch.mu.Lock()
	if len(ch.members) == 0 && !ch.evicted {
		ch.evicted = true
		cm.mu.Lock()
		if cm.channels[ch.ID] == ch {
			delete(cm.channels, ch.ID)
		}
		cm.mu.Unlock()
		cm.metrics.ChannelEvicted(string(ch.ID.Kind))
		zap.S().Debugw("channel evicted",
			"channel", ch.ID.String(),
		)
	}
	ch.mu.Unlock()
	ch.order.Unlock()
}

func (cm *ChannelManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.channels)
}

// roomKind maps a channel kind to its durable record kind.
func roomKind(k ChannelKind) store.RoomKind {
	return store.RoomKind(k)
}
