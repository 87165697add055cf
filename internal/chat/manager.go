package chat

import (
	"context"
	"errors"
	"time"

	"github.com/pelusa-v/toto-hub/internal/metrics"
	"github.com/pelusa-v/toto-hub/internal/store"
	"go.uber.org/zap"
)

type Options struct {
	Store   store.Store
	Metrics *metrics.Metrics

	SendBuffer           int
	HistoryLimit         int
	LivenessGrace        time.Duration
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	ReapInterval         time.Duration
	MaxEventBytes        int64
	DefaultVoiceCapacity int

	StoreTimeout time.Duration
	RoomCacheTTL time.Duration

	// AnonymousChatReaders lets connections without a user join chat rooms
	// to read them.
	AnonymousChatReaders bool
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.LivenessGrace <= 0 {
		o.LivenessGrace = 45 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = o.LivenessGrace / 3
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 5 * time.Second
	}
	if o.MaxEventBytes <= 0 {
		o.MaxEventBytes = 1 << 20
	}
	if o.DefaultVoiceCapacity <= 0 {
		o.DefaultVoiceCapacity = 8
	}
	if o.RoomCacheTTL <= 0 {
		o.RoomCacheTTL = 30 * time.Second
	}
}

// Hub ties the registry, the channel manager and the persistence bridge
// together. Handlers get one Hub at startup; there is no package state.
type Hub struct {
	opts Options

	registry *Registry
	channels *ChannelManager
	bridge   *Bridge
	metrics  *metrics.Metrics
}

func NewHub(opts Options) *Hub {
	opts.setDefaults()
	bridge := NewBridge(opts.Store, opts.StoreTimeout, opts.RoomCacheTTL, opts.Metrics)
	return &Hub{
		opts:     opts,
		registry: NewRegistry(opts.Metrics),
		channels: NewChannelManager(bridge, opts.DefaultVoiceCapacity, opts.Metrics),
		bridge:   bridge,
		metrics:  opts.Metrics,
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Channels() *ChannelManager { return h.channels }

func (h *Hub) Bridge() *Bridge { return h.bridge }

// Admit registers a transport connection for userID (empty when anonymous).
// home is the channel named by the endpoint and may be zero.
func (h *Hub) Admit(conn ConnLike, userID string, home ChannelID) *Connection {
	return h.registry.admit(conn, userID, home, h.opts.SendBuffer)
}

// Serve runs a connection until its transport fails. It joins the home
// channel first; a failed join is reported to the client, which stays
// connected.
func (h *Hub) Serve(ctx context.Context, conn ConnLike, userID string, home ChannelID) {
	c := h.Admit(conn, userID, home)

	// the transport is released when Serve returns, so the writer and
	// whichever Dispose won the shutdown must be done with it
	written := make(chan struct{})
	defer func() {
		h.Dispose(c)
		<-c.disposed
		<-written
	}()
	go func() {
		defer close(written)
		c.writePump(h.opts.PingInterval, h.opts.WriteTimeout)
	}()

	h.reply(c, Outbound{
		Type:    OutWelcome,
		Channel: home.String(),
		Payload: WelcomePayload{ConnectionID: c.ID, UserID: c.UserID, Channel: home.String()},
	})
	if !home.IsZero() {
		if err := h.Join(ctx, c, home, ""); err != nil {
			h.replyError(c, "", home.String(), err)
		}
	}

	c.readPump(ctx, h)
}

func (h *Hub) authorizeJoin(c *Connection, id ChannelID) error {
	switch id.Kind {
	case ChatRoom:
		if c.Anonymous() && !h.opts.AnonymousChatReaders {
			return ErrAuthenticationRequired
		}
	case VoiceRoom:
		if c.Anonymous() {
			return ErrAuthenticationRequired
		}
	case NotificationStream:
		if c.Anonymous() {
			return ErrAuthenticationRequired
		}
		if id.Room != c.UserID {
			return ErrForbidden.With("notification streams are private")
		}
	default:
		return ErrChannelNotFound
	}
	return nil
}

// Join adds c to a channel. Joining a channel already joined succeeds
// without effect.
func (h *Hub) Join(ctx context.Context, c *Connection, id ChannelID, ref string) error {
	if err := h.authorizeJoin(c, id); err != nil {
		return err
	}

	ch, err := h.channels.acquire(ctx, id, true)
	if err != nil {
		return err
	}
	defer h.channels.release(ch)

	m := &Member{ConnID: c.ID, UserID: c.UserID, JoinedAt: time.Now().UTC()}
	added, count, err := ch.add(m)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			zap.S().Debugw("room full",
				"conn", c.ID,
				"channel", id.String(),
				"count", count,
			)
		}
		return err
	}
	if !added {
		return nil
	}

	if id.Kind == VoiceRoom {
		if err := h.bridge.SaveParticipant(ctx, id.Room, *m); err != nil {
			ch.remove(c.ID)
			return err
		}
	}
	if !c.addChannel(id) {
		// disposed while joining
		ch.remove(c.ID)
		if id.Kind == VoiceRoom {
			_ = h.bridge.RemoveParticipant(context.Background(), id.Room, c.UserID)
		}
		return nil
	}

	switch id.Kind {
	case VoiceRoom:
		h.emit(ch, c, ref, Outbound{
			Type:    OutParticipantJoined,
			Channel: id.String(),
			Payload: MemberPayload{UserID: c.UserID, Count: count},
		})
	case ChatRoom:
		history, err := h.bridge.RecentHistory(ctx, id.Room, h.opts.HistoryLimit)
		if err != nil {
			h.replyError(c, ref, id.String(), err)
		} else {
			h.reply(c, Outbound{
				Type:    OutHistory,
				Ref:     ref,
				Channel: id.String(),
				Payload: HistoryPayload{Messages: history},
			})
		}
		h.fanout(ch, Outbound{
			Type:    OutMemberJoined,
			Channel: id.String(),
			Payload: MemberPayload{UserID: c.UserID, Count: count},
		}, c.ID)
	}
	return nil
}

// Leave removes c from a channel. A voice leave that cannot be persisted is
// rolled back.
func (h *Hub) Leave(ctx context.Context, c *Connection, id ChannelID, ref string) error {
	return h.depart(ctx, c, id, ref, true)
}

func (h *Hub) depart(ctx context.Context, c *Connection, id ChannelID, ref string, explicit bool) error {
	ch, err := h.channels.acquire(ctx, id, false)
	if err != nil {
		return err
	}
	defer h.channels.release(ch)

	idx, m, count := ch.remove(c.ID)
	if m == nil {
		return ErrNotAMember
	}

	if id.Kind == VoiceRoom {
		if err := h.bridge.RemoveParticipant(ctx, id.Room, m.UserID); err != nil {
			if explicit {
				ch.restore(idx, m)
				return err
			}
			zap.S().Warnw("voice participant not removed from store",
				"conn", c.ID,
				"channel", id.String(),
				"error", err,
			)
		}
	}
	if explicit {
		c.removeChannel(id)
	}

	switch id.Kind {
	case VoiceRoom:
		out := Outbound{
			Type:    OutParticipantLeft,
			Channel: id.String(),
			Payload: MemberPayload{UserID: m.UserID, Count: count},
		}
		if explicit {
			h.emit(ch, c, ref, out)
		} else {
			h.fanout(ch, out, c.ID)
		}
	case ChatRoom:
		h.fanout(ch, Outbound{
			Type:    OutMemberLeft,
			Channel: id.String(),
			Payload: MemberPayload{UserID: m.UserID, Count: count},
		}, c.ID)
	}
	return nil
}

// Dispose releases every membership of c and closes its transport. It is
// safe to call more than once and from any goroutine.
func (h *Hub) Dispose(c *Connection) {
	channels, ok := c.shutdown()
	if !ok {
		return
	}
	defer close(c.disposed)
	_ = c.conn.Close()
	h.registry.remove(c)

	for _, id := range channels {
		if err := h.depart(context.Background(), c, id, "", false); err != nil && !errors.Is(err, ErrNotAMember) {
			zap.S().Warnw("leave on dispose",
				"conn", c.ID,
				"channel", id.String(),
				"error", err,
			)
		}
	}

	zap.S().Infow("connection disposed",
		"conn", c.ID,
		"user", c.UserID,
	)
}

// SendTo queues data for one connection. A connection that is gone is
// skipped silently; one whose buffer is full is disposed.
func (h *Hub) SendTo(connID string, data []byte) bool {
	c, ok := h.registry.Get(connID)
	if !ok {
		return false
	}

	switch err := c.enqueue(data); err {
	case nil:
		h.metrics.Delivered(1)
		return true
	case errSlowConsumer:
		h.metrics.Drop()
		zap.S().Warnw("slow consumer disposed",
			"conn", c.ID,
			"user", c.UserID,
		)
		// callers may hold channel locks that Dispose needs
		go h.Dispose(c)
	default:
		h.metrics.Drop()
	}
	return false
}

// DeliverToUser queues data on every live connection of userID and returns
// how many accepted it.
func (h *Hub) DeliverToUser(userID string, data []byte) int {
	n := 0
	for _, id := range h.registry.UserConnections(userID) {
		if h.SendTo(id, data) {
			n++
		}
	}
	return n
}

// Broadcast delivers out to the current members of a channel, except
// excluding. Membership is read at delivery time.
func (h *Hub) Broadcast(id ChannelID, out Outbound, excluding string) int {
	ch, err := h.channels.acquire(context.Background(), id, false)
	if err != nil {
		return 0
	}
	defer h.channels.release(ch)
	return h.fanout(ch, out, excluding)
}

// fanout must be called with ch's order lock held.
func (h *Hub) fanout(ch *Channel, out Outbound, excluding string) int {
	data, err := out.Encode()
	if err != nil {
		zap.S().Errorw("encode event",
			"type", out.Type,
			"error", err,
		)
		return 0
	}

	n := 0
	for _, id := range ch.recipients(excluding) {
		if h.SendTo(id, data) {
			n++
		}
	}
	return n
}

// emit sends out to every member; origin gets its own copy carrying ref.
func (h *Hub) emit(ch *Channel, origin *Connection, ref string, out Outbound) {
	h.fanout(ch, out, origin.ID)
	out.Ref = ref
	h.reply(origin, out)
}

func (h *Hub) reply(c *Connection, out Outbound) {
	data, err := out.Encode()
	if err != nil {
		zap.S().Errorw("encode event",
			"type", out.Type,
			"error", err,
		)
		return
	}
	h.SendTo(c.ID, data)
}

func (h *Hub) replyError(c *Connection, ref, channel string, err error) {
	e := asError(err)
	if e.Code == CodeInternal {
		zap.S().Errorw("request failed",
			"conn", c.ID,
			"error", err,
		)
	}
	h.reply(c, Outbound{Type: OutError, Ref: ref, Channel: channel, Payload: e})
}

// Participants returns the members of a live voice room.
func (h *Hub) Participants(roomID string) []Member {
	ch, ok := h.channels.Lookup(ChannelID{Kind: VoiceRoom, Room: roomID})
	if !ok {
		return []Member{}
	}
	return ch.Members()
}

func (h *Hub) Online(userID string) bool {
	return h.registry.Online(userID)
}

// Reap disposes connections not heard from within the liveness grace.
func (h *Hub) Reap(now time.Time) int {
	stale := h.registry.stale(now, h.opts.LivenessGrace)
	for _, c := range stale {
		zap.S().Infow("reaping silent connection",
			"conn", c.ID,
			"user", c.UserID,
			"last_seen", c.LastSeen(),
		)
		h.Dispose(c)
	}
	return len(stale)
}

// Run reaps silent connections until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Reap(now)
		}
	}
}

// Close disposes every connection.
func (h *Hub) Close() {
	for _, c := range h.registry.all() {
		h.Dispose(c)
	}
}
