package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// ConnLike is the part of a websocket connection the hub uses.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// Connection is one live client session. It only exists in memory and is
// owned by the registry.
type Connection struct {
	ID        string
	UserID    string // empty for anonymous connections
	CreatedAt time.Time

	// home is the channel named by the endpoint the client connected to.
	home ChannelID

	conn     ConnLike
	send     chan []byte
	lastSeen atomic.Int64

	mu       sync.Mutex
	closed   bool
	channels map[ChannelID]struct{}

	// disposed is closed once Dispose has finished with the transport.
	disposed chan struct{}
}

func newConnection(id, userID string, home ChannelID, conn ConnLike, buffer int) *Connection {
	c := &Connection{
		ID:        id,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		home:      home,
		conn:      conn,
		send:      make(chan []byte, buffer),
		channels:  map[ChannelID]struct{}{},
		disposed:  make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Connection) Anonymous() bool { return c.UserID == "" }

func (c *Connection) Home() ChannelID { return c.home }

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Channels returns the channels the connection currently belongs to.
func (c *Connection) Channels() []ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelID, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	return out
}

// enqueue queues data without blocking.
func (c *Connection) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSlowConsumer
	}
}

// addChannel records a membership. It fails once the connection is closed so
// a join racing a dispose cannot leave a member behind.
func (c *Connection) addChannel(id ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.channels[id] = struct{}{}
	return true
}

func (c *Connection) removeChannel(id ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, id)
}

// shutdown closes the send queue and returns the memberships to release.
// Only the first call reports ok.
func (c *Connection) shutdown() (channels []ChannelID, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	close(c.send)
	for id := range c.channels {
		channels = append(channels, id)
	}
	c.channels = map[ChannelID]struct{}{}
	return channels, true
}

func (c *Connection) readPump(ctx context.Context, h *Hub) {
	c.conn.SetReadLimit(h.opts.MaxEventBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.LivenessGrace))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(h.opts.LivenessGrace))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.LivenessGrace))

		if mt != websocket.TextMessage {
			h.replyError(c, "", "", ErrMalformedEvent.With("only text frames are accepted"))
			continue
		}
		h.Route(ctx, c, data)
	}
}

func (c *Connection) writePump(ping, timeout time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(timeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// the read side fails next and disposes the connection
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
