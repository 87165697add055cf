package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/pelusa-v/toto-hub/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in     chan []byte
	writes chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		writes: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.writes <- data:
		return nil
	case <-f.done:
		return io.ErrClosedPipe
	}
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)         {}
func (f *fakeConn) SetReadLimit(int64)                        {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// releasingConn records a Close that arrives after the transport was handed
// back, as the websocket middleware does when the handler returns.
type releasingConn struct {
	*fakeConn
	released           atomic.Bool
	closedAfterRelease atomic.Bool
}

func (r *releasingConn) Close() error {
	if r.released.Load() {
		r.closedAfterRelease.Store(true)
	}
	return r.fakeConn.Close()
}

// flakyStore fails selected calls on demand.
type flakyStore struct {
	*store.Memory
	failMessages     atomic.Bool
	failParticipants atomic.Bool

	// blockDeletes, when set, holds DeleteParticipant until it is closed.
	blockDeletes chan struct{}
}

var errDown = errors.New("connection refused")

func (s *flakyStore) CreateMessage(ctx context.Context, msg store.Message) error {
	if s.failMessages.Load() {
		return errDown
	}
	return s.Memory.CreateMessage(ctx, msg)
}

func (s *flakyStore) UpsertParticipant(ctx context.Context, p store.VoiceParticipant) error {
	if s.failParticipants.Load() {
		return errDown
	}
	return s.Memory.UpsertParticipant(ctx, p)
}

func (s *flakyStore) DeleteParticipant(ctx context.Context, roomID, userID string) error {
	if s.blockDeletes != nil {
		<-s.blockDeletes
	}
	if s.failParticipants.Load() {
		return errDown
	}
	return s.Memory.DeleteParticipant(ctx, roomID, userID)
}

func newTestHub(t *testing.T, rooms ...store.Room) (*Hub, *flakyStore) {
	t.Helper()
	s := &flakyStore{Memory: store.NewMemory()}
	for _, r := range rooms {
		require.NoError(t, s.CreateRoom(context.Background(), r))
	}
	h := NewHub(Options{
		Store:        s,
		SendBuffer:   256,
		StoreTimeout: time.Second,
	})
	return h, s
}

func voiceRoom(id string, capacity int) store.Room {
	return store.Room{ID: id, Kind: store.RoomVoice, Name: id, MaxParticipants: capacity}
}

func chatRoom(id string) store.Room {
	return store.Room{ID: id, Kind: store.RoomChat, Name: id}
}

func voice(id string) ChannelID  { return ChannelID{Kind: VoiceRoom, Room: id} }
func chatID(id string) ChannelID { return ChannelID{Kind: ChatRoom, Room: id} }

type frame struct {
	Type    Kind                   `json:"type"`
	Ref     string                 `json:"ref"`
	Channel string                 `json:"channel"`
	Payload map[string]interface{} `json:"payload"`
}

func (f frame) decode(t *testing.T, v interface{}) {
	t.Helper()
	b, err := json.Marshal(f.Payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func (f frame) errorCode() Code {
	code, _ := f.Payload["code"].(string)
	return Code(code)
}

func recv(t *testing.T, c *Connection) frame {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "connection %s is closed", c.ID)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame for %s", c.ID)
	}
	return frame{}
}

func expectNothing(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected frame for %s: %s", c.ID, data)
		}
	default:
	}
}

func send(h *Hub, c *Connection, raw string) {
	h.Route(context.Background(), c, []byte(raw))
}

func admit(h *Hub, user string, home ChannelID) *Connection {
	return h.Admit(newFakeConn(), user, home)
}
