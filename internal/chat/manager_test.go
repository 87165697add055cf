package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pelusa-v/toto-hub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoiceRoomCapacityAndAbruptDisconnect(t *testing.T) {
	ctx := context.Background()
	h, s := newTestHub(t, voiceRoom("R1", 2))

	a := admit(h, "A", voice("R1"))
	b := admit(h, "B", voice("R1"))
	c := admit(h, "C", voice("R1"))

	require.NoError(t, h.Join(ctx, a, voice("R1"), ""))
	var p MemberPayload
	f := recv(t, a)
	require.Equal(t, OutParticipantJoined, f.Type)
	f.decode(t, &p)
	assert.Equal(t, 1, p.Count)

	require.NoError(t, h.Join(ctx, b, voice("R1"), "join-b"))
	for _, conn := range []*Connection{a, b} {
		f := recv(t, conn)
		require.Equal(t, OutParticipantJoined, f.Type)
		f.decode(t, &p)
		assert.Equal(t, 2, p.Count)
		assert.Equal(t, "B", p.UserID)
	}

	send(h, c, `{"type":"join-voice-room","ref":"c1"}`)
	f = recv(t, c)
	require.Equal(t, OutError, f.Type)
	assert.Equal(t, CodeRoomFull, f.errorCode())
	assert.Equal(t, "c1", f.Ref)
	expectNothing(t, a)
	expectNothing(t, b)

	ch, ok := h.Channels().Lookup(voice("R1"))
	require.True(t, ok)
	assert.Equal(t, 2, ch.Count())

	// A goes silent without leaving
	a.lastSeen.Store(time.Now().Add(-time.Minute).UnixNano())
	assert.Equal(t, 1, h.Reap(time.Now()))

	f = recv(t, b)
	require.Equal(t, OutParticipantLeft, f.Type)
	f.decode(t, &p)
	assert.Equal(t, 1, p.Count)
	assert.Equal(t, "A", p.UserID)

	assert.Equal(t, 1, ch.Count())
	participants := s.Participants("R1")
	require.Len(t, participants, 1)
	assert.Equal(t, "B", participants[0].UserID)
	expectNothing(t, c)
}

func TestChatHistoryAndReceipts(t *testing.T) {
	ctx := context.Background()
	h, s := newTestHub(t, chatRoom("C1"))

	x := admit(h, "X", chatID("C1"))
	require.NoError(t, h.Join(ctx, x, chatID("C1"), ""))

	var history HistoryPayload
	f := recv(t, x)
	require.Equal(t, OutHistory, f.Type)
	f.decode(t, &history)
	assert.Empty(t, history.Messages)

	send(h, x, `{"type":"send-message","ref":"r1","body":"hello"}`)
	f = recv(t, x)
	require.Equal(t, OutMessage, f.Type)
	assert.Equal(t, "r1", f.Ref)
	var m1 store.Message
	f.decode(t, &m1)
	require.NotEmpty(t, m1.ID)
	assert.Equal(t, "hello", m1.Body)
	assert.Equal(t, store.MessageText, m1.Type)

	y := admit(h, "Y", chatID("C1"))
	require.NoError(t, h.Join(ctx, y, chatID("C1"), ""))
	f = recv(t, y)
	require.Equal(t, OutHistory, f.Type)
	f.decode(t, &history)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, m1.ID, history.Messages[0].ID)

	f = recv(t, x)
	assert.Equal(t, OutMemberJoined, f.Type)

	raw := `{"type":"read-receipt","message_id":"` + m1.ID + `"}`
	var receipt ReceiptPayload
	send(h, y, raw)
	f = recv(t, y)
	require.Equal(t, OutReceiptRecorded, f.Type)
	f.decode(t, &receipt)
	assert.True(t, receipt.Created)

	send(h, y, raw)
	f = recv(t, y)
	f.decode(t, &receipt)
	assert.False(t, receipt.Created)

	receipts, err := s.ListReceipts(ctx, m1.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
	expectNothing(t, x)
}

func TestSendingClearsTypingForOthers(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, chatRoom("C1"))

	x := admit(h, "X", chatID("C1"))
	y := admit(h, "Y", chatID("C1"))
	require.NoError(t, h.Join(ctx, x, chatID("C1"), ""))
	require.NoError(t, h.Join(ctx, y, chatID("C1"), ""))
	drain(x)
	drain(y)

	send(h, x, `{"type":"typing","typing":true}`)
	var typing TypingPayload
	f := recv(t, y)
	require.Equal(t, KindTyping, f.Type)
	f.decode(t, &typing)
	assert.True(t, typing.Typing)

	send(h, x, `{"type":"send-message","body":"hello"}`)
	assert.Equal(t, OutMessage, recv(t, y).Type)
	f = recv(t, y)
	require.Equal(t, KindTyping, f.Type)
	f.decode(t, &typing)
	assert.Equal(t, "X", typing.UserID)
	assert.False(t, typing.Typing)
	assert.Equal(t, OutMessage, recv(t, x).Type)
	expectNothing(t, x)

	// not typing, so nothing extra
	send(h, x, `{"type":"send-message","body":"again"}`)
	assert.Equal(t, OutMessage, recv(t, y).Type)
	expectNothing(t, y)
}

func TestHistoryIsChronological(t *testing.T) {
	ctx := context.Background()
	h, s := newTestHub(t, chatRoom("C1"))

	base := time.Now().Add(-time.Hour).UTC()
	for i, offset := range []int{3, 1, 4, 0, 2} {
		require.NoError(t, s.CreateMessage(ctx, store.Message{
			ID:        string(rune('a' + i)),
			RoomID:    "C1",
			SenderID:  "X",
			Body:      "m",
			Type:      store.MessageText,
			CreatedAt: base.Add(time.Duration(offset) * time.Minute),
		}))
	}

	y := admit(h, "Y", chatID("C1"))
	require.NoError(t, h.Join(ctx, y, chatID("C1"), ""))

	var history HistoryPayload
	recv(t, y).decode(t, &history)
	require.Len(t, history.Messages, 5)
	for i := 1; i < len(history.Messages); i++ {
		assert.False(t, history.Messages[i].CreatedAt.Before(history.Messages[i-1].CreatedAt))
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, voiceRoom("R1", 4))

	a := admit(h, "A", voice("R1"))
	require.NoError(t, h.Join(ctx, a, voice("R1"), ""))
	recv(t, a)
	require.NoError(t, h.Join(ctx, a, voice("R1"), ""))
	expectNothing(t, a)

	ch, _ := h.Channels().Lookup(voice("R1"))
	assert.Equal(t, 1, ch.Count())

	// a second connection of the same user is not a second participant
	a2 := admit(h, "A", voice("R1"))
	assert.ErrorIs(t, h.Join(ctx, a2, voice("R1"), ""), ErrAlreadyJoined)
	assert.Equal(t, 1, ch.Count())
}

func TestConcurrentJoinsAtLastSlot(t *testing.T) {
	ctx := context.Background()
	h, s := newTestHub(t, voiceRoom("R1", 3))

	for _, u := range []string{"u0", "u1"} {
		require.NoError(t, h.Join(ctx, admit(h, u, voice("R1")), voice("R1"), ""))
	}

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		full    int
		started = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		c := admit(h, "joiner-"+string(rune('a'+i)), voice("R1"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-started
			err := h.Join(ctx, c, voice("R1"), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, ErrRoomFull):
				full++
			}
		}()
	}
	close(started)
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, full)

	ch, _ := h.Channels().Lookup(voice("R1"))
	assert.Equal(t, 3, ch.Count())
	assert.Len(t, ch.Members(), ch.Count())
	assert.Len(t, s.Participants("R1"), 3)
}

func TestBroadcastSkipsDepartedMembers(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, chatRoom("C1"))

	x := admit(h, "X", chatID("C1"))
	y := admit(h, "Y", chatID("C1"))
	z := admit(h, "Z", chatID("C1"))
	for _, c := range []*Connection{x, y, z} {
		require.NoError(t, h.Join(ctx, c, chatID("C1"), ""))
	}
	drain(x)
	drain(y)

	h.Dispose(z)
	for _, c := range []*Connection{x, y} {
		f := recv(t, c)
		require.Equal(t, OutMemberLeft, f.Type)
		var p MemberPayload
		f.decode(t, &p)
		assert.Equal(t, "Z", p.UserID)
		assert.Equal(t, 2, p.Count)
	}

	send(h, x, `{"type":"send-message","body":"after z left"}`)
	assert.Equal(t, OutMessage, recv(t, x).Type)
	assert.Equal(t, OutMessage, recv(t, y).Type)

	for data := range z.send {
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		assert.NotEqual(t, OutMessage, f.Type)
	}
	assert.False(t, h.SendTo(z.ID, []byte(`{}`)))
}

func TestDisposeDuringBroadcast(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, chatRoom("C1"))

	x := admit(h, "X", chatID("C1"))
	conns := make([]*Connection, 8)
	for i := range conns {
		conns[i] = admit(h, "reader", chatID("C1"))
	}
	require.NoError(t, h.Join(ctx, x, chatID("C1"), ""))
	for _, c := range conns {
		require.NoError(t, h.Join(ctx, c, chatID("C1"), ""))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			send(h, x, `{"type":"send-message","body":"tick"}`)
			drain(x)
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range conns {
			assert.NotPanics(t, func() { h.Dispose(c) })
		}
	}()
	wg.Wait()

	ch, ok := h.Channels().Lookup(chatID("C1"))
	require.True(t, ok)
	assert.Equal(t, 1, ch.Count())
	assert.Equal(t, 1, h.Registry().Len())
}

func TestSendFailsWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	h, s := newTestHub(t, chatRoom("C1"))

	x := admit(h, "X", chatID("C1"))
	y := admit(h, "Y", chatID("C1"))
	require.NoError(t, h.Join(ctx, x, chatID("C1"), ""))
	require.NoError(t, h.Join(ctx, y, chatID("C1"), ""))
	drain(x)
	drain(y)

	s.failMessages.Store(true)
	send(h, x, `{"type":"send-message","ref":"r","body":"lost"}`)

	f := recv(t, x)
	require.Equal(t, OutError, f.Type)
	assert.Equal(t, CodePersistenceUnavailable, f.errorCode())
	assert.Equal(t, true, f.Payload["retryable"])
	expectNothing(t, y)

	s.failMessages.Store(false)
	send(h, x, `{"type":"send-message","body":"kept"}`)
	assert.Equal(t, OutMessage, recv(t, y).Type)
}

func TestVoiceStateRollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	h, s := newTestHub(t, voiceRoom("R1", 2))

	s.failParticipants.Store(true)
	a := admit(h, "A", voice("R1"))
	assert.ErrorIs(t, h.Join(ctx, a, voice("R1"), ""), ErrPersistenceUnavailable)
	_, ok := h.Channels().Lookup(voice("R1"))
	assert.False(t, ok)
	expectNothing(t, a)

	s.failParticipants.Store(false)
	require.NoError(t, h.Join(ctx, a, voice("R1"), ""))
	recv(t, a)

	s.failParticipants.Store(true)
	send(h, a, `{"type":"mute-toggle","muted":true}`)
	assert.Equal(t, CodePersistenceUnavailable, recv(t, a).errorCode())
	ch, _ := h.Channels().Lookup(voice("R1"))
	m, _ := ch.member(a.ID)
	assert.False(t, m.Muted)

	send(h, a, `{"type":"leave-voice-room"}`)
	assert.Equal(t, CodePersistenceUnavailable, recv(t, a).errorCode())
	assert.Equal(t, 1, ch.Count())

	s.failParticipants.Store(false)
	send(h, a, `{"type":"leave-voice-room","ref":"bye"}`)
	f := recv(t, a)
	require.Equal(t, OutParticipantLeft, f.Type)
	assert.Equal(t, "bye", f.Ref)
	_, ok = h.Channels().Lookup(voice("R1"))
	assert.False(t, ok)
	assert.Empty(t, a.Channels())
}

func TestMuteAndAudioRelay(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, voiceRoom("R1", 4))

	a := admit(h, "A", voice("R1"))
	b := admit(h, "B", voice("R1"))
	require.NoError(t, h.Join(ctx, a, voice("R1"), ""))
	require.NoError(t, h.Join(ctx, b, voice("R1"), ""))
	drain(a)
	drain(b)

	send(h, a, `{"type":"mute-toggle","ref":"m","muted":true}`)
	for _, c := range []*Connection{a, b} {
		f := recv(t, c)
		require.Equal(t, OutMuteChanged, f.Type)
		var p MutePayload
		f.decode(t, &p)
		assert.True(t, p.Muted)
		assert.Equal(t, "A", p.UserID)
	}

	send(h, a, `{"type":"audio-frame","data":"AQID"}`)
	assert.Equal(t, CodeMuted, recv(t, a).errorCode())
	expectNothing(t, b)

	send(h, b, `{"type":"audio-frame","data":"AQID"}`)
	f := recv(t, a)
	require.Equal(t, KindAudioFrame, f.Type)
	var p AudioFramePayload
	f.decode(t, &p)
	assert.Equal(t, []byte{1, 2, 3}, p.Data)
	assert.Equal(t, "B", p.UserID)
	expectNothing(t, b)

	ch, _ := h.Channels().Lookup(voice("R1"))
	m, _ := ch.member(b.ID)
	assert.True(t, m.Speaking)
}

func TestAnonymousConnections(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, chatRoom("C1"), voiceRoom("R1", 2))

	anon := admit(h, "", voice("R1"))
	assert.ErrorIs(t, h.Join(ctx, anon, voice("R1"), ""), ErrAuthenticationRequired)
	assert.ErrorIs(t, h.Join(ctx, anon, chatID("C1"), ""), ErrAuthenticationRequired)
	assert.ErrorIs(t, h.Join(ctx, anon, NotificationChannel(""), ""), ErrAuthenticationRequired)

	readers := NewHub(Options{Store: h.opts.Store, SendBuffer: 16, AnonymousChatReaders: true})
	reader := readers.Admit(newFakeConn(), "", chatID("C1"))
	require.NoError(t, readers.Join(ctx, reader, chatID("C1"), ""))
	assert.Equal(t, OutHistory, recv(t, reader).Type)

	send(readers, reader, `{"type":"send-message","body":"hi"}`)
	assert.Equal(t, CodeAuthenticationRequired, recv(t, reader).errorCode())
}

func TestNotificationStreamIsPrivate(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)

	u := admit(h, "u1", NotificationChannel("u1"))
	require.NoError(t, h.Join(ctx, u, NotificationChannel("u1"), ""))
	assert.ErrorIs(t, h.Join(ctx, u, NotificationChannel("u2"), ""), ErrForbidden)
}

func TestMalformedEventsKeepConnection(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, chatRoom("C1"))

	x := admit(h, "X", chatID("C1"))
	require.NoError(t, h.Join(ctx, x, chatID("C1"), ""))
	drain(x)

	for _, raw := range []string{
		`not json`,
		`{"type":"dance","ref":"d"}`,
		`{"type":"send-message"}`,
		`{"type":"send-message","body":"x","channel":"nowhere"}`,
		`{"type":"join-voice-room"}`,
	} {
		send(h, x, raw)
		f := recv(t, x)
		require.Equal(t, OutError, f.Type, raw)
		assert.Equal(t, CodeMalformedEvent, f.errorCode(), raw)
	}

	send(h, x, `{"type":"typing","typing":true,"channel":"chat-room/C2"}`)
	assert.Equal(t, CodeNotAMember, recv(t, x).errorCode())

	send(h, x, `{"type":"send-message","body":"still here"}`)
	assert.Equal(t, OutMessage, recv(t, x).Type)
}

func TestEditAndDeleteMessage(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, chatRoom("C1"))

	x := admit(h, "X", chatID("C1"))
	y := admit(h, "Y", chatID("C1"))
	require.NoError(t, h.Join(ctx, x, chatID("C1"), ""))
	require.NoError(t, h.Join(ctx, y, chatID("C1"), ""))
	drain(x)
	drain(y)

	send(h, x, `{"type":"send-message","body":"helo"}`)
	var msg store.Message
	recv(t, x).decode(t, &msg)
	recv(t, y)

	send(h, x, `{"type":"edit-message","message_id":"`+msg.ID+`","body":"hello"}`)
	for _, c := range []*Connection{x, y} {
		f := recv(t, c)
		require.Equal(t, OutMessageUpdated, f.Type)
		var m store.Message
		f.decode(t, &m)
		assert.True(t, m.Edited)
		assert.Equal(t, "hello", m.Body)
	}

	send(h, y, `{"type":"delete-message","message_id":"`+msg.ID+`"}`)
	assert.Equal(t, CodeForbidden, recv(t, y).errorCode())

	send(h, x, `{"type":"delete-message","message_id":"`+msg.ID+`"}`)
	var deleted store.Message
	recv(t, x).decode(t, &deleted)
	assert.True(t, deleted.Deleted)
	assert.Empty(t, deleted.Body)
	recv(t, y)

	z := admit(h, "Z", chatID("C1"))
	require.NoError(t, h.Join(ctx, z, chatID("C1"), ""))
	var history HistoryPayload
	recv(t, z).decode(t, &history)
	require.Len(t, history.Messages, 1)
	assert.True(t, history.Messages[0].Deleted)
	assert.Empty(t, history.Messages[0].Body)
}

func TestSlowConsumerIsDisposed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateRoom(ctx, chatRoom("C1")))
	h := NewHub(Options{Store: s, SendBuffer: 2})

	x := h.Admit(newFakeConn(), "X", chatID("C1"))
	y := h.Admit(newFakeConn(), "Y", chatID("C1"))
	require.NoError(t, h.Join(ctx, x, chatID("C1"), ""))
	require.NoError(t, h.Join(ctx, y, chatID("C1"), ""))
	drain(x)

	send(h, x, `{"type":"send-message","body":"one"}`)
	drain(x)
	send(h, x, `{"type":"send-message","body":"two"}`)

	ch, ok := h.Channels().Lookup(chatID("C1"))
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok := h.Registry().Get(y.ID)
		return !ok && ch.Count() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDeliverToUserFollowsPresence(t *testing.T) {
	h, _ := newTestHub(t)

	c1 := admit(h, "u1", ChannelID{})
	c2 := admit(h, "u1", ChannelID{})
	admit(h, "u2", ChannelID{})

	assert.True(t, h.Online("u1"))
	assert.Equal(t, 2, h.DeliverToUser("u1", []byte(`{"type":"notification"}`)))

	h.Dispose(c1)
	assert.Equal(t, 1, h.DeliverToUser("u1", []byte(`{}`)))
	h.Dispose(c2)
	assert.Equal(t, 0, h.DeliverToUser("u1", []byte(`{}`)))
	assert.False(t, h.Online("u1"))
	assert.True(t, h.Online("u2"))
}

func TestServe(t *testing.T) {
	h, _ := newTestHub(t, chatRoom("C1"))
	fc := newFakeConn()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(context.Background(), fc, "X", chatID("C1"))
	}()

	next := func() frame {
		select {
		case data := <-fc.writes:
			var f frame
			require.NoError(t, json.Unmarshal(data, &f))
			return f
		case <-time.After(time.Second):
			t.Fatal("no frame written")
		}
		return frame{}
	}

	f := next()
	require.Equal(t, OutWelcome, f.Type)
	assert.Equal(t, "X", f.Payload["user_id"])
	assert.Equal(t, OutHistory, next().Type)

	fc.in <- []byte(`{"type":"send-message","ref":"1","body":"hello"}`)
	f = next()
	assert.Equal(t, OutMessage, f.Type)
	assert.Equal(t, "1", f.Ref)

	close(fc.in)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
	assert.Equal(t, 0, h.Registry().Len())
	_, ok := h.Channels().Lookup(chatID("C1"))
	assert.False(t, ok)
}

func TestServeWaitsForConcurrentDispose(t *testing.T) {
	h, s := newTestHub(t, voiceRoom("R1", 2))
	unblock := make(chan struct{})
	s.blockDeletes = unblock

	rc := &releasingConn{fakeConn: newFakeConn()}
	served := make(chan struct{})
	go func() {
		defer close(served)
		h.Serve(context.Background(), rc, "A", voice("R1"))
		rc.released.Store(true)
	}()
	require.Eventually(t, func() bool { return len(s.Participants("R1")) == 1 }, time.Second, 5*time.Millisecond)

	conns := h.Registry().all()
	require.Len(t, conns, 1)

	// the reaper wins the shutdown while the store call is slow
	disposed := make(chan struct{})
	go func() {
		defer close(disposed)
		h.Dispose(conns[0])
	}()

	select {
	case <-served:
		t.Fatal("Serve returned before Dispose finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	<-disposed
	<-served
	assert.False(t, rc.closedAfterRelease.Load())
	assert.Empty(t, s.Participants("R1"))
	assert.Equal(t, 0, h.Registry().Len())
}

func drain(c *Connection) {
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
