package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_MessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateRoom(ctx, Room{ID: "c1", Kind: RoomChat}))

	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, m.CreateMessage(ctx, Message{ID: id, RoomID: "c1", Body: id, CreatedAt: at}))
	}

	got, err := m.RecentMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	err = m.CreateMessage(ctx, Message{ID: "x", RoomID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ReceiptIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateRoom(ctx, Room{ID: "c1", Kind: RoomChat}))
	require.NoError(t, m.CreateMessage(ctx, Message{ID: "m1", RoomID: "c1"}))

	created, err := m.UpsertReceipt(ctx, ReadReceipt{MessageID: "m1", UserID: "y", ReadAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.UpsertReceipt(ctx, ReadReceipt{MessageID: "m1", UserID: "y", ReadAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, created)

	receipts, err := m.ListReceipts(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, receipts, 1)

	_, err = m.UpsertReceipt(ctx, ReadReceipt{MessageID: "nope", UserID: "y"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_NotificationOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateNotification(ctx, Notification{ID: "n1", UserID: "u1", State: StateQueued, CreatedAt: time.Now()}))

	_, err := m.MarkNotificationRead(ctx, "u2", "n1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := m.MarkNotificationRead(ctx, "u1", "n1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateRead, n.State)

	count, err := m.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemory_PushPreferencesMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	prefs, err := m.PushPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, prefs.Allows(NotifyLike))

	require.NoError(t, m.SetPushPreferences(ctx, "u1", PushPreferences{NotifyLike: false, NotifyCall: false}))
	require.NoError(t, m.SetPushPreferences(ctx, "u1", PushPreferences{NotifyCall: true}))

	prefs, err = m.PushPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, prefs.Allows(NotifyLike))
	assert.True(t, prefs.Allows(NotifyCall))

	other, err := m.PushPreferences(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
