package notify

import (
	"context"

	"github.com/pelusa-v/toto-hub/internal/chat"
	"github.com/pelusa-v/toto-hub/internal/store"
	"go.uber.org/zap"
)

// kindInboxUpdate tells clients to refresh their inbox. It carries counts
// only, never notification content.
const kindInboxUpdate chat.Kind = "inbox-update"

type Inbox struct {
	Unread        int                  `json:"unread"`
	Notifications []store.Notification `json:"notifications"`
}

type inboxSignal struct {
	Unread int `json:"unread"`
}

// Inbox lists the notifications of a user, newest first.
func (d *Dispatcher) Inbox(ctx context.Context, userID string, unreadOnly bool, limit int) (Inbox, error) {
	list, err := d.store.ListNotifications(ctx, userID, unreadOnly, limit)
	if err != nil {
		return Inbox{}, err
	}
	unread, err := d.store.CountUnread(ctx, userID)
	if err != nil {
		return Inbox{}, err
	}
	if list == nil {
		list = []store.Notification{}
	}
	return Inbox{Unread: unread, Notifications: list}, nil
}

func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int, error) {
	return d.store.CountUnread(ctx, userID)
}

// signalInbox pushes the new unread count to the user's live connections.
func (d *Dispatcher) signalInbox(ctx context.Context, userID string) {
	unread, err := d.store.CountUnread(ctx, userID)
	if err != nil {
		zap.S().Warnw("unread count",
			"user", userID,
			"error", err,
		)
		return
	}
	frame, err := chat.Outbound{
		Type:    kindInboxUpdate,
		Channel: chat.NotificationChannel(userID).String(),
		Payload: inboxSignal{Unread: unread},
	}.Encode()
	if err != nil {
		return
	}
	d.live.DeliverToUser(userID, frame)
}
