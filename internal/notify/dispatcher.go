// Package notify delivers notifications to users: live on every open
// connection when the user is online, through the push gateway otherwise.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pelusa-v/toto-hub/internal/chat"
	"github.com/pelusa-v/toto-hub/internal/metrics"
	"github.com/pelusa-v/toto-hub/internal/store"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("notify: notification not found")
	ErrInvalid  = errors.New("notify: invalid notification")

	// ErrPushDeliveryFailed is logged, never returned to producers.
	ErrPushDeliveryFailed = errors.New("notify: push delivery failed")
)

// Deliverer queues a frame on every live connection of a user.
type Deliverer interface {
	DeliverToUser(userID string, data []byte) int
}

// Request is a notification produced outside the hub.
type Request struct {
	UserID  string                 `json:"user_id"`
	Kind    store.NotificationKind `json:"kind"`
	Title   string                 `json:"title"`
	Body    string                 `json:"body"`
	Payload json.RawMessage        `json:"payload,omitempty"`
}

type Dispatcher struct {
	store   store.Notifications
	live    Deliverer
	gateway Gateway
	metrics *metrics.Metrics
	timeout time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(s store.Notifications, live Deliverer, gw Gateway, m *metrics.Metrics, timeout time.Duration) *Dispatcher {
	if gw == nil {
		gw = LogGateway{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		store:   s,
		live:    live,
		gateway: gw,
		metrics: m,
		timeout: timeout,
	}
}

// Notify records a notification and delivers it. The result is delivered
// when at least one live connection took it, queued otherwise; a queued
// notification gets exactly one push attempt in the background.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (store.Notification, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return store.Notification{}, fmt.Errorf("%w: user_id is required", ErrInvalid)
	}
	if !req.Kind.Valid() {
		return store.Notification{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, req.Kind)
	}

	n := store.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Title:     req.Title,
		Body:      req.Body,
		Payload:   req.Payload,
		State:     store.StateCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return store.Notification{}, err
	}

	live := n
	live.State, live.Delivered = store.StateDelivered, true
	frame, err := chat.Outbound{
		Type:    chat.OutNotification,
		Channel: chat.NotificationChannel(n.UserID).String(),
		Payload: live,
	}.Encode()
	if err != nil {
		return store.Notification{}, err
	}

	if d.live.DeliverToUser(n.UserID, frame) > 0 {
		n = live
	} else {
		n.State = store.StateQueued
	}
	if err := d.store.SetNotificationState(ctx, n.ID, n.State); err != nil {
		zap.S().Warnw("notification state not saved",
			"notification", n.ID,
			"state", n.State,
			"error", err,
		)
	}
	d.metrics.Notification(string(n.State))

	if n.State == store.StateQueued {
		d.wg.Add(1)
		go d.push(n)
	}
	return n, nil
}

func (d *Dispatcher) push(n store.Notification) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	prefs, err := d.store.PushPreferences(ctx, n.UserID)
	if err != nil {
		d.pushFailed(n, "", err)
		return
	}
	if !prefs.Allows(n.Kind) {
		zap.S().Debugw("push disabled by preference",
			"notification", n.ID,
			"user", n.UserID,
			"kind", n.Kind,
		)
		return
	}

	tokens, err := d.store.DeviceTokens(ctx, n.UserID)
	if err != nil {
		d.pushFailed(n, "", err)
		return
	}
	if len(tokens) == 0 {
		zap.S().Debugw("no device registered",
			"notification", n.ID,
			"user", n.UserID,
		)
		return
	}

	data := map[string]interface{}{
		"notification_id": n.ID,
		"kind":            n.Kind,
	}
	for _, token := range tokens {
		err := d.gateway.Send(ctx, Push{
			DeviceToken: token,
			Title:       n.Title,
			Body:        n.Body,
			Data:        data,
		})
		if err != nil {
			d.pushFailed(n, token, err)
		}
	}
}

func (d *Dispatcher) pushFailed(n store.Notification, token string, err error) {
	d.metrics.PushFailed()
	zap.S().Errorw("push failed",
		"notification", n.ID,
		"user", n.UserID,
		"device", token,
		"error", fmt.Errorf("%w: %v", ErrPushDeliveryFailed, err),
	)
}

// MarkRead marks a notification of userID as read.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, id string) (store.Notification, error) {
	n, err := d.store.MarkNotificationRead(ctx, userID, id, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return store.Notification{}, ErrNotFound
	}
	if err != nil {
		return store.Notification{}, err
	}
	d.signalInbox(ctx, userID)
	return n, nil
}

func (d *Dispatcher) RegisterDevice(ctx context.Context, userID, token string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: user and token are required", ErrInvalid)
	}
	return d.store.AddDeviceToken(ctx, userID, strings.TrimSpace(token))
}

// PushPreferences returns the push switch of every notification kind for
// userID.
func (d *Dispatcher) PushPreferences(ctx context.Context, userID string) (store.PushPreferences, error) {
	prefs, err := d.store.PushPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(store.PushPreferences, len(store.NotificationKinds))
	for _, k := range store.NotificationKinds {
		out[k] = prefs.Allows(k)
	}
	return out, nil
}

// SetPushPreferences updates the given kinds and returns the full set.
func (d *Dispatcher) SetPushPreferences(ctx context.Context, userID string, prefs store.PushPreferences) (store.PushPreferences, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalid)
	}
	for k := range prefs {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, k)
		}
	}
	if err := d.store.SetPushPreferences(ctx, userID, prefs); err != nil {
		return nil, err
	}
	return d.PushPreferences(ctx, userID)
}

// Close waits for pending push attempts.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
