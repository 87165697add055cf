package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type receiptKey struct {
	message string
	user    string
}

// Memory is an in-process Store used for development and tests.
type Memory struct {
	mu sync.RWMutex

	rooms         map[string]Room
	messages      map[string]Message
	roomMessages  map[string][]string // room -> message ids, insertion order
	receipts      map[receiptKey]ReadReceipt
	participants  map[string]map[string]VoiceParticipant // room -> user -> participant
	notifications map[string]Notification
	devices       map[string][]string
	preferences   map[string]PushPreferences
}

func NewMemory() *Memory {
	return &Memory{
		rooms:         map[string]Room{},
		messages:      map[string]Message{},
		roomMessages:  map[string][]string{},
		receipts:      map[receiptKey]ReadReceipt{},
		participants:  map[string]map[string]VoiceParticipant{},
		notifications: map[string]Notification{},
		devices:       map[string][]string{},
		preferences:   map[string]PushPreferences{},
	}
}

func (m *Memory) CreateRoom(_ context.Context, room Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	m.rooms[room.ID] = room
	return nil
}

func (m *Memory) GetRoom(_ context.Context, id string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[msg.RoomID]; !ok {
		return ErrNotFound
	}
	m.messages[msg.ID] = msg
	m.roomMessages[msg.RoomID] = append(m.roomMessages[msg.RoomID], msg.ID)
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) RecentMessages(_ context.Context, roomID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.roomMessages[roomID]
	// newest insertion first so ties on CreatedAt keep arrival order
	out := make([]Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, m.messages[ids[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		return ErrNotFound
	}
	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) UpsertReceipt(_ context.Context, r ReadReceipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[r.MessageID]; !ok {
		return false, ErrNotFound
	}
	k := receiptKey{message: r.MessageID, user: r.UserID}
	if _, ok := m.receipts[k]; ok {
		return false, nil
	}
	m.receipts[k] = r
	return true, nil
}

func (m *Memory) ListReceipts(_ context.Context, messageID string) ([]ReadReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ReadReceipt
	for k, r := range m.receipts {
		if k.message == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReadAt.Before(out[j].ReadAt) })
	return out, nil
}

func (m *Memory) UpsertParticipant(_ context.Context, p VoiceParticipant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[p.RoomID]; !ok {
		m.participants[p.RoomID] = map[string]VoiceParticipant{}
	}
	m.participants[p.RoomID][p.UserID] = p
	return nil
}

func (m *Memory) DeleteParticipant(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.participants[roomID]; ok {
		delete(ps, userID)
		if len(ps) == 0 {
			delete(m.participants, roomID)
		}
	}
	return nil
}

// Participants is used by tests to inspect durable voice membership.
func (m *Memory) Participants(roomID string) []VoiceParticipant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VoiceParticipant, 0, len(m.participants[roomID]))
	for _, p := range m.participants[roomID] {
		out = append(out, p)
	}
	return out
}

func (m *Memory) CreateNotification(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	return nil
}

func (m *Memory) SetNotificationState(_ context.Context, id string, state NotificationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.State = state
	if state == StateDelivered {
		n.Delivered = true
	}
	m.notifications[id] = n
	return nil
}

func (m *Memory) MarkNotificationRead(_ context.Context, userID, id string, at time.Time) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return Notification{}, ErrNotFound
	}
	if !n.Read {
		n.Read = true
		n.State = StateRead
		n.ReadAt = &at
		m.notifications[id] = n
	}
	return n, nil
}

func (m *Memory) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Notification
	for _, n := range m.notifications {
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountUnread(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *Memory) AddDeviceToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.devices[userID] {
		if t == token {
			return nil
		}
	}
	m.devices[userID] = append(m.devices[userID], token)
	return nil
}

func (m *Memory) DeviceTokens(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.devices[userID]))
	copy(out, m.devices[userID])
	return out, nil
}

func (m *Memory) PushPreferences(_ context.Context, userID string) (PushPreferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := PushPreferences{}
	for k, v := range m.preferences[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetPushPreferences(_ context.Context, userID string, prefs PushPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.preferences[userID]
	if !ok {
		cur = PushPreferences{}
		m.preferences[userID] = cur
	}
	for k, v := range prefs {
		cur[k] = v
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
