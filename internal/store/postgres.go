package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Postgres implements Store on top of database/sql and lib/pq.
type Postgres struct {
	db *sql.DB
}

const pgForeignKeyViolation = "23503"

// OpenPostgres connects and pings the database.
func OpenPostgres(cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store: dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "store: ping"), db.Close())
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	max_participants INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL REFERENCES rooms(id),
	sender_id    TEXT NOT NULL,
	body         TEXT NOT NULL,
	message_type TEXT NOT NULL,
	reply_to     TEXT REFERENCES messages(id),
	edited       BOOLEAN NOT NULL DEFAULT false,
	deleted      BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_room_created_idx ON messages (room_id, created_at DESC);
CREATE TABLE IF NOT EXISTS read_receipts (
	message_id TEXT NOT NULL REFERENCES messages(id),
	user_id    TEXT NOT NULL,
	read_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (message_id, user_id)
);
CREATE TABLE IF NOT EXISTS voice_participants (
	room_id   TEXT NOT NULL REFERENCES rooms(id),
	user_id   TEXT NOT NULL,
	muted     BOOLEAN NOT NULL DEFAULT false,
	joined_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	payload    JSONB,
	state      TEXT NOT NULL,
	delivered  BOOLEAN NOT NULL DEFAULT false,
	read       BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	read_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS device_tokens (
	user_id TEXT NOT NULL,
	token   TEXT NOT NULL,
	PRIMARY KEY (user_id, token)
);
CREATE TABLE IF NOT EXISTS push_preferences (
	user_id TEXT NOT NULL,
	kind    TEXT NOT NULL,
	enabled BOOLEAN NOT NULL,
	PRIMARY KEY (user_id, kind)
);`

// Migrate creates the tables if they are missing.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "store: migrate")
}

func (s *Postgres) CreateRoom(ctx context.Context, room Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, kind, name, max_participants, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, name = EXCLUDED.name, max_participants = EXCLUDED.max_participants`,
		room.ID, room.Kind, room.Name, room.MaxParticipants, room.CreatedAt,
	)
	return errors.Wrap(err, "store: create room")
}

func (s *Postgres) GetRoom(ctx context.Context, id string) (Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, max_participants, created_at FROM rooms WHERE id = $1`, id,
	).Scan(&r.ID, &r.Kind, &r.Name, &r.MaxParticipants, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, errors.Wrap(err, "store: get room")
	}
	return r, nil
}

func (s *Postgres) CreateMessage(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, body, message_type, reply_to, edited, deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Body, msg.Type, nullString(msg.ReplyTo),
		msg.Edited, msg.Deleted, msg.CreatedAt, msg.UpdatedAt,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return errors.Wrap(err, "store: create message")
}

const messageColumns = `id, room_id, sender_id, body, message_type, reply_to, edited, deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m       Message
		replyTo sql.NullString
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.Type, &replyTo,
		&m.Edited, &m.Deleted, &m.CreatedAt, &m.UpdatedAt)
	m.ReplyTo = replyTo.String
	return m, err
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, errors.Wrap(err, "store: get message")
	}
	return m, nil
}

func (s *Postgres) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = $1 ORDER BY created_at DESC LIMIT $2`,
		roomID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: recent messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan message")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "store: recent messages")
}

func (s *Postgres) UpdateMessage(ctx context.Context, msg Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = $2, edited = $3, deleted = $4, updated_at = $5 WHERE id = $1`,
		msg.ID, msg.Body, msg.Edited, msg.Deleted, msg.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "store: update message")
	}
	return requireRow(res)
}

func (s *Postgres) UpsertReceipt(ctx context.Context, r ReadReceipt) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO read_receipts (message_id, user_id, read_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		r.MessageID, r.UserID, r.ReadAt)
	if isForeignKeyViolation(err) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, errors.Wrap(err, "store: upsert receipt")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "store: upsert receipt")
	}
	return n > 0, nil
}

func (s *Postgres) ListReceipts(ctx context.Context, messageID string) ([]ReadReceipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, user_id, read_at FROM read_receipts WHERE message_id = $1 ORDER BY read_at`, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "store: list receipts")
	}
	defer rows.Close()

	var out []ReadReceipt
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.ReadAt); err != nil {
			return nil, errors.Wrap(err, "store: scan receipt")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "store: list receipts")
}

func (s *Postgres) UpsertParticipant(ctx context.Context, p VoiceParticipant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_participants (room_id, user_id, muted, joined_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, user_id) DO UPDATE SET muted = EXCLUDED.muted`,
		p.RoomID, p.UserID, p.Muted, p.JoinedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return errors.Wrap(err, "store: upsert participant")
}

func (s *Postgres) DeleteParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM voice_participants WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	return errors.Wrap(err, "store: delete participant")
}

func (s *Postgres) CreateNotification(ctx context.Context, n Notification) error {
	var payload any
	if len(n.Payload) > 0 {
		payload = []byte(n.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, kind, title, body, payload, state, delivered, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.UserID, n.Kind, n.Title, n.Body, payload, n.State, n.Delivered, n.Read, n.CreatedAt)
	return errors.Wrap(err, "store: create notification")
}

func (s *Postgres) SetNotificationState(ctx context.Context, id string, state NotificationState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET state = $2, delivered = delivered OR $3 WHERE id = $1`,
		id, state, state == StateDelivered)
	if err != nil {
		return errors.Wrap(err, "store: set notification state")
	}
	return requireRow(res)
}

const notificationColumns = `id, user_id, kind, title, body, payload, state, delivered, read, created_at, read_at`

func scanNotification(row rowScanner) (Notification, error) {
	var (
		n       Notification
		payload []byte
		readAt  sql.NullTime
	)
	err := row.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &payload,
		&n.State, &n.Delivered, &n.Read, &n.CreatedAt, &readAt)
	if len(payload) > 0 {
		n.Payload = payload
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	return n, err
}

func (s *Postgres) MarkNotificationRead(ctx context.Context, userID, id string, at time.Time) (Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`UPDATE notifications SET read = true, state = $3, read_at = COALESCE(read_at, $4)
		 WHERE id = $1 AND user_id = $2 RETURNING `+notificationColumns,
		id, userID, StateRead, at))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, errors.Wrap(err, "store: mark notification read")
	}
	return n, nil
}

func (s *Postgres) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	if unreadOnly {
		q += ` AND read = false`
	}
	q += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: list notifications")
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan notification")
		}
		out = append(out, n)
	}
	return out, errors.Wrap(rows.Err(), "store: list notifications")
}

func (s *Postgres) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND read = false`, userID).Scan(&n)
	return n, errors.Wrap(err, "store: count unread")
}

func (s *Postgres) AddDeviceToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_tokens (user_id, token) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, token)
	return errors.Wrap(err, "store: add device token")
}

func (s *Postgres) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM device_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "store: device tokens")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(err, "store: scan device token")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "store: device tokens")
}

func (s *Postgres) PushPreferences(ctx context.Context, userID string) (PushPreferences, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, enabled FROM push_preferences WHERE user_id = $1`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "store: push preferences")
	}
	defer rows.Close()

	out := PushPreferences{}
	for rows.Next() {
		var (
			kind    NotificationKind
			enabled bool
		)
		if err := rows.Scan(&kind, &enabled); err != nil {
			return nil, errors.Wrap(err, "store: scan push preference")
		}
		out[kind] = enabled
	}
	return out, errors.Wrap(rows.Err(), "store: push preferences")
}

func (s *Postgres) SetPushPreferences(ctx context.Context, userID string, prefs PushPreferences) error {
	kinds := make([]NotificationKind, 0, len(prefs))
	for k := range prefs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: begin")
	}
	for _, k := range kinds {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO push_preferences (user_id, kind, enabled) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, kind) DO UPDATE SET enabled = EXCLUDED.enabled`,
			userID, k, prefs[k])
		if err != nil {
			return multierr.Append(errors.Wrap(err, "store: set push preference"), tx.Rollback())
		}
	}
	return errors.Wrap(tx.Commit(), "store: commit")
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "store: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r Room) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}
