package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pelusa-v/toto-hub/internal/metrics"
	"go.uber.org/zap"
)

// Registry tracks live connections and the presence of their users.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	presence *Presence
	metrics  *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		conns:    map[string]*Connection{},
		presence: NewPresence(),
		metrics:  m,
	}
}

func (r *Registry) admit(conn ConnLike, userID string, home ChannelID, buffer int) *Connection {
	c := newConnection(uuid.NewString(), userID, home, conn, buffer)

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	if userID != "" {
		r.presence.Add(userID, c.ID)
	}
	r.metrics.ConnectionOpened()

	zap.S().Infow("connection admitted",
		"conn", c.ID,
		"user", userID,
		"channel", home.String(),
	)
	return c
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	_, ok := r.conns[c.ID]
	delete(r.conns, c.ID)
	r.mu.Unlock()
	if !ok {
		return
	}

	if c.UserID != "" {
		r.presence.Remove(c.UserID, c.ID)
	}
	r.metrics.ConnectionClosed()
}

// UserConnections returns the live connection ids of a user.
func (r *Registry) UserConnections(userID string) []string {
	return r.presence.Connections(userID)
}

func (r *Registry) Online(userID string) bool {
	return r.presence.Online(userID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) all() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// stale returns the connections not heard from within grace of now.
func (r *Registry) stale(now time.Time, grace time.Duration) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.conns {
		if now.Sub(c.LastSeen()) > grace {
			out = append(out, c)
		}
	}
	return out
}

type presenceEntry struct {
	mu      sync.Mutex
	conns   map[string]struct{}
	evicted bool
}

// Presence maps users to their live connections, with a lock per user.
type Presence struct {
	mu    sync.Mutex
	users map[string]*presenceEntry
}

func NewPresence() *Presence {
	return &Presence{users: map[string]*presenceEntry{}}
}

func (p *Presence) entry(userID string, create bool) *presenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.users[userID]
	if !ok && create {
		e = &presenceEntry{conns: map[string]struct{}{}}
		p.users[userID] = e
	}
	return e
}

func (p *Presence) Add(userID, connID string) {
	for {
		e := p.entry(userID, true)
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		e.conns[connID] = struct{}{}
		e.mu.Unlock()
		return
	}
}

func (p *Presence) Remove(userID, connID string) {
	e := p.entry(userID, false)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, connID)
	if len(e.conns) > 0 || e.evicted {
		return
	}
	e.evicted = true
	p.mu.Lock()
	if p.users[userID] == e {
		delete(p.users, userID)
	}
	p.mu.Unlock()
}

func (p *Presence) Connections(userID string) []string {
	e := p.entry(userID, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.conns))
	for id := range e.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Presence) Online(userID string) bool {
	return len(p.Connections(userID)) > 0
}
