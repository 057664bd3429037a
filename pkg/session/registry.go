package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/seibridge/pkg/logging"
	"github.com/google/uuid"
)

// Registry is the authoritative map of logical sessions and the physical
// connections currently bound to them. It performs no network I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[string]Conn
	now      func() time.Time
	logger   *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for connectedAt/lastActivity.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		conns:    make(map[string]Conn),
		now:      time.Now,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewSessionID returns a fresh server-generated session identifier.
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// CreateSession fabricates a session record before any connection exists.
func (r *Registry) CreateSession(windowID *int) string {
	id := NewSessionID()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &Session{
		ID:           id,
		Status:       StatusConnecting,
		WindowID:     copyInt(windowID),
		ConnectedAt:  now,
		LastActivity: now,
	}
	return id
}

// RegisterConnection upserts the session as connected and binds conn to it.
// A connection already bound to the same id is superseded and returned so the
// caller can dispose of it; nil is returned when there was none.
func (r *Registry) RegisterConnection(conn Conn, id string, windowID *int) Conn {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		sess = &Session{ID: id}
		r.sessions[id] = sess
	}
	sess.Status = StatusConnected
	sess.ConnectedAt = now
	sess.touch(now)
	if windowID != nil {
		sess.WindowID = copyInt(windowID)
	}

	previous := r.conns[id]
	r.conns[id] = conn
	if previous == conn {
		previous = nil
	}
	if previous != nil {
		r.logger.Warnf("session %s taken over by a new connection", id)
	}
	return previous
}

// UnregisterConnection marks the session disconnected and drops its
// connection binding. The session record itself survives.
func (r *Registry) UnregisterConnection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(id)
}

// ReleaseConnection unregisters id only while conn is still its bound
// connection. It reports whether the binding was released; false means conn
// had already been superseded (or the session closed).
func (r *Registry) ReleaseConnection(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[id]; !ok || current != conn {
		return false
	}
	r.unregisterLocked(id)
	return true
}

func (r *Registry) unregisterLocked(id string) {
	delete(r.conns, id)
	if sess, ok := r.sessions[id]; ok {
		sess.Status = StatusDisconnected
	}
}

// CloseSession closes the bound connection, if any, and forgets the session.
// It reports whether anything existed to close.
func (r *Registry) CloseSession(id string) bool {
	r.mu.Lock()
	conn, hadConn := r.conns[id]
	_, hadSession := r.sessions[id]
	delete(r.conns, id)
	delete(r.sessions, id)
	r.mu.Unlock()

	if hadConn && conn != nil && conn.IsOpen() {
		if err := conn.Close(); err != nil {
			r.logger.Debugf("closing connection for session %s: %v", id, err)
		}
	}
	return hadConn || hadSession
}

// CloseAll force-closes every bound connection and marks their sessions
// disconnected. Session records are kept.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make(map[string]Conn, len(r.conns))
	for id, conn := range r.conns {
		conns[id] = conn
		r.unregisterLocked(id)
	}
	r.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			r.logger.Debugf("closing connection for session %s: %v", id, err)
		}
	}
}

// Connection returns the connection bound to id.
func (r *Registry) Connection(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// DefaultConnection returns the open connection whose session has the most
// recent activity. ok is false when no session is connected.
func (r *Registry) DefaultConnection() (id string, conn Conn, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Session
	for sid, c := range r.conns {
		if c == nil || !c.IsOpen() {
			continue
		}
		sess, exists := r.sessions[sid]
		if !exists || sess.Status != StatusConnected {
			continue
		}
		if best == nil || sess.LastActivity.After(best.LastActivity) ||
			(sess.LastActivity.Equal(best.LastActivity) && sess.ID < best.ID) {
			best = sess
		}
	}
	if best == nil {
		return "", nil, false
	}
	return best.ID, r.conns[best.ID], true
}

// DefaultSession returns a snapshot of the session DefaultConnection would pick.
func (r *Registry) DefaultSession() (Info, bool) {
	id, _, ok := r.DefaultConnection()
	if !ok {
		return Info{}, false
	}
	return r.Session(id)
}

// IsConnected reports whether id has an open bound connection. With an empty
// id it reports whether any session is connected.
func (r *Registry) IsConnected(id string) bool {
	if id == "" {
		_, _, ok := r.DefaultConnection()
		return ok
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return ok && conn != nil && conn.IsOpen()
}

// UpdateActivity bumps lastActivity for id. Unknown ids are ignored.
func (r *Registry) UpdateActivity(id string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.touch(now)
	}
}

// UpdateStatus bumps lastActivity and merges metadata into the session.
// Unknown ids are ignored: an event that races CloseSession must not bring
// the record back.
func (r *Registry) UpdateStatus(id string, update Update) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	sess.touch(now)
	if update.URL != "" {
		sess.URL = update.URL
	}
	if update.ClearUser {
		sess.User = ""
	} else if update.User != "" {
		sess.User = update.User
	}
}

// Session returns a snapshot of one session.
func (r *Registry) Session(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(sess), true
}

// ListSessions returns a snapshot of every known session, most recently
// active first.
func (r *Registry) ListSessions() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, r.infoLocked(sess))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// ConnectedSessions returns the snapshots of sessions with an open connection.
func (r *Registry) ConnectedSessions() []Info {
	all := r.ListSessions()
	out := make([]Info, 0, len(all))
	for _, info := range all {
		if info.Connected {
			out = append(out, info)
		}
	}
	return out
}

func (r *Registry) infoLocked(sess *Session) Info {
	conn, bound := r.conns[sess.ID]
	return Info{
		ID:           sess.ID,
		Status:       sess.Status,
		WindowID:     copyInt(sess.WindowID),
		URL:          sess.URL,
		User:         sess.User,
		ConnectedAt:  sess.ConnectedAt,
		LastActivity: sess.LastActivity,
		Connected:    bound && conn != nil && conn.IsOpen(),
	}
}

// Sweep removes disconnected sessions idle for longer than maxIdle and
// returns their ids. Connected and connecting sessions are never removed.
func (r *Registry) Sweep(maxIdle time.Duration) []string {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, sess := range r.sessions {
		if sess.Status != StatusDisconnected {
			continue
		}
		if _, bound := r.conns[id]; bound {
			continue
		}
		if sess.LastActivity.Before(cutoff) {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := r.Sweep(maxIdle); len(removed) > 0 {
				r.logger.Infof("swept %d stale session(s): %s", len(removed), strings.Join(removed, ", "))
			}
		}
	}
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
