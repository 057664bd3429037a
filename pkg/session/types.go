package session

import "time"

// Status is the lifecycle state of a logical session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Conn is the registry's non-owning view of a physical connection.
// The transport owns the socket lifecycle.
type Conn interface {
	IsOpen() bool
	Close() error
}

// Session is one logical remote execution context (a browser tab driving the
// portal). It survives reconnects of the same id.
type Session struct {
	ID           string
	Status       Status
	WindowID     *int
	URL          string
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// touch advances LastActivity without ever rewinding it.
func (s *Session) touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// Update carries metadata merged by Registry.UpdateStatus. Empty fields are
// left untouched.
type Update struct {
	URL       string
	User      string
	ClearUser bool
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	WindowID     *int      `json:"windowId,omitempty"`
	URL          string    `json:"url,omitempty"`
	User         string    `json:"user,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Connected    bool      `json:"connected"`
}
