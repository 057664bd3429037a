// Package execution runs portal actions against whichever backend can serve
// them and normalizes every outcome into a single Result shape.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/seibridge/pkg/protocol"
)

// Backend names an execution strategy.
type Backend string

const (
	// BackendExtension drives the user's browser through the extension.
	BackendExtension Backend = "extension"
	// BackendDriver drives a server-side browser.
	BackendDriver Backend = "driver"
	// BackendREST calls the portal's HTTP API directly.
	BackendREST Backend = "rest"
)

// DefaultFallbackOrder is tried when a request names no backend.
var DefaultFallbackOrder = []Backend{BackendExtension, BackendDriver, BackendREST}

// ParseBackend validates a backend name. The empty string is allowed and
// means "use the fallback order".
func ParseBackend(raw string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(raw)))
	switch b {
	case "", BackendExtension, BackendDriver, BackendREST:
		return b, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected extension, driver or rest)", raw)
	}
}

// ErrBackendUnavailable marks a backend that cannot serve requests right
// now. Strategies wrap it so the fallback policy moves on.
var ErrBackendUnavailable = errors.New("execution: backend unavailable")

// Request is one action invocation.
type Request struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Backend   Backend        `json:"backend,omitempty"`
}

// Outcome is what a backend reports for a request it accepted.
type Outcome struct {
	Success bool
	Data    json.RawMessage
	Error   *protocol.ErrorInfo
}

// Result is the uniform shape handed back to callers.
type Result struct {
	Succeeded    bool            `json:"succeeded"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Backend      Backend         `json:"backend,omitempty"`
}

// Strategy executes requests on one backend.
type Strategy interface {
	Backend() Backend
	// Available reports whether the backend is configured and reachable
	// enough to be worth trying.
	Available() bool
	// Execute performs the request. A returned error means the backend
	// could not run it; a remote failure is an Outcome with Success false.
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// StabilityWaiter is implemented by strategies that can wait for the page
// to settle before a sensitive action.
type StabilityWaiter interface {
	WaitForStability(ctx context.Context, sessionID string, quiet, max time.Duration) error
}
