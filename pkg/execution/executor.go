package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/seibridge/pkg/correlator"
	"github.com/entrhq/seibridge/pkg/logging"
	"github.com/entrhq/seibridge/pkg/session"
	"github.com/gobwas/glob"
)

// SessionLister reports which sessions are connected. *session.Registry
// satisfies it.
type SessionLister interface {
	ConnectedSessions() []session.Info
}

// Config controls backend selection and the page stability wait.
type Config struct {
	FallbackOrder []Backend
	// StabilityActions are glob patterns; matching actions wait for the
	// page to settle first.
	StabilityActions []string
	StabilityQuiet   time.Duration
	StabilityMax     time.Duration
}

// Executor dispatches requests to strategies.
type Executor struct {
	strategies map[Backend]Strategy
	order      []Backend
	stability  []glob.Glob
	quiet      time.Duration
	max        time.Duration
	sessions   SessionLister
	logger     *logging.Logger
}

// NewExecutor builds an Executor over the given strategies. sessions may be
// nil, in which case not-connected diagnostics omit the session list.
func NewExecutor(cfg Config, sessions SessionLister, logger *logging.Logger, strategies ...Strategy) (*Executor, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Executor{
		strategies: make(map[Backend]Strategy, len(strategies)),
		order:      cfg.FallbackOrder,
		quiet:      cfg.StabilityQuiet,
		max:        cfg.StabilityMax,
		sessions:   sessions,
		logger:     logger,
	}
	if len(e.order) == 0 {
		e.order = DefaultFallbackOrder
	}
	for _, s := range strategies {
		if s == nil {
			continue
		}
		e.strategies[s.Backend()] = s
	}
	for _, pattern := range cfg.StabilityActions {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid stability action pattern %q: %w", pattern, err)
		}
		e.stability = append(e.stability, g)
	}
	return e, nil
}

// Backends lists the registered backends in fallback order.
func (e *Executor) Backends() []Backend {
	var out []Backend
	for _, b := range e.order {
		if _, ok := e.strategies[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Run executes req and never returns a Go error: every failure is carried
// in the Result.
func (e *Executor) Run(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.Action) == "" {
		return Result{ErrorMessage: "action is required"}
	}

	if req.Backend != "" {
		s, ok := e.strategies[req.Backend]
		if !ok || !s.Available() {
			return Result{
				Backend:      req.Backend,
				ErrorMessage: fmt.Sprintf("%s backend is not available", req.Backend),
			}
		}
		out, err := e.runOne(ctx, s, req)
		return e.toResult(req, s.Backend(), out, err)
	}

	var (
		lastErr      error
		lastBackend  Backend
		notConnected error
		ncBackend    Backend
	)
	for _, b := range e.order {
		s, ok := e.strategies[b]
		if !ok || !s.Available() {
			continue
		}
		out, err := e.runOne(ctx, s, req)
		if err != nil && shouldFallBack(err) {
			e.logger.Infof("Backend %s cannot run %s (%v), trying next", b, req.Action, err)
			lastErr, lastBackend = err, b
			if notConnected == nil && errors.Is(err, correlator.ErrNotConnected) {
				notConnected, ncBackend = err, b
			}
			continue
		}
		return e.toResult(req, b, out, err)
	}

	// The not-connected diagnostic names the sessions the caller can target,
	// so it outranks whatever the later backends reported.
	if notConnected != nil {
		return e.toResult(req, ncBackend, Outcome{}, notConnected)
	}
	if lastErr != nil {
		return e.toResult(req, lastBackend, Outcome{}, lastErr)
	}
	return Result{ErrorMessage: "no execution backend is available"}
}

func (e *Executor) runOne(ctx context.Context, s Strategy, req Request) (Outcome, error) {
	if w, ok := s.(StabilityWaiter); ok && e.needsStability(req.Action) {
		if err := w.WaitForStability(ctx, req.SessionID, e.quiet, e.max); err != nil {
			e.logger.Warnf("Page stability wait before %s failed on %s: %v; proceeding", req.Action, s.Backend(), err)
		}
	}
	e.logger.Debugf("Executing %s on %s backend", req.Action, s.Backend())
	return s.Execute(ctx, req)
}

func (e *Executor) needsStability(action string) bool {
	if e.quiet <= 0 {
		return false
	}
	for _, g := range e.stability {
		if g.Match(action) {
			return true
		}
	}
	return false
}

// shouldFallBack reports whether err means "this backend could not take the
// request" rather than "the request failed".
func shouldFallBack(err error) bool {
	return errors.Is(err, correlator.ErrNotConnected) || errors.Is(err, ErrBackendUnavailable)
}

func (e *Executor) toResult(req Request, b Backend, out Outcome, err error) Result {
	if err != nil {
		msg := err.Error()
		if errors.Is(err, correlator.ErrNotConnected) {
			msg = e.notConnectedMessage(req.SessionID)
		}
		e.logger.Warnf("Action %s failed on %s: %v", req.Action, b, err)
		return Result{Backend: b, ErrorMessage: msg}
	}
	if !out.Success {
		msg := "action failed"
		if out.Error != nil {
			msg = out.Error.Error()
		}
		return Result{Backend: b, Data: out.Data, ErrorMessage: msg}
	}
	return Result{Succeeded: true, Backend: b, Data: out.Data}
}

func (e *Executor) notConnectedMessage(sessionID string) string {
	var ids []string
	if e.sessions != nil {
		for _, info := range e.sessions.ConnectedSessions() {
			ids = append(ids, info.ID)
		}
	}

	var b strings.Builder
	if sessionID != "" {
		fmt.Fprintf(&b, "session %s is not connected", sessionID)
	} else {
		b.WriteString("no browser session is connected")
	}
	if len(ids) == 0 {
		b.WriteString("; open the portal with the extension enabled")
	} else {
		fmt.Fprintf(&b, "; connected sessions: %s", strings.Join(ids, ", "))
	}
	return b.String()
}
