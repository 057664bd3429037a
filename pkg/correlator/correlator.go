// Package correlator pairs outbound commands with their asynchronous
// responses.
//
// Every command gets a fresh correlation id and a pending entry. The entry
// settles exactly once: by a matching response, by its timeout, by the
// connection that carried it closing, or by the caller's context. Whichever
// path runs first removes the entry and stops its timer under the correlator
// mutex, so later paths find nothing to settle.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/seibridge/pkg/logging"
	"github.com/entrhq/seibridge/pkg/protocol"
	"github.com/entrhq/seibridge/pkg/session"
)

// DefaultTimeout bounds how long a command waits for its response.
const DefaultTimeout = 30 * time.Second

// Sender is a connection able to transmit an encoded envelope.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Resolver looks up the connection a command should travel over.
// *session.Registry satisfies it.
type Resolver interface {
	Connection(id string) (session.Conn, bool)
	DefaultConnection() (string, session.Conn, bool)
}

// Result is the settled outcome of a command as reported by the remote side.
type Result struct {
	Success bool
	Data    json.RawMessage
	Error   *protocol.ErrorInfo
}

type outcome struct {
	result Result
	err    error
}

// pending tracks a command that is waiting for its response.
type pending struct {
	id     string
	action string
	// sessionID is the session the command was transmitted to, after default
	// resolution.
	sessionID string
	conn      session.Conn
	timer     *time.Timer
	result    chan outcome
}

// Correlator owns the pending command table.
type Correlator struct {
	resolver Resolver
	timeout  time.Duration
	now      func() time.Time
	logger   *logging.Logger

	mu      sync.Mutex
	pending map[string]*pending
	counter atomic.Uint64
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout sets the per-command response window.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the correlator logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source used to salt correlation ids.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Correlator routing commands through resolver.
func New(resolver Resolver, opts ...Option) *Correlator {
	c := &Correlator{
		resolver: resolver,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   logging.Discard(),
		pending:  make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the configured response window.
func (c *Correlator) Timeout() time.Duration {
	return c.timeout
}

// Send transmits action to sessionID (or the default session when empty) and
// blocks until the command settles.
//
// A remote failure is not a Go error: it comes back as a Result with Success
// false and Error set. The returned error is one of ErrNotConnected,
// ErrTimeout, ErrConnectionClosed (all wrapped with context) or the
// context's error.
func (c *Correlator) Send(ctx context.Context, action string, params map[string]any, sessionID string) (Result, error) {
	resolvedID, conn, err := c.resolve(sessionID)
	if err != nil {
		return Result{}, err
	}
	sender, ok := conn.(Sender)
	if !ok {
		return Result{}, fmt.Errorf("%w: session %s cannot transmit commands", ErrNotConnected, resolvedID)
	}

	id := c.nextID()
	payload, err := protocol.Encode(protocol.Command{
		ID:        id,
		Action:    action,
		Params:    params,
		SessionID: resolvedID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("correlator: encode %s: %w", action, err)
	}

	p := &pending{
		id:        id,
		action:    action,
		sessionID: resolvedID,
		conn:      conn,
		result:    make(chan outcome, 1),
	}

	// The entry is visible before the first byte leaves, so a fast response
	// always finds it.
	c.mu.Lock()
	c.pending[id] = p
	timeout := c.timeout
	p.timer = time.AfterFunc(timeout, func() {
		if c.settle(id, outcome{err: fmt.Errorf("%w: %s after %s", ErrTimeout, action, timeout)}) {
			c.logger.Warnf("Command %s (%s) timed out after %s", id, action, timeout)
		}
	})
	c.mu.Unlock()

	c.logger.Debugf("Sending command %s (%s) to session %s", id, action, resolvedID)
	if err := sender.Send(ctx, payload); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.settle(id, outcome{err: err})
		} else {
			c.settle(id, outcome{err: fmt.Errorf("%w: send %s: %v", ErrConnectionClosed, action, err)})
		}
	}

	select {
	case o := <-p.result:
		return o.result, o.err
	case <-ctx.Done():
		c.settle(id, outcome{err: ctx.Err()})
		// Exactly one settlement was delivered, ours or one that raced it.
		o := <-p.result
		return o.result, o.err
	}
}

// Deliver settles the pending command matching resp.ID. Unknown ids are
// logged and reported as ErrUnsolicitedResponse; nothing else changes.
func (c *Correlator) Deliver(resp protocol.Response) error {
	o := outcome{result: Result{
		Success: resp.Success,
		Data:    resp.Data,
		Error:   resp.Error,
	}}
	if !c.settle(resp.ID, o) {
		c.logger.Warnf("Dropping response for unknown command id %q", resp.ID)
		return fmt.Errorf("%w: %s", ErrUnsolicitedResponse, resp.ID)
	}
	c.logger.Debugf("Settled command %s (success=%t)", resp.ID, resp.Success)
	return nil
}

// RejectSession fails every pending command that was sent to sessionID. A
// command sent without an explicit session is bound to the default session it
// was routed to. It returns how many were rejected.
func (c *Correlator) RejectSession(sessionID string, cause error) int {
	return c.rejectWhere(cause, func(p *pending) bool {
		return p.sessionID == sessionID
	})
}

// RejectConnection fails every pending command transmitted over conn.
func (c *Correlator) RejectConnection(conn session.Conn, cause error) int {
	return c.rejectWhere(cause, func(p *pending) bool {
		return p.conn == conn
	})
}

// RejectAll fails every pending command.
func (c *Correlator) RejectAll(cause error) int {
	return c.rejectWhere(cause, func(*pending) bool { return true })
}

// DefaultSession reports the session a command without an explicit target
// would be routed to.
func (c *Correlator) DefaultSession() (string, bool) {
	if c.resolver == nil {
		return "", false
	}
	id, _, ok := c.resolver.DefaultConnection()
	return id, ok
}

// Pending returns the number of outstanding commands.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) resolve(sessionID string) (string, session.Conn, error) {
	if c.resolver == nil {
		return "", nil, fmt.Errorf("%w: no session resolver", ErrNotConnected)
	}
	if sessionID == "" {
		id, conn, ok := c.resolver.DefaultConnection()
		if !ok {
			return "", nil, fmt.Errorf("%w: no connected session", ErrNotConnected)
		}
		return id, conn, nil
	}
	conn, ok := c.resolver.Connection(sessionID)
	if !ok || !conn.IsOpen() {
		return "", nil, fmt.Errorf("%w: session %s", ErrNotConnected, sessionID)
	}
	return sessionID, conn, nil
}

func (c *Correlator) nextID() string {
	return fmt.Sprintf("cmd_%d_%d", c.now().UnixMilli(), c.counter.Add(1))
}

// settle removes id from the table and delivers o. It reports false when
// the id was already settled or never existed.
func (c *Correlator) settle(id string, o outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	p.timer.Stop()
	c.mu.Unlock()

	p.result <- o
	return true
}

func (c *Correlator) rejectWhere(cause error, match func(*pending) bool) int {
	if cause == nil {
		cause = ErrConnectionClosed
	}

	c.mu.Lock()
	var victims []*pending
	for id, p := range c.pending {
		if !match(p) {
			continue
		}
		delete(c.pending, id)
		p.timer.Stop()
		victims = append(victims, p)
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.result <- outcome{err: fmt.Errorf("%w: %s", cause, p.action)}
	}
	if len(victims) > 0 {
		c.logger.Infof("Rejected %d pending command(s): %v", len(victims), cause)
	}
	return len(victims)
}
