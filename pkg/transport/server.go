// Package transport accepts extension websocket connections, binds them to
// sessions and carries commands, responses and events over them.
//
// The HTTP surface also exposes health, the session list and, when an
// executor is attached, a JSON endpoint that runs actions through it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/entrhq/seibridge/pkg/correlator"
	"github.com/entrhq/seibridge/pkg/events"
	"github.com/entrhq/seibridge/pkg/execution"
	"github.com/entrhq/seibridge/pkg/logging"
	"github.com/entrhq/seibridge/pkg/protocol"
	"github.com/entrhq/seibridge/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Defaults used when Options leave a field zero.
const (
	DefaultAddr              = "127.0.0.1:8765"
	DefaultReadLimit         = 8 << 20
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Options configures the server.
type Options struct {
	Addr              string
	ReadLimit         int64
	WriteTimeout      time.Duration
	// HeartbeatInterval is the ping period. Negative disables pings.
	HeartbeatInterval time.Duration
	// MaxMissedPongs closes a connection after that many unanswered pings.
	// Zero keeps the heartbeat advisory.
	MaxMissedPongs    int
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return o
}

// Executor runs actions for the /execute endpoint.
type Executor interface {
	Run(ctx context.Context, req execution.Request) execution.Result
}

// Server is the extension-facing endpoint.
type Server struct {
	opts       Options
	registry   *session.Registry
	correlator *correlator.Correlator
	bus        *events.Bus
	executor   Executor
	logger     *logging.Logger
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	conns    map[*Connection]struct{}
	stopped  bool
	listener net.Listener
	httpSrv  *http.Server

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
	serveErr chan error
}

// NewServer creates a server. bus may be nil when nothing consumes events.
func NewServer(opts Options, registry *session.Registry, corr *correlator.Correlator, bus *events.Bus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		opts:       opts.withDefaults(),
		registry:   registry,
		correlator: corr,
		bus:        bus,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The extension connects from a chrome-extension:// origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:    make(map[*Connection]struct{}),
		done:     make(chan struct{}),
		serveErr: make(chan error, 1),
	}
}

// SetExecutor mounts POST /execute. Call it before Start or Handler.
func (s *Server) SetExecutor(e Executor) {
	s.executor = e
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleCloseSession)
	})
	if s.executor != nil {
		r.Post("/execute", s.handleExecute)
	}
	return r
}

// Start binds the listening socket and serves in the background. It
// returns once the socket is bound.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.opts.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server stopped: %v", err)
			s.serveErr <- err
		}
	}()
	s.logger.Infof("Listening for extension connections on %s", ln.Addr())
	return nil
}

// Serve runs the server until ctx is cancelled or serving fails, then stops
// it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-s.serveErr:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop rejects every pending command, closes every connection and shuts the
// HTTP server down. Further calls return the first call's result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		conns := make([]*Connection, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		srv := s.httpSrv
		s.mu.Unlock()

		close(s.done)
		if s.correlator != nil {
			s.correlator.RejectAll(correlator.ErrConnectionClosed)
		}
		for _, c := range conns {
			_ = c.Close()
		}
		s.registry.CloseAll()

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				s.stopErr = fmt.Errorf("transport: shutdown: %w", err)
			}
		}

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			if s.stopErr == nil {
				s.stopErr = fmt.Errorf("transport: waiting for connections: %w", ctx.Err())
			}
		}
		s.logger.Infof("Transport stopped (%d connection(s) closed)", len(conns))
	})
	return s.stopErr
}

// SendCommand sends action to sessionID (or the default session) and waits
// for its response.
func (s *Server) SendCommand(ctx context.Context, action string, params map[string]any, sessionID string) (correlator.Result, error) {
	return s.correlator.Send(ctx, action, params, sessionID)
}

// Registry exposes the session registry the server binds connections in.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

func (s *Server) accept(ws *websocket.Conn, sessionID string, windowID *int) {
	if sessionID == "" {
		sessionID = s.registry.CreateSession(windowID)
	}
	conn := newConnection(ws, sessionID, s.opts.WriteTimeout)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	if prev := s.registry.RegisterConnection(conn, sessionID, windowID); prev != nil {
		s.logger.Infof("Session %s taken over by a new connection, closing the previous one", sessionID)
		_ = prev.Close()
	}
	s.logger.Infof("Extension connected as session %s", sessionID)

	if err := s.sendSessionAssigned(conn); err != nil {
		s.logger.Warnf("Could not announce session id to %s: %v", sessionID, err)
	}

	go func() {
		defer s.wg.Done()
		s.runHeartbeat(conn)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(conn)
	}()
}

func (s *Server) sendSessionAssigned(conn *Connection) error {
	data, err := json.Marshal(map[string]string{"sessionId": conn.SessionID()})
	if err != nil {
		return err
	}
	payload, err := protocol.Encode(protocol.Event{
		ID:   "evt_" + uuid.NewString(),
		Name: protocol.EventSessionAssigned,
		Data: data,
	})
	if err != nil {
		return err
	}
	return conn.Send(context.Background(), payload)
}

func (s *Server) readLoop(conn *Connection) {
	defer s.release(conn)

	conn.ws.SetReadLimit(s.opts.ReadLimit)
	conn.ws.SetPongHandler(func(string) error {
		conn.pong()
		s.registry.UpdateActivity(conn.SessionID())
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if conn.IsOpen() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnf("Read error on session %s: %v", conn.SessionID(), err)
			}
			return
		}
		s.handleMessage(conn, data)
	}
}

// release runs once per connection after its read loop ends.
func (s *Server) release(conn *Connection) {
	_ = conn.Close()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	id := conn.SessionID()
	if s.registry.ReleaseConnection(id, conn) {
		n := s.rejectSession(id)
		s.logger.Infof("Session %s disconnected (%d pending command(s) rejected)", id, n)
		return
	}
	// Superseded or explicitly closed: only what this socket carried fails.
	if s.correlator != nil {
		n := s.correlator.RejectConnection(conn, correlator.ErrConnectionClosed)
		s.logger.Debugf("Stale connection for session %s closed (%d pending command(s) rejected)", id, n)
	}
}

func (s *Server) rejectSession(id string) int {
	if s.correlator == nil {
		return 0
	}
	return s.correlator.RejectSession(id, correlator.ErrConnectionClosed)
}

func (s *Server) handleMessage(conn *Connection, data []byte) {
	id := conn.SessionID()
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warnf("Dropping malformed message from session %s: %v", id, err)
		return
	}
	s.registry.UpdateActivity(id)

	switch m := msg.(type) {
	case protocol.Response:
		if s.correlator != nil {
			// Unknown ids are logged by the correlator and otherwise ignored.
			_ = s.correlator.Deliver(m)
		}
	case protocol.Event:
		s.handleEvent(id, m)
	case protocol.Command:
		s.logger.Warnf("Ignoring command %s (%s) sent by session %s", m.ID, m.Action, id)
	}
}

type eventPayload struct {
	User string `json:"user"`
	URL  string `json:"url"`
}

func (s *Server) handleEvent(id string, evt protocol.Event) {
	if s.bus != nil {
		s.bus.Publish(id, evt)
	}

	var payload eventPayload
	if len(evt.Data) > 0 {
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			s.logger.Debugf("Event %s from session %s carries non-object data: %v", evt.Name, id, err)
		}
	}

	switch events.Classify(evt.Name) {
	case events.KindLogin:
		s.registry.UpdateStatus(id, session.Update{User: payload.User, URL: payload.URL})
		s.logger.Infof("Login detected on session %s (user %q)", id, payload.User)
	case events.KindLogout:
		s.registry.UpdateStatus(id, session.Update{ClearUser: true, URL: payload.URL})
		s.logger.Infof("Logout detected on session %s", id)
	case events.KindNavigation:
		if payload.URL != "" {
			s.registry.UpdateStatus(id, session.Update{URL: payload.URL})
		}
	}
}
