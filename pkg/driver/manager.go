package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/seibridge/pkg/execution"
	"github.com/entrhq/seibridge/pkg/logging"
	"github.com/playwright-community/playwright-go"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxSessions    = 4
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultActionTimeout  = 30 * time.Second
	DefaultViewportWidth  = 1366
	DefaultViewportHeight = 768
	DefaultSessionName    = "default"
)

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("driver: session not found")
	// ErrTooManySessions is returned when MaxSessions browsers are open.
	ErrTooManySessions = errors.New("driver: maximum number of sessions reached")
)

// Config configures the Playwright backend.
type Config struct {
	Enabled       bool
	Headless      bool
	MaxSessions   int
	IdleTimeout   time.Duration
	ActionTimeout time.Duration
}

// Manager owns the Playwright runtime and its browser sessions.
type Manager struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
	// launch opens a browser session; replaced in tests.
	launch func(name string) (*Session, error)

	mu          sync.RWMutex
	sessions    map[string]*Session
	pw          *playwright.Playwright
	initialized bool
}

// NewManager creates a manager. Playwright is not started until the first
// session is needed.
func NewManager(cfg Config, logger *logging.Logger) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	m.launch = m.launchChromium
	return m
}

// Initialize installs (if needed) and starts the Playwright driver.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked()
}

func (m *Manager) initializeLocked() error {
	if m.initialized {
		return nil
	}

	// Playwright output would interleave with the server's own logs.
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	m.pw = pw
	m.initialized = true
	m.logger.Infof("Playwright started")
	return nil
}

// launchChromium starts a browser, context and page. Called with m.mu held.
func (m *Manager) launchChromium(name string) (*Session, error) {
	if err := m.initializeLocked(); err != nil {
		return nil, err
	}

	headless := m.cfg.Headless
	browser, err := m.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		},
		Locale: playwright.String("pt-BR"),
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	pg, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	pg.SetDefaultTimeout(float64(m.cfg.ActionTimeout.Milliseconds()))

	return &Session{
		Name:       name,
		Headless:   headless,
		page:       pg,
		browser:    browser,
		context:    bctx,
		currentURL: "about:blank",
	}, nil
}

// StartSession opens a new named browser session.
func (m *Manager) StartSession(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[name]; exists {
		return nil, fmt.Errorf("driver: session %q already exists", name)
	}
	return m.startLocked(name)
}

func (m *Manager) startLocked(name string) (*Session, error) {
	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, m.cfg.MaxSessions)
	}
	sess, err := m.launch(name)
	if err != nil {
		return nil, err
	}
	now := m.now()
	sess.CreatedAt = now
	sess.touch(now)
	m.sessions[name] = sess
	m.logger.Infof("Started browser session %s", name)
	return sess, nil
}

// acquire returns the named session, starting it when absent. The session
// is pinned against the idle sweep; callers must call end when done.
func (m *Manager) acquire(name string) (*Session, error) {
	if sess, ok := m.pin(name); ok {
		return sess, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[name]; ok {
		sess.begin(m.now())
		return sess, nil
	}
	sess, err := m.startLocked(name)
	if err != nil {
		return nil, err
	}
	sess.begin(m.now())
	return sess, nil
}

// pin returns an existing session marked in use. It begins under m.mu so
// the sweep, which deletes under the write lock, cannot close it first.
func (m *Manager) pin(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[name]
	if ok {
		sess.begin(m.now())
	}
	return sess, ok
}

// CloseSession closes and forgets a session.
func (m *Manager) CloseSession(name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	if err := sess.close(); err != nil {
		m.logger.Warnf("Closing browser session %s: %v", name, err)
	}
	return nil
}

// ListSessions returns a snapshot of open sessions sorted by name.
func (m *Manager) ListSessions() []SessionInfo {
	infos := make([]SessionInfo, 0)
	for _, sess := range m.snapshot() {
		infos = append(infos, sess.info())
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// CleanupIdleSessions closes sessions unused for longer than the idle
// timeout and returns their names. Sessions with an action in flight are
// never idle.
func (m *Manager) CleanupIdleSessions() []string {
	now := m.now()

	var idle []*Session
	for _, sess := range m.snapshot() {
		if !sess.idle(now, m.cfg.IdleTimeout) {
			continue
		}
		m.mu.Lock()
		// Re-check under the write lock: the session may have been replaced
		// or pinned since the snapshot.
		if m.sessions[sess.Name] == sess && sess.idle(now, m.cfg.IdleTimeout) {
			delete(m.sessions, sess.Name)
			idle = append(idle, sess)
		}
		m.mu.Unlock()
	}

	names := make([]string, 0, len(idle))
	for _, sess := range idle {
		if err := sess.close(); err != nil {
			m.logger.Warnf("Closing idle browser session %s: %v", sess.Name, err)
		}
		names = append(names, sess.Name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		m.logger.Infof("Closed %d idle browser session(s)", len(names))
	}
	return names
}

// RunIdleCleanup closes idle sessions every interval until ctx is done.
func (m *Manager) RunIdleCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanupIdleSessions()
		}
	}
}

// Shutdown closes every session and stops Playwright.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, sess := range m.sessions {
		if err := sess.close(); err != nil {
			m.logger.Warnf("Closing browser session %s: %v", name, err)
		}
		delete(m.sessions, name)
	}

	if m.initialized && m.pw != nil {
		if err := m.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		m.initialized = false
		m.logger.Infof("Playwright stopped")
	}
	return nil
}

// Backend identifies the driver strategy.
func (m *Manager) Backend() execution.Backend { return execution.BackendDriver }

// Available reports whether the driver backend is enabled.
func (m *Manager) Available() bool { return m.cfg.Enabled }

// Execute runs req on the browser session named by req.SessionID.
func (m *Manager) Execute(ctx context.Context, req execution.Request) (execution.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return execution.Outcome{}, err
	}

	name := req.SessionID
	if name == "" {
		name = DefaultSessionName
	}
	if !Supports(req.Action) {
		return execution.Outcome{}, fmt.Errorf("%w: %w: %s", execution.ErrBackendUnavailable, ErrUnsupportedAction, req.Action)
	}
	sess, err := m.acquire(name)
	if err != nil {
		return execution.Outcome{}, fmt.Errorf("driver: %w: %v", execution.ErrBackendUnavailable, err)
	}
	defer func() { sess.end(m.now()) }()

	data, err := sess.run(req.Action, req.Params, m.now())
	if err != nil {
		m.logger.Debugf("Driver action %s on %s failed: %v", req.Action, name, err)
		return execution.Outcome{Success: false, Error: errorInfo(err)}, nil
	}
	return execution.Outcome{Success: true, Data: data}, nil
}

// WaitForStability waits for network idle on an existing session, bounded
// by max. Sessions that do not exist yet have nothing to wait for.
func (m *Manager) WaitForStability(ctx context.Context, sessionID string, _, max time.Duration) error {
	if sessionID == "" {
		sessionID = DefaultSessionName
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, ok := m.pin(sessionID)
	if !ok {
		return nil
	}
	defer func() { sess.end(m.now()) }()

	state := playwright.LoadState("networkidle")
	timeout := float64(max.Milliseconds())

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   &state,
		Timeout: &timeout,
	})
}
