package driver

import (
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// page is the subset of playwright.Page the driver uses.
type page interface {
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
	Click(selector string, options ...playwright.PageClickOptions) error
	Fill(selector, value string, options ...playwright.PageFillOptions) error
	WaitForSelector(selector string, options ...playwright.PageWaitForSelectorOptions) (playwright.ElementHandle, error)
	WaitForLoadState(options ...playwright.PageWaitForLoadStateOptions) error
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
	Screenshot(options ...playwright.PageScreenshotOptions) ([]byte, error)
	Title() (string, error)
	URL() string
	Close(options ...playwright.PageCloseOptions) error
}

// Session is one server-side browser with a single page.
type Session struct {
	Name      string
	Headless  bool
	CreatedAt time.Time

	// mu serializes actions on the page.
	mu      sync.Mutex
	page    page
	browser playwright.Browser
	context playwright.BrowserContext

	// state guards the fields below. It is never held across a page call,
	// so listing and idle checks do not wait for a running action.
	state      sync.Mutex
	lastUsedAt time.Time
	currentURL string
	inflight   int
}

// SessionInfo is a snapshot of a driver session.
type SessionInfo struct {
	Name       string    `json:"name"`
	CurrentURL string    `json:"currentUrl"`
	Headless   bool      `json:"headless"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Busy       bool      `json:"busy"`
}

func (s *Session) info() SessionInfo {
	s.state.Lock()
	defer s.state.Unlock()
	return SessionInfo{
		Name:       s.Name,
		CurrentURL: s.currentURL,
		Headless:   s.Headless,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.lastUsedAt,
		Busy:       s.inflight > 0,
	}
}

func (s *Session) touch(now time.Time) {
	s.state.Lock()
	defer s.state.Unlock()
	s.touchLocked(now)
}

func (s *Session) touchLocked(now time.Time) {
	if now.After(s.lastUsedAt) {
		s.lastUsedAt = now
	}
}

func (s *Session) setURL(url string) {
	s.state.Lock()
	defer s.state.Unlock()
	s.currentURL = url
}

// begin marks the session in use so the idle sweep leaves it alone until
// the matching end.
func (s *Session) begin(now time.Time) {
	s.state.Lock()
	defer s.state.Unlock()
	s.inflight++
	s.touchLocked(now)
}

func (s *Session) end(now time.Time) {
	s.state.Lock()
	defer s.state.Unlock()
	s.inflight--
	s.touchLocked(now)
}

// idle reports whether nobody holds the session and it was last used more
// than timeout before now.
func (s *Session) idle(now time.Time, timeout time.Duration) bool {
	s.state.Lock()
	defer s.state.Unlock()
	return s.inflight == 0 && now.Sub(s.lastUsedAt) > timeout
}

// close releases the page, context and browser, returning the first error.
func (s *Session) close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.page != nil {
		keep(s.page.Close())
	}
	if s.context != nil {
		keep(s.context.Close())
	}
	if s.browser != nil {
		keep(s.browser.Close())
	}
	return first
}
