package driver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/entrhq/seibridge/pkg/protocol"
	"github.com/playwright-community/playwright-go"
)

var (
	// ErrUnsupportedAction is returned for actions the driver does not know.
	ErrUnsupportedAction = errors.New("driver: unsupported action")
	// ErrInvalidParams is returned when a required parameter is missing or
	// has the wrong type.
	ErrInvalidParams = errors.New("driver: invalid params")
)

const defaultExtractLength = 20000

// Actions lists the action names the driver implements.
var Actions = []string{
	"navigate", "click", "fill", "wait_for",
	"extract_content", "evaluate", "screenshot", "get_metadata",
}

// Supports reports whether action is one the driver implements.
func Supports(action string) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}

// outerHTMLScript returns the outer HTML of the first match of a selector,
// or of the whole document when the selector is empty.
const outerHTMLScript = `(sel) => {
	const el = sel ? document.querySelector(sel) : document.documentElement;
	return el ? el.outerHTML : null;
}`

// run executes one action and returns its JSON result.
func (s *Session) run(action string, params map[string]any, now time.Time) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(now)

	var (
		result any
		err    error
	)
	switch action {
	case "navigate":
		result, err = s.navigate(params)
	case "click":
		result, err = s.click(params)
	case "fill":
		result, err = s.fill(params)
	case "wait_for":
		result, err = s.waitFor(params)
	case "extract_content":
		result, err = s.extractContent(params)
	case "evaluate":
		result, err = s.evaluate(params)
	case "screenshot":
		result, err = s.screenshot(params)
	case "get_metadata":
		result, err = s.metadata()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (s *Session) navigate(params map[string]any) (any, error) {
	url, err := stringParam(params, "url", true)
	if err != nil {
		return nil, err
	}
	opts := playwright.PageGotoOptions{}
	if raw, _ := stringParam(params, "wait_until", false); raw != "" {
		waitUntil := playwright.WaitUntilState(raw)
		opts.WaitUntil = &waitUntil
	}
	if _, err := s.page.Goto(url, opts); err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	return s.metadata()
}

func (s *Session) click(params map[string]any) (any, error) {
	selector, err := stringParam(params, "selector", true)
	if err != nil {
		return nil, err
	}
	if err := s.page.Click(selector); err != nil {
		return nil, fmt.Errorf("click failed: %w", err)
	}
	// A click may navigate.
	url := s.page.URL()
	s.setURL(url)
	return map[string]string{"url": url}, nil
}

func (s *Session) fill(params map[string]any) (any, error) {
	selector, err := stringParam(params, "selector", true)
	if err != nil {
		return nil, err
	}
	value, err := stringParam(params, "value", true)
	if err != nil {
		return nil, err
	}
	if err := s.page.Fill(selector, value); err != nil {
		return nil, fmt.Errorf("fill failed: %w", err)
	}
	return map[string]string{"selector": selector}, nil
}

func (s *Session) waitFor(params map[string]any) (any, error) {
	selector, err := stringParam(params, "selector", true)
	if err != nil {
		return nil, err
	}
	opts := playwright.PageWaitForSelectorOptions{}
	if raw, _ := stringParam(params, "state", false); raw != "" {
		state := playwright.WaitForSelectorState(raw)
		opts.State = &state
	}
	if _, err := s.page.WaitForSelector(selector, opts); err != nil {
		return nil, fmt.Errorf("wait failed: %w", err)
	}
	return map[string]string{"selector": selector}, nil
}

func (s *Session) extractContent(params map[string]any) (any, error) {
	selector, _ := stringParam(params, "selector", false)
	maxLength, err := intParam(params, "max_length", defaultExtractLength)
	if err != nil {
		return nil, err
	}

	raw, err := s.page.Evaluate(outerHTMLScript, selector)
	if err != nil {
		return nil, fmt.Errorf("content extraction failed: %w", err)
	}
	markup, ok := raw.(string)
	if !ok {
		if selector != "" {
			return nil, fmt.Errorf("no element matches selector %q", selector)
		}
		return nil, errors.New("page returned no content")
	}

	content, err := ExtractPage(markup, maxLength)
	if err != nil {
		return nil, err
	}
	content.URL = s.page.URL()
	return content, nil
}

func (s *Session) evaluate(params map[string]any) (any, error) {
	code, err := stringParam(params, "code", true)
	if err != nil {
		return nil, err
	}
	result, err := s.page.Evaluate(code)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return map[string]any{"result": result}, nil
}

func (s *Session) screenshot(params map[string]any) (any, error) {
	fullPage := boolParam(params, "full_page")
	png, err := s.page.Screenshot(playwright.PageScreenshotOptions{FullPage: &fullPage})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return map[string]string{
		"screenshot": base64.StdEncoding.EncodeToString(png),
		"mimeType":   "image/png",
	}, nil
}

func (s *Session) metadata() (any, error) {
	title, err := s.page.Title()
	if err != nil {
		title = ""
	}
	url := s.page.URL()
	s.setURL(url)
	return map[string]string{"title": title, "url": url}, nil
}

func stringParam(params map[string]any, key string, required bool) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
		}
		return "", nil
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidParams, key)
	}
	str = strings.TrimSpace(str)
	if str == "" && required {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
	}
	return str, nil
}

// intParam accepts JSON numbers and numeric strings.
func intParam(params map[string]any, key string, def int) (int, error) {
	switch v := params[key].(type) {
	case nil:
		return def, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParams, key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParams, key)
	}
}

func boolParam(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// errorInfo maps an action error onto a wire error code.
func errorInfo(err error) *protocol.ErrorInfo {
	switch {
	case errors.Is(err, ErrInvalidParams):
		return protocol.NewErrorInfo("invalid_params", err.Error())
	default:
		return protocol.NewErrorInfo("action_failed", err.Error())
	}
}
