// Package driver runs portal actions in a server-side Chromium through
// Playwright.
//
// It is the execution backend used when no extension session can take a
// request. Browser sessions are keyed by the request's session id (or
// "default"), started on first use and closed after an idle timeout.
//
// # Actions
//
//   - navigate: url, wait_until
//   - click: selector
//   - fill: selector, value
//   - wait_for: selector, state
//   - extract_content: selector, max_length
//   - evaluate: code
//   - screenshot: full_page
//   - get_metadata
package driver
