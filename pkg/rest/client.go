// Package rest calls the portal's HTTP gateway directly. It is the last
// resort in the fallback order: no browser is involved, so only actions the
// gateway exposes can succeed.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/entrhq/seibridge/pkg/execution"
	"github.com/entrhq/seibridge/pkg/logging"
	"github.com/entrhq/seibridge/pkg/protocol"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodyBytes   = 8 << 20
)

// ErrUnreachable is returned when the gateway could not be reached or
// answered with a server error. It wraps execution.ErrBackendUnavailable so
// the fallback policy moves past this backend.
var ErrUnreachable = fmt.Errorf("rest: gateway unreachable: %w", execution.ErrBackendUnavailable)

// Client posts actions to {BaseURL}/{action}.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	logger  *logging.Logger
}

type requestBody struct {
	Params    map[string]any `json:"params,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

type responseBody struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data,omitempty"`
	Error   *protocol.ErrorInfo `json:"error,omitempty"`
}

// NewClient returns a client for baseURL. A zero timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *logging.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) Backend() execution.Backend { return execution.BackendREST }

// Available reports whether a gateway URL is configured.
func (c *Client) Available() bool { return c != nil && c.BaseURL != "" }

// Execute posts req and decodes the gateway's envelope. Transport failures
// and 5xx answers return ErrUnreachable; anything the gateway answered
// deliberately is an Outcome.
func (c *Client) Execute(ctx context.Context, req execution.Request) (execution.Outcome, error) {
	if !c.Available() {
		return execution.Outcome{}, fmt.Errorf("%w: no base URL configured", ErrUnreachable)
	}

	payload, err := json.Marshal(requestBody{Params: req.Params, SessionID: req.SessionID})
	if err != nil {
		return execution.Outcome{}, fmt.Errorf("rest: failed to encode params: %w", err)
	}

	endpoint := c.BaseURL + "/" + url.PathEscape(req.Action)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return execution.Outcome{}, fmt.Errorf("rest: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return execution.Outcome{}, ctx.Err()
		}
		return execution.Outcome{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return execution.Outcome{}, fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return execution.Outcome{}, fmt.Errorf("%w: http %d", ErrUnreachable, resp.StatusCode)
	}

	var decoded responseBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.logger.Warnf("Gateway returned non-JSON body for %s (http %d)", req.Action, resp.StatusCode)
		return execution.Outcome{
			Success: false,
			Error:   protocol.NewErrorInfo(fmt.Sprintf("http_%d", resp.StatusCode), "gateway returned an unreadable response"),
		}, nil
	}

	if resp.StatusCode >= http.StatusBadRequest && decoded.Success {
		decoded.Success = false
	}
	if !decoded.Success && decoded.Error == nil {
		decoded.Error = protocol.NewErrorInfo(fmt.Sprintf("http_%d", resp.StatusCode), "gateway reported a failure without details")
	}
	return execution.Outcome{Success: decoded.Success, Data: decoded.Data, Error: decoded.Error}, nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
