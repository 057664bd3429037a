// Package protocol defines the JSON envelopes exchanged with browser-side
// execution contexts over the websocket transport.
//
// Every frame carries exactly one envelope. The "type" field discriminates
// between four kinds:
//
//	{ "id": "...", "type": "command",  "action": "...", "params": {...}, "sessionId": "..." }
//	{ "id": "...", "type": "response", "success": true, "data": ..., "sessionId": "..." }
//	{ "id": "...", "type": "error",    "success": false, "error": {"code": "...", "message": "..."} }
//	{ "id": "...", "type": "event",    "event": "...", "data": ... }
//
// Commands, responses and errors are correlated by id. Events are
// fire-and-forget and never match a pending command.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates envelope variants.
type Kind string

const (
	KindCommand  Kind = "command"
	KindResponse Kind = "response"
	KindError    Kind = "error"
	KindEvent    Kind = "event"
)

// Well-known event names sent by the extension.
const (
	EventLoginDetected  = "login_detected"
	EventLogoutDetected = "logout_detected"
	EventPageChanged    = "page_changed"
	EventPageLoaded     = "page_loaded"
	EventDOMMutation    = "dom_mutation"
)

// EventSessionAssigned is sent by the server right after the handshake so
// the extension learns the id it is bound to.
const EventSessionAssigned = "session_assigned"

// ErrMalformedMessage is returned by Decode for payloads that cannot be
// attributed to any envelope variant.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Message is implemented by Command, Response and Event only.
type Message interface {
	Kind() Kind
	MessageID() string
	isMessage()
}

// Command asks the remote context to run one action.
type Command struct {
	ID        string
	Action    string
	Params    map[string]any
	SessionID string
}

func (Command) Kind() Kind { return KindCommand }
func (c Command) MessageID() string { return c.ID }
func (Command) isMessage() {}

// ErrorInfo is the structured failure carried by error responses.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorInfo builds an ErrorInfo.
func NewErrorInfo(code, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, Message: message}
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Response settles the command with the same ID. Its kind is either
// KindResponse or KindError.
type Response struct {
	ID        string
	Type      Kind
	Success   bool
	Data      json.RawMessage
	Error     *ErrorInfo
	SessionID string
}

func (r Response) Kind() Kind {
	if r.Type == KindError {
		return KindError
	}
	return KindResponse
}
func (r Response) MessageID() string { return r.ID }
func (Response) isMessage() {}

// Event reports an out-of-band state change in the remote context.
type Event struct {
	ID   string
	Name string
	Data json.RawMessage
}

func (Event) Kind() Kind { return KindEvent }
func (e Event) MessageID() string { return e.ID }
func (Event) isMessage() {}

// wireEnvelope is the flat JSON shape shared by all variants.
type wireEnvelope struct {
	ID        string          `json:"id"`
	Type      Kind            `json:"type"`
	Action    string          `json:"action,omitempty"`
	Params    map[string]any  `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
}

// Encode serializes a message into one JSON frame.
func Encode(msg Message) ([]byte, error) {
	var env wireEnvelope
	switch m := msg.(type) {
	case Command:
		params := m.Params
		if params == nil {
			params = map[string]any{}
		}
		env = wireEnvelope{ID: m.ID, Type: KindCommand, Action: m.Action, Params: params, SessionID: m.SessionID}
	case Response:
		success := m.Success
		env = wireEnvelope{ID: m.ID, Type: m.Kind(), Success: &success, Data: m.Data, Error: m.Error, SessionID: m.SessionID}
	case Event:
		env = wireEnvelope{ID: m.ID, Type: KindEvent, Event: m.Name, Data: m.Data}
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", msg)
	}
	return json.Marshal(env)
}

// Decode parses one frame into its envelope variant.
func Decode(data []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case KindCommand:
		if strings.TrimSpace(env.ID) == "" {
			return nil, fmt.Errorf("%w: command missing id", ErrMalformedMessage)
		}
		if strings.TrimSpace(env.Action) == "" {
			return nil, fmt.Errorf("%w: command missing action", ErrMalformedMessage)
		}
		params := env.Params
		if params == nil {
			params = map[string]any{}
		}
		return Command{ID: env.ID, Action: env.Action, Params: params, SessionID: env.SessionID}, nil

	case KindResponse, KindError:
		if strings.TrimSpace(env.ID) == "" {
			return nil, fmt.Errorf("%w: %s missing id", ErrMalformedMessage, env.Type)
		}
		resp := Response{
			ID:        env.ID,
			Type:      env.Type,
			Data:      env.Data,
			Error:     env.Error,
			SessionID: env.SessionID,
		}
		if env.Success != nil {
			resp.Success = *env.Success
		} else {
			resp.Success = env.Type == KindResponse && env.Error == nil
		}
		if env.Type == KindError {
			resp.Success = false
			if resp.Error == nil {
				resp.Error = NewErrorInfo("remote_error", "remote reported an error without details")
			}
		}
		return resp, nil

	case KindEvent:
		if strings.TrimSpace(env.Event) == "" {
			return nil, fmt.Errorf("%w: event missing name", ErrMalformedMessage)
		}
		return Event{ID: env.ID, Name: env.Event, Data: env.Data}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}
