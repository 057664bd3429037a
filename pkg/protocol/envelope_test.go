package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	raw, err := Encode(Command{
		ID:        "cmd_1",
		Action:    "sei_search_process",
		Params:    map[string]any{"query": "12345"},
		SessionID: "sess_abc123",
	})
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "cmd_1", wire["id"])
	assert.Equal(t, "command", wire["type"])
	assert.Equal(t, "sei_search_process", wire["action"])
	assert.Equal(t, "sess_abc123", wire["sessionId"])
	assert.Equal(t, map[string]any{"query": "12345"}, wire["params"])
}

func TestEncodeCommand_NilParamsBecomeEmptyObject(t *testing.T) {
	raw, err := Encode(Command{ID: "cmd_2", Action: "get_status"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"params":{}`)
}

func TestDecodeResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"id":"cmd_1","type":"response","success":true,"data":{"results":[]}}`))
	require.NoError(t, err)

	resp, ok := msg.(Response)
	require.True(t, ok, "expected Response, got %T", msg)
	assert.Equal(t, KindResponse, resp.Kind())
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"results":[]}`, string(resp.Data))
	assert.Nil(t, resp.Error)
}

func TestDecodeErrorResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"id":"cmd_9","type":"error","error":{"code":"ELEMENT_NOT_FOUND","message":"no #txtPesquisa"}}`))
	require.NoError(t, err)

	resp := msg.(Response)
	assert.Equal(t, KindError, resp.Kind())
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ELEMENT_NOT_FOUND: no #txtPesquisa", resp.Error.Error())
}

func TestDecodeErrorResponseWithoutDetails(t *testing.T) {
	msg, err := Decode([]byte(`{"id":"cmd_9","type":"error","success":true}`))
	require.NoError(t, err)

	resp := msg.(Response)
	assert.False(t, resp.Success, "error kind is never successful")
	require.NotNil(t, resp.Error)
	assert.Equal(t, "remote_error", resp.Error.Code)
}

func TestDecodeEvent(t *testing.T) {
	msg, err := Decode([]byte(`{"id":"evt_1","type":"event","event":"login_detected","data":{"user":"maria"}}`))
	require.NoError(t, err)

	evt, ok := msg.(Event)
	require.True(t, ok)
	assert.Equal(t, EventLoginDetected, evt.Name)
	assert.JSONEq(t, `{"user":"maria"}`, string(evt.Data))
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{{{`},
		{"missing type", `{"id":"x"}`},
		{"unknown type", `{"id":"x","type":"broadcast"}`},
		{"command without id", `{"type":"command","action":"a"}`},
		{"command without action", `{"id":"x","type":"command"}`},
		{"response without id", `{"type":"response","success":true}`},
		{"event without name", `{"id":"x","type":"event"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, ErrMalformedMessage), "got %v", err)
		})
	}
}

func TestResponseRoundTripPreservesError(t *testing.T) {
	in := Response{ID: "cmd_3", Type: KindError, Error: NewErrorInfo("TIMEOUT", "page did not load")}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	resp := out.(Response)
	assert.Equal(t, "cmd_3", resp.ID)
	assert.False(t, resp.Success)
	assert.Equal(t, in.Error, resp.Error)
}
