package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/seibridge/pkg/correlator"
	"github.com/entrhq/seibridge/pkg/events"
	"github.com/entrhq/seibridge/pkg/protocol"
	"github.com/entrhq/seibridge/pkg/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv      *Server
	http     *httptest.Server
	registry *session.Registry
	corr     *correlator.Correlator
	bus      *events.Bus
}

func newHarness(t *testing.T, opts Options, setup ...func(*Server)) *harness {
	t.Helper()
	registry := session.NewRegistry()
	corr := correlator.New(registry, correlator.WithTimeout(2*time.Second))
	bus := events.NewBus(16)
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = -1
	}
	srv := NewServer(opts, registry, corr, bus, nil)
	for _, fn := range setup {
		fn(srv)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})
	return &harness{srv: srv, http: ts, registry: registry, corr: corr, bus: bus}
}

// dial connects an extension client and consumes the session_assigned event.
func (h *harness) dial(t *testing.T, query string) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	evt, ok := readMessage(t, ws).(protocol.Event)
	require.True(t, ok, "first frame must be the session assignment")
	require.Equal(t, protocol.EventSessionAssigned, evt.Name)
	var body struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(evt.Data, &body))
	return ws, body.SessionID
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func writeMessage(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

type commandResult struct {
	res correlator.Result
	err error
}

func (h *harness) sendAsync(action, sessionID string) <-chan commandResult {
	done := make(chan commandResult, 1)
	go func() {
		res, err := h.srv.SendCommand(context.Background(), action, map[string]any{"numero": "0001234-56.2026"}, sessionID)
		done <- commandResult{res, err}
	}()
	return done
}

func await(t *testing.T, done <-chan commandResult) commandResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("command never settled")
		return commandResult{}
	}
}

func TestEndToEnd_SearchProcess(t *testing.T) {
	h := newHarness(t, Options{})
	ws, id := h.dial(t, "sessionId=sess_abc123&windowId=7")
	require.Equal(t, "sess_abc123", id)

	info, ok := h.registry.Session("sess_abc123")
	require.True(t, ok)
	require.NotNil(t, info.WindowID)
	assert.Equal(t, 7, *info.WindowID)

	done := h.sendAsync("sei_search_process", "sess_abc123")

	cmd, ok := readMessage(t, ws).(protocol.Command)
	require.True(t, ok)
	assert.Equal(t, "sei_search_process", cmd.Action)
	assert.Equal(t, "sess_abc123", cmd.SessionID)
	assert.Equal(t, "0001234-56.2026", cmd.Params["numero"])

	writeMessage(t, ws, protocol.Response{
		ID:      cmd.ID,
		Success: true,
		Data:    json.RawMessage(`{"found":true}`),
	})

	got := await(t, done)
	require.NoError(t, got.err)
	assert.True(t, got.res.Success)
	assert.JSONEq(t, `{"found":true}`, string(got.res.Data))
	assert.Equal(t, 0, h.corr.Pending())
}

func TestServerGeneratesSessionID(t *testing.T) {
	h := newHarness(t, Options{})
	_, id := h.dial(t, "")

	assert.True(t, strings.HasPrefix(id, "sess_"), id)
	assert.True(t, h.registry.IsConnected(id))
}

func TestHandshake_InvalidWindowID(t *testing.T) {
	h := newHarness(t, Options{})
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?windowId=abc"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionTakeover(t *testing.T) {
	h := newHarness(t, Options{})
	first, _ := h.dial(t, "sessionId=sess_x")

	pending := h.sendAsync("click", "sess_x")
	_, ok := readMessage(t, first).(protocol.Command)
	require.True(t, ok)

	second, _ := h.dial(t, "sessionId=sess_x")

	// The superseded socket is closed by the server and its command fails.
	got := await(t, pending)
	assert.ErrorIs(t, got.err, correlator.ErrConnectionClosed)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	assert.True(t, h.registry.IsConnected("sess_x"), "replacement stays bound")
	assert.Len(t, h.registry.ListSessions(), 1)

	done := h.sendAsync("click", "sess_x")
	cmd, ok := readMessage(t, second).(protocol.Command)
	require.True(t, ok)
	writeMessage(t, second, protocol.Response{ID: cmd.ID, Success: true})
	assert.NoError(t, await(t, done).err)
}

func TestConnectionClose_RejectsPending(t *testing.T) {
	h := newHarness(t, Options{})
	ws, _ := h.dial(t, "sessionId=sess_a")

	done := h.sendAsync("sei_open_document", "sess_a")
	_, ok := readMessage(t, ws).(protocol.Command)
	require.True(t, ok)

	require.NoError(t, ws.Close())

	got := await(t, done)
	assert.ErrorIs(t, got.err, correlator.ErrConnectionClosed)
	assert.Eventually(t, func() bool {
		info, ok := h.registry.Session("sess_a")
		return ok && info.Status == session.StatusDisconnected
	}, time.Second, 10*time.Millisecond, "record survives the disconnect")
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t, Options{})
	ws, _ := h.dial(t, "sessionId=sess_a")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"response"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"x","type":"mystery"}`)))
	writeMessage(t, ws, protocol.Response{ID: "cmd_0_404", Success: true})

	done := h.sendAsync("click", "sess_a")
	cmd, ok := readMessage(t, ws).(protocol.Command)
	require.True(t, ok)
	writeMessage(t, ws, protocol.Response{ID: cmd.ID, Success: true})

	assert.NoError(t, await(t, done).err)
	assert.True(t, h.registry.IsConnected("sess_a"))
}

func TestEventsUpdateSessionAndReachSubscribers(t *testing.T) {
	h := newHarness(t, Options{})
	deliveries, cancel := h.bus.Subscribe("sess_a")
	defer cancel()
	ws, _ := h.dial(t, "sessionId=sess_a")

	writeMessage(t, ws, protocol.Event{
		ID:   "evt_1",
		Name: protocol.EventLoginDetected,
		Data: json.RawMessage(`{"user":"maria.silva","url":"https://sei.example.gov.br/sei/controlador.php"}`),
	})

	select {
	case d := <-deliveries:
		assert.Equal(t, events.KindLogin, d.Kind)
		assert.Equal(t, "sess_a", d.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
	assert.Eventually(t, func() bool {
		info, _ := h.registry.Session("sess_a")
		return info.User == "maria.silva"
	}, time.Second, 10*time.Millisecond)

	writeMessage(t, ws, protocol.Event{ID: "evt_2", Name: protocol.EventLogoutDetected})
	assert.Eventually(t, func() bool {
		info, _ := h.registry.Session("sess_a")
		return info.User == ""
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.corr.Pending(), "events never settle commands")
}

func TestHeartbeat_PongRefreshesActivity(t *testing.T) {
	h := newHarness(t, Options{HeartbeatInterval: 20 * time.Millisecond})
	ws, id := h.dial(t, "")
	before, _ := h.registry.Session(id)

	// The default client ping handler answers pings while reading.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	assert.Eventually(t, func() bool {
		info, _ := h.registry.Session(id)
		return info.LastActivity.After(before.LastActivity)
	}, time.Second, 10*time.Millisecond)
	assert.True(t, h.registry.IsConnected(id))
}

func TestHeartbeat_MissedPongsClose(t *testing.T) {
	h := newHarness(t, Options{HeartbeatInterval: 15 * time.Millisecond, MaxMissedPongs: 2})
	_, id := h.dial(t, "")

	// The client never reads, so pings go unanswered.
	assert.Eventually(t, func() bool {
		return !h.registry.IsConnected(id)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStop_RejectsPendingAndIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	ws, _ := h.dial(t, "sessionId=sess_a")

	done := h.sendAsync("click", "sess_a")
	_, ok := readMessage(t, ws).(protocol.Command)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Stop(ctx))
	require.NoError(t, h.srv.Stop(ctx))

	assert.ErrorIs(t, await(t, done).err, correlator.ErrConnectionClosed)
	assert.False(t, h.registry.IsConnected(""))
	assert.Len(t, h.registry.ListSessions(), 1)
}

func TestStart_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	registry := session.NewRegistry()
	srv := NewServer(Options{Addr: taken.Addr().String()}, registry, correlator.New(registry), nil, nil)

	err = srv.Start(context.Background())
	assert.Error(t, err)
	assert.Nil(t, srv.Addr())
}

func TestStart_ServesOnEphemeralPort(t *testing.T) {
	registry := session.NewRegistry()
	srv := NewServer(Options{Addr: "127.0.0.1:0", HeartbeatInterval: -1}, registry, correlator.New(registry), nil, nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	require.NotNil(t, srv.Addr())
	resp, err := http.Get("http://" + srv.Addr().String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServe_StopsOnCancel(t *testing.T) {
	registry := session.NewRegistry()
	srv := NewServer(Options{Addr: "127.0.0.1:0", HeartbeatInterval: -1}, registry, correlator.New(registry), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	var serveErr error
	go func() {
		defer wg.Done()
		serveErr = srv.Serve(ctx)
	}()

	assert.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
	assert.NoError(t, serveErr)
}
