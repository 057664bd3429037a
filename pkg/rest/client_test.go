package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/entrhq/seibridge/pkg/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_Success(t *testing.T) {
	var gotPath string
	var gotBody requestBody
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"success":true,"data":{"processos":["0001234-56.2026"]}}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", time.Second, nil)
	out, err := c.Execute(context.Background(), execution.Request{
		Action:    "sei_search_process",
		Params:    map[string]any{"query": "licitação"},
		SessionID: "sess_abc123",
	})
	require.NoError(t, err)

	assert.Equal(t, "/sei_search_process", gotPath)
	assert.Equal(t, "licitação", gotBody.Params["query"])
	assert.Equal(t, "sess_abc123", gotBody.SessionID)
	assert.True(t, out.Success)
	assert.JSONEq(t, `{"processos":["0001234-56.2026"]}`, string(out.Data))
}

func TestExecute_RemoteFailureIsOutcome(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"reported failure", http.StatusOK, `{"success":false,"error":{"code":"not_found","message":"processo inexistente"}}`, "not_found"},
		{"client error without details", http.StatusBadRequest, `{"success":false}`, "http_400"},
		{"client error claiming success", http.StatusNotFound, `{"success":true}`, "http_404"},
		{"unreadable body", http.StatusOK, `<html>login</html>`, "http_200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			out, err := NewClient(ts.URL, time.Second, nil).Execute(context.Background(), execution.Request{Action: "sei_get_process"})
			require.NoError(t, err)
			assert.False(t, out.Success)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.wantCode, out.Error.Code)
		})
	}
}

func TestExecute_Unreachable(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := NewClient(ts.URL, time.Second, nil).Execute(context.Background(), execution.Request{Action: "x"})
		assert.ErrorIs(t, err, ErrUnreachable)
		assert.ErrorIs(t, err, execution.ErrBackendUnavailable)
	})

	t.Run("connection refused", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		_, err := NewClient(url, time.Second, nil).Execute(context.Background(), execution.Request{Action: "x"})
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("not configured", func(t *testing.T) {
		c := NewClient("", 0, nil)
		assert.False(t, c.Available())
		_, err := c.Execute(context.Background(), execution.Request{Action: "x"})
		assert.ErrorIs(t, err, ErrUnreachable)
	})
}

func TestExecute_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(ts.URL, time.Second, nil).Execute(ctx, execution.Request{Action: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrUnreachable)
}

func TestClientIsAStrategy(t *testing.T) {
	var s execution.Strategy = NewClient("http://gateway.local", 0, nil)
	assert.Equal(t, execution.BackendREST, s.Backend())
	assert.True(t, s.Available())
}
