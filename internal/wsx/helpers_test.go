package wsx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wsbridge/wsbridge/internal/config"
)

// envelope mirrors the wire format for test assertions.
type envelope struct {
	Meta struct {
		CID       string         `json:"cid"`
		ID        string         `json:"id"`
		InReplyTo string         `json:"in_reply_to"`
		Status    any            `json:"status"`
		Reason    string         `json:"reason"`
		Token     string         `json:"token"`
		Timestamp string         `json:"timestamp"`
		Ctx       map[string]any `json:"ctx"`
	} `json:"meta"`
	Data any `json:"data"`
}

func (e envelope) statusOK() bool {
	s, _ := e.Meta.Status.(string)
	return s == "ok"
}

func (e envelope) statusCode() int {
	f, _ := e.Meta.Status.(float64)
	return int(f)
}

func testChannel(t *testing.T) *config.Channel {
	t.Helper()
	channel := &config.Channel{
		Name:                   "test",
		Address:                "ws://127.0.0.1:0/test",
		DataFormat:             "json",
		TokenTTL:               config.Duration(time.Hour),
		NewTokenWaitTime:       config.Duration(5 * time.Second),
		PingInterval:           config.Duration(time.Minute),
		PingsMissedThreshold:   2,
		InteractUpdateInterval: config.Duration(90 * time.Second),
	}
	require.NoError(t, channel.Normalize())
	return channel
}

func newTestServer(t *testing.T, channel *config.Channel, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(channel, opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
	})
	return srv, ts
}

func dialChannel(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendText(t *testing.T, ws *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(text)))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// openSession performs the create-session handshake and returns the token.
func openSession(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	sendText(t, ws, `{"meta": {"action": "create-session", "id": "sess-1", "username": "alice", "secret": "s3cret"}}`)

	env := readEnvelope(t, ws)
	require.True(t, env.statusOK(), "session response: %+v", env)
	require.Equal(t, "sess-1", env.Meta.InReplyTo)
	require.NotEmpty(t, env.Meta.Token)
	require.True(t, strings.HasPrefix(env.Meta.Token, "ws.token."))
	return env.Meta.Token
}

// expectClose drains frames until the peer closes with the given code.
func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
			return
		}
	}
}

// readPump forwards inbound envelopes so the test can keep the connection's
// control-frame machinery running while doing other things.
func readPump(ws *websocket.Conn) (<-chan envelope, <-chan error) {
	envCh := make(chan envelope, 16)
	errCh := make(chan error, 1)

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			envCh <- env
		}
	}()

	return envCh, errCh
}

func waitForClient(t *testing.T, srv *Server) *Connection {
	t.Helper()
	var conn *Connection
	require.Eventually(t, func() bool {
		clients := srv.Clients()
		if len(clients) == 1 {
			conn = clients[0]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return conn
}

// echoService answers invoke-service with the request payload and gives
// lifecycle calls fixed responses.
func echoService(_ context.Context, req *ServiceRequest, _, _ string, _, _ bool) (any, error) {
	if req.Service == ServiceClientCreate {
		return map[string]any{"ws_client_id": 123}, nil
	}
	return req.Payload, nil
}

// staticAuth accepts exactly one username/secret pair.
func staticAuth(username, secret string) AuthFunc {
	return func(_ string, _ string, creds Credentials, _ string, _ string, _ map[string]string, _ map[string]string) bool {
		return creds.Username == username && creds.Secret == secret
	}
}

func invokeServiceFrame(id, token string, data any) string {
	payload, _ := json.Marshal(data)
	return fmt.Sprintf(`{"meta": {"action": "invoke-service", "id": %q, "token": %q}, "data": %s}`, id, token, payload)
}
