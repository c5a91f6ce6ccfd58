package websocket

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskportal-realtime/auth"
	"taskportal-realtime/domain"
	"taskportal-realtime/hub"
	"taskportal-realtime/protocol"
)

const readTimeout = 2 * time.Second

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testClient struct {
	t     *testing.T
	ws    *websocket.Conn
	id    string
	pings int
}

func newTestServer(t *testing.T, opts ...ServerOption) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(hub.WithLogger(quiet), hub.WithStrictInvariants(true))
	handler := protocol.NewHandler(h, quiet)
	srv := httptest.NewServer(NewServer(h, handler, append([]ServerOption{WithServerLogger(quiet)}, opts...)...))
	t.Cleanup(func() {
		h.CloseAll()
		srv.Close()
	})
	return h, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func dial(t *testing.T, url string, header http.Header) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	c := &testClient{t: t, ws: ws}
	hello := c.read()
	require.Equal(t, domain.EventConnect, hello.Event)
	var payload struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(hello.Data, &payload))
	require.NotEmpty(t, payload.ID)
	c.id = payload.ID
	return c
}

func (c *testClient) emit(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := domain.EncodeFrame(event, raw)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, frame))
}

func (c *testClient) read() domain.Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var f domain.Frame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

// sync round-trips a ping so every frame sent before it has been handled.
func (c *testClient) sync() {
	c.t.Helper()
	c.pings++
	c.emit(domain.EventPing, c.pings)
	f := c.read()
	require.Equal(c.t, domain.EventPong, f.Event)
	require.JSONEq(c.t, fmt.Sprint(c.pings), string(f.Data))
}

// expectSilence must be the client's last read: gorilla connections cannot
// be read again after a deadline expires.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(d)))
	_, data, err := c.ws.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", data)
}

func (c *testClient) join(room string) {
	c.t.Helper()
	c.emit(domain.EventJoinRoom, room)
	c.sync()
}

func (c *testClient) say(room, message string) {
	c.t.Helper()
	c.emit(domain.EventSendMessage, domain.Envelope{
		RoomID:    room,
		Author:    &domain.Author{Name: "user-" + c.id[:8], ID: c.id},
		Message:   message,
		Timestamp: "2025-01-02T03:04:05.000Z",
	})
}

func (c *testClient) expectMessage(message string) domain.Envelope {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, domain.EventReceiveMessage, f.Event)
	var env domain.Envelope
	require.NoError(c.t, json.Unmarshal(f.Data, &env))
	assert.Equal(c.t, message, env.Message)
	return env
}

func TestServer_FanOut(t *testing.T) {
	h, srv := newTestServer(t)
	a := dial(t, wsURL(srv, ""), nil)
	b := dial(t, wsURL(srv, ""), nil)
	c := dial(t, wsURL(srv, ""), nil)
	for _, cl := range []*testClient{a, b, c} {
		cl.join("P1")
	}
	require.Len(t, h.MembersOf("P1"), 3)

	a.say("P1", "hi")

	env := b.expectMessage("hi")
	assert.Equal(t, "P1", env.RoomID)
	assert.Equal(t, a.id, env.Author.ID)
	assert.Equal(t, "2025-01-02T03:04:05.000Z", env.Timestamp)
	c.expectMessage("hi")
	a.expectSilence(200 * time.Millisecond)
}

func TestServer_DisconnectedMemberSkipped(t *testing.T) {
	h, srv := newTestServer(t)
	a := dial(t, wsURL(srv, ""), nil)
	b := dial(t, wsURL(srv, ""), nil)
	c := dial(t, wsURL(srv, ""), nil)
	for _, cl := range []*testClient{a, b, c} {
		cl.join("P1")
	}

	require.NoError(t, b.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool {
		return len(h.MembersOf("P1")) == 2
	}, readTimeout, 10*time.Millisecond)
	assert.NotContains(t, h.MembersOf("P1"), b.id)

	a.say("P1", "still here?")

	c.expectMessage("still here?")
	_, clients := h.Stats()
	assert.Equal(t, 2, clients)
}

func TestServer_RoomIsolation(t *testing.T) {
	_, srv := newTestServer(t)
	a := dial(t, wsURL(srv, ""), nil)
	b := dial(t, wsURL(srv, ""), nil)
	a.join("P1")
	b.join("P2")

	a.say("P1", "hi")

	b.expectSilence(200 * time.Millisecond)
}

func TestServer_MalformedInputKeepsConnection(t *testing.T) {
	h, srv := newTestServer(t)
	a := dial(t, wsURL(srv, ""), nil)
	b := dial(t, wsURL(srv, ""), nil)
	a.join("P1")
	b.join("P1")

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	a.emit(domain.EventJoinRoom, "")
	a.emit(domain.EventSendMessage, map[string]any{"projectId": "P1", "message": "no author"})
	a.say("P1", "  ")
	a.say("nobody-here", "hello?")
	a.sync()

	assert.Equal(t, []string{"P1"}, h.Rooms())
	a.say("P1", "valid")
	b.expectMessage("valid")
}

func TestServer_LeaveRoom(t *testing.T) {
	h, srv := newTestServer(t)
	a := dial(t, wsURL(srv, ""), nil)
	b := dial(t, wsURL(srv, ""), nil)
	a.join("P1")
	b.join("P1")

	b.emit(domain.EventLeaveRoom, "P1")
	b.sync()
	assert.Equal(t, []string{a.id}, h.MembersOf("P1"))

	a.say("P1", "anyone?")
	b.expectSilence(200 * time.Millisecond)
}

func TestServer_Shutdown(t *testing.T) {
	h, srv := newTestServer(t)
	a := dial(t, wsURL(srv, ""), nil)
	a.join("P1")

	h.CloseAll()

	require.NoError(t, a.ws.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := a.ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool {
		rooms, clients := h.Stats()
		return rooms == 0 && clients == 0
	}, readTimeout, 10*time.Millisecond)
}

func TestServer_PingTimeout(t *testing.T) {
	settings := DefaultSettings()
	settings.PongWait = 200 * time.Millisecond
	h, srv := newTestServer(t, WithSettings(settings))

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer ws.Close()

	// The client never reads, so server pings go unanswered.
	assert.Eventually(t, func() bool {
		_, clients := h.Stats()
		return clients == 0
	}, readTimeout, 20*time.Millisecond)
}

func TestServer_Origin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		wantOK  bool
	}{
		{name: "listed origin", allowed: []string{"http://localhost:5173"}, origin: "http://localhost:5173", wantOK: true},
		{name: "unlisted origin", allowed: []string{"http://localhost:5173"}, origin: "http://evil.example", wantOK: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://anything.example", wantOK: true},
		{name: "no origin header", allowed: []string{"http://localhost:5173"}, origin: "", wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newTestServer(t, WithAllowedOrigins(tt.allowed))
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			ws, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
			if tt.wantOK {
				require.NoError(t, err)
				ws.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestServer_HandshakeToken(t *testing.T) {
	const secret = "portal-secret"
	h, srv := newTestServer(t, WithVerifier(auth.NewVerifier(secret)))

	claims := auth.Claims{
		ID: "64f0c0ffee",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("query token", func(t *testing.T) {
		c := dial(t, wsURL(srv, "?token="+token), nil)
		c.join("P1")
		assert.Contains(t, h.MembersOf("P1"), c.id)
	})

	t.Run("bearer header", func(t *testing.T) {
		dial(t, wsURL(srv, ""), http.Header{"Authorization": {"Bearer " + token}})
	})
}
