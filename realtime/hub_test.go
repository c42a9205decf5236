package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewsync/realtime/auth"
	"github.com/crewsync/realtime/internal/config"
)

// stubValidator maps tokens to identities without real JWT machinery
type stubValidator struct {
	users map[string]*auth.Identity
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (*auth.Identity, error) {
	if identity, ok := s.users[token]; ok {
		return identity, nil
	}
	return nil, auth.ErrInvalidToken
}

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		PingInterval:      25 * time.Second,
		WriteTimeout:      5 * time.Second,
		TypingTTL:         200 * time.Millisecond,
		SendBufferSize:    64,
		MaxMessageSize:    65536,
	}
}

// newTestServer builds a hub behind a live websocket endpoint with three
// known users
func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	hub, server, _ := newTestServerOpts(t, HubOptions{})
	return hub, server
}

func newTestServerOpts(t *testing.T, opts HubOptions) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	validator := &stubValidator{users: map[string]*auth.Identity{
		"token-alice": {UserID: "alice", Name: "Alice", Picture: "https://img/alice.png"},
		"token-bob":   {UserID: "bob", Name: "Bob"},
		"token-carol": {UserID: "carol", Name: "Carol"},
	}}

	hub := NewHub(testRealtimeConfig(), validator, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", hub.HandleWS)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return hub, server, cancel
}

func dialWS(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() {
		_ = ws.Close()
	})
	return ws
}

// readUntil reads frames until one matches the wanted kind, failing on
// timeout. Frames of other kinds are discarded.
func readUntil(t *testing.T, ws *websocket.Conn, kind EventKind) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", kind)

		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == kind {
			return env
		}
	}
}

// readNext reads exactly one frame; used where the next frame's kind
// itself is the assertion
func readNext(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func joinProject(t *testing.T, ws *websocket.Conn, projectID string) ActiveUsersPayload {
	t.Helper()
	sendEnvelope(t, ws, Envelope{Event: EventJoinProject, ProjectID: projectID})
	env := readUntil(t, ws, EventUsersActive)
	var snapshot ActiveUsersPayload
	require.NoError(t, json.Unmarshal(env.Payload, &snapshot))
	return snapshot
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, server := newTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=garbage"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Nil(t, ws)
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	_, server := newTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectedConfirmation(t *testing.T) {
	_, server := newTestServer(t)
	ws := dialWS(t, server, "token-alice")

	env := readUntil(t, ws, EventConnected)
	var payload ConnectedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "alice", payload.UserID)
	assert.NotEmpty(t, payload.SocketID)
	assert.False(t, payload.Timestamp.IsZero())
}

func TestPingPong(t *testing.T) {
	_, server := newTestServer(t)
	ws := dialWS(t, server, "token-alice")
	readUntil(t, ws, EventConnected)

	sendEnvelope(t, ws, Envelope{Event: EventPing})
	env := readUntil(t, ws, EventPong)

	var payload PongPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.False(t, payload.Timestamp.IsZero())
}

func TestRelayExcludesSender(t *testing.T) {
	_, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	bob := dialWS(t, server, "token-bob")
	readUntil(t, alice, EventConnected)
	readUntil(t, bob, EventConnected)

	joinProject(t, alice, "proj-1")
	joinProject(t, bob, "proj-1")
	// Alice sees Bob arrive; draining through users:count empties her queue
	readUntil(t, alice, EventUserJoined)
	readUntil(t, alice, EventUsersCount)

	body := json.RawMessage(`{"title":"Ship it","column":"doing"}`)
	sendEnvelope(t, alice, Envelope{Event: "task:create", ProjectID: "proj-1", Payload: body})

	env := readUntil(t, bob, EventKind("task:create"))
	assert.Equal(t, "proj-1", env.ProjectID)
	assert.JSONEq(t, string(body), string(env.Payload))

	// Alice must not get her own event back: a ping/pong round trip
	// proves nothing else was queued for her
	sendEnvelope(t, alice, Envelope{Event: EventPing})
	got := readNext(t, alice)
	assert.Equal(t, EventPong, got.Event)
}

func TestPresenceBroadcasts(t *testing.T) {
	_, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	readUntil(t, alice, EventConnected)
	snapshot := joinProject(t, alice, "proj-1")
	assert.Equal(t, 1, snapshot.Count)

	bob := dialWS(t, server, "token-bob")
	readUntil(t, bob, EventConnected)
	snapshot = joinProject(t, bob, "proj-1")
	assert.Equal(t, 2, snapshot.Count, "joiner receives the full snapshot")

	// Alice is told about Bob
	joined := readUntil(t, alice, EventUserJoined)
	var presence PresenceEventPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &presence))
	assert.Equal(t, "bob", presence.UserID)

	count := readUntil(t, alice, EventUsersCount)
	var countPayload CountPayload
	require.NoError(t, json.Unmarshal(count.Payload, &countPayload))
	assert.Equal(t, 2, countPayload.Count)

	// Bob leaves; Alice is told
	sendEnvelope(t, bob, Envelope{Event: EventLeaveProject, ProjectID: "proj-1"})
	left := readUntil(t, alice, EventUserLeft)
	require.NoError(t, json.Unmarshal(left.Payload, &presence))
	assert.Equal(t, "bob", presence.UserID)
}

func TestJoinIdempotence(t *testing.T) {
	hub, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	bob := dialWS(t, server, "token-bob")
	readUntil(t, alice, EventConnected)
	readUntil(t, bob, EventConnected)

	joinProject(t, alice, "proj-1")
	joinProject(t, bob, "proj-1")
	readUntil(t, alice, EventUserJoined)
	readUntil(t, alice, EventUsersCount)

	// Bob joins again: confirmation only, no second user:joined at Alice
	snapshot := joinProject(t, bob, "proj-1")
	assert.Equal(t, 2, snapshot.Count)
	assert.Equal(t, 2, len(hub.Registry().Members("proj-1")))

	sendEnvelope(t, alice, Envelope{Event: EventPing})
	env := readNext(t, alice)
	assert.Equal(t, EventPong, env.Event, "no presence delta arrived before the pong")
}

func TestRelayFromNonMemberDropped(t *testing.T) {
	_, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	bob := dialWS(t, server, "token-bob")
	readUntil(t, alice, EventConnected)
	readUntil(t, bob, EventConnected)

	joinProject(t, alice, "proj-1")
	// Bob never joined proj-1
	sendEnvelope(t, bob, Envelope{Event: "task:create", ProjectID: "proj-1", Payload: json.RawMessage(`{"x":1}`)})

	sendEnvelope(t, alice, Envelope{Event: EventPing})
	env := readNext(t, alice)
	assert.Equal(t, EventPong, env.Event, "nothing was relayed to alice")
}

func TestMalformedEventDoesNotKillConnection(t *testing.T) {
	_, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	readUntil(t, alice, EventConnected)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"event":`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"event":"users:active"}`)))

	// Connection still alive and serving
	sendEnvelope(t, alice, Envelope{Event: EventPing})
	readUntil(t, alice, EventPong)
}

func TestDisconnectCleansUpRooms(t *testing.T) {
	hub, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	readUntil(t, alice, EventConnected)
	joinProject(t, alice, "proj-1")
	require.True(t, hub.Registry().RoomExists("proj-1"))

	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		return !hub.Registry().RoomExists("proj-1")
	}, 2*time.Second, 10*time.Millisecond, "room garbage collected after last disconnect")
	require.Eventually(t, func() bool {
		return hub.Registry().ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// A later join recreates the room fresh
	carol := dialWS(t, server, "token-carol")
	readUntil(t, carol, EventConnected)
	snapshot := joinProject(t, carol, "proj-1")
	assert.Equal(t, 1, snapshot.Count)
	assert.Equal(t, "carol", snapshot.Users[0].UserID)
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	_, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	bob := dialWS(t, server, "token-bob")
	readUntil(t, alice, EventConnected)
	readUntil(t, bob, EventConnected)

	joinProject(t, alice, "proj-1")
	joinProject(t, bob, "proj-1")
	readUntil(t, alice, EventUserJoined)

	require.NoError(t, bob.Close())

	left := readUntil(t, alice, EventUserLeft)
	var presence PresenceEventPayload
	require.NoError(t, json.Unmarshal(left.Payload, &presence))
	assert.Equal(t, "bob", presence.UserID)
}

func TestDuplicateUserPresence(t *testing.T) {
	_, server := newTestServer(t)

	tab1 := dialWS(t, server, "token-alice")
	tab2 := dialWS(t, server, "token-alice")
	bob := dialWS(t, server, "token-bob")
	readUntil(t, tab1, EventConnected)
	readUntil(t, tab2, EventConnected)
	readUntil(t, bob, EventConnected)

	joinProject(t, bob, "proj-1")
	joinProject(t, tab1, "proj-1")
	readUntil(t, bob, EventUserJoined)

	// Second tab joins: snapshot still shows two users, and bob gets no
	// second user:joined for alice
	snapshot := joinProject(t, tab2, "proj-1")
	assert.Equal(t, 2, snapshot.Count)

	// First tab closes: alice is still present via tab2, so nothing up to
	// the next pong may be a user:left
	require.NoError(t, tab1.Close())
	sendEnvelope(t, bob, Envelope{Event: EventPing})
	for {
		env := readNext(t, bob)
		require.NotEqual(t, EventUserLeft, env.Event, "user:left while a tab remains")
		if env.Event == EventPong {
			break
		}
	}

	// Last tab closes: now alice leaves
	require.NoError(t, tab2.Close())
	left := readUntil(t, bob, EventUserLeft)
	var presence PresenceEventPayload
	require.NoError(t, json.Unmarshal(left.Payload, &presence))
	assert.Equal(t, "alice", presence.UserID)
}

func TestTypingBroadcastAndExpiry(t *testing.T) {
	_, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	bob := dialWS(t, server, "token-bob")
	readUntil(t, alice, EventConnected)
	readUntil(t, bob, EventConnected)

	joinProject(t, alice, "proj-1")
	joinProject(t, bob, "proj-1")
	readUntil(t, alice, EventUserJoined)

	payload, err := json.Marshal(map[string]string{"context": "task-7"})
	require.NoError(t, err)
	sendEnvelope(t, alice, Envelope{Event: EventTypingStart, ProjectID: "proj-1", Payload: payload})

	env := readUntil(t, bob, EventTypingStart)
	var typing struct {
		Context string `json:"context"`
		UserID  string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &typing))
	assert.Equal(t, "task-7", typing.Context)
	assert.Equal(t, "alice", typing.UserID)

	// No explicit stop: the sweeper expires the entry (TypingTTL is
	// 200ms in the test config)
	env = readUntil(t, bob, EventTypingStop)
	require.NoError(t, json.Unmarshal(env.Payload, &typing))
	assert.Equal(t, "alice", typing.UserID)
}

func TestShutdownNotifiesClients(t *testing.T) {
	hub, server, cancel := newTestServerOpts(t, HubOptions{})

	alice := dialWS(t, server, "token-alice")
	readUntil(t, alice, EventConnected)
	joinProject(t, alice, "proj-1")

	cancel()

	// The client gets a proper close frame instead of a dead transport
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := alice.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
			"expected a normal close frame, got %v", err)
		break
	}

	require.Eventually(t, func() bool {
		return hub.Registry().ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect cascade ran for every connection")
}

func TestRejoinDoesNotConsumeJoinBudget(t *testing.T) {
	limiter := NewJoinRateLimiter(newTestRedis(t), 2)
	hub, server, _ := newTestServerOpts(t, HubOptions{Limiter: limiter})

	alice := dialWS(t, server, "token-alice")
	readUntil(t, alice, EventConnected)

	joinProject(t, alice, "proj-1")
	joinProject(t, alice, "proj-2")

	// The budget is spent, but rejoining held rooms stays free
	for i := 0; i < 5; i++ {
		snapshot := joinProject(t, alice, "proj-1")
		assert.Equal(t, 1, snapshot.Count)
	}

	// A genuinely new room is refused: no snapshot comes back, the pong
	// after the attempt proves it
	sendEnvelope(t, alice, Envelope{Event: EventJoinProject, ProjectID: "proj-3"})
	sendEnvelope(t, alice, Envelope{Event: EventPing})
	env := readNext(t, alice)
	assert.Equal(t, EventPong, env.Event, "rate-limited join must stay silent")
	assert.False(t, hub.Registry().RoomExists("proj-3"))
}

func TestManyEventsPreserveSenderOrder(t *testing.T) {
	_, server := newTestServer(t)

	alice := dialWS(t, server, "token-alice")
	bob := dialWS(t, server, "token-bob")
	readUntil(t, alice, EventConnected)
	readUntil(t, bob, EventConnected)

	joinProject(t, alice, "proj-1")
	joinProject(t, bob, "proj-1")
	readUntil(t, alice, EventUserJoined)

	const n = 20
	for i := 0; i < n; i++ {
		body, err := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, err)
		sendEnvelope(t, alice, Envelope{Event: "canvas:update", ProjectID: "proj-1", Payload: body})
	}

	for i := 0; i < n; i++ {
		env := readUntil(t, bob, EventKind("canvas:update"))
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(env.Payload, &body))
		assert.Equal(t, i, body.Seq, fmt.Sprintf("event %d out of order", i))
	}
}
