// Package realtime implements the presence and broadcast core: an
// authenticated, room-scoped event relay over websockets. Rooms are keyed
// by project id; domain events are forwarded to room peers and never
// persisted here.
package realtime

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crewsync/realtime/auth"
	"github.com/crewsync/realtime/internal/config"
	"github.com/crewsync/realtime/internal/slogging"
)

// Connection is one live websocket session tied to one authenticated user.
// It is owned by the hub from accept to disconnect.
type Connection struct {
	ID          string
	UserID      string
	UserName    string
	UserImage   string
	ConnectedAt time.Time

	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// Hub is the server core: connection gateway, room registry, presence
// tracker, health responder and event relay in one process-wide object
type Hub struct {
	cfg       config.RealtimeConfig
	validator auth.TokenValidator
	registry  *Registry
	typing    *TypingTracker
	limiter   *JoinRateLimiter
	bridge    *Bridge
	metrics   *Metrics
	logger    *slogging.Logger
	upgrader  websocket.Upgrader
}

// HubOptions carries the optional collaborators
type HubOptions struct {
	// Limiter throttles join floods; nil disables
	Limiter *JoinRateLimiter
	// Bridge fans events out across processes; nil disables
	Bridge *Bridge
	// Metrics receives hub counters; nil disables
	Metrics *Metrics
}

// NewHub creates a hub. The validator is required; everything in opts is
// optional.
func NewHub(cfg config.RealtimeConfig, validator auth.TokenValidator, opts HubOptions) *Hub {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	h := &Hub{
		cfg:       cfg,
		validator: validator,
		registry:  NewRegistry(),
		typing:    NewTypingTracker(cfg.TypingTTL),
		limiter:   opts.Limiter,
		bridge:    opts.Bridge,
		metrics:   metrics,
		logger:    slogging.Get(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement happens at the reverse proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return h
}

// Registry exposes the membership table (read-mostly, used by tests and
// admin endpoints)
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run owns the hub's background work: the typing sweeper and, when
// configured, the bridge subscription. It blocks until ctx is cancelled,
// then notifies and closes every live connection before returning.
func (h *Hub) Run(ctx context.Context) {
	if h.bridge != nil {
		go h.bridge.Run(ctx, h.deliverBridged)
	}

	interval := h.cfg.TypingTTL / 2
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweepTyping()
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// shutdown sends every live connection its close frame and tears the
// transport down. Without this a hijacked websocket outlives the HTTP
// server's own Shutdown and the client sits on a silent transport.
func (h *Hub) shutdown() {
	conns := h.registry.Connections()
	h.logger.Info("Hub shutting down - connections=%d", len(conns))
	for _, conn := range conns {
		// Closing done makes the write pump emit CloseNormalClosure and
		// close the socket; the read pump then runs the disconnect cascade
		conn.close()
	}
}

// HandleWS authenticates the handshake and upgrades the connection. The
// token is validated before the upgrade so a rejected client never creates
// any state.
func (h *Hub) HandleWS(c *gin.Context) {
	token := extractToken(c.Request)

	identity, err := h.validator.ValidateToken(c.Request.Context(), token)
	if err != nil {
		h.logger.Debug("WebSocket handshake rejected - remote=%s error=%v", c.ClientIP(), err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid or missing authentication token",
		})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection - user_id=%s error=%v", identity.UserID, err)
		return
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      identity.UserID,
		UserName:    identity.Name,
		UserImage:   identity.Picture,
		ConnectedAt: time.Now().UTC(),
		hub:         h,
		ws:          ws,
		send:        make(chan []byte, h.cfg.SendBufferSize),
		done:        make(chan struct{}),
	}

	h.registry.Register(conn)
	h.metrics.ActiveConnections.Inc()
	h.logger.Info("Connection admitted - conn_id=%s user_id=%s", conn.ID, conn.UserID)

	h.sendEnvelope(conn, EventConnected, "", ConnectedPayload{
		SocketID:  conn.ID,
		UserID:    conn.UserID,
		Timestamp: time.Now().UTC(),
	})

	go conn.writePump()
	go conn.readPump()
}

// extractToken pulls the session token out of the handshake: the `token`
// query parameter (browser websocket clients cannot set headers) or a
// bearer Authorization header
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// readPump reads frames until the transport drops, then runs the
// disconnect cascade
func (c *Connection) readPump() {
	defer c.hub.disconnect(c)

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error - conn_id=%s error=%v", c.ID, err)
			}
			return
		}
		c.hub.route(c, message)
	}
}

// writePump drains the send queue and keeps the transport alive with
// protocol pings
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close signals the write pump exactly once. The send channel itself is
// never closed, so concurrent broadcasts racing a disconnect stay safe.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// route dispatches one inbound frame. A panic from one connection's
// payload must never take down the others.
func (h *Hub) route(conn *Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("PANIC routing message - conn_id=%s user_id=%s error=%v stack=%s",
				conn.ID, conn.UserID, r, debug.Stack())
		}
	}()

	msg, err := ParseClientMessage(data)
	if err != nil {
		h.metrics.EventsDropped.WithLabelValues(DropReasonMalformed).Inc()
		h.logger.Warn("Dropping malformed message - conn_id=%s user_id=%s error=%v raw=%s",
			conn.ID, conn.UserID, err, slogging.SanitizeLogMessage(string(data)))
		return
	}

	switch m := msg.(type) {
	case PingMessage:
		h.sendEnvelope(conn, EventPong, "", PongPayload{Timestamp: time.Now().UTC()})
	case JoinProjectMessage:
		h.handleJoin(conn, m.ProjectID)
	case LeaveProjectMessage:
		h.handleLeave(conn, m.ProjectID)
	case TypingMessage:
		h.handleTyping(conn, m)
	case DomainEventMessage:
		h.relay(conn, m)
	}
}

// handleJoin admits the connection to a room and broadcasts presence.
// Rejoining is idempotent: the joiner still gets the snapshot back as
// confirmation, but no deltas go out.
func (h *Hub) handleJoin(conn *Connection, projectID string) {
	// Rejoins are free: the post-reconnect burst re-issues a join for
	// every remembered room and must not drain the user's join budget
	if !h.registry.IsMember(conn.ID, projectID) && !h.limiter.Allow(context.Background(), conn.UserID) {
		h.metrics.EventsDropped.WithLabelValues(DropReasonRateLimited).Inc()
		h.logger.Warn("Join rate limited - conn_id=%s user_id=%s project_id=%s", conn.ID, conn.UserID, projectID)
		return
	}

	result, err := h.registry.Join(conn.ID, projectID)
	if err != nil {
		h.logger.Warn("Join failed - conn_id=%s project_id=%s error=%v", conn.ID, projectID, err)
		return
	}

	// The joiner always receives the full snapshot so it never depends on
	// incremental deltas after a reconnect
	h.sendEnvelope(conn, EventUsersActive, projectID, result.Snapshot)

	if result.AlreadyMember {
		return
	}

	h.logger.Info("Joined room - conn_id=%s user_id=%s project_id=%s members=%d",
		conn.ID, conn.UserID, projectID, result.Snapshot.Count)
	h.metrics.ActiveRooms.Set(float64(h.registry.RoomCount()))

	if result.FirstForUser {
		h.broadcastEnvelope(projectID, conn.ID, EventUserJoined, PresenceEventPayload{
			UserID:    conn.UserID,
			UserName:  conn.UserName,
			UserImage: conn.UserImage,
			Timestamp: time.Now().UTC(),
		})
	}
	h.broadcastEnvelope(projectID, conn.ID, EventUsersActive, result.Snapshot)
	h.broadcastEnvelope(projectID, conn.ID, EventUsersCount, CountPayload{Count: result.Snapshot.Count})
	h.metrics.PresenceUpdates.Inc()
}

// handleLeave removes the connection from a room and broadcasts presence
// to whoever remains
func (h *Hub) handleLeave(conn *Connection, projectID string) {
	result, err := h.registry.Leave(conn.ID, projectID)
	if err != nil || !result.Removed {
		return
	}
	h.announceDeparture(conn, projectID, result)
}

// announceDeparture broadcasts the presence fallout of one leave or
// disconnect to the room's remaining members
func (h *Hub) announceDeparture(conn *Connection, projectID string, result LeaveResult) {
	h.metrics.ActiveRooms.Set(float64(h.registry.RoomCount()))

	if result.LastOfUser {
		// Peers still see this user as typing; clear that first
		for _, key := range h.typing.ClearUser(projectID, conn.UserID) {
			h.broadcastTyping(key, false, "")
		}
	}

	if result.RoomDeleted {
		return
	}

	if result.LastOfUser {
		h.broadcastEnvelope(projectID, conn.ID, EventUserLeft, PresenceEventPayload{
			UserID:    conn.UserID,
			UserName:  conn.UserName,
			UserImage: conn.UserImage,
			Timestamp: time.Now().UTC(),
		})
	}
	h.broadcastEnvelope(projectID, conn.ID, EventUsersActive, result.Snapshot)
	h.broadcastEnvelope(projectID, conn.ID, EventUsersCount, CountPayload{Count: result.Snapshot.Count})
	h.metrics.PresenceUpdates.Inc()
}

// handleTyping tracks typing state transitions and broadcasts only the
// transitions, not every refresh
func (h *Hub) handleTyping(conn *Connection, msg TypingMessage) {
	if !h.registry.IsMember(conn.ID, msg.ProjectID) {
		h.metrics.EventsDropped.WithLabelValues(DropReasonNotMember).Inc()
		h.logger.Debug("Typing event from non-member dropped - conn_id=%s project_id=%s", conn.ID, msg.ProjectID)
		return
	}

	key := TypingKey{ProjectID: msg.ProjectID, Context: msg.Context, UserID: conn.UserID}
	if msg.Start {
		if h.typing.Start(key) {
			h.broadcastTyping(key, true, conn.ID)
		}
	} else {
		if h.typing.Stop(key) {
			h.broadcastTyping(key, false, conn.ID)
		}
	}
}

// broadcastTyping tells a room that a user started or stopped typing.
// exceptConnID may be empty when the origin is the sweeper.
func (h *Hub) broadcastTyping(key TypingKey, start bool, exceptConnID string) {
	event := EventTypingStop
	if start {
		event = EventTypingStart
	}
	h.broadcastEnvelope(key.ProjectID, exceptConnID, event, typingPayload{
		Context:   key.Context,
		UserID:    key.UserID,
		Timestamp: time.Now().UTC(),
	})
}

// sweepTyping expires idle typing entries and announces the stops
func (h *Hub) sweepTyping() {
	for _, key := range h.typing.Expire(time.Now().UTC()) {
		h.broadcastTyping(key, false, "")
	}
}

// relay forwards a domain event verbatim to the sender's room peers.
// Authorization is membership: a sender outside the room is silently
// dropped, since that can be a benign race with a just-completed leave.
func (h *Hub) relay(conn *Connection, msg DomainEventMessage) {
	if !h.registry.IsMember(conn.ID, msg.ProjectID) {
		h.metrics.EventsDropped.WithLabelValues(DropReasonNotMember).Inc()
		h.logger.Debug("Relay from non-member dropped - conn_id=%s user_id=%s project_id=%s kind=%s",
			conn.ID, conn.UserID, msg.ProjectID, msg.EventKind)
		return
	}

	for _, peer := range h.registry.MembersExcept(msg.ProjectID, conn.ID) {
		h.trySend(peer, msg.Raw)
	}
	h.metrics.EventsRelayed.WithLabelValues(string(msg.EventKind)).Inc()

	if h.bridge != nil {
		// Off the relay path: a slow broker must not block local fanout
		go h.bridge.Publish(msg.ProjectID, msg.Raw)
	}
}

// deliverBridged hands an event published by another process to the local
// members of the room. The original sender lives elsewhere, so nobody here
// is excluded.
func (h *Hub) deliverBridged(projectID string, data []byte) {
	for _, peer := range h.registry.Members(projectID) {
		h.trySend(peer, data)
	}
}

// disconnect runs the cleanup cascade for a dropped transport: leave every
// room, broadcast the presence fallout, release the connection
func (h *Hub) disconnect(conn *Connection) {
	departures := h.registry.Unregister(conn.ID)
	for _, dep := range departures {
		h.announceDeparture(conn, dep.ProjectID, dep.LeaveResult)
	}

	conn.close()
	_ = conn.ws.Close()
	h.metrics.ActiveConnections.Dec()
	h.metrics.ActiveRooms.Set(float64(h.registry.RoomCount()))
	h.logger.Info("Connection closed - conn_id=%s user_id=%s rooms_left=%d", conn.ID, conn.UserID, len(departures))
}

// sendEnvelope marshals and queues one frame for one connection
func (h *Hub) sendEnvelope(conn *Connection, event EventKind, projectID string, payload any) {
	data, err := marshalEnvelope(event, projectID, payload)
	if err != nil {
		h.logger.Error("Failed to marshal %s envelope: %v", event, err)
		return
	}
	h.trySend(conn, data)
}

// broadcastEnvelope sends one frame to every room member except one
func (h *Hub) broadcastEnvelope(projectID, exceptConnID string, event EventKind, payload any) {
	data, err := marshalEnvelope(event, projectID, payload)
	if err != nil {
		h.logger.Error("Failed to marshal %s envelope: %v", event, err)
		return
	}
	for _, peer := range h.registry.MembersExcept(projectID, exceptConnID) {
		h.trySend(peer, data)
	}
}

// trySend queues a frame without blocking. A client that cannot drain its
// queue is evicted; its read pump will run the disconnect cascade.
func (h *Hub) trySend(conn *Connection, data []byte) {
	select {
	case <-conn.done:
	case conn.send <- data:
	default:
		h.metrics.EventsDropped.WithLabelValues(DropReasonSlowClient).Inc()
		h.logger.Warn("Send queue full, evicting slow client - conn_id=%s user_id=%s", conn.ID, conn.UserID)
		_ = conn.ws.Close()
	}
}
