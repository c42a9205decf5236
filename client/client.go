// Package client is the Go counterpart of the browser realtime client: one
// logical connection per Manager, automatic rejoin after reconnects, and
// the local-change plumbing (debounce, echo suppression) that keeps two
// peers from ping-ponging each other's edits.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/crewsync/realtime/internal/config"
	"github.com/crewsync/realtime/internal/slogging"
	"github.com/crewsync/realtime/realtime"
)

// Status is the observable connection state
type Status int

const (
	// StatusDisconnected means no connection and none pending
	StatusDisconnected Status = iota
	// StatusConnecting means the first dial is in flight
	StatusConnecting
	// StatusConnected means the transport is up
	StatusConnected
	// StatusReconnecting means the transport dropped and retries are
	// scheduled
	StatusReconnecting
)

// String returns the status name for logs and UI
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Options configures a Manager
type Options struct {
	// URL is the websocket endpoint, e.g. wss://example.com/ws
	URL string
	// Token is the session token presented in the handshake
	Token string
	// InitialBackoff is the first retry delay (default 1s)
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay (default 30s)
	MaxBackoff time.Duration
	// HeartbeatInterval is the application ping cadence (default 30s)
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds one dial attempt (default 10s)
	HandshakeTimeout time.Duration
	// OnStatusChange, when set, observes every state transition
	OnStatusChange func(Status)
	// Logger defaults to the package logger
	Logger slogging.SimpleLogger
}

// ErrClosed is returned after an explicit Close
var ErrClosed = errors.New("client is closed")

// ErrNotConnected is returned when sending without a live transport
var ErrNotConnected = errors.New("client is not connected")

// Manager owns the single logical connection of a client process. It is an
// explicit handle to be passed around, not ambient package state.
type Manager struct {
	opts   Options
	logger slogging.SimpleLogger

	mu       sync.Mutex
	ws       *websocket.Conn
	status   Status
	closed   bool
	cancel   context.CancelFunc
	socketID string
	lastPong time.Time
	// rooms remembers joined project ids for rejoin after a reconnect
	rooms map[string]bool
	// subs holds active subscription handles
	subs   map[int]*Subscription
	nextID int
}

// Subscription is an explicit handle on a stream of inbound envelopes.
// Dropping it without Unsubscribe leaks the handler, which is exactly the
// failure mode this type exists to make visible.
type Subscription struct {
	id      int
	manager *Manager
	kinds   map[realtime.EventKind]bool
	handler func(realtime.Envelope)
}

// NewManager creates a manager. No connection is made until Connect.
func NewManager(opts Options) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogging.Get()
	}
	return &Manager{
		opts:   opts,
		logger: logger,
		status: StatusDisconnected,
		rooms:  make(map[string]bool),
		subs:   make(map[int]*Subscription),
	}
}

// NewManagerFromConfig creates a manager whose reconnection backoff bounds
// come from the shared configuration; the remaining options pass through
func NewManagerFromConfig(cfg config.ReconnectConfig, opts Options) *Manager {
	opts.InitialBackoff = cfg.InitialBackoff
	opts.MaxBackoff = cfg.MaxBackoff
	return NewManager(opts)
}

// Connect starts the connection loop. Calling it while a connection is
// open or opening is a no-op: there is exactly one logical connection per
// manager.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.status != StatusDisconnected {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.setStatusLocked(StatusConnecting)
	go m.run(runCtx)
	return nil
}

// run dials, pumps, and redials with exponential backoff until cancelled
func (m *Manager) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.InitialBackoff
	bo.MaxInterval = m.opts.MaxBackoff

	for {
		ws, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			m.logger.Warn("Dial failed, retrying - url=%s wait=%v error=%v", m.opts.URL, wait, err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		bo.Reset()
		m.onConnected(ws)
		m.readLoop(ctx, ws)

		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.ws = nil
		m.setStatusLocked(StatusReconnecting)
		m.mu.Unlock()

		wait := bo.NextBackOff()
		m.logger.Info("Transport dropped, reconnecting - wait=%v", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.opts.Token)

	ws, resp, err := dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return ws, nil
}

// onConnected installs the new transport and re-issues joins for every
// remembered room; the server holds no memory of a dropped connection
func (m *Manager) onConnected(ws *websocket.Conn) {
	m.mu.Lock()
	m.ws = ws
	m.setStatusLocked(StatusConnected)
	rooms := make([]string, 0, len(m.rooms))
	for projectID := range m.rooms {
		rooms = append(rooms, projectID)
	}
	m.mu.Unlock()

	m.logger.Info("Connected - url=%s rejoining=%d", m.opts.URL, len(rooms))
	for _, projectID := range rooms {
		if err := m.send(realtime.Envelope{Event: realtime.EventJoinProject, ProjectID: projectID}); err != nil {
			m.logger.Warn("Rejoin failed - project_id=%s error=%v", projectID, err)
		}
	}
}

// readLoop pumps inbound frames and drives the heartbeat until the
// transport errors out
func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		_ = ws.Close()
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go m.heartbeat(heartbeatCtx)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("Read loop ended - error=%v", err)
			}
			return
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("Malformed server frame dropped - error=%v", err)
			continue
		}
		m.dispatch(env)
	}
}

// heartbeat sends the client-driven application ping
func (m *Manager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.send(realtime.Envelope{Event: realtime.EventPing}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch records protocol state and fans the envelope out to matching
// subscriptions
func (m *Manager) dispatch(env realtime.Envelope) {
	switch env.Event {
	case realtime.EventConnected:
		var payload realtime.ConnectedPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			m.mu.Lock()
			m.socketID = payload.SocketID
			m.mu.Unlock()
		}
	case realtime.EventPong:
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()
	}

	m.mu.Lock()
	handlers := make([]func(realtime.Envelope), 0, len(m.subs))
	for _, sub := range m.subs {
		if len(sub.kinds) == 0 || sub.kinds[env.Event] {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(env)
	}
}

// Subscribe registers a handler for the given event kinds (all events when
// none are given) and returns the handle that releases it
func (m *Manager) Subscribe(handler func(realtime.Envelope), kinds ...realtime.EventKind) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &Subscription{
		id:      m.nextID,
		manager: m,
		kinds:   make(map[realtime.EventKind]bool, len(kinds)),
		handler: handler,
	}
	for _, kind := range kinds {
		sub.kinds[kind] = true
	}
	m.subs[sub.id] = sub
	return sub
}

// Unsubscribe releases the handle. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()
	delete(s.manager.subs, s.id)
}

// JoinProject joins a room and remembers it for automatic rejoin
func (m *Manager) JoinProject(projectID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.rooms[projectID] = true
	m.mu.Unlock()

	err := m.send(realtime.Envelope{Event: realtime.EventJoinProject, ProjectID: projectID})
	if errors.Is(err, ErrNotConnected) {
		// The room is remembered; the join goes out on reconnect
		return nil
	}
	return err
}

// LeaveProject leaves a room and forgets it
func (m *Manager) LeaveProject(projectID string) error {
	m.mu.Lock()
	delete(m.rooms, projectID)
	m.mu.Unlock()

	err := m.send(realtime.Envelope{Event: realtime.EventLeaveProject, ProjectID: projectID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendEvent emits a domain event into a room
func (m *Manager) SendEvent(kind realtime.EventKind, projectID string, payload any) error {
	env := realtime.Envelope{Event: kind, ProjectID: projectID}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = body
	}
	return m.send(env)
}

// Typing reports a typing transition within a context of a room
func (m *Manager) Typing(projectID, typingContext string, start bool) error {
	event := realtime.EventTypingStop
	if start {
		event = realtime.EventTypingStart
	}
	body, err := json.Marshal(map[string]string{"context": typingContext})
	if err != nil {
		return err
	}
	return m.send(realtime.Envelope{Event: event, ProjectID: projectID, Payload: body})
}

// send serializes writes; gorilla permits one concurrent writer
func (m *Manager) send(env realtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.ws == nil || m.status != StatusConnected {
		return ErrNotConnected
	}
	return m.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down for good: pending reconnection attempts
// are cancelled and remembered rooms are cleared
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.rooms = make(map[string]bool)
	if m.cancel != nil {
		m.cancel()
	}
	ws := m.ws
	m.ws = nil
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return ws.Close()
	}
	return nil
}

// Status returns the current connection state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SocketID returns the server-assigned connection id, empty before the
// connected confirmation arrives
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

// LastPong returns the time of the last application pong
func (m *Manager) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

// Rooms returns the remembered room set
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for projectID := range m.rooms {
		rooms = append(rooms, projectID)
	}
	return rooms
}

// setStatusLocked updates status and notifies. Caller holds the lock; the
// callback runs without it.
func (m *Manager) setStatusLocked(status Status) {
	if m.status == status {
		return
	}
	m.status = status
	if m.opts.OnStatusChange != nil {
		cb := m.opts.OnStatusChange
		go cb(status)
	}
}
