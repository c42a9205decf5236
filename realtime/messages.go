package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies a wire event. Client and server exchange a single
// JSON envelope shape; the kind discriminates the payload.
type EventKind string

const (
	// Server -> client
	EventConnected   EventKind = "connected"
	EventPong        EventKind = "pong"
	EventUserJoined  EventKind = "user:joined"
	EventUserLeft    EventKind = "user:left"
	EventUsersActive EventKind = "users:active"
	EventUsersCount  EventKind = "users:count"

	// Client -> server
	EventJoinProject  EventKind = "join-project"
	EventLeaveProject EventKind = "leave-project"
	EventPing         EventKind = "ping"

	// Bidirectional
	EventTypingStart EventKind = "typing:start"
	EventTypingStop  EventKind = "typing:stop"
	EventCursorMove  EventKind = "cursor:move"
)

// domainPrefixes are the relayed business-event families. Payloads under
// these prefixes are opaque to the relay beyond the project id.
var domainPrefixes = []string{"task:", "canvas:", "markdown:", "spreadsheet:"}

// IsDomainEvent reports whether the kind belongs to a relayed business
// family (including cursor movement, which is relayed the same way)
func IsDomainEvent(kind EventKind) bool {
	if kind == EventCursorMove {
		return true
	}
	s := string(kind)
	for _, prefix := range domainPrefixes {
		if strings.HasPrefix(s, prefix) && len(s) > len(prefix) {
			return true
		}
	}
	return false
}

// Envelope is the wire shape of every message in both directions
type Envelope struct {
	Event     EventKind       `json:"event"`
	ProjectID string          `json:"project_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ClientMessage is the parsed, validated form of an inbound client envelope
type ClientMessage interface {
	Kind() EventKind
	Validate() error
}

// JoinProjectMessage asks to join a project room
type JoinProjectMessage struct {
	ProjectID string
}

func (m JoinProjectMessage) Kind() EventKind { return EventJoinProject }

func (m JoinProjectMessage) Validate() error {
	if m.ProjectID == "" {
		return fmt.Errorf("join-project requires project_id")
	}
	return nil
}

// LeaveProjectMessage asks to leave a project room
type LeaveProjectMessage struct {
	ProjectID string
}

func (m LeaveProjectMessage) Kind() EventKind { return EventLeaveProject }

func (m LeaveProjectMessage) Validate() error {
	if m.ProjectID == "" {
		return fmt.Errorf("leave-project requires project_id")
	}
	return nil
}

// PingMessage is the application-level liveness check
type PingMessage struct{}

func (m PingMessage) Kind() EventKind { return EventPing }
func (m PingMessage) Validate() error { return nil }

// TypingMessage reports typing start or stop within a context (a task id,
// a document section, a chat box)
type TypingMessage struct {
	Start     bool
	ProjectID string
	Context   string
}

func (m TypingMessage) Kind() EventKind {
	if m.Start {
		return EventTypingStart
	}
	return EventTypingStop
}

func (m TypingMessage) Validate() error {
	if m.ProjectID == "" {
		return fmt.Errorf("typing event requires project_id")
	}
	if m.Context == "" {
		return fmt.Errorf("typing event requires context")
	}
	return nil
}

// DomainEventMessage is a business mutation relayed verbatim to room peers.
// The body is never inspected beyond envelope validation; business rules
// stay with the persistence layer.
type DomainEventMessage struct {
	EventKind EventKind
	ProjectID string
	Body      json.RawMessage
	// Raw is the original envelope bytes, forwarded untouched
	Raw []byte
}

func (m DomainEventMessage) Kind() EventKind { return m.EventKind }

func (m DomainEventMessage) Validate() error {
	if !IsDomainEvent(m.EventKind) {
		return fmt.Errorf("unsupported domain event kind: %s", m.EventKind)
	}
	if m.ProjectID == "" {
		return fmt.Errorf("domain event requires project_id")
	}
	return nil
}

// typingPayload is the wire payload of typing events
type typingPayload struct {
	Context   string    `json:"context"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ParseClientMessage parses and validates a raw inbound frame. Unknown or
// server-only kinds are rejected; the caller decides whether that is worth
// more than a log line.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event")
	}

	switch env.Event {
	case EventJoinProject:
		msg := JoinProjectMessage{ProjectID: env.ProjectID}
		return msg, msg.Validate()

	case EventLeaveProject:
		msg := LeaveProjectMessage{ProjectID: env.ProjectID}
		return msg, msg.Validate()

	case EventPing:
		return PingMessage{}, nil

	case EventTypingStart, EventTypingStop:
		var payload typingPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return nil, fmt.Errorf("malformed typing payload: %w", err)
			}
		}
		msg := TypingMessage{
			Start:     env.Event == EventTypingStart,
			ProjectID: env.ProjectID,
			Context:   payload.Context,
		}
		return msg, msg.Validate()

	case EventConnected, EventPong, EventUserJoined, EventUserLeft, EventUsersActive, EventUsersCount:
		return nil, fmt.Errorf("event %s is server-only", env.Event)

	default:
		if IsDomainEvent(env.Event) {
			msg := DomainEventMessage{
				EventKind: env.Event,
				ProjectID: env.ProjectID,
				Body:      env.Payload,
				Raw:       data,
			}
			return msg, msg.Validate()
		}
		return nil, fmt.Errorf("unsupported event kind: %s", env.Event)
	}
}

// Server -> client payloads

// ConnectedPayload confirms admission after the handshake
type ConnectedPayload struct {
	SocketID  string    `json:"socket_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PongPayload answers an application ping
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// PresenceEntry is the public identity of one user in a room, deduplicated
// across that user's connections
type PresenceEntry struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UserImage string    `json:"user_image,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// ActiveUsersPayload is the full presence snapshot for a room
type ActiveUsersPayload struct {
	Users []PresenceEntry `json:"users"`
	Count int             `json:"count"`
}

// CountPayload is the lightweight count-only presence update
type CountPayload struct {
	Count int `json:"count"`
}

// PresenceEventPayload carries user:joined and user:left identities
type PresenceEventPayload struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UserImage string    `json:"user_image,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// marshalEnvelope builds an outbound frame. Marshalling these local types
// cannot fail; a failure indicates a programming error and is logged by the
// caller's fallback path.
func marshalEnvelope(event EventKind, projectID string, payload any) ([]byte, error) {
	env := Envelope{Event: event, ProjectID: projectID}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = body
	}
	return json.Marshal(env)
}
