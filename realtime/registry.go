package realtime

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the process-wide connection and room membership table. It is
// the only shared mutable state in the server core; every mutation happens
// under one lock so membership changes, and the presence snapshots taken
// with them, are never interleaved.
type Registry struct {
	mu sync.RWMutex

	// conns maps connection id -> connection
	conns map[string]*Connection
	// rooms maps project id -> connection id -> membership record
	rooms map[string]map[string]roomMember
	// joined maps connection id -> set of project ids it belongs to
	joined map[string]map[string]bool
}

type roomMember struct {
	conn     *Connection
	joinedAt time.Time
}

// JoinResult describes the registry-side effect of a join
type JoinResult struct {
	// AlreadyMember is true when the connection was in the room before
	// the call (idempotent rejoin)
	AlreadyMember bool
	// FirstForUser is true when no other connection of the same user was
	// in the room; only then does the joiner appear as a new presence
	FirstForUser bool
	// Snapshot is the room presence after the join
	Snapshot ActiveUsersPayload
}

// LeaveResult describes the registry-side effect of a leave
type LeaveResult struct {
	// Removed is false when the connection was not a member (no-op leave)
	Removed bool
	// LastOfUser is true when the departing connection was the user's
	// last one in the room; only then is user:left announced
	LastOfUser bool
	// RoomDeleted is true when the room reached zero members and was
	// garbage collected
	RoomDeleted bool
	// Snapshot is the room presence after the leave (empty if deleted)
	Snapshot ActiveUsersPayload
}

// Departure is one room affected by a disconnect
type Departure struct {
	ProjectID string
	LeaveResult
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		rooms:  make(map[string]map[string]roomMember),
		joined: make(map[string]map[string]bool),
	}
}

// Register adds a freshly authenticated connection to the connection table
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
	r.joined[conn.ID] = make(map[string]bool)
}

// Join adds the connection to a project room, creating the room if absent.
// Rejoining a room the connection already belongs to changes nothing.
func (r *Registry) Join(connID, projectID string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return JoinResult{}, fmt.Errorf("unknown connection: %s", connID)
	}

	room := r.rooms[projectID]
	if room == nil {
		room = make(map[string]roomMember)
		r.rooms[projectID] = room
	}

	if _, member := room[connID]; member {
		return JoinResult{AlreadyMember: true, Snapshot: r.presenceLocked(projectID)}, nil
	}

	firstForUser := !r.userInRoomLocked(projectID, conn.UserID)
	room[connID] = roomMember{conn: conn, joinedAt: time.Now().UTC()}
	r.joined[connID][projectID] = true

	return JoinResult{FirstForUser: firstForUser, Snapshot: r.presenceLocked(projectID)}, nil
}

// Leave removes the connection from a project room and deletes the room
// when it empties out
func (r *Registry) Leave(connID, projectID string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return LeaveResult{}, fmt.Errorf("unknown connection: %s", connID)
	}
	return r.leaveLocked(connID, projectID), nil
}

// Unregister removes the connection from every room it joined and from the
// connection table, returning the affected rooms so presence updates can be
// broadcast. This is the leaveAll cascade of a disconnect.
func (r *Registry) Unregister(connID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var departures []Departure
	for projectID := range r.joined[connID] {
		result := r.leaveLocked(connID, projectID)
		if result.Removed {
			departures = append(departures, Departure{ProjectID: projectID, LeaveResult: result})
		}
	}

	delete(r.joined, connID)
	delete(r.conns, connID)
	return departures
}

// leaveLocked removes connID from projectID. Caller holds the write lock.
func (r *Registry) leaveLocked(connID, projectID string) LeaveResult {
	room := r.rooms[projectID]
	member, ok := room[connID]
	if !ok {
		return LeaveResult{}
	}

	delete(room, connID)
	delete(r.joined[connID], projectID)

	result := LeaveResult{Removed: true}
	if len(room) == 0 {
		// No zombie rooms: size zero deletes the entry
		delete(r.rooms, projectID)
		result.RoomDeleted = true
		result.LastOfUser = true
		return result
	}

	result.LastOfUser = !r.userInRoomLocked(projectID, member.conn.UserID)
	result.Snapshot = r.presenceLocked(projectID)
	return result
}

// IsMember reports whether the connection currently belongs to the room
func (r *Registry) IsMember(connID, projectID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[projectID][connID]
	return ok
}

// Members returns a snapshot of the room's connections
func (r *Registry) Members(projectID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[projectID]
	members := make([]*Connection, 0, len(room))
	for _, m := range room {
		members = append(members, m.conn)
	}
	return members
}

// MembersExcept returns the room's connections excluding one connection id
func (r *Registry) MembersExcept(projectID, exceptConnID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[projectID]
	members := make([]*Connection, 0, len(room))
	for id, m := range room {
		if id != exceptConnID {
			members = append(members, m.conn)
		}
	}
	return members
}

// Rooms returns the project ids the connection currently belongs to
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.joined[connID]))
	for projectID := range r.joined[connID] {
		rooms = append(rooms, projectID)
	}
	return rooms
}

// Presence returns the deduplicated-by-user presence snapshot for a room
func (r *Registry) Presence(projectID string) ActiveUsersPayload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenceLocked(projectID)
}

// presenceLocked computes the presence list. Caller holds at least the
// read lock. A user with several connections appears once, with the
// earliest join time.
func (r *Registry) presenceLocked(projectID string) ActiveUsersPayload {
	byUser := make(map[string]PresenceEntry)
	for _, m := range r.rooms[projectID] {
		entry, seen := byUser[m.conn.UserID]
		if !seen || m.joinedAt.Before(entry.JoinedAt) {
			byUser[m.conn.UserID] = PresenceEntry{
				UserID:    m.conn.UserID,
				UserName:  m.conn.UserName,
				UserImage: m.conn.UserImage,
				JoinedAt:  m.joinedAt,
			}
		}
	}

	users := make([]PresenceEntry, 0, len(byUser))
	for _, entry := range byUser {
		users = append(users, entry)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})

	return ActiveUsersPayload{Users: users, Count: len(users)}
}

// userInRoomLocked reports whether any connection of userID is in the room.
// Caller holds the lock.
func (r *Registry) userInRoomLocked(projectID, userID string) bool {
	for _, m := range r.rooms[projectID] {
		if m.conn.UserID == userID {
			return true
		}
	}
	return false
}

// Connections returns a snapshot of every registered connection
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionCount returns the number of registered connections
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount returns the number of live rooms
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// RoomExists reports whether the room currently exists
func (r *Registry) RoomExists(projectID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[projectID]
	return ok
}
