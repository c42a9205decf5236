package realtime

import (
	"sync"
	"time"
)

// TypingKey identifies one user typing in one context of one room
type TypingKey struct {
	ProjectID string
	Context   string
	UserID    string
}

// TypingTracker holds live typing state. Entries are refreshed by
// typing:start, removed by typing:stop, and swept after the inactivity TTL
// so a client that vanished mid-keystroke does not type forever.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[TypingKey]time.Time
	ttl     time.Duration
}

// NewTypingTracker creates a tracker with the given inactivity TTL
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		entries: make(map[TypingKey]time.Time),
		ttl:     ttl,
	}
}

// Start creates or refreshes a typing entry. Returns true when the entry is
// new, meaning peers should be told typing started.
func (t *TypingTracker) Start(key TypingKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.entries[key]
	t.entries[key] = time.Now().UTC()
	return !existed
}

// Stop removes a typing entry. Returns true when the entry existed, meaning
// peers should be told typing stopped.
func (t *TypingTracker) Stop(key TypingKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.entries[key]
	delete(t.entries, key)
	return existed
}

// Expire removes entries idle past the TTL and returns them so stop events
// can be broadcast
func (t *TypingTracker) Expire(now time.Time) []TypingKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []TypingKey
	for key, last := range t.entries {
		if now.Sub(last) >= t.ttl {
			expired = append(expired, key)
			delete(t.entries, key)
		}
	}
	return expired
}

// ClearUser removes every entry of a user in a room (disconnect cleanup)
// and returns the removed keys
func (t *TypingTracker) ClearUser(projectID, userID string) []TypingKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []TypingKey
	for key := range t.entries {
		if key.ProjectID == projectID && key.UserID == userID {
			removed = append(removed, key)
			delete(t.entries, key)
		}
	}
	return removed
}

// Active returns the number of live typing entries
func (t *TypingTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
