// internal/messaging/typing.go

package messaging

import (
	"sort"
	"sync"
	"time"
)

// TypingBroadcaster keeps the set of typing users per conversation. Nothing
// here is persisted. Each typist carries an expiry timer that a renewed start
// pushes back and an explicit stop cancels.
type TypingBroadcaster struct {
	mu      sync.Mutex
	timeout time.Duration
	out     Publisher
	typing  map[int64]map[int64]*typingEntry
	closed  bool
}

type typingEntry struct {
	timer *time.Timer
}

func NewTypingBroadcaster(out Publisher, timeout time.Duration) *TypingBroadcaster {
	return &TypingBroadcaster{
		timeout: timeout,
		out:     out,
		typing:  make(map[int64]map[int64]*typingEntry),
	}
}

// Start marks the user as typing. Only the transition is broadcast; a renewal
// just extends the quiet period.
func (t *TypingBroadcaster) Start(convID, userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	users, ok := t.typing[convID]
	if !ok {
		users = make(map[int64]*typingEntry)
		t.typing[convID] = users
	}
	if entry, ok := users[userID]; ok {
		entry.timer.Stop()
		t.armLocked(convID, userID, users)
		return
	}
	t.armLocked(convID, userID, users)
	t.publishLocked(convID, userID, true)
}

func (t *TypingBroadcaster) armLocked(convID, userID int64, users map[int64]*typingEntry) {
	entry := &typingEntry{}
	entry.timer = time.AfterFunc(t.timeout, func() { t.expire(convID, userID, entry) })
	users[userID] = entry
}

// Stop clears the user's typing state; a no-op when not typing
func (t *TypingBroadcaster) Stop(convID, userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.typing[convID][userID]
	if !ok {
		return
	}
	entry.timer.Stop()
	t.removeLocked(convID, userID)
	t.publishLocked(convID, userID, false)
}

// StopUser clears the user's typing state in every conversation
func (t *TypingBroadcaster) StopUser(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for convID, users := range t.typing {
		if entry, ok := users[userID]; ok {
			entry.timer.Stop()
			t.removeLocked(convID, userID)
			t.publishLocked(convID, userID, false)
		}
	}
}

func (t *TypingBroadcaster) expire(convID, userID int64, entry *typingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.typing[convID][userID] != entry {
		return
	}
	t.removeLocked(convID, userID)
	t.publishLocked(convID, userID, false)
}

func (t *TypingBroadcaster) removeLocked(convID, userID int64) {
	users := t.typing[convID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, convID)
	}
}

// Snapshot returns the users currently typing in a conversation
func (t *TypingBroadcaster) Snapshot(convID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(convID)
}

func (t *TypingBroadcaster) snapshotLocked(convID int64) []int64 {
	out := make([]int64, 0, len(t.typing[convID]))
	for userID := range t.typing[convID] {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *TypingBroadcaster) publishLocked(convID, userID int64, isTyping bool) {
	if t.out == nil {
		return
	}
	t.out.Publish(&Event{
		Type:           EventTypingUpdate,
		ConversationID: convID,
		RoomOnly:       true,
		ExceptUserID:   userID,
		Payload: TypingPayload{
			ConversationID: convID,
			UserID:         userID,
			IsTyping:       isTyping,
			TypingUsers:    t.snapshotLocked(convID),
		},
	})
}

// Close cancels every pending expiry without broadcasting
func (t *TypingBroadcaster) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for convID, users := range t.typing {
		for _, entry := range users {
			entry.timer.Stop()
		}
		delete(t.typing, convID)
	}
}
