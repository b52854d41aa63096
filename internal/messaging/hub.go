// internal/messaging/hub.go

package messaging

import (
	"context"
	"sync"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"go.uber.org/zap"
)

// Hub maintains live sessions and routes published events to them. Sessions
// are indexed by id, by user and by joined conversation room, so one event
// reaches every device of every addressed user.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]*Client
	userSessions map[int64]map[string]*Client
	rooms        map[int64]map[string]*Client

	// Message broadcast channel, drained in order by Run
	broadcast chan *Event

	presence *PresenceRegistry
	typing   *TypingBroadcaster

	done     chan struct{}
	doneOnce sync.Once
}

func NewHub(presence *PresenceRegistry, buffer int) *Hub {
	if buffer < 1 {
		buffer = 1024
	}
	return &Hub{
		sessions:     make(map[string]*Client),
		userSessions: make(map[int64]map[string]*Client),
		rooms:        make(map[int64]map[string]*Client),
		broadcast:    make(chan *Event, buffer),
		presence:     presence,
		done:         make(chan struct{}),
	}
}

// SetTyping wires the typing broadcaster. It is set after construction
// because the broadcaster publishes through the hub.
func (h *Hub) SetTyping(t *TypingBroadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing = t
}

// Run delivers queued events until ctx is done, then closes every session
func (h *Hub) Run(ctx context.Context) {
	defer h.cleanup()

	for {
		select {
		case ev := <-h.broadcast:
			h.deliver(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Publish queues an event for delivery. Events from one publisher are
// delivered in the order they were published.
func (h *Hub) Publish(ev *Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

// Register adds a live session and records its presence
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.sessions[c.id] = c
	set, ok := h.userSessions[c.userID]
	if !ok {
		set = make(map[string]*Client)
		h.userSessions[c.userID] = set
	}
	set[c.id] = c
	total := len(h.sessions)
	h.mu.Unlock()

	activeConnections.Inc()
	if h.presence != nil {
		h.presence.Connect(c.userID, c.id)
	}
	logger.Log.Info("session_registered",
		zap.Int64("user_id", c.userID),
		zap.String("session_id", c.id),
		zap.Int("sessions", total))
}

// Unregister removes a session from every index. Typing state of the user is
// cleared once their last session is gone.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.sessions[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, c.id)
	for convID := range c.rooms {
		h.leaveRoomLocked(c, convID)
	}
	last := false
	if set, ok := h.userSessions[c.userID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.userSessions, c.userID)
			last = true
		}
	}
	typing := h.typing
	total := len(h.sessions)
	h.mu.Unlock()

	c.shutdown()
	activeConnections.Dec()
	if h.presence != nil {
		h.presence.Disconnect(c.userID, c.id)
	}
	if last && typing != nil {
		typing.StopUser(c.userID)
	}
	logger.Log.Info("session_unregistered",
		zap.Int64("user_id", c.userID),
		zap.String("session_id", c.id),
		zap.Int("sessions", total))
}

// JoinRoom subscribes a session to a conversation's room-scoped events
func (h *Hub) JoinRoom(c *Client, convID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[c.id]; !ok {
		return
	}
	room, ok := h.rooms[convID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[convID] = room
	}
	room[c.id] = c
	c.rooms[convID] = struct{}{}
}

// LeaveRoom unsubscribes a session from a conversation room
func (h *Hub) LeaveRoom(c *Client, convID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(c, convID)
}

func (h *Hub) leaveRoomLocked(c *Client, convID int64) {
	delete(c.rooms, convID)
	room, ok := h.rooms[convID]
	if !ok {
		return
	}
	delete(room, c.id)
	if len(room) == 0 {
		delete(h.rooms, convID)
	}
}

// dropUserFromRoom removes every session of a user that lost membership
func (h *Hub) dropUserFromRoom(userID, convID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.userSessions[userID] {
		h.leaveRoomLocked(c, convID)
	}
}

func (h *Hub) deliver(ev *Event) {
	frame := ev.Frame()
	if frame == nil {
		return
	}
	eventsPublishedTotal.WithLabelValues(ev.Type).Inc()

	if ev.Type == EventConversationRemoved {
		for _, uid := range ev.Audience {
			h.dropUserFromRoom(uid, ev.ConversationID)
		}
	}

	h.mu.RLock()
	targets := h.targetsLocked(ev)
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			droppedFramesTotal.Inc()
			logger.Log.Warn("session_queue_full",
				zap.Int64("user_id", c.userID),
				zap.String("session_id", c.id),
				zap.String("type", ev.Type))
			c.Close()
		}
	}
}

func (h *Hub) targetsLocked(ev *Event) []*Client {
	var out []*Client
	add := func(c *Client) {
		if ev.ExceptUserID != 0 && c.userID == ev.ExceptUserID {
			return
		}
		out = append(out, c)
	}

	switch {
	case ev.Broadcast:
		for _, c := range h.sessions {
			add(c)
		}
	case ev.RoomOnly:
		var allowed map[int64]bool
		if len(ev.Audience) > 0 {
			allowed = make(map[int64]bool, len(ev.Audience))
			for _, uid := range ev.Audience {
				allowed[uid] = true
			}
		}
		for _, c := range h.rooms[ev.ConversationID] {
			if allowed == nil || allowed[c.userID] {
				add(c)
			}
		}
	default:
		for _, uid := range ev.Audience {
			for _, c := range h.userSessions[uid] {
				add(c)
			}
		}
	}
	return out
}

// SessionCount returns the number of live sessions
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// UserSessionCount returns the number of live sessions of one user
func (h *Hub) UserSessionCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userSessions[userID])
}

// RoomSize returns the number of sessions joined to a conversation room
func (h *Hub) RoomSize(convID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[convID])
}

func (h *Hub) cleanup() {
	h.doneOnce.Do(func() { close(h.done) })

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessions))
	for _, c := range h.sessions {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	logger.Log.Info("hub_stopped", zap.Int("closed_sessions", len(clients)))
}
