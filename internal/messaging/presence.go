// internal/messaging/presence.go

package messaging

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PresenceMirror publishes the online list outside the process
type PresenceMirror interface {
	Store(ctx context.Context, online []int64) error
}

// PresenceRegistry tracks live connections per user. A user is online while
// holding at least one connection; losing the last one starts a debounce
// window during which the user still counts as online, so a quick reconnect
// produces no offline flap.
type PresenceRegistry struct {
	mu       sync.Mutex
	conns    map[int64]map[string]time.Time
	leaving  map[int64]*pendingOffline
	debounce time.Duration
	out      Publisher
	mirror   chan []int64
	closed   bool
}

type pendingOffline struct {
	timer *time.Timer
}

func NewPresenceRegistry(debounce time.Duration) *PresenceRegistry {
	return &PresenceRegistry{
		conns:    make(map[int64]map[string]time.Time),
		leaving:  make(map[int64]*pendingOffline),
		debounce: debounce,
		mirror:   make(chan []int64, 1),
	}
}

// SetPublisher wires the fan-out target for users:online
func (p *PresenceRegistry) SetPublisher(out Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = out
}

// Connect records a live connection and broadcasts the online list
func (p *PresenceRegistry) Connect(userID int64, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pending, ok := p.leaving[userID]; ok {
		pending.timer.Stop()
		delete(p.leaving, userID)
	}
	set, ok := p.conns[userID]
	if !ok {
		set = make(map[string]time.Time)
		p.conns[userID] = set
	}
	set[connID] = time.Now()

	logger.Log.Debug("presence_connect",
		zap.Int64("user_id", userID),
		zap.String("conn_id", connID),
		zap.Int("connections", len(set)))
	p.broadcastLocked()
}

// Disconnect drops a connection. When it was the user's last one the
// offline broadcast waits for the debounce window.
func (p *PresenceRegistry) Disconnect(userID int64, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.conns[userID]
	if !ok {
		return
	}
	if _, ok := set[connID]; !ok {
		return
	}
	delete(set, connID)
	if len(set) > 0 || p.closed {
		return
	}

	if p.debounce <= 0 {
		delete(p.conns, userID)
		p.broadcastLocked()
		return
	}
	if _, ok := p.leaving[userID]; ok {
		return
	}
	pending := &pendingOffline{}
	pending.timer = time.AfterFunc(p.debounce, func() { p.expire(userID, pending) })
	p.leaving[userID] = pending
}

func (p *PresenceRegistry) expire(userID int64, pending *pendingOffline) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.leaving[userID] != pending {
		return
	}
	delete(p.leaving, userID)
	if len(p.conns[userID]) > 0 {
		return
	}
	delete(p.conns, userID)

	logger.Log.Debug("presence_offline", zap.Int64("user_id", userID))
	p.broadcastLocked()
}

// IsOnline reports whether the user holds a connection or is inside the
// reconnect window
func (p *PresenceRegistry) IsOnline(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onlineLocked(userID)
}

func (p *PresenceRegistry) onlineLocked(userID int64) bool {
	if len(p.conns[userID]) > 0 {
		return true
	}
	_, pending := p.leaving[userID]
	return pending
}

// Connections returns the number of live connections of a user
func (p *PresenceRegistry) Connections(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[userID])
}

// OnlineUsers returns the sorted online list
func (p *PresenceRegistry) OnlineUsers() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onlineListLocked()
}

func (p *PresenceRegistry) onlineListLocked() []int64 {
	out := make([]int64, 0, len(p.conns))
	for userID := range p.conns {
		if p.onlineLocked(userID) {
			out = append(out, userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// broadcastLocked publishes the full list to every session; caller holds p.mu
func (p *PresenceRegistry) broadcastLocked() {
	online := p.onlineListLocked()
	onlineUsers.Set(float64(len(online)))

	// latest snapshot wins
	select {
	case <-p.mirror:
	default:
	}
	p.mirror <- online

	if p.out == nil {
		return
	}
	p.out.Publish(&Event{
		Type:      EventUsersOnline,
		Broadcast: true,
		Payload:   OnlineUsersPayload{UserIDs: online, Count: len(online)},
	})
}

// RunMirror copies the online list to m on every change and at least once
// per refresh interval until ctx is done
func (p *PresenceRegistry) RunMirror(ctx context.Context, m PresenceMirror, refresh time.Duration) {
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	store := func(online []int64) {
		storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.Store(storeCtx, online); err != nil {
			logger.Log.Warn("presence_mirror_failed", zap.Error(err))
		}
	}

	for {
		select {
		case online := <-p.mirror:
			store(online)
		case <-ticker.C:
			store(p.OnlineUsers())
		case <-ctx.Done():
			return
		}
	}
}

// Close cancels pending offline timers
func (p *PresenceRegistry) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for userID, pending := range p.leaving {
		pending.timer.Stop()
		delete(p.leaving, userID)
	}
}

// RedisPresenceMirror stores the online list as a Redis set with a TTL so
// other processes can read it without touching durable storage
type RedisPresenceMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

const presenceMirrorKey = "presence:online"

func NewRedisPresenceMirror(client *redis.Client, ttl time.Duration) *RedisPresenceMirror {
	return &RedisPresenceMirror{client: client, key: presenceMirrorKey, ttl: ttl}
}

func (m *RedisPresenceMirror) Store(ctx context.Context, online []int64) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.key)
		if len(online) > 0 {
			members := make([]interface{}, len(online))
			for i, id := range online {
				members[i] = strconv.FormatInt(id, 10)
			}
			pipe.SAdd(ctx, m.key, members...)
			pipe.Expire(ctx, m.key, m.ttl)
		}
		return nil
	})
	return err
}
