// internal/notification/service.go

package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Notifier delivers offline notices. sent is false when the notice was
// suppressed by the cooldown.
type Notifier interface {
	NotifyOffline(ctx context.Context, n OfflineNotice) (sent bool, err error)
}

// Cooldown grants at most one notice per key per window
type Cooldown interface {
	Acquire(ctx context.Context, key string, window time.Duration) (bool, error)
}

// EmailNotifier mails offline notices, one per recipient and conversation
// per cooldown window
type EmailNotifier struct {
	email    EmailService
	cooldown Cooldown
	window   time.Duration
	appURL   string
}

func NewEmailNotifier(email EmailService, cooldown Cooldown, window time.Duration, appURL string) *EmailNotifier {
	return &EmailNotifier{
		email:    email,
		cooldown: cooldown,
		window:   window,
		appURL:   appURL,
	}
}

func (n *EmailNotifier) NotifyOffline(ctx context.Context, notice OfflineNotice) (bool, error) {
	if notice.RecipientEmail == "" {
		return false, nil
	}

	key := fmt.Sprintf("offline_notice:%d:%d", notice.RecipientID, notice.ConversationID)
	ok, err := n.cooldown.Acquire(ctx, key, n.window)
	if err != nil {
		return false, fmt.Errorf("acquire cooldown: %w", err)
	}
	if !ok {
		return false, nil
	}

	email, err := RenderOfflineEmail(notice, n.appURL)
	if err != nil {
		return false, err
	}
	if err := n.email.SendEmail(ctx, email); err != nil {
		return false, err
	}
	return true, nil
}

// RedisCooldown shares the window across processes with SETNX
type RedisCooldown struct {
	client *redis.Client
}

func NewRedisCooldown(client *redis.Client) *RedisCooldown {
	return &RedisCooldown{client: client}
}

func (c *RedisCooldown) Acquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, time.Now().Unix(), window).Result()
}

// MemoryCooldown keeps the window in process
type MemoryCooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (c *MemoryCooldown) Acquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false, nil
	}
	c.until[key] = now.Add(window)

	// drop expired keys so the map stays bounded by active windows
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
		}
	}
	return true, nil
}
