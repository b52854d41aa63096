// internal/messaging/client.go

package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client is one live socket session of an authenticated user
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	userID  int64
	handler *Dispatcher
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// joined conversation rooms, guarded by hub.mu
	rooms map[int64]struct{}

	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int64, handler *Dispatcher, queueSize int, limiter *rate.Limiter) *Client {
	if queueSize < 1 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		userID:  userID,
		handler: handler,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, queueSize),
		rooms:   make(map[int64]struct{}),
	}
}

func (c *Client) ID() string    { return c.id }
func (c *Client) UserID() int64 { return c.userID }

// Start registers the session and runs its pumps
func (c *Client) Start() {
	c.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

// enqueue hands a frame to the write pump without blocking. It reports false
// when the queue is full.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close drops the network connection; the read pump then unregisters the session
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// shutdown stops the write pump once the session left the hub
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Debug("socket_read_failed", zap.String("session_id", c.id), zap.Error(err))
			}
			return
		}

		// frames of one session are handled in arrival order
		c.processMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(CreateWSResponse(msg, nil, invalidf("malformed frame: %v", err)))
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.reply(CreateWSResponse(msg, nil, invalidf("too many requests")))
		return
	}
	c.reply(c.handler.Dispatch(c.ctx, c, msg))
}

func (c *Client) reply(resp WSResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Log.Error("reply_marshal_failed", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		droppedFramesTotal.Inc()
		c.Close()
	}
}
