// internal/messaging/events.go

package messaging

import (
	"encoding/json"
	"time"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"go.uber.org/zap"
)

// Inbound event types (client -> server)
const (
	EventUserJoin          = "user:join"
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventMessageSend       = "message:send"
	EventMessageEdit       = "message:edit"
	EventMessageDelete     = "message:delete"
	EventMessageUndelete   = "message:undelete"
	EventMessageRecall     = "message:recall"
	EventMessageDelivered  = "message:delivered"
	EventMessageSeen       = "message:seen"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventReactionAdd       = "reaction:add"
	EventReactionRemove    = "reaction:remove"
	EventMessagePin        = "message:pin"
	EventMessageUnpin      = "message:unpin"
	EventMessageForward    = "message:forward"
)

// Outbound event types (server -> client)
const (
	EventUsersOnline         = "users:online"
	EventMessageNew          = "message:new"
	EventMessageEdited       = "message:edited"
	EventMessageDeleted      = "message:deleted"
	EventMessageUndeleted    = "message:undeleted"
	EventMessageRecalled     = "message:recalled"
	EventMessageStatus       = "message:status"
	EventMessageReaction     = "message:reaction"
	EventMessagePinned       = "message:pinned"
	EventMessageUnpinned     = "message:unpinned"
	EventConversationNew     = "conversation:new"
	EventConversationUpdated = "conversation:updated"
	EventConversationRemoved = "conversation:removed"
	EventTypingUpdate        = "typing:update"
	FrameAck                 = "ack"
	FrameError               = "error"
)

// WSMessage is an inbound client frame
type WSMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Envelope is an outbound event frame. Seq is the conversation commit
// sequence for durable events and zero for ephemeral ones.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Seq            int64           `json:"seq,omitempty"`
	Data           json.RawMessage `json:"data"`
	Timestamp      time.Time       `json:"timestamp"`
}

// WSError represents a WebSocket error message
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSResponse is the single reply to an inbound frame
type WSResponse struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	RequestID string          `json:"request_id,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *WSError        `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CreateWSResponse builds the reply for an inbound action
func CreateWSResponse(in WSMessage, data interface{}, err error) WSResponse {
	response := WSResponse{
		Type:      FrameAck,
		Action:    in.Type,
		RequestID: in.RequestID,
		Success:   err == nil,
		Timestamp: time.Now(),
	}

	if err != nil {
		response.Type = FrameError
		response.Error = &WSError{
			Code:    ErrorCode(err),
			Message: err.Error(),
		}
	} else if data != nil {
		response.Data = mustMarshal(data)
	}

	return response
}

// Event is a fan-out unit handed to a Publisher.
//
// Audience lists the users whose sessions receive the event. RoomOnly narrows
// delivery to sessions that joined the conversation room. ExceptUserID drops
// every session of that user.
type Event struct {
	Type           string
	ConversationID int64
	Seq            int64
	Audience       []int64
	RoomOnly       bool
	Broadcast      bool
	ExceptUserID   int64
	Payload        interface{}
	Timestamp      time.Time
}

// Frame encodes the event for the wire
func (e *Event) Frame() []byte {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(Envelope{
		Type:           e.Type,
		ConversationID: e.ConversationID,
		Seq:            e.Seq,
		Data:           mustMarshal(e.Payload),
		Timestamp:      ts,
	})
	if err != nil {
		logger.Log.Error("event_marshal_failed", zap.String("type", e.Type), zap.Error(err))
		return nil
	}
	return data
}

// Publisher delivers events to live sessions
type Publisher interface {
	Publish(ev *Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ev *Event)

func (f PublisherFunc) Publish(ev *Event) { f(ev) }

// Payloads

type MessageEditedPayload struct {
	ConversationID int64      `json:"conversation_id"`
	MessageID      int64      `json:"message_id"`
	Content        *string    `json:"content"`
	IsEdited       bool       `json:"is_edited"`
	EditedAt       *time.Time `json:"edited_at"`
}

type MessageVisibilityPayload struct {
	ConversationID int64      `json:"conversation_id"`
	MessageID      int64      `json:"message_id"`
	UserID         int64      `json:"user_id"`
	Hidden         bool       `json:"hidden"`
	HiddenAt       *time.Time `json:"hidden_at,omitempty"`
}

type MessageRecalledPayload struct {
	ConversationID int64      `json:"conversation_id"`
	MessageID      int64      `json:"message_id"`
	SenderID       int64      `json:"sender_id"`
	IsRecalled     bool       `json:"is_recalled"`
	Content        string     `json:"content"`
	RecalledAt     *time.Time `json:"recalled_at"`
}

type MessageStatusPayload struct {
	ConversationID int64         `json:"conversation_id"`
	MessageID      int64         `json:"message_id"`
	SenderID       int64         `json:"sender_id"`
	UserID         int64         `json:"user_id"`
	DeliveredAt    *time.Time    `json:"delivered_at"`
	SeenAt         *time.Time    `json:"seen_at"`
	Summary        StatusSummary `json:"summary"`
}

type MessageReactionPayload struct {
	ConversationID int64             `json:"conversation_id"`
	MessageID      int64             `json:"message_id"`
	UserID         int64             `json:"user_id"`
	Emoji          string            `json:"emoji"`
	Added          bool              `json:"added"`
	Reactions      []ReactionSummary `json:"reactions"`
}

type MessagePinPayload struct {
	ConversationID int64      `json:"conversation_id"`
	MessageID      int64      `json:"message_id"`
	UserID         int64      `json:"user_id"`
	Pinned         bool       `json:"pinned"`
	PinnedAt       *time.Time `json:"pinned_at,omitempty"`
}

type ConversationRemovedPayload struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Reason         string `json:"reason"`
}

// Removal reasons
const (
	RemovedLeft   = "left"
	RemovedKicked = "removed"
	RemovedHidden = "hidden"
)

type ConversationStatePayload struct {
	ConversationID int64      `json:"conversation_id"`
	UserID         int64      `json:"user_id"`
	UnreadCount    int        `json:"unread_count"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty"`
}

type TypingPayload struct {
	ConversationID int64   `json:"conversation_id"`
	UserID         int64   `json:"user_id"`
	IsTyping       bool    `json:"is_typing"`
	TypingUsers    []int64 `json:"typing_users"`
}

type OnlineUsersPayload struct {
	UserIDs []int64 `json:"user_ids"`
	Count   int     `json:"count"`
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Log.Error("payload_marshal_failed", zap.Error(err))
		return json.RawMessage(`{}`)
	}
	return data
}

// Emitter routes committed events through the sequencer and viewer-scoped
// events straight to the publisher
type Emitter struct {
	out Publisher
	seq *Sequencer
}

func NewEmitter(out Publisher, seq *Sequencer) *Emitter {
	return &Emitter{out: out, seq: seq}
}

// Commit publishes the events produced by one store commit. A commit that
// changed nothing publishes nothing.
func (e *Emitter) Commit(convID int64, c Commit, events ...*Event) {
	if !c.Changed {
		return
	}
	now := time.Now()
	for _, ev := range events {
		ev.ConversationID = convID
		ev.Seq = c.Seq
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
	}
	if e.seq != nil && c.Seq > 0 {
		e.seq.Submit(convID, c.Seq, events...)
		return
	}
	for _, ev := range events {
		e.out.Publish(ev)
	}
}

// Observe records the event seq of a conversation read before a commit
func (e *Emitter) Observe(conv *Conversation) {
	if e != nil && e.seq != nil && conv != nil {
		e.seq.Observe(conv.ID, conv.EventSeq+1)
	}
}

// Abandon releases a committed seq whose events will never be built
func (e *Emitter) Abandon(convID int64, c Commit) {
	if e.seq != nil && c.Changed && c.Seq > 0 {
		e.seq.Skip(convID, c.Seq)
	}
}

// Direct publishes events that are outside the conversation order, such as
// ones scoped to a single viewer
func (e *Emitter) Direct(events ...*Event) {
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		e.out.Publish(ev)
	}
}
