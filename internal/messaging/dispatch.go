// internal/messaging/dispatch.go

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"github.com/edustat/edustat-backend/internal/common/utils"
	"go.uber.org/zap"
)

// Inbound payloads

type conversationRef struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
}

type messageRef struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
}

type editPayload struct {
	MessageID int64  `json:"message_id" validate:"required,gt=0"`
	Content   string `json:"content" validate:"required"`
}

type reactionPayload struct {
	MessageID int64  `json:"message_id" validate:"required,gt=0"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

// Dispatcher routes inbound session frames to the pipeline, the directory,
// the typing broadcaster and the hub's room index
type Dispatcher struct {
	hub      *Hub
	pipeline *Pipeline
	dir      *Directory
	typing   *TypingBroadcaster
	presence *PresenceRegistry
}

func NewDispatcher(hub *Hub, pipeline *Pipeline, typing *TypingBroadcaster, presence *PresenceRegistry) *Dispatcher {
	return &Dispatcher{
		hub:      hub,
		pipeline: pipeline,
		dir:      pipeline.Directory(),
		typing:   typing,
		presence: presence,
	}
}

// Dispatch handles one frame and builds its single reply
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, in WSMessage) WSResponse {
	started := time.Now()
	data, err := d.route(ctx, c, in)
	observeAction(in.Type, started, err)

	if err != nil {
		fields := []zap.Field{
			zap.String("type", in.Type),
			zap.Int64("user_id", c.userID),
			zap.String("session_id", c.id),
			zap.Error(err),
		}
		if errors.Is(err, ErrUpstream) || ErrorCode(err) == CodeInternal {
			logger.Log.Error("action_failed", fields...)
		} else {
			logger.Log.Debug("action_rejected", fields...)
		}
	}
	return CreateWSResponse(in, data, err)
}

func decode(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return invalidf("missing data")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidf("malformed data: %v", err)
	}
	if err := utils.ValidateStruct(dst); err != nil {
		return invalidf("%v", err)
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, c *Client, in WSMessage) (interface{}, error) {
	uid := c.userID

	switch in.Type {
	case EventUserJoin:
		online := []int64{}
		if d.presence != nil {
			online = d.presence.OnlineUsers()
		}
		return map[string]interface{}{
			"user_id":      uid,
			"session_id":   c.id,
			"online_users": online,
		}, nil

	case EventConversationJoin:
		var p conversationRef
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		if _, _, err := d.dir.Authorize(ctx, p.ConversationID, uid); err != nil {
			return nil, err
		}
		d.hub.JoinRoom(c, p.ConversationID)
		typing := []int64{}
		if d.typing != nil {
			typing = d.typing.Snapshot(p.ConversationID)
		}
		return map[string]interface{}{
			"conversation_id": p.ConversationID,
			"typing_users":    typing,
		}, nil

	case EventConversationLeave:
		var p conversationRef
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		d.hub.LeaveRoom(c, p.ConversationID)
		return map[string]int64{"conversation_id": p.ConversationID}, nil

	case EventMessageSend:
		var p SendMessageRequest
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		return d.pipeline.Send(ctx, uid, &p)

	case EventMessageEdit:
		var p editPayload
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		return d.pipeline.Edit(ctx, p.MessageID, uid, p.Content)

	case EventMessageDelete, EventMessageUndelete, EventMessageRecall,
		EventMessageDelivered, EventMessageSeen, EventMessagePin, EventMessageUnpin:
		var p messageRef
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		return d.messageAction(ctx, in.Type, p.MessageID, uid)

	case EventTypingStart, EventTypingStop:
		var p conversationRef
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		if _, _, err := d.dir.Authorize(ctx, p.ConversationID, uid); err != nil {
			return nil, err
		}
		if d.typing != nil {
			if in.Type == EventTypingStart {
				d.typing.Start(p.ConversationID, uid)
			} else {
				d.typing.Stop(p.ConversationID, uid)
			}
		}
		return map[string]int64{"conversation_id": p.ConversationID}, nil

	case EventReactionAdd:
		var p reactionPayload
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		return d.pipeline.React(ctx, p.MessageID, uid, p.Emoji)

	case EventReactionRemove:
		var p reactionPayload
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		return d.pipeline.Unreact(ctx, p.MessageID, uid, p.Emoji)

	case EventMessageForward:
		var p ForwardRequest
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		return d.pipeline.Forward(ctx, uid, &p)

	default:
		return nil, invalidf("unknown event type %q", in.Type)
	}
}

func (d *Dispatcher) messageAction(ctx context.Context, eventType string, messageID, uid int64) (interface{}, error) {
	ack := map[string]int64{"message_id": messageID}

	switch eventType {
	case EventMessageDelete:
		return ack, d.pipeline.DeleteForSelf(ctx, messageID, uid)
	case EventMessageUndelete:
		return ack, d.pipeline.Undelete(ctx, messageID, uid)
	case EventMessageRecall:
		return d.pipeline.Recall(ctx, messageID, uid)
	case EventMessageDelivered:
		return d.pipeline.MarkDelivered(ctx, messageID, uid)
	case EventMessageSeen:
		return d.pipeline.MarkSeen(ctx, messageID, uid)
	case EventMessagePin:
		return d.pipeline.Pin(ctx, messageID, uid)
	default:
		return ack, d.pipeline.Unpin(ctx, messageID, uid)
	}
}
