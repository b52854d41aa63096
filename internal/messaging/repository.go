// internal/messaging/repository.go

package messaging

import (
	"context"
	"strconv"
	"time"
)

// Commit reports the outcome of a store mutation. Seq is the conversation
// event sequence assigned in the same transaction as the change and is zero
// when nothing changed.
type Commit struct {
	Seq     int64
	Changed bool
}

// MessageQuery selects a page of messages as seen by one viewer. Messages
// hidden by the viewer or older than the viewer's cleared_at are skipped.
type MessageQuery struct {
	ConversationID int64
	ViewerID       int64
	BeforeID       int64 // zero means newest
	Limit          int
	Search         string
}

// Repository is the Message Store Gateway: the durable source of truth for
// conversations, members, messages, statuses, reactions and pins. Every
// mutation that produces a conversation event returns its commit sequence.
type Repository interface {
	// Users (read-only, owned by the account system)
	GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation, members []*Member) (Commit, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	FindDirectConversation(ctx context.Context, directKey string) (*Conversation, error)
	GetUserConversations(ctx context.Context, userID int64, limit, offset int) ([]*Conversation, error)

	// Members
	GetMember(ctx context.Context, convID, userID int64) (*Member, error)
	ListMembers(ctx context.Context, convID int64) ([]*Member, error)
	AddMembers(ctx context.Context, convID int64, members []*Member) (Commit, error)
	RemoveMember(ctx context.Context, convID, userID int64, at time.Time) (Commit, error)
	UpdateMemberRole(ctx context.Context, convID, userID int64, role string) (Commit, error)
	HideConversation(ctx context.Context, convID, userID int64, at time.Time) error
	ClearConversation(ctx context.Context, convID, userID int64, at time.Time) error
	MarkConversationRead(ctx context.Context, convID, userID int64, at time.Time) error
	MarkConversationUnread(ctx context.Context, convID, userID int64) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message, recipientIDs []int64) (Commit, error)
	CreateMessageStatuses(ctx context.Context, messageID int64, userIDs []int64) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	FindMessageByClientID(ctx context.Context, senderID int64, clientMessageID string) (*Message, error)
	UpdateMessageContent(ctx context.Context, id int64, content string, at time.Time) (Commit, error)
	RecallMessage(ctx context.Context, id int64, at time.Time) (c Commit, unpinned bool, err error)
	ListMessages(ctx context.Context, q MessageQuery) ([]*Message, error)

	// Per-viewer visibility
	SetMessageHidden(ctx context.Context, messageID, userID int64, hidden bool, at time.Time) (bool, error)
	GetMessageVisibility(ctx context.Context, messageID, userID int64) (*MessageVisibility, error)

	// Statuses
	UpsertMessageStatus(ctx context.Context, messageID, userID int64, seen bool, at time.Time) (Commit, *MessageStatus, error)
	ListMessageStatuses(ctx context.Context, messageID int64) ([]*MessageStatus, error)

	// Reactions
	ToggleReaction(ctx context.Context, r *Reaction) (c Commit, added bool, err error)
	RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (Commit, error)
	ListReactions(ctx context.Context, messageID int64) ([]*Reaction, error)

	// Pins
	PinMessage(ctx context.Context, pin *PinnedMessage) (Commit, error)
	UnpinMessage(ctx context.Context, convID, messageID int64) (Commit, error)
	GetPin(ctx context.Context, convID, messageID int64) (*PinnedMessage, error)
	ListPins(ctx context.Context, convID int64) ([]*PinnedMessage, error)

	Ping(ctx context.Context) error
}

// directKey is the unordered pair key that makes a direct conversation unique
func directKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}
