// internal/messaging/models.go

package messaging

import (
	"time"
)

// Conversation kinds
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Member roles
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Group pin policies
const (
	PinPolicyMembers = "members"
	PinPolicyAdmins  = "admins"
)

// Attachment kinds
const (
	AttachmentImage = "image"
	AttachmentVideo = "video"
	AttachmentFile  = "file"
)

// UserInfo is the read-only view of an account owned by the account system
type UserInfo struct {
	ID          int64   `json:"id" db:"id"`
	Username    string  `json:"username" db:"username"`
	DisplayName string  `json:"display_name" db:"display_name"`
	Role        string  `json:"role" db:"role"`
	AvatarURL   *string `json:"avatar_url,omitempty" db:"avatar_url"`
	Email       *string `json:"-" db:"email"`
}

// Conversation represents a direct or group thread
type Conversation struct {
	ID            int64      `json:"id" db:"id"`
	Type          string     `json:"type" db:"type"`
	Name          *string    `json:"name,omitempty" db:"name"`
	DirectKey     *string    `json:"-" db:"direct_key"`
	PinPolicy     string     `json:"pin_policy" db:"pin_policy"`
	CreatedBy     int64      `json:"created_by" db:"created_by"`
	LastMessageID *int64     `json:"last_message_id,omitempty" db:"last_message_id"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	EventSeq      int64      `json:"event_seq" db:"event_seq"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`

	// Computed fields
	Members     []*Member `json:"members,omitempty" db:"-"`
	UnreadCount int       `json:"unread_count" db:"-"`
}

// IsGroup reports whether the conversation has explicit membership
func (c *Conversation) IsGroup() bool {
	return c.Type == ConversationGroup
}

// Member is one user's membership row in a conversation
type Member struct {
	ConversationID int64      `json:"conversation_id" db:"conversation_id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	Role           string     `json:"role" db:"role"`
	JoinedAt       time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty" db:"left_at"`
	UnreadCount    int        `json:"unread_count" db:"unread_count"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty" db:"last_read_at"`
	HiddenAt       *time.Time `json:"hidden_at,omitempty" db:"hidden_at"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty" db:"cleared_at"`
}

// Active reports whether the member still belongs to the conversation
func (m *Member) Active() bool {
	return m.LeftAt == nil
}

// Attachment references an uploaded file owned by the upload service
type Attachment struct {
	URL  string `json:"url" validate:"required,url"`
	Type string `json:"type" validate:"required,oneof=image video file"`
}

// Voice references an uploaded voice note
type Voice struct {
	URL      string `json:"url" validate:"required,url"`
	Duration int    `json:"duration" validate:"gte=0"`
}

// Message represents a chat message
type Message struct {
	ID                    int64      `json:"id" db:"id"`
	ConversationID        int64      `json:"conversation_id" db:"conversation_id"`
	SenderID              int64      `json:"sender_id" db:"sender_id"`
	ClientMessageID       *string    `json:"client_message_id,omitempty" db:"client_message_id"`
	Content               *string    `json:"content" db:"content"`
	AttachmentURL         *string    `json:"attachment_url,omitempty" db:"attachment_url"`
	AttachmentType        *string    `json:"attachment_type,omitempty" db:"attachment_type"`
	VoiceURL              *string    `json:"voice_url,omitempty" db:"voice_url"`
	VoiceDuration         *int       `json:"voice_duration,omitempty" db:"voice_duration"`
	ReplyToID             *int64     `json:"reply_to_id,omitempty" db:"reply_to_id"`
	ForwardedFromID       *int64     `json:"forwarded_from_id,omitempty" db:"forwarded_from_id"`
	ForwardedFromSenderID *int64     `json:"forwarded_from_sender_id,omitempty" db:"forwarded_from_sender_id"`
	IsEdited              bool       `json:"is_edited" db:"is_edited"`
	EditedAt              *time.Time `json:"edited_at,omitempty" db:"edited_at"`
	IsRecalled            bool       `json:"is_recalled" db:"is_recalled"`
	RecalledAt            *time.Time `json:"recalled_at,omitempty" db:"recalled_at"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`

	// Computed fields
	Sender    *UserInfo         `json:"sender,omitempty" db:"-"`
	ReplyTo   *ReplyPreview     `json:"reply_to,omitempty" db:"-"`
	Reactions []ReactionSummary `json:"reactions,omitempty" db:"-"`
}

// HasBody reports whether the message carries text, an attachment or a voice note
func (m *Message) HasBody() bool {
	return (m.Content != nil && *m.Content != "") || m.AttachmentURL != nil || m.VoiceURL != nil
}

// clone returns a copy that shares no pointers with m
func (m *Message) clone() *Message {
	c := *m
	c.ClientMessageID = cloneString(m.ClientMessageID)
	c.Content = cloneString(m.Content)
	c.AttachmentURL = cloneString(m.AttachmentURL)
	c.AttachmentType = cloneString(m.AttachmentType)
	c.VoiceURL = cloneString(m.VoiceURL)
	if m.VoiceDuration != nil {
		d := *m.VoiceDuration
		c.VoiceDuration = &d
	}
	c.ReplyToID = cloneInt64(m.ReplyToID)
	c.ForwardedFromID = cloneInt64(m.ForwardedFromID)
	c.ForwardedFromSenderID = cloneInt64(m.ForwardedFromSenderID)
	c.EditedAt = cloneTime(m.EditedAt)
	c.RecalledAt = cloneTime(m.RecalledAt)
	c.Sender = nil
	c.ReplyTo = nil
	c.Reactions = nil
	return &c
}

// ReplyPreview is the informational view of a reply target. A recalled or
// hidden target renders as unavailable instead of failing the reply.
type ReplyPreview struct {
	MessageID   int64   `json:"message_id"`
	SenderID    int64   `json:"sender_id,omitempty"`
	Content     *string `json:"content,omitempty"`
	Unavailable bool    `json:"unavailable"`
}

// MessageStatus tracks delivery and view of a message for one recipient
type MessageStatus struct {
	MessageID   int64      `json:"message_id" db:"message_id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at" db:"delivered_at"`
	SeenAt      *time.Time `json:"seen_at" db:"seen_at"`
}

// Tick states shown next to a sent message
const (
	TickSent      = "sent"
	TickDelivered = "delivered"
	TickSeen      = "seen"
)

// StatusSummary aggregates recipient statuses for the sender's ticks
type StatusSummary struct {
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Seen       int    `json:"seen"`
	Tick       string `json:"tick"`
}

// Summarize folds per-recipient rows into tick counts. Recipients without a
// row count as pending.
func Summarize(recipients int, statuses []*MessageStatus) StatusSummary {
	s := StatusSummary{Recipients: recipients}
	for _, st := range statuses {
		if st.DeliveredAt != nil {
			s.Delivered++
		}
		if st.SeenAt != nil {
			s.Seen++
		}
	}
	switch {
	case recipients > 0 && s.Seen >= recipients:
		s.Tick = TickSeen
	case recipients > 0 && s.Delivered >= recipients:
		s.Tick = TickDelivered
	default:
		s.Tick = TickSent
	}
	return s
}

// Reaction is one (message, user, emoji) tuple
type Reaction struct {
	MessageID int64     `json:"message_id" db:"message_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ReactionSummary groups reactions by emoji
type ReactionSummary struct {
	Emoji   string  `json:"emoji"`
	Count   int     `json:"count"`
	UserIDs []int64 `json:"user_ids"`
}

// GroupReactions folds reactions into per-emoji counts, ordered by first use
func GroupReactions(reactions []*Reaction) []ReactionSummary {
	index := make(map[string]int)
	out := make([]ReactionSummary, 0)
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, ReactionSummary{Emoji: r.Emoji, UserIDs: []int64{}})
		}
		out[i].Count++
		out[i].UserIDs = append(out[i].UserIDs, r.UserID)
	}
	return out
}

// PinnedMessage marks a message pinned in its conversation
type PinnedMessage struct {
	ConversationID int64     `json:"conversation_id" db:"conversation_id"`
	MessageID      int64     `json:"message_id" db:"message_id"`
	PinnedBy       int64     `json:"pinned_by" db:"pinned_by"`
	PinnedAt       time.Time `json:"pinned_at" db:"pinned_at"`
}

// MessageVisibility is the per-viewer soft delete flag
type MessageVisibility struct {
	MessageID int64      `json:"message_id" db:"message_id"`
	UserID    int64      `json:"user_id" db:"user_id"`
	Hidden    bool       `json:"hidden" db:"hidden"`
	HiddenAt  *time.Time `json:"hidden_at,omitempty" db:"hidden_at"`
}

// Request DTOs

// SendMessageRequest is the payload of message:send and the REST fallback
type SendMessageRequest struct {
	ConversationID  int64       `json:"conversation_id" validate:"required_without=RecipientID,omitempty,gt=0"`
	RecipientID     int64       `json:"recipient_id" validate:"required_without=ConversationID,omitempty,gt=0"`
	ClientMessageID string      `json:"client_message_id" validate:"omitempty,max=64"`
	Content         string      `json:"content"`
	Attachment      *Attachment `json:"attachment,omitempty" validate:"omitempty"`
	Voice           *Voice      `json:"voice,omitempty" validate:"omitempty"`
	ReplyToID       *int64      `json:"reply_to_id,omitempty" validate:"omitempty,gt=0"`
}

// CreateGroupRequest creates a named group
type CreateGroupRequest struct {
	Name      string  `json:"name" validate:"required,max=120"`
	MemberIDs []int64 `json:"member_ids" validate:"required,min=1,dive,gt=0"`
	PinPolicy string  `json:"pin_policy" validate:"omitempty,oneof=members admins"`
}

// AddMembersRequest adds users to a group
type AddMembersRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}

// ForwardRequest copies a message into other conversations
type ForwardRequest struct {
	MessageID             int64   `json:"message_id" validate:"required,gt=0"`
	TargetConversationIDs []int64 `json:"target_conversation_ids" validate:"required,min=1,dive,gt=0"`
}

// ForwardResult reports created copies and skipped targets
type ForwardResult struct {
	Messages []*Message `json:"messages"`
	Skipped  []int64    `json:"skipped"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt64(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func ptr[T any](v T) *T {
	return &v
}
