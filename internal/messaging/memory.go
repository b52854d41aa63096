// internal/messaging/memory.go

package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryOption configures a MemoryRepository
type MemoryOption func(*MemoryRepository)

// WithSyntheticUsers makes unknown user ids resolve to generated profiles,
// for local runs without an account system.
func WithSyntheticUsers() MemoryOption {
	return func(r *MemoryRepository) {
		r.synthetic = true
	}
}

type visibilityKey struct {
	messageID int64
	userID    int64
}

// MemoryRepository is a process-local Repository. A single mutex serialises
// every call, which gives each mutation the atomicity a transaction would.
type MemoryRepository struct {
	mu        sync.Mutex
	synthetic bool

	users map[int64]*UserInfo

	nextConvID int64
	nextMsgID  int64

	convs        map[int64]*Conversation
	directs      map[string]int64
	members      map[int64]map[int64]*Member
	messages     map[int64]*Message
	convMessages map[int64][]int64
	clientIDs    map[string]int64
	visibility   map[visibilityKey]*MessageVisibility
	statuses     map[int64]map[int64]*MessageStatus
	reactions    map[int64][]*Reaction
	pins         map[int64]map[int64]*PinnedMessage
}

// NewMemoryRepository creates an empty in-memory store
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		users:        make(map[int64]*UserInfo),
		convs:        make(map[int64]*Conversation),
		directs:      make(map[string]int64),
		members:      make(map[int64]map[int64]*Member),
		messages:     make(map[int64]*Message),
		convMessages: make(map[int64][]int64),
		clientIDs:    make(map[string]int64),
		visibility:   make(map[visibilityKey]*MessageVisibility),
		statuses:     make(map[int64]map[int64]*MessageStatus),
		reactions:    make(map[int64][]*Reaction),
		pins:         make(map[int64]map[int64]*PinnedMessage),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PutUser seeds or replaces a user profile
func (r *MemoryRepository) PutUser(u *UserInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.ID] = &cp
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *MemoryRepository) GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	if r.synthetic && userID > 0 {
		name := fmt.Sprintf("user%d", userID)
		return &UserInfo{ID: userID, Username: name, DisplayName: name, Role: "user"}, nil
	}
	return nil, notFoundf("user %d", userID)
}

// Conversations

func (r *MemoryRepository) CreateConversation(ctx context.Context, conv *Conversation, members []*Member) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv.DirectKey != nil {
		if _, exists := r.directs[*conv.DirectKey]; exists {
			return Commit{}, fmt.Errorf("%w: direct conversation %s", ErrConflict, *conv.DirectKey)
		}
	}

	r.nextConvID++
	conv.ID = r.nextConvID
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt
	conv.EventSeq = 1

	stored := *conv
	stored.Members = nil
	r.convs[conv.ID] = &stored
	if conv.DirectKey != nil {
		r.directs[*conv.DirectKey] = conv.ID
	}

	set := make(map[int64]*Member, len(members))
	for _, m := range members {
		m.ConversationID = conv.ID
		cp := *m
		set[m.UserID] = &cp
	}
	r.members[conv.ID] = set

	return Commit{Seq: conv.EventSeq, Changed: true}, nil
}

func (r *MemoryRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.convs[id]
	if !ok {
		return nil, notFoundf("conversation %d", id)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) FindDirectConversation(ctx context.Context, key string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.directs[key]
	if !ok {
		return nil, notFoundf("direct conversation %s", key)
	}
	cp := *r.convs[id]
	return &cp, nil
}

func (r *MemoryRepository) GetUserConversations(ctx context.Context, userID int64, limit, offset int) ([]*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conversation, 0)
	for convID, set := range r.members {
		m, ok := set[userID]
		if !ok || !m.Active() {
			continue
		}
		c := r.convs[convID]
		if m.HiddenAt != nil && (c.LastMessageAt == nil || !c.LastMessageAt.After(*m.HiddenAt)) {
			continue
		}
		cp := *c
		cp.UnreadCount = m.UnreadCount
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		ai, aj := activity(out[i]), activity(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID > out[j].ID
	})

	if offset >= len(out) {
		return []*Conversation{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func activity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// bump advances the conversation sequence; caller holds r.mu
func (r *MemoryRepository) bump(convID int64) int64 {
	c := r.convs[convID]
	c.EventSeq++
	c.UpdatedAt = time.Now()
	return c.EventSeq
}

// Members

func (r *MemoryRepository) activeMember(convID, userID int64) (*Member, error) {
	if _, ok := r.convs[convID]; !ok {
		return nil, notFoundf("conversation %d", convID)
	}
	m, ok := r.members[convID][userID]
	if !ok || !m.Active() {
		return nil, notFoundf("member %d in conversation %d", userID, convID)
	}
	return m, nil
}

func (r *MemoryRepository) GetMember(ctx context.Context, convID, userID int64) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.activeMember(convID, userID)
	if err != nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) ListMembers(ctx context.Context, convID int64) ([]*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.convs[convID]; !ok {
		return nil, notFoundf("conversation %d", convID)
	}
	out := make([]*Member, 0, len(r.members[convID]))
	for _, m := range r.members[convID] {
		if m.Active() {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMembers(out)
	return out, nil
}

func sortMembers(ms []*Member) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].JoinedAt.Equal(ms[j].JoinedAt) {
			return ms[i].JoinedAt.Before(ms[j].JoinedAt)
		}
		return ms[i].UserID < ms[j].UserID
	})
}

func (r *MemoryRepository) AddMembers(ctx context.Context, convID int64, members []*Member) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.convs[convID]; !ok {
		return Commit{}, notFoundf("conversation %d", convID)
	}
	set := r.members[convID]
	changed := false
	for _, m := range members {
		if existing, ok := set[m.UserID]; ok && existing.Active() {
			continue
		}
		cp := *m
		cp.ConversationID = convID
		cp.LeftAt = nil
		set[m.UserID] = &cp
		changed = true
	}
	if !changed {
		return Commit{}, nil
	}
	return Commit{Seq: r.bump(convID), Changed: true}, nil
}

func (r *MemoryRepository) RemoveMember(ctx context.Context, convID, userID int64, at time.Time) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.activeMember(convID, userID)
	if err != nil {
		return Commit{}, err
	}
	m.LeftAt = &at
	return Commit{Seq: r.bump(convID), Changed: true}, nil
}

func (r *MemoryRepository) UpdateMemberRole(ctx context.Context, convID, userID int64, role string) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.activeMember(convID, userID)
	if err != nil {
		return Commit{}, err
	}
	if m.Role == role {
		return Commit{}, nil
	}
	m.Role = role
	return Commit{Seq: r.bump(convID), Changed: true}, nil
}

func (r *MemoryRepository) HideConversation(ctx context.Context, convID, userID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.activeMember(convID, userID)
	if err != nil {
		return err
	}
	m.HiddenAt = &at
	return nil
}

func (r *MemoryRepository) ClearConversation(ctx context.Context, convID, userID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.activeMember(convID, userID)
	if err != nil {
		return err
	}
	m.ClearedAt = &at
	m.UnreadCount = 0
	return nil
}

func (r *MemoryRepository) MarkConversationRead(ctx context.Context, convID, userID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.activeMember(convID, userID)
	if err != nil {
		return err
	}
	m.UnreadCount = 0
	m.LastReadAt = &at
	return nil
}

func (r *MemoryRepository) MarkConversationUnread(ctx context.Context, convID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.activeMember(convID, userID)
	if err != nil {
		return err
	}
	if m.UnreadCount < 1 {
		m.UnreadCount = 1
	}
	return nil
}

// Messages

func clientKey(senderID int64, clientMessageID string) string {
	return fmt.Sprintf("%d:%s", senderID, clientMessageID)
}

func (r *MemoryRepository) CreateMessage(ctx context.Context, msg *Message, recipientIDs []int64) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[msg.ConversationID]
	if !ok {
		return Commit{}, notFoundf("conversation %d", msg.ConversationID)
	}
	if msg.ClientMessageID != nil {
		if _, dup := r.clientIDs[clientKey(msg.SenderID, *msg.ClientMessageID)]; dup {
			return Commit{}, fmt.Errorf("%w: client message id %s", ErrConflict, *msg.ClientMessageID)
		}
	}

	r.nextMsgID++
	msg.ID = r.nextMsgID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	r.messages[msg.ID] = msg.clone()
	r.convMessages[conv.ID] = append(r.convMessages[conv.ID], msg.ID)
	if msg.ClientMessageID != nil {
		r.clientIDs[clientKey(msg.SenderID, *msg.ClientMessageID)] = msg.ID
	}

	conv.LastMessageID = ptr(msg.ID)
	conv.LastMessageAt = ptr(msg.CreatedAt)
	for _, uid := range recipientIDs {
		if m, ok := r.members[conv.ID][uid]; ok && m.Active() {
			m.UnreadCount++
		}
	}
	return Commit{Seq: r.bump(conv.ID), Changed: true}, nil
}

func (r *MemoryRepository) CreateMessageStatuses(ctx context.Context, messageID int64, userIDs []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[messageID]; !ok {
		return notFoundf("message %d", messageID)
	}
	rows := r.statuses[messageID]
	if rows == nil {
		rows = make(map[int64]*MessageStatus)
		r.statuses[messageID] = rows
	}
	for _, uid := range userIDs {
		if _, ok := rows[uid]; !ok {
			rows[uid] = &MessageStatus{MessageID: messageID, UserID: uid}
		}
	}
	return nil
}

func (r *MemoryRepository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, notFoundf("message %d", id)
	}
	return m.clone(), nil
}

func (r *MemoryRepository) FindMessageByClientID(ctx context.Context, senderID int64, clientMessageID string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.clientIDs[clientKey(senderID, clientMessageID)]
	if !ok {
		return nil, notFoundf("client message %s", clientMessageID)
	}
	return r.messages[id].clone(), nil
}

func (r *MemoryRepository) UpdateMessageContent(ctx context.Context, id int64, content string, at time.Time) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok || m.IsRecalled {
		return Commit{}, notFoundf("message %d", id)
	}
	m.Content = ptr(content)
	m.IsEdited = true
	m.EditedAt = ptr(at)
	return Commit{Seq: r.bump(m.ConversationID), Changed: true}, nil
}

func (r *MemoryRepository) RecallMessage(ctx context.Context, id int64, at time.Time) (Commit, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return Commit{}, false, notFoundf("message %d", id)
	}
	if m.IsRecalled {
		return Commit{}, false, nil
	}
	m.IsRecalled = true
	m.RecalledAt = ptr(at)
	m.Content = ptr("")
	m.AttachmentURL, m.AttachmentType = nil, nil
	m.VoiceURL, m.VoiceDuration = nil, nil

	unpinned := false
	if pins := r.pins[m.ConversationID]; pins != nil {
		if _, ok := pins[id]; ok {
			delete(pins, id)
			unpinned = true
		}
	}
	return Commit{Seq: r.bump(m.ConversationID), Changed: true}, unpinned, nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.convs[q.ConversationID]; !ok {
		return nil, notFoundf("conversation %d", q.ConversationID)
	}
	var clearedAt *time.Time
	if m, ok := r.members[q.ConversationID][q.ViewerID]; ok {
		clearedAt = m.ClearedAt
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))

	ids := r.convMessages[q.ConversationID]
	out := make([]*Message, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		m := r.messages[ids[i]]
		if q.BeforeID > 0 && m.ID >= q.BeforeID {
			continue
		}
		if clearedAt != nil && !m.CreatedAt.After(*clearedAt) {
			continue
		}
		if v, ok := r.visibility[visibilityKey{m.ID, q.ViewerID}]; ok && v.Hidden {
			continue
		}
		if search != "" {
			if m.IsRecalled || m.Content == nil || !strings.Contains(strings.ToLower(*m.Content), search) {
				continue
			}
		}
		out = append(out, m.clone())
	}
	return out, nil
}

// Visibility

func (r *MemoryRepository) SetMessageHidden(ctx context.Context, messageID, userID int64, hidden bool, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[messageID]; !ok {
		return false, notFoundf("message %d", messageID)
	}
	key := visibilityKey{messageID, userID}
	v, ok := r.visibility[key]
	if !ok {
		if !hidden {
			return false, nil
		}
		v = &MessageVisibility{MessageID: messageID, UserID: userID}
		r.visibility[key] = v
	}
	if v.Hidden == hidden {
		return false, nil
	}
	v.Hidden = hidden
	if hidden {
		v.HiddenAt = ptr(at)
	} else {
		v.HiddenAt = nil
	}
	return true, nil
}

func (r *MemoryRepository) GetMessageVisibility(ctx context.Context, messageID, userID int64) (*MessageVisibility, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visibility[visibilityKey{messageID, userID}]
	if !ok {
		return &MessageVisibility{MessageID: messageID, UserID: userID}, nil
	}
	cp := *v
	return &cp, nil
}

// Statuses

func (r *MemoryRepository) UpsertMessageStatus(ctx context.Context, messageID, userID int64, seen bool, at time.Time) (Commit, *MessageStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[messageID]
	if !ok {
		return Commit{}, nil, notFoundf("message %d", messageID)
	}
	rows := r.statuses[messageID]
	if rows == nil {
		rows = make(map[int64]*MessageStatus)
		r.statuses[messageID] = rows
	}
	st, ok := rows[userID]
	if !ok {
		st = &MessageStatus{MessageID: messageID, UserID: userID}
		rows[userID] = st
	}

	changed := false
	if st.DeliveredAt == nil {
		st.DeliveredAt = ptr(at)
		changed = true
	}
	if seen && st.SeenAt == nil {
		st.SeenAt = ptr(at)
		changed = true
	}
	cp := *st
	if !changed {
		return Commit{}, &cp, nil
	}
	return Commit{Seq: r.bump(m.ConversationID), Changed: true}, &cp, nil
}

func (r *MemoryRepository) ListMessageStatuses(ctx context.Context, messageID int64) ([]*MessageStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*MessageStatus, 0, len(r.statuses[messageID]))
	for _, st := range r.statuses[messageID] {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Reactions

func (r *MemoryRepository) ToggleReaction(ctx context.Context, reaction *Reaction) (Commit, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[reaction.MessageID]
	if !ok {
		return Commit{}, false, notFoundf("message %d", reaction.MessageID)
	}
	list := r.reactions[m.ID]
	for i, existing := range list {
		if existing.UserID == reaction.UserID && existing.Emoji == reaction.Emoji {
			r.reactions[m.ID] = append(list[:i:i], list[i+1:]...)
			return Commit{Seq: r.bump(m.ConversationID), Changed: true}, false, nil
		}
	}
	cp := *reaction
	r.reactions[m.ID] = append(list, &cp)
	return Commit{Seq: r.bump(m.ConversationID), Changed: true}, true, nil
}

func (r *MemoryRepository) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[messageID]
	if !ok {
		return Commit{}, notFoundf("message %d", messageID)
	}
	list := r.reactions[messageID]
	for i, existing := range list {
		if existing.UserID == userID && existing.Emoji == emoji {
			r.reactions[messageID] = append(list[:i:i], list[i+1:]...)
			return Commit{Seq: r.bump(m.ConversationID), Changed: true}, nil
		}
	}
	return Commit{}, nil
}

func (r *MemoryRepository) ListReactions(ctx context.Context, messageID int64) ([]*Reaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Reaction, 0, len(r.reactions[messageID]))
	for _, re := range r.reactions[messageID] {
		cp := *re
		out = append(out, &cp)
	}
	return out, nil
}

// Pins

func (r *MemoryRepository) PinMessage(ctx context.Context, pin *PinnedMessage) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.convs[pin.ConversationID]; !ok {
		return Commit{}, notFoundf("conversation %d", pin.ConversationID)
	}
	pins := r.pins[pin.ConversationID]
	if pins == nil {
		pins = make(map[int64]*PinnedMessage)
		r.pins[pin.ConversationID] = pins
	}
	if _, ok := pins[pin.MessageID]; ok {
		return Commit{}, nil
	}
	cp := *pin
	pins[pin.MessageID] = &cp
	return Commit{Seq: r.bump(pin.ConversationID), Changed: true}, nil
}

func (r *MemoryRepository) UnpinMessage(ctx context.Context, convID, messageID int64) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pins := r.pins[convID]
	if _, ok := pins[messageID]; !ok {
		return Commit{}, nil
	}
	delete(pins, messageID)
	return Commit{Seq: r.bump(convID), Changed: true}, nil
}

func (r *MemoryRepository) GetPin(ctx context.Context, convID, messageID int64) (*PinnedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[convID][messageID]
	if !ok {
		return nil, notFoundf("pin %d", messageID)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ListPins(ctx context.Context, convID int64) ([]*PinnedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*PinnedMessage, 0, len(r.pins[convID]))
	for _, p := range r.pins[convID] {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PinnedAt.After(out[j].PinnedAt) })
	return out, nil
}
