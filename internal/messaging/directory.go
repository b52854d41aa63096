// internal/messaging/directory.go

package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Directory resolves and mutates conversation membership and answers who may
// see and do what in a conversation
type Directory struct {
	repo      Repository
	emit      *Emitter
	pinPolicy string
	flight    singleflight.Group
	now       func() time.Time
}

func NewDirectory(repo Repository, emit *Emitter, defaultPinPolicy string) *Directory {
	if defaultPinPolicy == "" {
		defaultPinPolicy = PinPolicyMembers
	}
	return &Directory{
		repo:      repo,
		emit:      emit,
		pinPolicy: defaultPinPolicy,
		now:       time.Now,
	}
}

// Authorize loads the conversation and the caller's active membership
func (d *Directory) Authorize(ctx context.Context, convID, userID int64) (*Conversation, *Member, error) {
	if convID <= 0 {
		return nil, nil, invalidf("conversation id required")
	}
	conv, err := d.repo.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, upstream("get conversation", err)
	}
	d.emit.Observe(conv)

	member, err := d.repo.GetMember(ctx, convID, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, unauthorizedf("user %d is not a member of conversation %d", userID, convID)
	}
	if err != nil {
		return nil, nil, upstream("get member", err)
	}
	return conv, member, nil
}

// Members returns the active members of a conversation
func (d *Directory) Members(ctx context.Context, convID int64) ([]*Member, error) {
	members, err := d.repo.ListMembers(ctx, convID)
	if err != nil {
		return nil, upstream("list members", err)
	}
	return members, nil
}

// CanPin applies the conversation pin policy to a member
func (d *Directory) CanPin(conv *Conversation, member *Member) bool {
	if !conv.IsGroup() || conv.PinPolicy != PinPolicyAdmins {
		return true
	}
	return member.Role == RoleAdmin
}

// GetOrCreateDirect returns the direct conversation for the unordered pair,
// creating it on first contact. Concurrent callers for the same pair share
// one lookup; a lost creation race is resolved by reading the winner's row.
func (d *Directory) GetOrCreateDirect(ctx context.Context, userA, userB int64) (*Conversation, bool, error) {
	if userA <= 0 || userB <= 0 {
		return nil, false, invalidf("user ids required")
	}
	if userA == userB {
		return nil, false, invalidf("cannot open a direct conversation with yourself")
	}
	for _, id := range []int64{userA, userB} {
		if _, err := d.repo.GetUserInfo(ctx, id); err != nil {
			return nil, false, upstream("get user", err)
		}
	}

	key := directKey(userA, userB)
	type result struct {
		conv    *Conversation
		created bool
	}
	v, err, _ := d.flight.Do(key, func() (interface{}, error) {
		conv, err := d.repo.FindDirectConversation(ctx, key)
		if err == nil {
			return result{conv: conv}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, upstream("find direct conversation", err)
		}

		now := d.now()
		conv = &Conversation{
			Type:      ConversationDirect,
			DirectKey: ptr(key),
			PinPolicy: PinPolicyMembers,
			CreatedBy: userA,
			CreatedAt: now,
		}
		members := []*Member{
			{UserID: userA, Role: RoleMember, JoinedAt: now},
			{UserID: userB, Role: RoleMember, JoinedAt: now},
		}
		c, err := d.repo.CreateConversation(ctx, conv, members)
		if errors.Is(err, ErrConflict) {
			conv, err = d.repo.FindDirectConversation(ctx, key)
			if err != nil {
				return nil, upstream("find direct conversation", err)
			}
			return result{conv: conv}, nil
		}
		if err != nil {
			return nil, upstream("create conversation", err)
		}

		conv.Members = members
		logger.Log.Info("direct_conversation_created",
			zap.Int64("conversation_id", conv.ID),
			zap.Int64("user_a", userA),
			zap.Int64("user_b", userB))
		d.emit.Commit(conv.ID, c, &Event{
			Type:     EventConversationNew,
			Audience: []int64{userA, userB},
			Payload:  conv,
		})
		return result{conv: conv, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(result)
	return res.conv, res.created, nil
}

// CreateGroup creates a named group; the creator becomes its admin
func (d *Directory) CreateGroup(ctx context.Context, creatorID int64, req *CreateGroupRequest) (*Conversation, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalidf("group name required")
	}
	others := uniqueIDs(req.MemberIDs, creatorID)
	if len(others) == 0 {
		return nil, invalidf("a group needs at least one member besides the creator")
	}
	for _, id := range others {
		if _, err := d.repo.GetUserInfo(ctx, id); err != nil {
			return nil, upstream("get user", err)
		}
	}
	policy := req.PinPolicy
	if policy == "" {
		policy = d.pinPolicy
	}

	now := d.now()
	conv := &Conversation{
		Type:      ConversationGroup,
		Name:      ptr(name),
		PinPolicy: policy,
		CreatedBy: creatorID,
		CreatedAt: now,
	}
	members := []*Member{{UserID: creatorID, Role: RoleAdmin, JoinedAt: now}}
	for _, id := range others {
		members = append(members, &Member{UserID: id, Role: RoleMember, JoinedAt: now})
	}

	c, err := d.repo.CreateConversation(ctx, conv, members)
	if err != nil {
		return nil, upstream("create conversation", err)
	}
	conv.Members = members

	logger.Log.Info("group_created",
		zap.Int64("conversation_id", conv.ID),
		zap.Int64("creator_id", creatorID),
		zap.Int("members", len(members)))
	d.emit.Commit(conv.ID, c, &Event{
		Type:     EventConversationNew,
		Audience: memberIDs(members),
		Payload:  conv,
	})
	return conv, nil
}

// AddMembers adds users to a group; admins only
func (d *Directory) AddMembers(ctx context.Context, convID, actorID int64, userIDs []int64) (*Conversation, error) {
	conv, actor, err := d.Authorize(ctx, convID, actorID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup() {
		return nil, invalidf("members can only be added to groups")
	}
	if actor.Role != RoleAdmin {
		return nil, forbiddenf("only admins can add members")
	}

	existing, err := d.Members(ctx, convID)
	if err != nil {
		return nil, err
	}
	current := make(map[int64]bool, len(existing))
	for _, m := range existing {
		current[m.UserID] = true
	}

	now := d.now()
	added := make([]*Member, 0)
	for _, id := range uniqueIDs(userIDs, 0) {
		if current[id] {
			continue
		}
		if _, err := d.repo.GetUserInfo(ctx, id); err != nil {
			return nil, upstream("get user", err)
		}
		added = append(added, &Member{UserID: id, Role: RoleMember, JoinedAt: now})
	}
	if len(added) == 0 {
		conv.Members = existing
		return conv, nil
	}

	c, err := d.repo.AddMembers(ctx, convID, added)
	if err != nil {
		return nil, upstream("add members", err)
	}
	view, err := d.snapshot(ctx, conv)
	if err != nil {
		d.emit.Abandon(convID, c)
		return nil, err
	}

	d.emit.Commit(convID, c,
		&Event{Type: EventConversationNew, Audience: memberIDs(added), Payload: view},
		&Event{Type: EventConversationUpdated, Audience: memberIDs(existing), Payload: view},
	)
	return view, nil
}

// RemoveMember removes another member from a group; admins only. Removing
// yourself is a leave.
func (d *Directory) RemoveMember(ctx context.Context, convID, actorID, targetID int64) error {
	if actorID == targetID {
		return d.LeaveGroup(ctx, convID, actorID)
	}
	conv, actor, err := d.Authorize(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !conv.IsGroup() {
		return invalidf("members can only be removed from groups")
	}
	if actor.Role != RoleAdmin {
		return forbiddenf("only admins can remove members")
	}
	if _, err := d.repo.GetMember(ctx, convID, targetID); err != nil {
		return upstream("get member", err)
	}

	c, err := d.repo.RemoveMember(ctx, convID, targetID, d.now())
	if err != nil {
		return upstream("remove member", err)
	}
	view, err := d.snapshot(ctx, conv)
	if err != nil {
		d.emit.Abandon(convID, c)
		return err
	}
	d.emit.Commit(convID, c,
		&Event{
			Type:     EventConversationRemoved,
			Audience: []int64{targetID},
			Payload:  ConversationRemovedPayload{ConversationID: convID, UserID: targetID, Reason: RemovedKicked},
		},
		&Event{Type: EventConversationUpdated, Audience: memberIDs(view.Members), Payload: view},
	)
	return nil
}

// LeaveGroup removes the caller from a group. When the caller was the last
// admin, the remaining member who joined first is promoted.
func (d *Directory) LeaveGroup(ctx context.Context, convID, userID int64) error {
	conv, member, err := d.Authorize(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !conv.IsGroup() {
		return invalidf("direct conversations cannot be left; hide it instead")
	}

	left, err := d.repo.RemoveMember(ctx, convID, userID, d.now())
	if err != nil {
		return upstream("remove member", err)
	}

	remaining, err := d.Members(ctx, convID)
	if err != nil {
		d.emit.Abandon(convID, left)
		return err
	}

	var promoted Commit
	if member.Role == RoleAdmin && len(remaining) > 0 && !hasAdmin(remaining) {
		heir := remaining[0]
		promoted, err = d.repo.UpdateMemberRole(ctx, convID, heir.UserID, RoleAdmin)
		if err != nil {
			d.emit.Abandon(convID, left)
			return upstream("promote member", err)
		}
		heir.Role = RoleAdmin
		logger.Log.Info("group_admin_promoted",
			zap.Int64("conversation_id", convID),
			zap.Int64("user_id", heir.UserID),
			zap.Int64("previous_admin", userID))
	}

	conv.Members = remaining
	removed := &Event{
		Type:     EventConversationRemoved,
		Audience: []int64{userID},
		Payload:  ConversationRemovedPayload{ConversationID: convID, UserID: userID, Reason: RemovedLeft},
	}
	updated := &Event{Type: EventConversationUpdated, Audience: memberIDs(remaining), Payload: conv}

	if promoted.Changed {
		d.emit.Commit(convID, left, removed)
		d.emit.Commit(convID, promoted, updated)
	} else {
		d.emit.Commit(convID, left, removed, updated)
	}
	return nil
}

// Hide removes the conversation from the caller's list until a newer
// message arrives. Other members are unaffected.
func (d *Directory) Hide(ctx context.Context, convID, userID int64) error {
	if _, _, err := d.Authorize(ctx, convID, userID); err != nil {
		return err
	}
	if err := d.repo.HideConversation(ctx, convID, userID, d.now()); err != nil {
		return upstream("hide conversation", err)
	}
	d.emit.Direct(&Event{
		Type:           EventConversationRemoved,
		ConversationID: convID,
		Audience:       []int64{userID},
		Payload:        ConversationRemovedPayload{ConversationID: convID, UserID: userID, Reason: RemovedHidden},
	})
	return nil
}

// ClearHistory hides every existing message from the caller only
func (d *Directory) ClearHistory(ctx context.Context, convID, userID int64) error {
	if _, _, err := d.Authorize(ctx, convID, userID); err != nil {
		return err
	}
	if err := d.repo.ClearConversation(ctx, convID, userID, d.now()); err != nil {
		return upstream("clear conversation", err)
	}
	return d.publishState(ctx, convID, userID)
}

// MarkRead resets the caller's unread counter
func (d *Directory) MarkRead(ctx context.Context, convID, userID int64) error {
	if _, _, err := d.Authorize(ctx, convID, userID); err != nil {
		return err
	}
	if err := d.repo.MarkConversationRead(ctx, convID, userID, d.now()); err != nil {
		return upstream("mark read", err)
	}
	return d.publishState(ctx, convID, userID)
}

// MarkUnread forces the caller's unread counter to at least one
func (d *Directory) MarkUnread(ctx context.Context, convID, userID int64) error {
	if _, _, err := d.Authorize(ctx, convID, userID); err != nil {
		return err
	}
	if err := d.repo.MarkConversationUnread(ctx, convID, userID); err != nil {
		return upstream("mark unread", err)
	}
	return d.publishState(ctx, convID, userID)
}

func (d *Directory) publishState(ctx context.Context, convID, userID int64) error {
	m, err := d.repo.GetMember(ctx, convID, userID)
	if err != nil {
		return upstream("get member", err)
	}
	d.emit.Direct(&Event{
		Type:           EventConversationUpdated,
		ConversationID: convID,
		Audience:       []int64{userID},
		Payload: ConversationStatePayload{
			ConversationID: convID,
			UserID:         userID,
			UnreadCount:    m.UnreadCount,
			LastReadAt:     m.LastReadAt,
			ClearedAt:      m.ClearedAt,
		},
	})
	return nil
}

// GetConversation returns the conversation with its members
func (d *Directory) GetConversation(ctx context.Context, convID, userID int64) (*Conversation, error) {
	conv, member, err := d.Authorize(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	view, err := d.snapshot(ctx, conv)
	if err != nil {
		return nil, err
	}
	view.UnreadCount = member.UnreadCount
	return view, nil
}

// ListConversations returns the caller's visible conversations, most
// recently active first
func (d *Directory) ListConversations(ctx context.Context, userID int64, limit, offset int) ([]*Conversation, error) {
	convs, err := d.repo.GetUserConversations(ctx, userID, limit, offset)
	if err != nil {
		return nil, upstream("list conversations", err)
	}
	for _, c := range convs {
		members, err := d.Members(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Members = members
	}
	return convs, nil
}

func (d *Directory) snapshot(ctx context.Context, conv *Conversation) (*Conversation, error) {
	members, err := d.Members(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	view := *conv
	view.Members = members
	return &view, nil
}

func hasAdmin(members []*Member) bool {
	for _, m := range members {
		if m.Role == RoleAdmin {
			return true
		}
	}
	return false
}

func memberIDs(members []*Member) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// uniqueIDs drops duplicates, non-positive ids and exclude, keeping order
func uniqueIDs(ids []int64, exclude int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
