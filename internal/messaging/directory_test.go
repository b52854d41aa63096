// internal/messaging/directory_test.go

package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateDirectUnderConcurrency(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	ids := make([]int64, 20)
	errs := make([]error, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := f.dir.GetOrCreateDirect(f.ctx, a, b)
			errs[i] = err
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, f.rec.ofType(EventConversationNew), 1)

	convs, err := f.dir.ListConversations(f.ctx, alice, 10, 0)
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	_, created, err := f.dir.GetOrCreateDirect(f.ctx, bob, alice)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreateGroupValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.dir.CreateGroup(f.ctx, alice, &CreateGroupRequest{Name: " ", MemberIDs: []int64{bob}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.dir.CreateGroup(f.ctx, alice, &CreateGroupRequest{Name: "Solo", MemberIDs: []int64{alice}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.dir.CreateGroup(f.ctx, alice, &CreateGroupRequest{Name: "Ghosts", MemberIDs: []int64{77}})
	assert.ErrorIs(t, err, ErrNotFound)

	conv, err := f.dir.CreateGroup(f.ctx, alice, &CreateGroupRequest{Name: "Debate club", MemberIDs: []int64{bob, bob, carol}})
	require.NoError(t, err)
	assert.Equal(t, PinPolicyMembers, conv.PinPolicy)
	require.Len(t, conv.Members, 3)
	assert.Equal(t, RoleAdmin, conv.Members[0].Role)

	events := f.rec.ofType(EventConversationNew)
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []int64{alice, bob, carol}, events[0].Audience)
}

func TestAddMembers(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, alice, bob)
	f.rec.reset()

	_, err := f.dir.AddMembers(f.ctx, conv.ID, bob, []int64{carol})
	assert.ErrorIs(t, err, ErrForbidden)

	view, err := f.dir.AddMembers(f.ctx, conv.ID, alice, []int64{carol, bob})
	require.NoError(t, err)
	assert.Len(t, view.Members, 3)

	assert.Equal(t, []string{EventConversationNew, EventConversationUpdated}, f.rec.types())
	events := f.rec.all()
	assert.Equal(t, []int64{carol}, events[0].Audience)
	assert.ElementsMatch(t, []int64{alice, bob}, events[1].Audience)
	assert.Equal(t, events[0].Seq, events[1].Seq)

	// everyone already present: nothing to commit
	f.rec.reset()
	_, err = f.dir.AddMembers(f.ctx, conv.ID, alice, []int64{bob, carol})
	require.NoError(t, err)
	assert.Empty(t, f.rec.all())

	direct := f.direct(t, alice, dave)
	_, err = f.dir.AddMembers(f.ctx, direct.ID, alice, []int64{erin})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, alice, bob, carol)
	f.rec.reset()

	assert.ErrorIs(t, f.dir.RemoveMember(f.ctx, conv.ID, bob, carol), ErrForbidden)
	require.NoError(t, f.dir.RemoveMember(f.ctx, conv.ID, alice, carol))

	events := f.rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventConversationRemoved, events[0].Type)
	assert.Equal(t, []int64{carol}, events[0].Audience)
	assert.Equal(t, RemovedKicked, events[0].Payload.(ConversationRemovedPayload).Reason)
	assert.ElementsMatch(t, []int64{alice, bob}, events[1].Audience)

	_, err := f.pipe.Send(f.ctx, carol, &SendMessageRequest{ConversationID: conv.ID, Content: "still here?"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, f.dir.RemoveMember(f.ctx, conv.ID, alice, carol), ErrNotFound)
}

func TestSoleAdminLeavePromotesEarliestMember(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, alice, carol, bob)
	f.clock.Advance(time.Hour)
	_, err := f.dir.AddMembers(f.ctx, conv.ID, alice, []int64{dave})
	require.NoError(t, err)
	f.rec.reset()

	require.NoError(t, f.dir.LeaveGroup(f.ctx, conv.ID, alice))

	members, err := f.dir.Members(f.ctx, conv.ID)
	require.NoError(t, err)
	roles := map[int64]string{}
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	// bob and carol joined together; the lower id wins the tie
	assert.Equal(t, map[int64]string{bob: RoleAdmin, carol: RoleMember, dave: RoleMember}, roles)

	events := f.rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventConversationRemoved, events[0].Type)
	assert.Equal(t, RemovedLeft, events[0].Payload.(ConversationRemovedPayload).Reason)
	assert.Equal(t, EventConversationUpdated, events[1].Type)
	assert.Equal(t, events[0].Seq+1, events[1].Seq)

	_, _, err = f.dir.Authorize(f.ctx, conv.ID, alice)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLeaveWithOtherAdminKeepsRoles(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, alice, bob, carol)
	c, err := f.repo.UpdateMemberRole(f.ctx, conv.ID, carol, RoleAdmin)
	require.NoError(t, err)
	f.seq.Skip(conv.ID, c.Seq)
	f.rec.reset()

	require.NoError(t, f.dir.LeaveGroup(f.ctx, conv.ID, alice))
	bobMember, err := f.repo.GetMember(f.ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, RoleMember, bobMember.Role)

	events := f.rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Seq, events[1].Seq)
}

func TestAuthorizeSeedsConversationOrder(t *testing.T) {
	f := newFixture(t)

	// stored by an earlier process: the sequencer has never seen it
	conv := &Conversation{Type: ConversationGroup, PinPolicy: PinPolicyMembers, CreatedBy: alice}
	_, err := f.repo.CreateConversation(f.ctx, conv, []*Member{
		{UserID: alice, Role: RoleAdmin},
		{UserID: bob, Role: RoleMember},
	})
	require.NoError(t, err)
	_, err = f.repo.UpdateMemberRole(f.ctx, conv.ID, bob, RoleAdmin)
	require.NoError(t, err)

	_, _, err = f.dir.Authorize(f.ctx, conv.ID, alice)
	require.NoError(t, err)

	f.seq.Submit(conv.ID, 4, &Event{Type: EventConversationUpdated, ConversationID: conv.ID, Seq: 4})
	assert.Empty(t, f.rec.all())
	assert.Equal(t, 1, f.seq.Pending(conv.ID))

	f.seq.Submit(conv.ID, 3, &Event{Type: EventConversationUpdated, ConversationID: conv.ID, Seq: 3})
	events := f.rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(4), events[1].Seq)
}

func TestHiddenConversationReappearsOnNewMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	f.send(t, alice, conv.ID, "first")
	f.rec.reset()

	f.clock.Advance(time.Second)
	require.NoError(t, f.dir.Hide(f.ctx, conv.ID, bob))
	removed := f.rec.ofType(EventConversationRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, []int64{bob}, removed[0].Audience)

	list, err := f.dir.ListConversations(f.ctx, bob, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = f.dir.ListConversations(f.ctx, alice, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	f.clock.Advance(time.Second)
	f.send(t, alice, conv.ID, "you there?")
	list, err = f.dir.ListConversations(f.ctx, bob, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)
}

func TestClearHistoryAndUnreadState(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	f.send(t, alice, conv.ID, "old news")
	f.send(t, alice, conv.ID, "older news")

	view, err := f.dir.GetConversation(f.ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, view.UnreadCount)

	f.clock.Advance(time.Second)
	require.NoError(t, f.dir.ClearHistory(f.ctx, conv.ID, bob))
	page, err := f.pipe.ListMessages(f.ctx, conv.ID, bob, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)

	f.clock.Advance(time.Second)
	fresh := f.send(t, alice, conv.ID, "fresh start")
	page, err = f.pipe.ListMessages(f.ctx, conv.ID, bob, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, fresh.ID, page[0].ID)

	page, err = f.pipe.ListMessages(f.ctx, conv.ID, alice, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	f.rec.reset()
	require.NoError(t, f.dir.MarkRead(f.ctx, conv.ID, bob))
	require.NoError(t, f.dir.MarkUnread(f.ctx, conv.ID, bob))
	states := f.rec.ofType(EventConversationUpdated)
	require.Len(t, states, 2)
	assert.Equal(t, 0, states[0].Payload.(ConversationStatePayload).UnreadCount)
	assert.Equal(t, 1, states[1].Payload.(ConversationStatePayload).UnreadCount)
	assert.Equal(t, []int64{bob}, states[1].Audience)
}
