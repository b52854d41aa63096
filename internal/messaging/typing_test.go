// internal/messaging/typing_test.go

package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typingPayloads(rec *recorder) []TypingPayload {
	var out []TypingPayload
	for _, ev := range rec.ofType(EventTypingUpdate) {
		out = append(out, ev.Payload.(TypingPayload))
	}
	return out
}

func TestTypingStartAndStop(t *testing.T) {
	rec := &recorder{}
	tb := NewTypingBroadcaster(rec, time.Minute)
	defer tb.Close()

	tb.Start(3, alice)
	tb.Start(3, alice)
	tb.Start(3, bob)

	events := rec.ofType(EventTypingUpdate)
	require.Len(t, events, 2, "a renewal is not re-broadcast")
	assert.True(t, events[0].RoomOnly)
	assert.Equal(t, alice, events[0].ExceptUserID)
	assert.Equal(t, int64(3), events[0].ConversationID)
	assert.Equal(t, []int64{alice, bob}, tb.Snapshot(3))

	tb.Stop(3, alice)
	tb.Stop(3, alice)

	payloads := typingPayloads(rec)
	require.Len(t, payloads, 3)
	last := payloads[2]
	assert.False(t, last.IsTyping)
	assert.Equal(t, alice, last.UserID)
	assert.Equal(t, []int64{bob}, last.TypingUsers)
}

func TestTypingExpiresAfterQuietPeriod(t *testing.T) {
	rec := &recorder{}
	tb := NewTypingBroadcaster(rec, 30*time.Millisecond)
	defer tb.Close()

	tb.Start(3, carol)
	require.Eventually(t, func() bool {
		return len(tb.Snapshot(3)) == 0
	}, time.Second, 5*time.Millisecond)

	payloads := typingPayloads(rec)
	require.Len(t, payloads, 2)
	assert.True(t, payloads[0].IsTyping)
	assert.False(t, payloads[1].IsTyping)
	assert.Empty(t, payloads[1].TypingUsers)
}

func TestTypingRenewalPushesBackExpiry(t *testing.T) {
	rec := &recorder{}
	tb := NewTypingBroadcaster(rec, 80*time.Millisecond)
	defer tb.Close()

	tb.Start(3, carol)
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		tb.Start(3, carol)
	}
	assert.Equal(t, []int64{carol}, tb.Snapshot(3))
	assert.Len(t, rec.all(), 1)
}

func TestTypingStopUserClearsEveryConversation(t *testing.T) {
	rec := &recorder{}
	tb := NewTypingBroadcaster(rec, time.Minute)
	defer tb.Close()

	tb.Start(1, dave)
	tb.Start(2, dave)
	tb.Start(2, erin)
	rec.reset()

	tb.StopUser(dave)
	assert.Empty(t, tb.Snapshot(1))
	assert.Equal(t, []int64{erin}, tb.Snapshot(2))
	assert.Len(t, rec.all(), 2)
}

func TestTypingCloseIsSilent(t *testing.T) {
	rec := &recorder{}
	tb := NewTypingBroadcaster(rec, 10*time.Millisecond)

	tb.Start(1, alice)
	tb.Close()
	time.Sleep(30 * time.Millisecond)
	tb.Start(1, bob)

	assert.Len(t, rec.all(), 1)
	assert.Empty(t, tb.Snapshot(1))
}
