// internal/messaging/sequencer_test.go

package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqEvent(seq int64) *Event {
	return &Event{Type: EventMessageNew, ConversationID: 7, Seq: seq}
}

func seqs(events []*Event) []int64 {
	out := make([]int64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Seq)
	}
	return out
}

func TestSequencerReleasesInOrder(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(rec, time.Minute)
	defer s.Close()

	s.Submit(7, 1, seqEvent(1))
	s.Submit(7, 3, seqEvent(3))
	s.Submit(7, 4, seqEvent(4))
	assert.Equal(t, []int64{1}, seqs(rec.all()))
	assert.Equal(t, 2, s.Pending(7))

	s.Submit(7, 2, seqEvent(2))
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs(rec.all()))
	assert.Equal(t, 0, s.Pending(7))
}

func TestSequencerSkipClosesGap(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(rec, time.Minute)
	defer s.Close()

	s.Submit(7, 10, seqEvent(10))
	s.Submit(7, 12, seqEvent(12))
	s.Skip(7, 11)

	assert.Equal(t, []int64{10, 12}, seqs(rec.all()))
}

func TestSequencerObservedStartHoldsOvertakingCommit(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(rec, time.Minute)
	defer s.Close()

	// both handlers read the conversation at event seq 4 before committing
	s.Observe(9, 5)
	s.Submit(9, 6, seqEvent(6))
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, s.Pending(9))

	s.Submit(9, 5, seqEvent(5))
	assert.Equal(t, []int64{5, 6}, seqs(rec.all()))
}

func TestSequencerOlderObservationLowersStartUntilRelease(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(rec, time.Minute)
	defer s.Close()

	s.Observe(9, 6)
	s.Observe(9, 5)
	s.Submit(9, 6, seqEvent(6))
	assert.Empty(t, rec.all())

	s.Submit(9, 5, seqEvent(5))
	assert.Equal(t, []int64{5, 6}, seqs(rec.all()))

	// a stale reading after release changes nothing
	s.Observe(9, 3)
	s.Submit(9, 7, seqEvent(7))
	assert.Equal(t, []int64{5, 6, 7}, seqs(rec.all()))
	assert.Equal(t, 0, s.Pending(9))
}

func TestSequencerStreamsAreIndependent(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(rec, time.Minute)
	defer s.Close()

	s.Submit(1, 5, &Event{Seq: 5, ConversationID: 1})
	s.Submit(1, 7, &Event{Seq: 7, ConversationID: 1})
	s.Submit(2, 1, &Event{Seq: 1, ConversationID: 2})

	assert.Equal(t, []int64{5, 1}, seqs(rec.all()))
	assert.Equal(t, 1, s.Pending(1))
	assert.Equal(t, 0, s.Pending(2))
}

func TestSequencerGapTimeout(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(rec, 20*time.Millisecond)
	defer s.Close()

	s.Submit(7, 1, seqEvent(1))
	s.Submit(7, 3, seqEvent(3))

	require.Eventually(t, func() bool {
		return len(rec.all()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 3}, seqs(rec.all()))

	// the missing commit shows up after it was given up on
	s.Submit(7, 2, seqEvent(2))
	assert.Equal(t, []int64{1, 3, 2}, seqs(rec.all()))

	s.Submit(7, 4, seqEvent(4))
	assert.Equal(t, []int64{1, 3, 2, 4}, seqs(rec.all()))
}

func TestSequencerDropsAfterClose(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(rec, time.Minute)
	s.Close()

	s.Submit(7, 1, seqEvent(1))
	assert.Empty(t, rec.all())
}

func TestEmitterSkipsUnchangedCommits(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(rec, time.Minute)
	defer s.Close()
	e := NewEmitter(rec, s)

	e.Commit(9, Commit{Seq: 1, Changed: true}, &Event{Type: EventMessageNew})
	e.Commit(9, Commit{}, &Event{Type: EventMessageEdited})
	e.Abandon(9, Commit{Seq: 2, Changed: true})
	e.Commit(9, Commit{Seq: 3, Changed: true}, &Event{Type: EventMessageRecalled}, &Event{Type: EventMessageUnpinned})
	e.Direct(&Event{Type: EventMessageDeleted, Audience: []int64{bob}})

	got := rec.all()
	require.Len(t, got, 4)
	assert.Equal(t, []string{EventMessageNew, EventMessageRecalled, EventMessageUnpinned, EventMessageDeleted}, rec.types())
	assert.Equal(t, int64(9), got[1].ConversationID)
	assert.Equal(t, int64(3), got[2].Seq)
	assert.Equal(t, int64(0), got[3].Seq)
	assert.False(t, got[3].Timestamp.IsZero())
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		peak    int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("msg:1")
			defer unlock()

			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	assert.Empty(t, k.locks)

	// distinct keys do not block each other
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	unlockB()
	unlockA()
}
