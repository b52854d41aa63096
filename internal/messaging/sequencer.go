// internal/messaging/sequencer.go

package messaging

import (
	"sync"
	"time"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"go.uber.org/zap"
)

// Sequencer releases conversation events in commit order. Handlers finish in
// any order; events committed at seq N are held until N-1 has been released
// or skipped. A gap that stays open for the gap timeout is abandoned.
type Sequencer struct {
	mu      sync.Mutex
	out     Publisher
	gap     time.Duration
	streams map[int64]*stream
	closed  bool
}

type stream struct {
	next     int64
	pending  map[int64][]*Event
	timer    *time.Timer
	armed    uint64
	released bool
}

func NewSequencer(out Publisher, gapTimeout time.Duration) *Sequencer {
	return &Sequencer{
		out:     out,
		gap:     gapTimeout,
		streams: make(map[int64]*stream),
	}
}

// Submit queues the events committed at seq. Submitting no events marks the
// seq as consumed without output.
func (s *Sequencer) Submit(convID, seq int64, events ...*Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	st, ok := s.streams[convID]
	if !ok {
		// First sight of this conversation in this process
		st = &stream{next: seq, pending: make(map[int64][]*Event)}
		s.streams[convID] = st
	}

	if seq < st.next {
		logger.Log.Debug("sequencer_late_event",
			zap.Int64("conversation_id", convID),
			zap.Int64("seq", seq),
			zap.Int64("next", st.next))
		s.emit(events)
		return
	}

	st.pending[seq] = append([]*Event{}, events...)
	s.drain(convID, st)
}

// Observe seeds the stream of a conversation with the next seq read from the
// store before a commit. Until the stream releases anything, an older reading
// lowers the start so a commit that overtook an earlier one is held behind it.
func (s *Sequencer) Observe(convID, next int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || next <= 0 {
		return
	}
	st, ok := s.streams[convID]
	if !ok {
		s.streams[convID] = &stream{next: next, pending: make(map[int64][]*Event)}
		return
	}
	if !st.released && next < st.next {
		st.next = next
		s.drain(convID, st)
	}
}

// Skip marks seq as consumed by an operation that publishes nothing
func (s *Sequencer) Skip(convID, seq int64) {
	s.Submit(convID, seq)
}

// Pending reports how many commits are buffered behind a gap
func (s *Sequencer) Pending(convID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[convID]; ok {
		return len(st.pending)
	}
	return 0
}

// Close stops gap timers; later submissions are dropped
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, st := range s.streams {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

// drain releases every consecutive commit starting at st.next; caller holds s.mu
func (s *Sequencer) drain(convID int64, st *stream) {
	for {
		events, ok := st.pending[st.next]
		if !ok {
			break
		}
		delete(st.pending, st.next)
		st.next++
		st.released = true
		s.emit(events)
	}

	if len(st.pending) == 0 {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		return
	}
	if st.timer == nil {
		st.armed++
		gen := st.armed
		st.timer = time.AfterFunc(s.gap, func() { s.expire(convID, gen) })
	}
}

func (s *Sequencer) expire(convID int64, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[convID]
	if !ok || s.closed || st.timer == nil || st.armed != gen {
		// stopped or superseded while waiting for the lock
		return
	}
	st.timer = nil
	if len(st.pending) == 0 {
		return
	}

	lowest := int64(-1)
	for seq := range st.pending {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	logger.Log.Warn("sequencer_gap_skipped",
		zap.Int64("conversation_id", convID),
		zap.Int64("from", st.next),
		zap.Int64("to", lowest-1))
	sequencerGapsTotal.Inc()

	st.next = lowest
	st.released = true
	s.drain(convID, st)
}

func (s *Sequencer) emit(events []*Event) {
	for _, ev := range events {
		s.out.Publish(ev)
	}
}

// keyedMutex serialises work per key, e.g. per message id between
// validation and commit. Entries are dropped once no goroutine holds them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
