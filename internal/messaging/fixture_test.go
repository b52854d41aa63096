// internal/messaging/fixture_test.go

package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	alice int64 = iota + 1
	bob
	carol
	dave
	erin
)

// recorder is a Publisher that keeps every event in publish order
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) Publish(ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

func (r *recorder) ofType(eventType string) []*Event {
	var out []*Event
	for _, ev := range r.all() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// hookedRepository lets a test step into or fail individual store calls
type hookedRepository struct {
	*MemoryRepository
	onGetMember  func(convID, userID int64)
	failStatuses bool
}

func (r *hookedRepository) GetMember(ctx context.Context, convID, userID int64) (*Member, error) {
	if r.onGetMember != nil {
		r.onGetMember(convID, userID)
	}
	return r.MemoryRepository.GetMember(ctx, convID, userID)
}

func (r *hookedRepository) CreateMessageStatuses(ctx context.Context, messageID int64, userIDs []int64) error {
	if r.failStatuses {
		return errors.New("status rows unavailable")
	}
	return r.MemoryRepository.CreateMessageStatuses(ctx, messageID, userIDs)
}

type fixture struct {
	ctx   context.Context
	repo  *MemoryRepository
	hooks *hookedRepository
	rec   *recorder
	seq   *Sequencer
	dir   *Directory
	pipe  *Pipeline
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...PipelineOption) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	for id, name := range map[int64]string{alice: "Alice", bob: "Bob", carol: "Carol", dave: "Dave", erin: "Erin"} {
		email := name + "@school.test"
		repo.PutUser(&UserInfo{ID: id, Username: name, DisplayName: name, Role: "student", Email: &email})
	}

	hooks := &hookedRepository{MemoryRepository: repo}

	rec := &recorder{}
	seq := NewSequencer(rec, time.Second)
	t.Cleanup(seq.Close)
	emit := NewEmitter(rec, seq)

	clock := newFakeClock()
	dir := NewDirectory(hooks, emit, PinPolicyMembers)
	dir.now = clock.Now

	opts = append([]PipelineOption{WithClock(clock.Now)}, opts...)
	pipe := NewPipeline(hooks, dir, emit, PipelineConfig{UndoWindow: 10 * time.Second, MaxContentLength: 100}, opts...)

	return &fixture{
		ctx:   context.Background(),
		repo:  repo,
		hooks: hooks,
		rec:   rec,
		seq:   seq,
		dir:   dir,
		pipe:  pipe,
		clock: clock,
	}
}

func (f *fixture) direct(t *testing.T, a, b int64) *Conversation {
	t.Helper()
	conv, _, err := f.dir.GetOrCreateDirect(f.ctx, a, b)
	require.NoError(t, err)
	return conv
}

func (f *fixture) group(t *testing.T, creator int64, members ...int64) *Conversation {
	t.Helper()
	conv, err := f.dir.CreateGroup(f.ctx, creator, &CreateGroupRequest{Name: "Physics 101", MemberIDs: members})
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, sender, convID int64, content string) *Message {
	t.Helper()
	msg, err := f.pipe.Send(f.ctx, sender, &SendMessageRequest{ConversationID: convID, Content: content})
	require.NoError(t, err)
	return msg
}
