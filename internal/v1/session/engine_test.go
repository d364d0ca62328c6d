package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lumenmarket/storefront-chat/internal/v1/socket"
	"github.com/lumenmarket/storefront-chat/internal/v1/state"
	"github.com/lumenmarket/storefront-chat/internal/v1/store"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testIdentity = types.SessionIdentity{UserID: "user-1", Role: types.RoleTypeUser}

// fakeTransport implements EventSource with a test-driven event channel.
type fakeTransport struct {
	events chan socket.Event

	mu     sync.Mutex
	joined []types.ConversationIDType
	sent   []types.Message
	typed  []types.ConversationIDType

	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan socket.Event, 16)}
}

func (f *fakeTransport) Start(context.Context) {}

func (f *fakeTransport) Events() <-chan socket.Event { return f.events }

func (f *fakeTransport) Close() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeTransport) JoinConversation(id types.ConversationIDType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
}

func (f *fakeTransport) SendMessage(msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) SendTyping(id types.ConversationIDType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, id)
	return nil
}

func (f *fakeTransport) push(ev socket.Event) { f.events <- ev }

// fakeDirectory implements Lister backed by a plain map.
type fakeDirectory struct {
	mu        sync.Mutex
	entries   map[types.ConversationIDType]types.Conversation
	refreshes int
	history   []types.Message
}

func newFakeDirectory(ids ...types.ConversationIDType) *fakeDirectory {
	entries := make(map[types.ConversationIDType]types.Conversation, len(ids))
	for _, id := range ids {
		entries[id] = types.Conversation{ID: id}
	}
	return &fakeDirectory{entries: entries}
}

func (f *fakeDirectory) Start(context.Context) {}
func (f *fakeDirectory) Stop()                 {}

func (f *fakeDirectory) List() []types.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Conversation, 0, len(f.entries))
	for _, c := range f.entries {
		out = append(out, c)
	}
	return out
}

func (f *fakeDirectory) Get(id types.ConversationIDType) (types.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.entries[id]
	return c, ok
}

func (f *fakeDirectory) RecordActivity(id types.ConversationIDType, at time.Time, preview string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.entries[id]
	if !ok {
		return false
	}
	c.LastMessageAt = at
	c.LastMessagePreview = preview
	f.entries[id] = c
	return true
}

func (f *fakeDirectory) RequestRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

func (f *fakeDirectory) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeDirectory) FetchMessages(context.Context, types.ConversationIDType) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func newTestEngine(t *testing.T, dir *fakeDirectory) (*Engine, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	eng := NewEngine(context.Background(), Deps{
		Identity:  testIdentity,
		State:     state.New(testIdentity, store.NewMemoryStore()),
		Directory: dir,
		Transport: transport,
	})
	t.Cleanup(eng.Close)
	return eng, transport
}

func incoming(conv types.ConversationIDType, id, sender string) types.Message {
	return types.Message{
		ID:             types.MessageIDType(id),
		ConversationID: conv,
		SenderID:       types.UserIDType(sender),
		Body:           "hello",
		CreatedAt:      time.Now(),
		DeliveryState:  types.DeliverySent,
	}
}

func TestIncomingMessageIncrementsUnread(t *testing.T) {
	eng, transport := newTestEngine(t, newFakeDirectory("c1"))

	transport.push(socket.Event{Kind: socket.EventMessage, Message: incoming("c1", "m1", "peer-1")})

	require.Eventually(t, func() bool {
		return eng.Snapshot().UnreadCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestIncomingForActiveConversationStaysRead(t *testing.T) {
	eng, transport := newTestEngine(t, newFakeDirectory("c1"))
	require.NoError(t, eng.Activate("c1"))

	transport.push(socket.Event{Kind: socket.EventMessage, Message: incoming("c1", "m1", "peer-1")})

	// The message lands on the active window without touching unread
	require.Eventually(t, func() bool {
		msgs, err := eng.Messages("c1")
		return err == nil && len(msgs) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, eng.Snapshot().UnreadCount)
}

func TestOwnEchoDoesNotCountAsUnread(t *testing.T) {
	eng, transport := newTestEngine(t, newFakeDirectory("c1"))

	echo := incoming("c1", "m1", string(testIdentity.UserID))
	transport.push(socket.Event{Kind: socket.EventMessage, Message: echo})
	transport.push(socket.Event{Kind: socket.EventMessage, Message: incoming("c1", "m2", "peer-1")})

	require.Eventually(t, func() bool {
		return eng.Snapshot().UnreadCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestIncomingUpdatesDirectoryActivity(t *testing.T) {
	dir := newFakeDirectory("c1")
	_, transport := newTestEngine(t, dir)

	transport.push(socket.Event{Kind: socket.EventMessage, Message: incoming("c1", "m1", "peer-1")})

	require.Eventually(t, func() bool {
		c, ok := dir.Get("c1")
		return ok && c.LastMessagePreview == "hello"
	}, time.Second, 10*time.Millisecond)
}

func TestUnknownConversationTriggersRefresh(t *testing.T) {
	dir := newFakeDirectory("c1")
	_, transport := newTestEngine(t, dir)

	transport.push(socket.Event{Kind: socket.EventMessage, Message: incoming("c-brand-new", "m1", "peer-1")})

	require.Eventually(t, func() bool {
		return dir.refreshCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestActivateOpensWindowAndJoinsRoom(t *testing.T) {
	eng, transport := newTestEngine(t, newFakeDirectory("c1"))

	require.NoError(t, eng.Activate("c1"))

	snap := eng.Snapshot()
	assert.True(t, snap.IsOpen)
	assert.Equal(t, types.ConversationIDType("c1"), snap.ActiveConversationID)

	transport.mu.Lock()
	joined := append([]types.ConversationIDType(nil), transport.joined...)
	transport.mu.Unlock()
	assert.Equal(t, []types.ConversationIDType{"c1"}, joined)
}

func TestSendRequiresActiveWindow(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeDirectory("c1"))

	_, err := eng.Send("c1", "hello")
	assert.ErrorIs(t, err, ErrNoWindow)

	require.NoError(t, eng.Activate("c1"))
	msg, err := eng.Send("c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryPending, msg.DeliveryState)
}

func TestTypingEventReachesWindow(t *testing.T) {
	eng, transport := newTestEngine(t, newFakeDirectory("c1"))
	require.NoError(t, eng.Activate("c1"))

	transport.push(socket.Event{Kind: socket.EventTyping, Typing: types.TypingEvent{
		ConversationID: "c1",
		UserID:         "peer-1",
	}})

	require.Eventually(t, func() bool {
		peers, err := eng.TypingPeers("c1")
		return err == nil && len(peers) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDeactivateClosesWindow(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeDirectory("c1"))
	require.NoError(t, eng.Activate("c1"))

	eng.Deactivate("c1")

	_, err := eng.Messages("c1")
	assert.ErrorIs(t, err, ErrNoWindow)
	assert.False(t, eng.Snapshot().IsOpen)
}

func TestWidgetToggleRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeDirectory("c1"))

	eng.ToggleWidget()
	assert.True(t, eng.Snapshot().IsOpen)
	eng.ToggleWidget()
	assert.False(t, eng.Snapshot().IsOpen)
}

func TestSignOutResetsState(t *testing.T) {
	persist := store.NewMemoryStore()
	transport := newFakeTransport()
	eng := NewEngine(context.Background(), Deps{
		Identity:  testIdentity,
		State:     state.New(testIdentity, persist),
		Directory: newFakeDirectory("c1"),
		Transport: transport,
	})

	require.NoError(t, eng.Activate("c1"))
	eng.SignOut()

	_, err := persist.Load(context.Background(), testIdentity.UserID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap := eng.Snapshot()
	assert.False(t, snap.IsOpen)
	assert.Empty(t, snap.OpenConversationIDs)
}

func TestCloseIsIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeDirectory("c1"))
	eng.Close()
	eng.Close()
}
