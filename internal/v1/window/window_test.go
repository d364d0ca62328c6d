package window

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

var testIdentity = types.SessionIdentity{UserID: "user-1", Role: types.RoleTypeUser}

// mockTransport records outbound traffic and can be told to fail sends.
// onSend runs after each SendMessage, outside the transport lock, to model
// work that interleaves with an in-flight dispatch.
type mockTransport struct {
	mu      sync.Mutex
	joined  []types.ConversationIDType
	sent    []types.Message
	typing  []types.ConversationIDType
	sendErr error
	typeErr error
	onSend  func()
}

func (m *mockTransport) JoinConversation(id types.ConversationIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = append(m.joined, id)
}

func (m *mockTransport) SendMessage(msg types.Message) error {
	m.mu.Lock()
	err := m.sendErr
	if err == nil {
		m.sent = append(m.sent, msg)
	}
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (m *mockTransport) SendTyping(id types.ConversationIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.typeErr != nil {
		return m.typeErr
	}
	m.typing = append(m.typing, id)
	return nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) typingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.typing)
}

func (m *mockTransport) lastSent() types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func (m *mockTransport) failSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func openedController(t *testing.T, transport *mockTransport, history HistoryLoader, opts Options) *Controller {
	t.Helper()
	c := NewController("c1", testIdentity, transport, history, opts)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestOpenLoadsHistorySorted(t *testing.T) {
	now := time.Now()
	history := func(_ context.Context, id types.ConversationIDType) ([]types.Message, error) {
		assert.Equal(t, types.ConversationIDType("c1"), id)
		return []types.Message{
			{ID: "m2", ConversationID: "c1", Body: "later", CreatedAt: now},
			{ID: "m1", ConversationID: "c1", Body: "earlier", CreatedAt: now.Add(-time.Minute)},
		}, nil
	}

	transport := &mockTransport{}
	c := openedController(t, transport, history, Options{})

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, types.MessageIDType("m1"), msgs[0].ID)
	assert.Equal(t, types.MessageIDType("m2"), msgs[1].ID)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, []types.ConversationIDType{"c1"}, transport.joined)
}

func TestOpenWithFailedHistoryStillBecomesReady(t *testing.T) {
	history := func(context.Context, types.ConversationIDType) ([]types.Message, error) {
		return nil, errors.New("backend down")
	}

	c := openedController(t, &mockTransport{}, history, Options{})
	assert.Equal(t, StateReady, c.State())
	assert.Empty(t, c.Messages())
}

func TestSendAppendsOptimisticPending(t *testing.T) {
	transport := &mockTransport{}
	c := openedController(t, transport, nil, Options{})

	msg, err := c.Send("hello there")
	require.NoError(t, err)

	assert.Equal(t, types.DeliveryPending, msg.DeliveryState)
	assert.NotEmpty(t, msg.ID)
	assert.NotEmpty(t, msg.CorrelationID)
	assert.Equal(t, testIdentity.UserID, msg.SenderID)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, types.DeliveryPending, msgs[0].DeliveryState)
	assert.Equal(t, 1, transport.sentCount())
}

func TestSendRejectsInvalidBody(t *testing.T) {
	c := openedController(t, &mockTransport{}, nil, Options{})

	_, err := c.Send("")
	assert.Error(t, err)

	_, err = c.Send(strings.Repeat("x", 2001))
	assert.Error(t, err)

	assert.Empty(t, c.Messages())
}

func TestServerEchoMarksSentAndKeepsPosition(t *testing.T) {
	transport := &mockTransport{}
	c := openedController(t, transport, nil, Options{})

	first, err := c.Send("first")
	require.NoError(t, err)
	_, err = c.Send("second")
	require.NoError(t, err)

	// The server assigns its own id; the echo carries our correlation id
	serverTime := time.Now().Add(time.Second)
	c.HandleServerMessage(types.Message{
		ID:             "server-id-1",
		ConversationID: "c1",
		SenderID:       testIdentity.UserID,
		Body:           "first",
		CreatedAt:      serverTime,
		CorrelationID:  first.CorrelationID,
	})

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	// Position 0 is still the first message, now confirmed
	assert.Equal(t, types.MessageIDType("server-id-1"), msgs[0].ID)
	assert.Equal(t, types.DeliverySent, msgs[0].DeliveryState)
	assert.Equal(t, serverTime, msgs[0].CreatedAt)
	assert.Equal(t, types.DeliveryPending, msgs[1].DeliveryState)
}

func TestSendTimesOutToFailed(t *testing.T) {
	transport := &mockTransport{}
	c := openedController(t, transport, nil, Options{SendTimeout: 20 * time.Millisecond})

	msg, err := c.Send("no echo coming")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryPending, msg.DeliveryState)

	require.Eventually(t, func() bool {
		return c.Messages()[0].DeliveryState == types.DeliveryFailed
	}, time.Second, 5*time.Millisecond)
}

func TestTransportErrorFailsImmediately(t *testing.T) {
	transport := &mockTransport{}
	transport.failSends(types.ErrNotConnected)
	c := openedController(t, transport, nil, Options{})

	msg, err := c.Send("cannot go out")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryFailed, msg.DeliveryState)
	assert.Equal(t, types.DeliveryFailed, c.Messages()[0].DeliveryState)
}

func TestRetryUsesFreshCorrelationID(t *testing.T) {
	transport := &mockTransport{}
	transport.failSends(types.ErrNotConnected)
	c := openedController(t, transport, nil, Options{})

	failed, err := c.Send("try again later")
	require.NoError(t, err)
	require.Equal(t, types.DeliveryFailed, failed.DeliveryState)
	originalCorrelation := failed.CorrelationID

	transport.failSends(nil)
	retried, err := c.Retry(failed.ID)
	require.NoError(t, err)

	assert.Equal(t, types.DeliveryPending, retried.DeliveryState)
	assert.NotEqual(t, originalCorrelation, retried.CorrelationID)
	// Retry keeps the message in place instead of re-appending
	require.Len(t, c.Messages(), 1)
	assert.Equal(t, 1, transport.sentCount())
	assert.Equal(t, retried.CorrelationID, transport.lastSent().CorrelationID)
}

func TestRetryRejectsNonFailedMessages(t *testing.T) {
	transport := &mockTransport{}
	c := openedController(t, transport, nil, Options{})

	pending, err := c.Send("still in flight")
	require.NoError(t, err)

	_, err = c.Retry(pending.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = c.Retry("no-such-message")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestLateEchoAfterTimeoutDoesNotDuplicate(t *testing.T) {
	transport := &mockTransport{}
	c := openedController(t, transport, nil, Options{SendTimeout: 10 * time.Millisecond})

	msg, err := c.Send("slow echo")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Messages()[0].DeliveryState == types.DeliveryFailed
	}, time.Second, 5*time.Millisecond)

	// The echo finally lands after the timeout already failed the message.
	// Its correlation entry is gone, but it must not append a duplicate row.
	c.HandleServerMessage(types.Message{
		ID:             msg.ID,
		ConversationID: "c1",
		SenderID:       testIdentity.UserID,
		Body:           "slow echo",
		CreatedAt:      time.Now(),
		CorrelationID:  msg.CorrelationID,
	})

	assert.Len(t, c.Messages(), 1)
}

func TestIncomingMessageAppends(t *testing.T) {
	c := openedController(t, &mockTransport{}, nil, Options{})

	c.HandleServerMessage(types.Message{
		ID:             "m-peer",
		ConversationID: "c1",
		SenderID:       "peer-1",
		Body:           "hello back",
		CreatedAt:      time.Now(),
	})

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, types.DeliverySent, msgs[0].DeliveryState)
}

func TestNotifyTypingDebounces(t *testing.T) {
	transport := &mockTransport{}
	c := openedController(t, transport, nil, Options{TypingDebounce: time.Hour})

	c.NotifyTyping()
	c.NotifyTyping()
	c.NotifyTyping()

	assert.Equal(t, 1, transport.typingCount())
}

func TestTypingPeersExpire(t *testing.T) {
	c := openedController(t, &mockTransport{}, nil, Options{TypingExpiry: 20 * time.Millisecond})

	c.HandleTyping("peer-1")
	c.HandleTyping("peer-2")
	assert.Equal(t, []types.UserIDType{"peer-1", "peer-2"}, c.TypingPeers())

	require.Eventually(t, func() bool {
		return len(c.TypingPeers()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTypingRenewalExtendsExpiry(t *testing.T) {
	c := openedController(t, &mockTransport{}, nil, Options{TypingExpiry: 60 * time.Millisecond})

	c.HandleTyping("peer-1")
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		c.HandleTyping("peer-1")
		assert.Equal(t, []types.UserIDType{"peer-1"}, c.TypingPeers())
	}
}

func TestOwnTypingIsIgnored(t *testing.T) {
	c := openedController(t, &mockTransport{}, nil, Options{})

	c.HandleTyping(testIdentity.UserID)
	assert.Empty(t, c.TypingPeers())
}

func TestClosedWindowRejectsOperations(t *testing.T) {
	transport := &mockTransport{}
	c := openedController(t, transport, nil, Options{})
	c.Close()

	_, err := c.Send("too late")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.Retry("m1")
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, StateClosed, c.State())

	// Late events against a closed window are dropped silently
	c.HandleServerMessage(types.Message{ID: "m1", ConversationID: "c1", Body: "x"})
	c.HandleTyping("peer-1")
	assert.Empty(t, c.TypingPeers())
}

func TestCloseDuringDispatchStaysClosed(t *testing.T) {
	transport := &mockTransport{}
	c := openedController(t, transport, nil, Options{})
	transport.onSend = c.Close

	_, err := c.Send("racing a deactivate")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())

	_, err = c.Send("after close")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDuringFailedDispatchStaysClosed(t *testing.T) {
	transport := &mockTransport{}
	transport.failSends(types.ErrNotConnected)
	c := openedController(t, transport, nil, Options{})
	transport.onSend = c.Close

	_, err := c.Send("racing a deactivate")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())
}
