// Package window drives the message timeline for one active conversation.
package window

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/metrics"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

// State is the controller lifecycle. Sending and Receiving are transient
// within a single synchronous operation; callers observe Idle, Loading,
// Ready, or Closed.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateSending   State = "sending"
	StateReceiving State = "receiving"
	StateClosed    State = "closed"
)

var (
	// ErrClosed is returned for operations on a deactivated window.
	ErrClosed = errors.New("message window closed")
	// ErrNotRetryable is returned when retrying a message that is not failed.
	ErrNotRetryable = errors.New("message is not in a failed state")
)

// HistoryLoader fetches recent messages when a window opens. Failures are
// soft: the window opens empty and fills from live traffic.
type HistoryLoader func(ctx context.Context, id types.ConversationIDType) ([]types.Message, error)

// Controller reconciles optimistic sends with server echoes and keeps the
// displayed order stable. A pending message keeps its insertion position even
// if its eventual server timestamp would re-order it; re-sorting under the
// user's cursor is worse than a slightly unordered tail.
type Controller struct {
	conversationID types.ConversationIDType
	identity       types.SessionIdentity
	transport      types.Transport
	history        HistoryLoader

	sendTimeout    time.Duration
	typingDebounce time.Duration
	typingExpiry   time.Duration

	mu       sync.Mutex
	state    State
	messages []types.Message

	// correlation table: client id -> index into messages. Entries are
	// removed on resolution to bound memory.
	pending    map[types.CorrelationIDType]int
	sendTimers map[types.CorrelationIDType]*time.Timer
	sentAt     map[types.CorrelationIDType]time.Time

	lastTypingEmit time.Time
	typingPeers    map[types.UserIDType]*time.Timer
}

// Options bundles the timing knobs; zero values take the widget defaults.
type Options struct {
	SendTimeout    time.Duration
	TypingDebounce time.Duration
	TypingExpiry   time.Duration
}

// NewController creates an idle window for one conversation.
func NewController(conversationID types.ConversationIDType, identity types.SessionIdentity, transport types.Transport, history HistoryLoader, opts Options) *Controller {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = 2 * time.Second
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = 5 * time.Second
	}
	return &Controller{
		conversationID: conversationID,
		identity:       identity,
		transport:      transport,
		history:        history,
		sendTimeout:    opts.SendTimeout,
		typingDebounce: opts.TypingDebounce,
		typingExpiry:   opts.TypingExpiry,
		state:          StateIdle,
		pending:        make(map[types.CorrelationIDType]int),
		sendTimers:     make(map[types.CorrelationIDType]*time.Timer),
		sentAt:         make(map[types.CorrelationIDType]time.Time),
		typingPeers:    make(map[types.UserIDType]*time.Timer),
	}
}

// Open loads history and joins the conversation room. History failures leave
// an empty timeline; the window still becomes Ready.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLoading
	c.mu.Unlock()

	var loaded []types.Message
	if c.history != nil {
		msgs, err := c.history(ctx, c.conversationID)
		if err != nil {
			logging.Warn(ctx, "History load failed, opening empty window",
				zap.String("conversation_id", string(c.conversationID)), zap.Error(err))
		} else {
			loaded = msgs
		}
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })
	c.messages = loaded
	c.state = StateReady
	c.mu.Unlock()

	c.transport.JoinConversation(c.conversationID)
	return nil
}

// Send appends an optimistic pending message and forwards it upstream. A
// transport failure marks the message failed immediately; otherwise a timer
// marks it failed if no echo arrives in time. The message is returned in its
// current delivery state; send problems are signalled through that state,
// never as a panic or a dropped message.
func (c *Controller) Send(body string) (types.Message, error) {
	msg := types.Message{
		ID:             types.MessageIDType(uuid.New().String()),
		ConversationID: c.conversationID,
		SenderID:       c.identity.UserID,
		Body:           body,
		CreatedAt:      time.Now(),
		DeliveryState:  types.DeliveryPending,
		CorrelationID:  types.CorrelationIDType(uuid.New().String()),
	}
	if err := msg.Validate(); err != nil {
		return types.Message{}, err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return types.Message{}, ErrClosed
	}
	c.state = StateSending
	c.messages = append(c.messages, msg)
	idx := len(c.messages) - 1
	c.pending[msg.CorrelationID] = idx
	c.sentAt[msg.CorrelationID] = time.Now()
	c.mu.Unlock()

	return c.dispatch(msg)
}

// Retry re-sends a failed message with a fresh correlation id. Retries are
// always user-initiated; nothing in this package re-sends on its own.
func (c *Controller) Retry(messageID types.MessageIDType) (types.Message, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return types.Message{}, ErrClosed
	}

	idx := -1
	for i := range c.messages {
		if c.messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 || c.messages[idx].DeliveryState != types.DeliveryFailed {
		c.mu.Unlock()
		return types.Message{}, ErrNotRetryable
	}

	c.state = StateSending
	c.messages[idx].DeliveryState = types.DeliveryPending
	c.messages[idx].CorrelationID = types.CorrelationIDType(uuid.New().String())
	msg := c.messages[idx]
	c.pending[msg.CorrelationID] = idx
	c.sentAt[msg.CorrelationID] = time.Now()
	c.mu.Unlock()

	return c.dispatch(msg)
}

// dispatch forwards the message and arms the echo timeout.
func (c *Controller) dispatch(msg types.Message) (types.Message, error) {
	if err := c.transport.SendMessage(msg); err != nil {
		logging.Warn(context.Background(), "Send failed at transport",
			zap.String("conversation_id", string(c.conversationID)), zap.Error(err))
		c.markFailed(msg.CorrelationID)
		c.mu.Lock()
		out := c.messages[c.indexOfLocked(msg.ID)]
		if c.state != StateClosed {
			c.state = StateReady
		}
		c.mu.Unlock()
		return out, nil
	}

	c.mu.Lock()
	// A Close landing between Send's unlock and here must stay terminal;
	// no timer is armed and the state is left untouched.
	if c.state == StateClosed {
		c.mu.Unlock()
		return msg, nil
	}
	correlationID := msg.CorrelationID
	c.sendTimers[correlationID] = time.AfterFunc(c.sendTimeout, func() {
		c.markFailed(correlationID)
	})
	c.state = StateReady
	c.mu.Unlock()
	return msg, nil
}

// markFailed flips a still-pending message to failed and drops its
// correlation entry.
func (c *Controller) markFailed(correlationID types.CorrelationIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.pending[correlationID]
	if !ok {
		return
	}
	c.messages[idx].DeliveryState = types.DeliveryFailed
	c.resolveLocked(correlationID)
	metrics.MessagesSent.WithLabelValues("failed").Inc()
}

// HandleServerMessage routes one delivered message for this conversation:
// an echo of a pending send resolves through the correlation table, anything
// else is appended as incoming.
func (c *Controller) HandleServerMessage(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}

	if msg.CorrelationID != "" {
		if idx, ok := c.pending[msg.CorrelationID]; ok {
			// Keep the optimistic position; adopt server id and timestamp.
			c.messages[idx].ID = msg.ID
			c.messages[idx].CreatedAt = msg.CreatedAt
			c.messages[idx].DeliveryState = types.DeliverySent
			if started, ok := c.sentAt[msg.CorrelationID]; ok {
				metrics.SendEchoDuration.Observe(time.Since(started).Seconds())
			}
			c.resolveLocked(msg.CorrelationID)
			metrics.MessagesSent.WithLabelValues("sent").Inc()
			return
		}
	}

	// A late echo after timeout, or history overlap, can re-deliver a
	// message already on the timeline.
	for i := range c.messages {
		if c.messages[i].ID == msg.ID {
			return
		}
	}

	c.state = StateReceiving
	msg.DeliveryState = types.DeliverySent
	c.messages = append(c.messages, msg)
	c.state = StateReady
}

// resolveLocked removes the correlation-table entry and stops its timer.
func (c *Controller) resolveLocked(correlationID types.CorrelationIDType) {
	delete(c.pending, correlationID)
	delete(c.sentAt, correlationID)
	if t, ok := c.sendTimers[correlationID]; ok {
		t.Stop()
		delete(c.sendTimers, correlationID)
	}
}

// NotifyTyping emits a typing event, at most one per debounce window.
func (c *Controller) NotifyTyping() {
	c.mu.Lock()
	if c.state == StateClosed || time.Since(c.lastTypingEmit) < c.typingDebounce {
		c.mu.Unlock()
		return
	}
	c.lastTypingEmit = time.Now()
	c.mu.Unlock()

	if err := c.transport.SendTyping(c.conversationID); err != nil {
		// Typing is best effort; the indicator just won't show remotely
		logging.Warn(context.Background(), "Typing emit failed", zap.Error(err))
	}
}

// HandleTyping records a peer's typing indicator and arms its expiry.
func (c *Controller) HandleTyping(userID types.UserIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || userID == c.identity.UserID {
		return
	}
	if t, ok := c.typingPeers[userID]; ok {
		t.Stop()
	}
	c.typingPeers[userID] = time.AfterFunc(c.typingExpiry, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.typingPeers, userID)
	})
}

// TypingPeers lists users currently typing, ids ascending.
func (c *Controller) TypingPeers() []types.UserIDType {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.UserIDType, 0, len(c.typingPeers))
	for id := range c.typingPeers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Messages returns a copy of the timeline in display order.
func (c *Controller) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close moves the window to its terminal state and stops every timer so no
// callback can fire against a deactivated conversation.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	for id, t := range c.sendTimers {
		t.Stop()
		delete(c.sendTimers, id)
	}
	for id, t := range c.typingPeers {
		t.Stop()
		delete(c.typingPeers, id)
	}
	c.pending = make(map[types.CorrelationIDType]int)
	c.sentAt = make(map[types.CorrelationIDType]time.Time)
}

func (c *Controller) indexOfLocked(id types.MessageIDType) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return len(c.messages) - 1
}
