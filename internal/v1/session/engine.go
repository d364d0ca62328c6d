// Package session owns the chat core for one authenticated session.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/metrics"
	"github.com/lumenmarket/storefront-chat/internal/v1/socket"
	"github.com/lumenmarket/storefront-chat/internal/v1/state"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
	"github.com/lumenmarket/storefront-chat/internal/v1/window"
)

// ErrNoWindow is returned for message operations on a conversation that was
// never activated.
var ErrNoWindow = errors.New("conversation has no active window")

// EventSource is the transport surface the engine consumes. Implemented by
// socket.Client; faked in tests.
type EventSource interface {
	types.Transport
	Start(ctx context.Context)
	Events() <-chan socket.Event
	Close()
}

// Lister abstracts the conversation directory for the engine.
type Lister interface {
	Start(ctx context.Context)
	Stop()
	List() []types.Conversation
	Get(id types.ConversationIDType) (types.Conversation, bool)
	RecordActivity(id types.ConversationIDType, at time.Time, preview string) bool
	RequestRefresh()
	FetchMessages(ctx context.Context, id types.ConversationIDType) ([]types.Message, error)
}

// Engine wires the transport, state store, directory, and per-conversation
// windows for one session. It is constructed at session start and torn down
// at sign-out, never held as an ambient singleton.
//
// All socket and timer events funnel through one goroutine consuming the
// transport's event channel, so state mutations driven by the network happen
// one at a time.
type Engine struct {
	identity  types.SessionIdentity
	state     *state.Store
	directory Lister
	transport EventSource

	windowOpts window.Options

	mu      sync.Mutex
	windows map[types.ConversationIDType]*window.Controller

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Deps carries the collaborators for one session engine.
type Deps struct {
	Identity   types.SessionIdentity
	State      *state.Store
	Directory  Lister
	Transport  EventSource
	WindowOpts window.Options
}

// NewEngine restores persisted state, starts the directory poller and the
// transport, and begins consuming events.
func NewEngine(ctx context.Context, deps Deps) *Engine {
	e := &Engine{
		identity:   deps.Identity,
		state:      deps.State,
		directory:  deps.Directory,
		transport:  deps.Transport,
		windowOpts: deps.WindowOpts,
		windows:    make(map[types.ConversationIDType]*window.Controller),
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.state.Restore(e.ctx)
	e.directory.Start(e.ctx)
	e.transport.Start(e.ctx)

	e.wg.Add(1)
	go e.run()

	metrics.ActiveSessions.Inc()
	logging.Info(e.ctx, "Chat session engine started",
		zap.String("user_id", string(e.identity.UserID)),
		zap.String("role", string(e.identity.Role)))
	return e
}

// run consumes transport events until the event channel closes.
func (e *Engine) run() {
	defer e.wg.Done()

	for ev := range e.transport.Events() {
		switch ev.Kind {
		case socket.EventConnected:
			// Room re-joins happen inside the transport via the open set
			logging.Info(e.ctx, "Socket connected",
				zap.String("user_id", string(e.identity.UserID)))
		case socket.EventDisconnected:
			logging.Warn(e.ctx, "Socket disconnected, reconnecting",
				zap.String("user_id", string(e.identity.UserID)))
		case socket.EventMessage:
			e.handleIncoming(ev.Message)
		case socket.EventTyping:
			e.handleTyping(ev.Typing)
		}
	}
}

// handleIncoming runs the unread-accounting path exactly once per delivered
// message (the transport already de-duplicated by id) and routes the message
// to its window when one is open.
func (e *Engine) handleIncoming(msg types.Message) {
	// Own echoes confirm sends; they are never unread.
	if msg.SenderID != e.identity.UserID {
		e.state.RecordIncoming(e.ctx, msg)
	}

	if known := e.directory.RecordActivity(msg.ConversationID, msg.CreatedAt, preview(msg.Body)); !known {
		// New conversation created by the other party: pull the listing now
		e.directory.RequestRefresh()
	}

	e.mu.Lock()
	win := e.windows[msg.ConversationID]
	e.mu.Unlock()
	if win != nil {
		win.HandleServerMessage(msg)
	}
}

func (e *Engine) handleTyping(t types.TypingEvent) {
	e.mu.Lock()
	win := e.windows[t.ConversationID]
	e.mu.Unlock()
	if win != nil {
		win.HandleTyping(t.UserID)
	}
}

// preview truncates a message body for the directory listing.
func preview(body string) string {
	const max = 120
	if len(body) <= max {
		return body
	}
	return body[:max]
}

// --- Widget operations ---

// OpenWidget shows the widget, optionally opening a conversation.
func (e *Engine) OpenWidget(conversationID types.ConversationIDType) {
	e.state.Open(e.ctx, conversationID)
}

// CloseWidget collapses the widget, keeping open conversations.
func (e *Engine) CloseWidget() {
	e.state.Close(e.ctx)
}

// ToggleWidget flips widget visibility.
func (e *Engine) ToggleWidget() {
	e.state.Toggle(e.ctx)
}

// Activate focuses a conversation and opens its message window.
func (e *Engine) Activate(conversationID types.ConversationIDType) error {
	e.state.Activate(e.ctx, conversationID)

	e.mu.Lock()
	win, ok := e.windows[conversationID]
	if !ok {
		win = window.NewController(conversationID, e.identity, e.transport,
			e.directory.FetchMessages, e.windowOpts)
		e.windows[conversationID] = win
	}
	e.mu.Unlock()

	return win.Open(e.ctx)
}

// Deactivate closes a conversation's window and removes it from the open
// set. Deactivating the last open conversation hides the widget.
func (e *Engine) Deactivate(conversationID types.ConversationIDType) {
	e.state.Deactivate(e.ctx, conversationID)

	e.mu.Lock()
	win := e.windows[conversationID]
	delete(e.windows, conversationID)
	e.mu.Unlock()
	if win != nil {
		win.Close()
	}
}

// Send forwards a message through the conversation's window.
func (e *Engine) Send(conversationID types.ConversationIDType, body string) (types.Message, error) {
	win, err := e.window(conversationID)
	if err != nil {
		return types.Message{}, err
	}
	return win.Send(body)
}

// Retry re-sends a failed message with a fresh correlation id.
func (e *Engine) Retry(conversationID types.ConversationIDType, messageID types.MessageIDType) (types.Message, error) {
	win, err := e.window(conversationID)
	if err != nil {
		return types.Message{}, err
	}
	return win.Retry(messageID)
}

// Typing emits a debounced typing notification.
func (e *Engine) Typing(conversationID types.ConversationIDType) error {
	win, err := e.window(conversationID)
	if err != nil {
		return err
	}
	win.NotifyTyping()
	return nil
}

// Messages returns the window timeline for a conversation.
func (e *Engine) Messages(conversationID types.ConversationIDType) ([]types.Message, error) {
	win, err := e.window(conversationID)
	if err != nil {
		return nil, err
	}
	return win.Messages(), nil
}

// TypingPeers lists users currently typing in a conversation.
func (e *Engine) TypingPeers(conversationID types.ConversationIDType) ([]types.UserIDType, error) {
	win, err := e.window(conversationID)
	if err != nil {
		return nil, err
	}
	return win.TypingPeers(), nil
}

// Snapshot returns the widget state for badges and visibility.
func (e *Engine) Snapshot() state.Snapshot {
	return e.state.Snapshot()
}

// Conversations returns the cached listing, most recent activity first.
func (e *Engine) Conversations() []types.Conversation {
	return e.directory.List()
}

func (e *Engine) window(conversationID types.ConversationIDType) (*window.Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	win, ok := e.windows[conversationID]
	if !ok {
		return nil, ErrNoWindow
	}
	return win, nil
}

// Close tears the session down: stops the poller and the socket, closes
// every window, and waits for the event loop so no callback fires against a
// torn-down session.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.directory.Stop()
		e.transport.Close()

		e.mu.Lock()
		for id, win := range e.windows {
			win.Close()
			delete(e.windows, id)
		}
		e.mu.Unlock()

		e.wg.Wait()
		metrics.ActiveSessions.Dec()
		logging.Info(context.Background(), "Chat session engine closed",
			zap.String("user_id", string(e.identity.UserID)))
	})
}

// SignOut closes the engine and clears the persisted state record.
func (e *Engine) SignOut() {
	e.Close()
	e.state.SignOut(context.Background())
}
