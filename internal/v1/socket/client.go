// Package socket maintains the realtime connection for one chat session.
package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/metrics"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

const (
	writeWait        = 10 * time.Second
	initialBackoff   = 500 * time.Millisecond
	maxBackoff       = 30 * time.Second
	dedupWindow      = 1024
	eventBufferSize  = 256
	handshakeTimeout = 10 * time.Second
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// DialFunc establishes one connection attempt. Swapped out in tests.
type DialFunc func(ctx context.Context) (wsConnection, error)

// Config carries the dependencies for one session's transport.
type Config struct {
	URL      string
	Token    string
	Identity types.SessionIdentity

	// OpenConversations supplies the rooms to re-join after every
	// (re)connect; membership is not server-persisted across disconnects.
	OpenConversations func() []types.ConversationIDType

	// Dial overrides the default websocket dialer. Nil uses the real one.
	Dial DialFunc
}

// Client holds exactly one realtime connection per session and reconnects
// with capped exponential backoff. Incoming messages are de-duplicated by id
// so unread accounting sees each message exactly once, no matter how many
// surfaces listen.
type Client struct {
	cfg    Config
	events chan Event

	mu        sync.RWMutex
	conn      wsConnection
	connected bool

	seen      map[types.MessageIDType]struct{}
	seenOrder []types.MessageIDType

	writeMu sync.Mutex

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient creates a transport for the session. The connection is not
// established until Start.
func NewClient(cfg Config) *Client {
	if cfg.Dial == nil {
		cfg.Dial = defaultDial(cfg)
	}
	return &Client{
		cfg:    cfg,
		events: make(chan Event, eventBufferSize),
		seen:   make(map[types.MessageIDType]struct{}, dedupWindow),
	}
}

func defaultDial(cfg Config) DialFunc {
	return func(ctx context.Context) (wsConnection, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+cfg.Token)
		conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
		return conn, err
	}
}

// Events returns the channel the session engine consumes. Closed after Close
// once the run loop has exited.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Start launches the connect/read loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// run reconnects forever until the context is cancelled.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.events)

	backoff := initialBackoff
	for {
		conn, err := c.cfg.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.SocketReconnects.WithLabelValues("error").Inc()
			logging.Warn(ctx, "Socket connect failed, backing off",
				zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		if ctx.Err() != nil {
			// Closed while the dial was in flight
			_ = conn.Close()
			return
		}

		backoff = initialBackoff
		metrics.SocketReconnects.WithLabelValues("ok").Inc()
		metrics.IncConnection()

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.emit(ctx, Event{Kind: EventConnected})
		c.rejoinRooms(ctx)

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		metrics.DecConnection()

		if ctx.Err() != nil {
			return
		}
		c.emit(ctx, Event{Kind: EventDisconnected})
	}
}

// rejoinRooms re-subscribes every open conversation after a (re)connect.
func (c *Client) rejoinRooms(ctx context.Context) {
	if c.cfg.OpenConversations == nil {
		return
	}
	for _, id := range c.cfg.OpenConversations() {
		c.JoinConversation(id)
	}
	logging.Info(ctx, "Re-joined open conversation rooms",
		zap.String("user_id", string(c.cfg.Identity.UserID)))
}

// readLoop decodes frames until the connection errors or the context ends.
func (c *Client) readLoop(ctx context.Context, conn wsConnection) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(ctx, "Failed to unmarshal socket frame", zap.Error(err))
			continue
		}

		switch env.Event {
		case eventReceiveMessage:
			var msg types.Message
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				logging.Warn(ctx, "Failed to unmarshal incoming message", zap.Error(err))
				continue
			}
			if c.isDuplicate(msg.ID) {
				metrics.DuplicateMessages.Inc()
				continue
			}
			metrics.MessagesReceived.Inc()
			c.emit(ctx, Event{Kind: EventMessage, Message: msg})
		case eventTyping:
			var t types.TypingEvent
			if err := json.Unmarshal(env.Payload, &t); err != nil {
				logging.Warn(ctx, "Failed to unmarshal typing event", zap.Error(err))
				continue
			}
			c.emit(ctx, Event{Kind: EventTyping, Typing: t})
		default:
			logging.Warn(ctx, "Ignoring unknown socket event", zap.String("event", env.Event))
		}
	}
}

// isDuplicate records the id and reports whether it was already delivered.
// The window is bounded so the table cannot grow without limit.
func (c *Client) isDuplicate(id types.MessageIDType) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > dedupWindow {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}
	return false
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// JoinConversation subscribes this session to a conversation room. Best
// effort while disconnected: the next reconnect re-joins from the open set.
func (c *Client) JoinConversation(id types.ConversationIDType) {
	payload := joinRoomPayload{ConversationID: id, UserID: c.cfg.Identity.UserID}
	if err := c.write(eventJoinRoom, payload); err != nil {
		logging.Warn(context.Background(), "Join deferred until reconnect",
			zap.String("conversation_id", string(id)), zap.Error(err))
	}
}

// SendMessage forwards a message upstream. Returns ErrNotConnected while the
// socket is down so the caller can mark the message failed; it never drops
// silently and never panics the caller.
func (c *Client) SendMessage(msg types.Message) error {
	return c.write(eventSendMessage, msg)
}

// SendTyping emits a typing notification. Callers debounce.
func (c *Client) SendTyping(id types.ConversationIDType) error {
	payload := typingPayload{ConversationID: id, UserID: c.cfg.Identity.UserID}
	return c.write(eventTyping, payload)
}

func (c *Client) write(event string, payload any) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return types.ErrNotConnected
	}

	data, err := newEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return nil
}

// Close tears the connection down and waits for the run loop to exit. Safe to
// call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
}
