package socket

import (
	"encoding/json"

	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

// Wire event names shared with the realtime backend.
const (
	eventReceiveMessage = "receiveMessage"
	eventTyping         = "typing"
	eventJoinRoom       = "joinRoom"
	eventSendMessage    = "sendMessage"
)

// envelope is the JSON frame exchanged on the socket.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func newEnvelope(event string, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Payload: inner})
}

type joinRoomPayload struct {
	ConversationID types.ConversationIDType `json:"conversationId"`
	UserID         types.UserIDType         `json:"userId"`
}

type typingPayload struct {
	ConversationID types.ConversationIDType `json:"conversationId"`
	UserID         types.UserIDType         `json:"userId"`
}

// EventKind discriminates events handed to the session engine.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventTyping
)

// Event is a typed occurrence pushed onto the session's event channel. The
// engine consumes these one at a time, which keeps state mutations serialized
// without extra locking.
type Event struct {
	Kind    EventKind
	Message types.Message
	Typing  types.TypingEvent
	Err     error
}
