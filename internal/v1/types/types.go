package types

import (
	"errors"
	"time"
)

// --- Core Domain Types ---

// RoleType defines the storefront identity a chat session acts as.
type RoleType string

// UserIDType represents a unique identifier for a storefront account.
type UserIDType string

// ConversationIDType represents a unique identifier for a conversation thread.
type ConversationIDType string

// MessageIDType represents a unique identifier for a message.
type MessageIDType string

// CorrelationIDType is the client-generated identifier used to match an
// optimistic send against its server echo.
type CorrelationIDType string

// Role constants. Admin sessions browse the seller surface but never own
// conversations of their own.
const (
	RoleTypeUser    RoleType = "user"
	RoleTypeSeller  RoleType = "seller"
	RoleTypeAdmin   RoleType = "admin"
	RoleTypeUnknown RoleType = "unknown"
)

// ParseRole maps a raw claim value onto a known role.
func ParseRole(raw string) RoleType {
	switch RoleType(raw) {
	case RoleTypeUser, RoleTypeSeller, RoleTypeAdmin:
		return RoleType(raw)
	default:
		return RoleTypeUnknown
	}
}

// SessionIdentity is established by the gateway's authentication layer and is
// immutable for the lifetime of a session engine.
type SessionIdentity struct {
	UserID UserIDType `json:"userId"`
	Role   RoleType   `json:"role"`
}

// DeliveryState tracks the lifecycle of an optimistic send.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Conversation is a read-only snapshot owned by the backend. Cached entries
// are replaced wholesale on refresh, never mutated field by field.
type Conversation struct {
	ID                 ConversationIDType `json:"id"`
	ParticipantIDs     []UserIDType       `json:"participantIds"`
	LastMessageAt      time.Time          `json:"lastMessageAt"`
	LastMessagePreview string             `json:"lastMessagePreview"`
}

// Message is a single chat message. Immutable once DeliveryState is sent.
type Message struct {
	ID             MessageIDType      `json:"id"`
	ConversationID ConversationIDType `json:"conversationId"`
	SenderID       UserIDType         `json:"senderId"`
	Body           string             `json:"body"`
	CreatedAt      time.Time          `json:"createdAt"`
	DeliveryState  DeliveryState      `json:"deliveryState"`
	CorrelationID  CorrelationIDType  `json:"correlationId,omitempty"`
}

// Validate ensures a message is safe to send upstream.
func (m Message) Validate() error {
	if m.Body == "" {
		return errors.New("message body cannot be empty")
	}
	if len(m.Body) > 2000 {
		return errors.New("message body cannot exceed 2000 characters")
	}
	if m.ConversationID == "" {
		return errors.New("conversation ID cannot be empty")
	}
	return nil
}

// TypingEvent is a received typing notification. Indicators expire client
// side after a fixed window without renewal.
type TypingEvent struct {
	ConversationID ConversationIDType `json:"conversationId"`
	UserID         UserIDType         `json:"userId"`
}

// --- Shared Interfaces ---

// Transport is the surface the window controller and session engine depend
// on. Implemented by socket.Client; mocked in tests.
type Transport interface {
	// JoinConversation subscribes this session to a conversation room.
	// Membership is not server-persisted across disconnects.
	JoinConversation(id ConversationIDType)
	// SendMessage forwards a message upstream. Returns ErrNotConnected while
	// the socket is down; it never drops silently.
	SendMessage(msg Message) error
	// SendTyping emits a typing notification for the conversation.
	SendTyping(id ConversationIDType) error
}

// ErrNotConnected is returned by transport sends while the socket is down.
// Callers mark the affected message failed and keep the session functional.
var ErrNotConnected = errors.New("socket transport not connected")
