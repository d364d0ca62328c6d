package hub

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumenmarket/storefront-chat/internal/v1/auth"
	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/ratelimit"
	"github.com/lumenmarket/storefront-chat/internal/v1/session"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
	"github.com/lumenmarket/storefront-chat/internal/v1/window"
)

// RegisterRoutes mounts the chat API under the given group. The group must
// already carry the auth middleware; the messages limiter wraps the endpoints
// a client can spam while typing.
func (h *Hub) RegisterRoutes(group *gin.RouterGroup, rl *ratelimit.RateLimiter) {
	group.GET("/state", h.GetState)
	group.POST("/state/open", h.OpenWidget)
	group.POST("/state/close", h.CloseWidget)
	group.POST("/state/toggle", h.ToggleWidget)

	group.GET("/conversations", h.ListConversations)
	group.POST("/conversations/:conversationId/activate", h.Activate)
	group.POST("/conversations/:conversationId/deactivate", h.Deactivate)
	group.GET("/conversations/:conversationId/messages", h.GetMessages)
	group.GET("/conversations/:conversationId/typing", h.GetTypingPeers)

	messages := group.Group("")
	if rl != nil {
		messages.Use(rl.MessagesMiddleware())
	}
	messages.POST("/conversations/:conversationId/messages", h.SendMessage)
	messages.POST("/conversations/:conversationId/messages/:messageId/retry", h.RetryMessage)
	messages.POST("/conversations/:conversationId/typing", h.Typing)

	group.POST("/signout", h.SignOut)
}

// engineFor resolves the caller's session engine from the request identity.
func (h *Hub) engineFor(c *gin.Context) (*session.Engine, bool) {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return nil, false
	}
	return h.getOrCreateSession(identity, auth.TokenFromContext(c)), true
}

// GetState returns the widget snapshot for badges and visibility.
// GET /state
func (h *Hub) GetState(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, eng.Snapshot())
}

type openRequest struct {
	ConversationID string `json:"conversationId"`
}

// OpenWidget shows the widget. A conversationId in the body is added to the
// open set without focusing it; focus and unread clearing stay with the
// activate endpoint.
// POST /state/open
func (h *Hub) OpenWidget(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}

	var req openRequest
	// Body is optional; opening without a target is valid
	_ = c.ShouldBindJSON(&req)

	eng.OpenWidget(types.ConversationIDType(req.ConversationID))
	c.JSON(http.StatusOK, eng.Snapshot())
}

// CloseWidget collapses the widget. Open conversations and unread counts
// survive.
// POST /state/close
func (h *Hub) CloseWidget(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}
	eng.CloseWidget()
	c.JSON(http.StatusOK, eng.Snapshot())
}

// ToggleWidget flips widget visibility.
// POST /state/toggle
func (h *Hub) ToggleWidget(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}
	eng.ToggleWidget()
	c.JSON(http.StatusOK, eng.Snapshot())
}

// ListConversations returns the cached directory listing, most recent
// activity first.
// GET /conversations
func (h *Hub) ListConversations(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": eng.Conversations()})
}

// Activate focuses a conversation, opens its message window, and clears its
// unread contribution.
// POST /conversations/:conversationId/activate
func (h *Hub) Activate(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}

	conversationID := types.ConversationIDType(c.Param("conversationId"))
	if err := eng.Activate(conversationID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to open conversation"})
		return
	}
	c.JSON(http.StatusOK, eng.Snapshot())
}

// Deactivate closes a conversation window and removes it from the open set.
// POST /conversations/:conversationId/deactivate
func (h *Hub) Deactivate(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}
	eng.Deactivate(types.ConversationIDType(c.Param("conversationId")))
	c.JSON(http.StatusOK, eng.Snapshot())
}

// GetMessages returns the window timeline, optimistic entries included.
// GET /conversations/:conversationId/messages
func (h *Hub) GetMessages(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}

	messages, err := eng.Messages(types.ConversationIDType(c.Param("conversationId")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation is not active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type sendRequest struct {
	Body string `json:"body" binding:"required"`
}

// SendMessage appends an optimistic pending message and dispatches it. The
// 202 reflects that delivery is confirmed later by the server echo.
// POST /conversations/:conversationId/messages
func (h *Hub) SendMessage(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message body is required"})
		return
	}

	msg, err := eng.Send(types.ConversationIDType(c.Param("conversationId")), req.Body)
	switch {
	case errors.Is(err, session.ErrNoWindow):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation is not active"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

// RetryMessage re-dispatches a failed message under a fresh correlation id.
// POST /conversations/:conversationId/messages/:messageId/retry
func (h *Hub) RetryMessage(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}

	msg, err := eng.Retry(
		types.ConversationIDType(c.Param("conversationId")),
		types.MessageIDType(c.Param("messageId")),
	)
	switch {
	case errors.Is(err, session.ErrNoWindow):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation is not active"})
		return
	case errors.Is(err, window.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": "message is not in a failed state"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

// Typing emits a debounced typing notification to the conversation.
// POST /conversations/:conversationId/typing
func (h *Hub) Typing(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}

	if err := eng.Typing(types.ConversationIDType(c.Param("conversationId"))); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation is not active"})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetTypingPeers lists users currently typing in the conversation.
// GET /conversations/:conversationId/typing
func (h *Hub) GetTypingPeers(c *gin.Context) {
	eng, ok := h.engineFor(c)
	if !ok {
		return
	}

	peers, err := eng.TypingPeers(types.ConversationIDType(c.Param("conversationId")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation is not active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": peers})
}

// SignOut tears the session down and clears the persisted state record.
// POST /signout
func (h *Hub) SignOut(c *gin.Context) {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	if eng := h.removeSession(identity.UserID); eng != nil {
		eng.SignOut()
	} else if err := h.persist.Clear(c.Request.Context(), identity.UserID); err != nil {
		// The idle reaper already closed the engine without clearing the
		// record; sign-out still must remove it.
		logging.Warn(c.Request.Context(), "Failed to clear persisted chat state on sign-out",
			zap.String("user_id", string(identity.UserID)), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}
