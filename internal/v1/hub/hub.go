// Package hub coordinates the chat session engines for all connected users.
package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lumenmarket/storefront-chat/internal/v1/config"
	"github.com/lumenmarket/storefront-chat/internal/v1/directory"
	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/session"
	"github.com/lumenmarket/storefront-chat/internal/v1/socket"
	"github.com/lumenmarket/storefront-chat/internal/v1/state"
	"github.com/lumenmarket/storefront-chat/internal/v1/store"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
	"github.com/lumenmarket/storefront-chat/internal/v1/window"
)

// Hub serves as the central coordinator for all chat sessions in the system.
// One engine per authenticated user; engines idle out after a grace period
// with no API activity and are rebuilt from persisted state on the next
// request.
type Hub struct {
	cfg     *config.Config
	persist store.PersistStore

	mu              sync.Mutex
	sessions        map[types.UserIDType]*session.Engine
	pendingCleanups map[types.UserIDType]*time.Timer

	// building coalesces concurrent first requests for the same user
	building singleflight.Group

	baseCtx context.Context
}

// NewHub creates a new Hub and configures it with its dependencies.
func NewHub(ctx context.Context, cfg *config.Config, persist store.PersistStore) *Hub {
	return &Hub{
		cfg:             cfg,
		persist:         persist,
		sessions:        make(map[types.UserIDType]*session.Engine),
		pendingCleanups: make(map[types.UserIDType]*time.Timer),
		baseCtx:         ctx,
	}
}

// getOrCreateSession retrieves the engine for the identity, building one if
// this is the first request of the session. Construction runs outside the hub
// lock behind a per-user singleflight: the engine's state restore and initial
// directory refresh are network round-trips, and one user's slow first
// request must not stall every other caller. Every call pushes the idle
// cleanup timer back.
func (h *Hub) getOrCreateSession(identity types.SessionIdentity, token string) *session.Engine {
	h.mu.Lock()
	if eng, ok := h.sessions[identity.UserID]; ok {
		h.scheduleCleanupLocked(identity.UserID)
		h.mu.Unlock()
		return eng
	}
	h.mu.Unlock()

	v, _, _ := h.building.Do(string(identity.UserID), func() (interface{}, error) {
		h.mu.Lock()
		if eng, ok := h.sessions[identity.UserID]; ok {
			h.mu.Unlock()
			return eng, nil
		}
		h.mu.Unlock()

		logging.Info(h.baseCtx, "Creating new chat session",
			zap.String("user_id", string(identity.UserID)),
			zap.String("role", string(identity.Role)))

		st := state.New(identity, h.persist)
		dir := directory.NewService(h.cfg.BackendURL, token, identity, h.cfg.DirectoryPollInterval)
		sock := socket.NewClient(socket.Config{
			URL:      h.cfg.SocketURL,
			Token:    token,
			Identity: identity,
			// The open set drives room re-joins after every reconnect
			OpenConversations: st.OpenConversations,
		})

		eng := session.NewEngine(h.baseCtx, session.Deps{
			Identity:  identity,
			State:     st,
			Directory: dir,
			Transport: sock,
			WindowOpts: window.Options{
				SendTimeout:    h.cfg.SendTimeout,
				TypingDebounce: h.cfg.TypingDebounce,
				TypingExpiry:   h.cfg.TypingExpiry,
			},
		})

		h.mu.Lock()
		h.sessions[identity.UserID] = eng
		h.mu.Unlock()
		return eng, nil
	})

	eng := v.(*session.Engine)
	h.mu.Lock()
	h.scheduleCleanupLocked(identity.UserID)
	h.mu.Unlock()
	return eng
}

// scheduleCleanupLocked arms the idle timer for a session, replacing any
// previous one. Fired timers double-check under the lock so a request racing
// the timer wins.
func (h *Hub) scheduleCleanupLocked(userID types.UserIDType) {
	if existing, ok := h.pendingCleanups[userID]; ok {
		existing.Stop()
	}

	h.pendingCleanups[userID] = time.AfterFunc(h.cfg.SessionIdleTimeout, func() {
		h.mu.Lock()
		eng, ok := h.sessions[userID]
		if ok {
			delete(h.sessions, userID)
		}
		delete(h.pendingCleanups, userID)
		h.mu.Unlock()

		if !ok {
			return
		}
		logging.Info(context.Background(), "Closing idle chat session",
			zap.String("user_id", string(userID)))
		eng.Close()
	})
}

// removeSession detaches and returns the engine, if any. Used by sign-out.
func (h *Hub) removeSession(userID types.UserIDType) *session.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.pendingCleanups[userID]; ok {
		timer.Stop()
		delete(h.pendingCleanups, userID)
	}
	eng, ok := h.sessions[userID]
	if !ok {
		return nil
	}
	delete(h.sessions, userID)
	return eng
}

// SessionCount reports active engines. Exposed for tests and debugging.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown gracefully closes all active sessions.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down Hub - closing all active sessions...")

	h.mu.Lock()
	for userID, timer := range h.pendingCleanups {
		timer.Stop()
		delete(h.pendingCleanups, userID)
	}

	engines := make([]*session.Engine, 0, len(h.sessions))
	for userID, eng := range h.sessions {
		engines = append(engines, eng)
		delete(h.sessions, userID)
	}
	h.mu.Unlock()

	for _, eng := range engines {
		eng.Close()
	}

	logging.Info(ctx, "All sessions closed", zap.Int("count", len(engines)))
	return nil
}
