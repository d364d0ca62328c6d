// Package state implements the session-scoped chat widget state machine.
package state

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/metrics"
	"github.com/lumenmarket/storefront-chat/internal/v1/store"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

// Store tracks whether the widget is open, which conversation is active, the
// set of open conversations, and the aggregate unread count.
//
// Invariants held across every operation:
//   - active, if set, is a member of the open set
//   - unread never counts the active conversation and never goes negative
//   - an empty open set forces the widget closed
//
// Each public operation is one critical section; the persisted record is
// rewritten before the lock is released, so no caller can observe a state
// half-updated by another.
type Store struct {
	mu       sync.Mutex
	identity types.SessionIdentity
	persist  store.PersistStore

	isOpen bool
	active types.ConversationIDType
	open   set.Set[types.ConversationIDType]
	unread int

	// unseen attributes the aggregate to conversations so activating one can
	// clear exactly its contribution. Not persisted; the record carries the
	// aggregate only, so attribution restarts empty after a reload.
	unseen map[types.ConversationIDType]int
}

// Snapshot is the read surface exposed to UI collaborators.
type Snapshot struct {
	IsOpen               bool                       `json:"isChatOpen"`
	ActiveConversationID types.ConversationIDType   `json:"activeConversationId,omitempty"`
	OpenConversationIDs  []types.ConversationIDType `json:"activeConversations"`
	UnreadCount          int                        `json:"unreadCount"`
}

// New creates a closed, empty widget state for the identity.
func New(identity types.SessionIdentity, persist store.PersistStore) *Store {
	return &Store{
		identity: identity,
		persist:  persist,
		open:     set.New[types.ConversationIDType](),
		unseen:   make(map[types.ConversationIDType]int),
	}
}

// Restore loads the persisted record. A missing or malformed record falls
// back to the default closed state; this never fails.
func (s *Store) Restore(ctx context.Context) {
	rec, err := s.persist.Load(ctx, s.identity.UserID)
	if err != nil {
		// ErrNotFound and ErrCorrupt both mean "start from defaults"
		if err != store.ErrNotFound {
			logging.Warn(ctx, "Restoring default chat state", zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = set.New[types.ConversationIDType]()
	for _, id := range rec.Conversations {
		if id != "" {
			s.open.Insert(types.ConversationIDType(id))
		}
	}
	s.unread = rec.Unread
	s.active = ""
	s.isOpen = rec.IsOpen && s.open.Len() > 0
	metrics.UnreadMessages.WithLabelValues(string(s.identity.UserID)).Set(float64(s.unread))
}

// Open shows the widget. A non-empty conversationID is added to the open set
// if absent.
func (s *Store) Open(ctx context.Context, conversationID types.ConversationIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isOpen = true
	if conversationID != "" {
		s.open.Insert(conversationID)
	}
	s.persistLocked(ctx)
}

// Close collapses the widget. Open conversations are kept so reopening
// restores them.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isOpen = false
	s.persistLocked(ctx)
}

// Toggle flips widget visibility.
func (s *Store) Toggle(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isOpen = !s.isOpen
	s.persistLocked(ctx)
}

// Activate focuses a conversation: adds it to the open set, shows the widget,
// and clears the conversation's unread contribution.
func (s *Store) Activate(ctx context.Context, conversationID types.ConversationIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open.Insert(conversationID)
	s.active = conversationID
	s.isOpen = true

	if n := s.unseen[conversationID]; n > 0 {
		s.unread -= n
		if s.unread < 0 {
			s.unread = 0
		}
		delete(s.unseen, conversationID)
	}
	s.persistLocked(ctx)
}

// Deactivate removes a conversation from the open set. Closing the last open
// conversation hides the widget.
func (s *Store) Deactivate(ctx context.Context, conversationID types.ConversationIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open.Delete(conversationID)
	if s.active == conversationID {
		s.active = ""
	}
	if s.open.Len() == 0 {
		s.isOpen = false
	}
	s.persistLocked(ctx)
}

// RecordIncoming accounts one delivered message. Messages for the active
// conversation never change the unread count. Returns the new aggregate.
func (s *Store) RecordIncoming(ctx context.Context, msg types.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ConversationID != s.active {
		s.unread++
		s.unseen[msg.ConversationID]++
	}
	s.persistLocked(ctx)
	return s.unread
}

// SignOut clears the persisted record. The in-memory state is reset so a
// racing snapshot reads defaults.
func (s *Store) SignOut(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isOpen = false
	s.active = ""
	s.open = set.New[types.ConversationIDType]()
	s.unread = 0
	s.unseen = make(map[types.ConversationIDType]int)
	if err := s.persist.Clear(ctx, s.identity.UserID); err != nil {
		logging.Warn(ctx, "Failed to clear persisted chat state", zap.Error(err))
	}
	metrics.UnreadMessages.DeleteLabelValues(string(s.identity.UserID))
}

// Snapshot returns a consistent copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		IsOpen:               s.isOpen,
		ActiveConversationID: s.active,
		OpenConversationIDs:  s.openListLocked(),
		UnreadCount:          s.unread,
	}
}

// ActiveConversation returns the focused conversation id, or "".
func (s *Store) ActiveConversation() types.ConversationIDType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OpenConversations returns the open set in deterministic order. Used by the
// transport to re-join rooms after a reconnect.
func (s *Store) OpenConversations() []types.ConversationIDType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openListLocked()
}

func (s *Store) openListLocked() []types.ConversationIDType {
	ids := s.open.UnsortedList()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// persistLocked rewrites the record under the caller's lock. Write failures
// degrade to a warning; the in-memory state stays authoritative.
func (s *Store) persistLocked(ctx context.Context) {
	conversations := make([]string, 0, s.open.Len())
	for _, id := range s.openListLocked() {
		conversations = append(conversations, string(id))
	}
	rec := store.Record{
		IsOpen:        s.isOpen,
		Conversations: conversations,
		Unread:        s.unread,
	}
	if err := s.persist.Save(ctx, s.identity.UserID, rec); err != nil {
		logging.Warn(ctx, "Failed to persist chat state", zap.Error(err))
	}
	metrics.UnreadMessages.WithLabelValues(string(s.identity.UserID)).Set(float64(s.unread))
}
