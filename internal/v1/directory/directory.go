// Package directory maintains the cached conversation listing for a session.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/metrics"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

// Service caches the conversation listing for one identity. The cache is a
// snapshot replaced wholesale on every refresh; it is never mutated entry
// field by entry field, so readers cannot observe a partial update. A failed
// refresh keeps the previous snapshot; stale data beats no data.
type Service struct {
	baseURL  string
	token    string
	identity types.SessionIdentity
	client   *http.Client
	cb       *gobreaker.CircuitBreaker

	pollInterval time.Duration

	mu          sync.RWMutex
	snapshot    map[types.ConversationIDType]types.Conversation
	lastRefresh time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// refreshReq coalesces on-demand refreshes requested between polls
	refreshReq chan struct{}
}

// NewService creates a directory client for the identity. Poll only runs
// after Start.
func NewService(baseURL, token string, identity types.SessionIdentity, pollInterval time.Duration) *Service {
	st := gobreaker.Settings{
		Name:        "directory",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("directory").Set(stateVal)
		},
	}

	return &Service{
		baseURL:      baseURL,
		token:        token,
		identity:     identity,
		client:       &http.Client{Timeout: 10 * time.Second},
		cb:           gobreaker.NewCircuitBreaker(st),
		pollInterval: pollInterval,
		snapshot:     make(map[types.ConversationIDType]types.Conversation),
		refreshReq:   make(chan struct{}, 1),
	}
}

// Start performs an initial refresh and begins the poll loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.Refresh(ctx); err != nil {
		logging.Warn(ctx, "Initial conversation refresh failed, starting with empty listing", zap.Error(err))
	}

	s.wg.Add(1)
	go s.poll(ctx)
}

// Stop cancels the poll loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.refreshReq:
		}
		if err := s.Refresh(ctx); err != nil {
			// Soft failure: previous snapshot stays in place
			logging.Warn(ctx, "Conversation refresh failed, keeping cached listing", zap.Error(err))
		}
	}
}

// RequestRefresh schedules an immediate refresh without blocking the caller.
// Used when an incoming message references a conversation not yet cached.
func (s *Service) RequestRefresh() {
	select {
	case s.refreshReq <- struct{}{}:
	default:
	}
}

// Refresh fetches the listing and replaces the snapshot wholesale.
func (s *Service) Refresh(ctx context.Context) error {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("directory").Inc()
		}
		metrics.DirectoryRefreshes.WithLabelValues("error").Inc()
		return err
	}

	conversations := res.([]types.Conversation)
	next := make(map[types.ConversationIDType]types.Conversation, len(conversations))
	for _, c := range conversations {
		next[c.ID] = c
	}

	s.mu.Lock()
	s.snapshot = next
	s.lastRefresh = time.Now()
	s.mu.Unlock()

	metrics.DirectoryRefreshes.WithLabelValues("ok").Inc()
	return nil
}

func (s *Service) fetch(ctx context.Context) ([]types.Conversation, error) {
	url := fmt.Sprintf("%s/api/conversations?role=%s", s.baseURL, s.identity.Role)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build listing request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conversation listing request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("conversation listing returned status %d", resp.StatusCode)
	}

	var conversations []types.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversation listing: %w", err)
	}
	return conversations, nil
}

// List returns the cached conversations ordered by most recent activity
// first, ids ascending on ties for determinism.
func (s *Service) List() []types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Conversation, 0, len(s.snapshot))
	for _, c := range s.snapshot {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the cached entry for a conversation.
func (s *Service) Get(id types.ConversationIDType) (types.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.snapshot[id]
	return c, ok
}

// RecordActivity bumps the cached last-activity fields for a conversation by
// replacing the entry with an updated copy. Returns false when the
// conversation is not cached yet (created by the other party); callers should
// then RequestRefresh.
func (s *Service) RecordActivity(id types.ConversationIDType, at time.Time, preview string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.snapshot[id]
	if !ok {
		return false
	}
	updated := current
	updated.LastMessageAt = at
	updated.LastMessagePreview = preview
	s.snapshot[id] = updated
	return true
}

// FetchMessages loads recent history for one conversation. Shares the
// breaker with the listing endpoint: both degrade together when the backend
// is unhealthy.
func (s *Service) FetchMessages(ctx context.Context, id types.ConversationIDType) ([]types.Message, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/api/conversations/%s/messages", s.baseURL, id)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build history request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.token)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("history request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("history returned status %d", resp.StatusCode)
		}

		var messages []types.Message
		if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		return messages, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("directory").Inc()
		}
		return nil, err
	}
	return res.([]types.Message), nil
}

// LastRefresh reports when the snapshot was last replaced. Zero before the
// first successful refresh.
func (s *Service) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}
