package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lumenmarket/storefront-chat/internal/v1/metrics"
	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

// RedisStore keeps state records in Redis so widget state survives page
// reloads and pod restarts.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// stateKey builds the per-user key. The record name matches the widget's
// client-side storage key.
func stateKey(userID types.UserIDType) string {
	return fmt.Sprintf("chat-state:%s", userID)
}

// NewRedisStore creates a robust Redis connection with a circuit breaker.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		IsSuccessful: func(err error) bool {
			// A missing record is a valid answer, not a Redis failure
			return err == nil || errors.Is(err, ErrNotFound)
		},
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis state store", "addr", addr)
	return &RedisStore{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Client returns the underlying Redis client, for collaborators that share
// the connection (rate limiter store, health checks).
func (s *RedisStore) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Load reads and decodes the state record for a user.
func (s *RedisStore) Load(ctx context.Context, userID types.UserIDType) (Record, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		raw, err := s.client.Get(ctx, stateKey(userID)).Result()
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return raw, err
	})

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: treating state as absent", "userId", userID)
			return Record{}, ErrNotFound // Graceful degradation: default state
		}
		slog.Error("Redis state load failed", "userId", userID, "error", err)
		return Record{}, fmt.Errorf("failed to load chat state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(res.(string)), &rec); err != nil {
		slog.Warn("Discarding malformed chat state record", "userId", userID, "error", err)
		return Record{}, ErrCorrupt
	}
	if rec.Unread < 0 {
		slog.Warn("Discarding chat state record with negative unread", "userId", userID)
		return Record{}, ErrCorrupt
	}
	return rec, nil
}

// Save writes the state record. Write failures degrade to a warning; the
// in-memory state remains authoritative for the session.
func (s *RedisStore) Save(ctx context.Context, userID types.UserIDType, rec Record) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chat state: %w", err)
		}
		return nil, s.client.Set(ctx, stateKey(userID), data, 0).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping state write", "userId", userID)
			return nil // Graceful degradation: drop write, don't crash caller
		}
		slog.Error("Redis state save failed", "userId", userID, "error", err)
		return err
	}
	return nil
}

// Clear removes the record on sign-out.
func (s *RedisStore) Clear(ctx context.Context, userID types.UserIDType) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, stateKey(userID)).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping state clear", "userId", userID)
			return nil
		}
		slog.Error("Redis state clear failed", "userId", userID, "error", err)
		return err
	}
	return nil
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
