// Package store persists the chat widget state record across page reloads.
package store

import (
	"context"
	"errors"

	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

// Record is the JSON shape written under the chat-state key. It is read once
// at session start and rewritten on every state mutation (last-write-wins;
// concurrent tabs may diverge until each acts again).
type Record struct {
	IsOpen        bool     `json:"isOpen"`
	Conversations []string `json:"conversations"`
	Unread        int      `json:"unread"`
}

var (
	// ErrNotFound indicates no record exists for the user. Callers fall back
	// to the default widget state.
	ErrNotFound = errors.New("chat state record not found")
	// ErrCorrupt indicates the stored record failed to parse. Treated the
	// same as missing: discard and use defaults.
	ErrCorrupt = errors.New("chat state record corrupt")
)

// PersistStore abstracts where the state record lives.
type PersistStore interface {
	Load(ctx context.Context, userID types.UserIDType) (Record, error)
	Save(ctx context.Context, userID types.UserIDType, rec Record) error
	Clear(ctx context.Context, userID types.UserIDType) error
}
