// Package memory provides long-term key/value memory the model manages
// through built-in tools. Entries survive process restarts and session
// resets; they are deliberately separate from conversation history.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("memory: not found")

// Entry is one remembered piece of information.
type Entry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists memory entries. Remember upserts by key.
type Store interface {
	Remember(ctx context.Context, key, value string) (*Entry, error)
	Recall(ctx context.Context, query string, limit int) ([]Entry, error)
	Forget(ctx context.Context, key string) error
	All(ctx context.Context) ([]Entry, error)
	Close() error
}
