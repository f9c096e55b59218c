// Package session provides the key/value storage the client core keeps per
// browser session (unlocked maps, session id) and across sessions (display
// preferences).
package session

import (
	"context"
	"sync"
)

// Well-known keys.
const (
	KeyUnlockedMaps   = "unlockedMaps"
	KeySessionID      = "sessionId"
	KeyCursorsVisible = "cursorsVisible"
)

type Storage interface {
	// Get reports false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Storage. Its lifetime is the session's.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
