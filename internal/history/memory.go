// Package history holds conversation turns keyed by session id.
package history

import (
	"context"
	"sync"

	"github.com/RichardoC/relaychat/internal/models"
)

// Store is implemented by every history backend. Append must commit all of
// msgs or none of them.
type Store interface {
	History(ctx context.Context, sessionID string) ([]models.Message, error)
	Append(ctx context.Context, sessionID string, msgs ...models.Message) error
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]models.Message)}
}

func (s *MemoryStore) History(_ context.Context, sessionID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sessions[sessionID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs ...models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = append(s.sessions[sessionID], msgs...)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
