package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryIdempotencyRepo maps idempotency keys to the request they created.
type MemoryIdempotencyRepo struct {
	mu   sync.RWMutex
	keys map[string]uuid.UUID
}

// NewMemoryIdempotencyRepo constructs repository.
func NewMemoryIdempotencyRepo() *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{keys: make(map[string]uuid.UUID)}
}

// GetRequestID retrieves the request bound to key.
func (m *MemoryIdempotencyRepo) GetRequestID(_ context.Context, key string) (uuid.UUID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	return id, ok, nil
}

// PutRequestID binds key to id. The first binding wins.
func (m *MemoryIdempotencyRepo) PutRequestID(_ context.Context, key string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[key]; !exists {
		m.keys[key] = id
	}
	return nil
}
