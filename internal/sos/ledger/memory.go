package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger is a mutex-guarded map. Each method is one critical section.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[uuid.UUID]uuid.UUID
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[uuid.UUID]uuid.UUID)}
}

func (m *MemoryLedger) TryLock(_ context.Context, requestID, driverID uuid.UUID) (LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, exists := m.entries[requestID]; exists {
		return LockResult{Granted: false, HeldBy: holder}, nil
	}
	m.entries[requestID] = driverID
	return LockResult{Granted: true, HeldBy: driverID}, nil
}

func (m *MemoryLedger) Release(_ context.Context, requestID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.entries[requestID]
	delete(m.entries, requestID)
	return exists, nil
}

func (m *MemoryLedger) ReleaseHeld(_ context.Context, requestID, driverID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, exists := m.entries[requestID]; !exists || holder != driverID {
		return false, nil
	}
	delete(m.entries, requestID)
	return true, nil
}

func (m *MemoryLedger) IsLocked(_ context.Context, requestID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.entries[requestID]
	return exists, nil
}

func (m *MemoryLedger) Holder(_ context.Context, requestID uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, exists := m.entries[requestID]
	return holder, exists, nil
}

// Len returns the number of live entries.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
