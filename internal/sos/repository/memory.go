package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/sosdispatch/internal/sos/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]domain.SOSRequest
	events   []domain.EventLog
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[uuid.UUID]domain.SOSRequest)}
}

// SaveRequest upserts the snapshot.
func (m *MemoryRepository) SaveRequest(_ context.Context, req domain.SOSRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req.Clone()
	return nil
}

// AppendEvent appends events to an in-memory buffer.
func (m *MemoryRepository) AppendEvent(_ context.Context, event domain.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// SaveTransition stores the snapshot and its event together.
func (m *MemoryRepository) SaveTransition(_ context.Context, req domain.SOSRequest, event domain.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req.Clone()
	m.events = append(m.events, event)
	return nil
}

// GetRequest retrieves a snapshot.
func (m *MemoryRepository) GetRequest(_ context.Context, id uuid.UUID) (domain.SOSRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.SOSRequest{}, fmt.Errorf("%w: sos request %s", domain.ErrNotFound, id)
	}
	return req.Clone(), nil
}

// ListActive returns non-terminal snapshots, oldest first.
func (m *MemoryRepository) ListActive(_ context.Context) ([]domain.SOSRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SOSRequest, 0, len(m.requests))
	for _, req := range m.requests {
		if !req.Status.Terminal() {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Events returns stored events (for tests).
func (m *MemoryRepository) Events() []domain.EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.EventLog(nil), m.events...)
}

// EventsFor returns the event log of one request in append order.
func (m *MemoryRepository) EventsFor(requestID uuid.UUID) []domain.EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.EventLog
	for _, e := range m.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}
