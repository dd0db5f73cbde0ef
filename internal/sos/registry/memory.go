package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/sosdispatch/internal/geo"
	"github.com/example/sosdispatch/internal/sos/domain"
)

// MemoryRegistry keeps the latest driver snapshots in process.
type MemoryRegistry struct {
	mu      sync.RWMutex
	drivers map[uuid.UUID]entry
}

type entry struct {
	driver  domain.Driver
	updated time.Time
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{drivers: make(map[uuid.UUID]entry)}
}

// Upsert stores a full driver snapshot.
func (m *MemoryRegistry) Upsert(_ context.Context, d domain.Driver) error {
	if err := validateDriver(d); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = entry{driver: d, updated: time.Now().UTC()}
	return nil
}

// UpdateLocation moves a known driver and refreshes availability.
func (m *MemoryRegistry) UpdateLocation(_ context.Context, driverID uuid.UUID, loc domain.Coordinate, available bool) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("%w: driver %s", domain.ErrNotFound, driverID)
	}
	e.driver.Location = loc
	e.driver.IsAvailable = available
	e.updated = time.Now().UTC()
	m.drivers[driverID] = e
	return nil
}

// Lookup returns the stored snapshot for driverID.
func (m *MemoryRegistry) Lookup(_ context.Context, driverID uuid.UUID) (domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.drivers[driverID]
	if !ok {
		return domain.Driver{}, fmt.Errorf("%w: driver %s", domain.ErrNotFound, driverID)
	}
	return e.driver, nil
}

// FetchAvailableDrivers returns drivers within radiusKM, nearest first.
// Availability is not filtered here; ranking owns that decision.
func (m *MemoryRegistry) FetchAvailableDrivers(_ context.Context, near domain.Coordinate, radiusKM float64) ([]domain.Driver, error) {
	if err := near.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		d    domain.Driver
		dist float64
	}
	found := make([]pair, 0, len(m.drivers))
	for _, e := range m.drivers {
		dist := geo.DistanceKm(near, e.driver.Location)
		if dist <= radiusKM {
			found = append(found, pair{d: e.driver, dist: dist})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].dist != found[j].dist {
			return found[i].dist < found[j].dist
		}
		return found[i].d.ID.String() < found[j].d.ID.String()
	})
	out := make([]domain.Driver, 0, len(found))
	for _, p := range found {
		out = append(out, p.d)
	}
	return out, nil
}

func validateDriver(d domain.Driver) error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("%w: driver id required", domain.ErrInvalidArgument)
	}
	if !d.Vehicle.Valid() {
		return fmt.Errorf("%w: vehicle class %q", domain.ErrInvalidArgument, d.Vehicle)
	}
	if d.TrustScore < 0 || d.TrustScore > 100 {
		return fmt.Errorf("%w: trust score %f outside 0..100", domain.ErrInvalidArgument, d.TrustScore)
	}
	if d.TotalRides < 0 {
		return fmt.Errorf("%w: negative ride count", domain.ErrInvalidArgument)
	}
	return d.Location.Validate()
}
