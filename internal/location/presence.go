package location

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/sosdispatch/internal/sos/domain"
)

type sighting struct {
	loc  domain.Coordinate
	seen time.Time
}

const driverStripes = 64

// Presence tracks when each driver last reported so silent drivers stop
// being paged.
type Presence struct {
	mu     sync.Mutex
	last   map[uuid.UUID]sighting
	ttl    time.Duration
	logger *zap.Logger

	// stripes serialize registry writes per driver between Record and Reap.
	stripes [driverStripes]sync.Mutex
}

// NewPresence marks drivers silent for longer than ttl as unavailable.
func NewPresence(ttl time.Duration, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{last: make(map[uuid.UUID]sighting), ttl: ttl, logger: logger.Named("presence")}
}

func (p *Presence) driverLock(id uuid.UUID) *sync.Mutex {
	return &p.stripes[int(id[15])%driverStripes]
}

// Record writes a report through registry and notes the sighting. A reap of
// the same driver never lands between the two.
func (p *Presence) Record(ctx context.Context, registry Updater, driverID uuid.UUID, loc domain.Coordinate, available bool, at time.Time) error {
	l := p.driverLock(driverID)
	l.Lock()
	defer l.Unlock()
	if err := registry.UpdateLocation(ctx, driverID, loc, available); err != nil {
		return err
	}
	p.Seen(driverID, loc, at)
	return nil
}

// Seen notes a report without touching the registry.
func (p *Presence) Seen(driverID uuid.UUID, loc domain.Coordinate, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.last[driverID]; ok && prev.seen.After(at) {
		return
	}
	p.last[driverID] = sighting{loc: loc, seen: at}
}

func (p *Presence) staleAt(id uuid.UUID, now time.Time) (sighting, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.last[id]
	return s, ok && now.Sub(s.seen) > p.ttl
}

// Reap marks every driver silent since before now-ttl unavailable at its last
// known position and forgets it. It returns the reaped ids. A driver that
// reports while the reap runs keeps its report.
func (p *Presence) Reap(ctx context.Context, registry Updater, now time.Time) []uuid.UUID {
	p.mu.Lock()
	candidates := make([]uuid.UUID, 0)
	for id, s := range p.last {
		if now.Sub(s.seen) > p.ttl {
			candidates = append(candidates, id)
		}
	}
	p.mu.Unlock()

	out := make([]uuid.UUID, 0, len(candidates))
	for _, id := range candidates {
		if p.reapOne(ctx, registry, id, now) {
			out = append(out, id)
		}
	}
	return out
}

func (p *Presence) reapOne(ctx context.Context, registry Updater, id uuid.UUID, now time.Time) bool {
	l := p.driverLock(id)
	l.Lock()
	defer l.Unlock()

	s, stale := p.staleAt(id, now)
	if !stale {
		return false
	}
	if err := registry.UpdateLocation(ctx, id, s.loc, false); err != nil {
		p.logger.Warn("mark driver unavailable", zap.Stringer("driver_id", id), zap.Error(err))
		return false
	}
	p.mu.Lock()
	if cur, ok := p.last[id]; ok && cur.seen.Equal(s.seen) {
		delete(p.last, id)
	}
	p.mu.Unlock()
	return true
}

// Run reaps every interval until ctx is done.
func (p *Presence) Run(ctx context.Context, registry Updater, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if reaped := p.Reap(ctx, registry, now); len(reaped) > 0 {
				p.logger.Info("drivers went silent", zap.Int("count", len(reaped)))
			}
		}
	}
}
