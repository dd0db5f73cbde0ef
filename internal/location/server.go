package location

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/sosdispatch/internal/sos/domain"
)

var locationUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sos_location_updates_total",
	Help: "Streamed driver location reports by outcome.",
}, []string{"result"})

// Updater is the registry write path fed by the stream.
type Updater interface {
	Lookup(ctx context.Context, driverID uuid.UUID) (domain.Driver, error)
	UpdateLocation(ctx context.Context, driverID uuid.UUID, loc domain.Coordinate, available bool) error
}

// Server implements the LocationServer interface.
type Server struct {
	registry Updater
	presence *Presence
	logger   *zap.Logger
}

// NewServer constructs a server. presence may be nil.
func NewServer(registry Updater, presence *Presence, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: registry, presence: presence, logger: logger.Named("location")}
}

// StreamLocation applies every valid report to the registry. Malformed ids,
// out-of-range coordinates and unknown drivers are counted and skipped.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if s.apply(stream.Context(), msg) {
			ack.Accepted++
		} else {
			ack.Rejected++
		}
	}
}

func (s *Server) apply(ctx context.Context, msg *DriverLocation) bool {
	driverID, err := uuid.Parse(msg.DriverID)
	if err != nil {
		locationUpdates.WithLabelValues("invalid").Inc()
		return false
	}
	loc := domain.Coordinate{Lat: msg.Lat, Lng: msg.Lng}
	if loc.Validate() != nil {
		locationUpdates.WithLabelValues("invalid").Inc()
		return false
	}
	var available bool
	if msg.Available != nil {
		available = *msg.Available
	} else {
		current, err := s.registry.Lookup(ctx, driverID)
		if err != nil {
			locationUpdates.WithLabelValues("unknown").Inc()
			return false
		}
		available = current.IsAvailable
	}
	if err := s.write(ctx, driverID, loc, available, msg.Ts); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("location update failed", zap.Stringer("driver_id", driverID), zap.Error(err))
		}
		locationUpdates.WithLabelValues("unknown").Inc()
		return false
	}
	locationUpdates.WithLabelValues("ok").Inc()
	return true
}

func (s *Server) write(ctx context.Context, driverID uuid.UUID, loc domain.Coordinate, available bool, ts int64) error {
	if s.presence == nil {
		return s.registry.UpdateLocation(ctx, driverID, loc, available)
	}
	seen := time.Now()
	if ts > 0 {
		seen = time.UnixMilli(ts)
	}
	return s.presence.Record(ctx, s.registry, driverID, loc, available, seen)
}
