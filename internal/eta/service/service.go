package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/sosdispatch/internal/geo"
	"github.com/example/sosdispatch/internal/sos/domain"
)

// Config holds the policy constants behind every estimate.
type Config struct {
	SpeedsKMH    map[domain.VehicleClass]float64
	RushFactor   float64
	NightFactor  float64
	NormalFactor float64
	Location     *time.Location
}

// DefaultConfig returns urban averages: motorcycles thread congestion faster than cars.
func DefaultConfig() Config {
	return Config{
		SpeedsKMH: map[domain.VehicleClass]float64{
			domain.VehicleMoto:      25,
			domain.VehicleCar:       20,
			domain.VehicleVolunteer: 22,
		},
		RushFactor:   1.5,
		NightFactor:  0.8,
		NormalFactor: 1.0,
		Location:     time.UTC,
	}
}

// Estimator converts distance, vehicle class and traffic into minutes.
type Estimator struct {
	cfg Config
}

// NewEstimator fills unset fields from DefaultConfig.
func NewEstimator(cfg Config) *Estimator {
	def := DefaultConfig()
	if len(cfg.SpeedsKMH) == 0 {
		cfg.SpeedsKMH = def.SpeedsKMH
	}
	if cfg.RushFactor <= 0 {
		cfg.RushFactor = def.RushFactor
	}
	if cfg.NightFactor <= 0 {
		cfg.NightFactor = def.NightFactor
	}
	if cfg.NormalFactor <= 0 {
		cfg.NormalFactor = def.NormalFactor
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	return &Estimator{cfg: cfg}
}

// EstimateMinutes returns ceil(distance / speed * 60 * trafficFactor).
func (e *Estimator) EstimateMinutes(distanceKM float64, vehicle domain.VehicleClass, trafficFactor float64) (int, error) {
	if distanceKM < 0 || math.IsNaN(distanceKM) {
		return 0, fmt.Errorf("%w: negative distance %f", domain.ErrInvalidArgument, distanceKM)
	}
	if trafficFactor < 0 || math.IsNaN(trafficFactor) {
		return 0, fmt.Errorf("%w: negative traffic factor %f", domain.ErrInvalidArgument, trafficFactor)
	}
	speed, ok := e.cfg.SpeedsKMH[vehicle]
	if !ok || speed <= 0 {
		return 0, fmt.Errorf("%w: unknown vehicle class %q", domain.ErrInvalidArgument, vehicle)
	}
	return int(math.Ceil(distanceKM / speed * 60 * trafficFactor)), nil
}

// TrafficFactor maps the wall-clock hour in the configured zone to a multiplier.
// Rush windows are [07:00,09:00) and [17:00,19:00); late night is [22:00,05:00).
func (e *Estimator) TrafficFactor(t time.Time) float64 {
	hour := t.In(e.cfg.Location).Hour()
	switch {
	case (hour >= 7 && hour < 9) || (hour >= 17 && hour < 19):
		return e.cfg.RushFactor
	case hour >= 22 || hour < 5:
		return e.cfg.NightFactor
	default:
		return e.cfg.NormalFactor
	}
}

// EstimateAt measures the great-circle distance and applies the factor for at.
func (e *Estimator) EstimateAt(from, to domain.Coordinate, vehicle domain.VehicleClass, at time.Time) (int, error) {
	return e.EstimateMinutes(geo.DistanceKm(from, to), vehicle, e.TrafficFactor(at))
}

// Quote is the nearest-driver estimate for a pickup point.
type Quote struct {
	DriverID   uuid.UUID           `json:"driver_id"`
	Vehicle    domain.VehicleClass `json:"vehicle"`
	DistanceKM float64             `json:"distance_km"`
	Minutes    int                 `json:"eta_minutes"`
}

// Service answers ETA questions against the live driver registry.
type Service struct {
	registry  domain.DriverRegistry
	estimator *Estimator
	clock     domain.Clock
}

// New creates an ETA service.
func New(registry domain.DriverRegistry, estimator *Estimator, clock domain.Clock) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{registry: registry, estimator: estimator, clock: clock}
}

// EstimateDriverETA returns the fastest available driver within radiusKM, or nil.
func (s *Service) EstimateDriverETA(ctx context.Context, pickup domain.Coordinate, radiusKM float64) (*Quote, error) {
	if err := pickup.Validate(); err != nil {
		return nil, err
	}
	drivers, err := s.registry.FetchAvailableDrivers(ctx, pickup, radiusKM)
	if err != nil {
		return nil, fmt.Errorf("fetch drivers: %w", err)
	}
	now := s.clock.Now()
	var best *Quote
	for _, d := range drivers {
		if !d.IsAvailable {
			continue
		}
		dist := geo.DistanceKm(d.Location, pickup)
		minutes, err := s.estimator.EstimateAt(d.Location, pickup, d.Vehicle, now)
		if err != nil {
			continue
		}
		if best == nil || minutes < best.Minutes {
			best = &Quote{DriverID: d.ID, Vehicle: d.Vehicle, DistanceKM: dist, Minutes: minutes}
		}
	}
	return best, nil
}
