package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/sosdispatch/internal/sos/domain"
)

const (
	defaultGeoKey     = "sos:drivers:geo"
	defaultMetaPrefix = "sos:drivers:meta:"
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisRegistry stores positions with GEOADD and metadata in a hash per driver.
type RedisRegistry struct {
	client     redis.Cmdable
	key        string
	metaPrefix string
}

// NewRedisRegistry constructs a Redis-backed registry.
func NewRedisRegistry(client redis.Cmdable, key string) *RedisRegistry {
	if key == "" {
		key = defaultGeoKey
	}
	return &RedisRegistry{client: client, key: key, metaPrefix: defaultMetaPrefix}
}

// Upsert writes the position and metadata in one transaction pipeline.
func (r *RedisRegistry) Upsert(ctx context.Context, d domain.Driver) error {
	if err := validateDriver(d); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: d.ID.String(), Longitude: d.Location.Lng, Latitude: d.Location.Lat})
		p.HSet(ctx, r.metaKey(d.ID), map[string]any{
			"vehicle":   string(d.Vehicle),
			"trust":     strconv.FormatFloat(d.TrustScore, 'f', -1, 64),
			"rides":     strconv.Itoa(d.TotalRides),
			"available": strconv.FormatBool(d.IsAvailable),
			"updated":   time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert driver: %w", err)
	}
	return nil
}

// UpdateLocation moves a known driver.
func (r *RedisRegistry) UpdateLocation(ctx context.Context, driverID uuid.UUID, loc domain.Coordinate, available bool) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	exists, err := r.client.Exists(ctx, r.metaKey(driverID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: driver %s", domain.ErrNotFound, driverID)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: driverID.String(), Longitude: loc.Lng, Latitude: loc.Lat})
		p.HSet(ctx, r.metaKey(driverID), "available", strconv.FormatBool(available), "updated", time.Now().UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update location: %w", err)
	}
	return nil
}

// Lookup returns the driver snapshot or domain.ErrNotFound.
func (r *RedisRegistry) Lookup(ctx context.Context, driverID uuid.UUID) (domain.Driver, error) {
	meta, err := r.client.HGetAll(ctx, r.metaKey(driverID)).Result()
	if err != nil {
		return domain.Driver{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(meta) == 0 {
		return domain.Driver{}, fmt.Errorf("%w: driver %s", domain.ErrNotFound, driverID)
	}
	pos, err := r.client.GeoPos(ctx, r.key, driverID.String()).Result()
	if err != nil {
		return domain.Driver{}, fmt.Errorf("redis geopos: %w", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return domain.Driver{}, fmt.Errorf("%w: driver %s has no position", domain.ErrNotFound, driverID)
	}
	d := driverFromMeta(driverID, meta)
	d.Location = domain.Coordinate{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	return d, nil
}

// FetchAvailableDrivers returns drivers within radiusKM sorted by distance.
func (r *RedisRegistry) FetchAvailableDrivers(ctx context.Context, near domain.Coordinate, radiusKM float64) ([]domain.Driver, error) {
	if err := near.Validate(); err != nil {
		return nil, err
	}
	results, err := r.client.GeoRadius(ctx, r.key, near.Lng, near.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKM,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}

	out := make([]domain.Driver, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		meta, err := r.client.HGetAll(ctx, r.metaKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall: %w", err)
		}
		if len(meta) == 0 {
			continue
		}
		d := driverFromMeta(id, meta)
		d.Location = domain.Coordinate{Lat: res.Latitude, Lng: res.Longitude}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisRegistry) metaKey(id uuid.UUID) string { return r.metaPrefix + id.String() }

func driverFromMeta(id uuid.UUID, meta map[string]string) domain.Driver {
	d := domain.Driver{ID: id, Vehicle: domain.VehicleClass(meta["vehicle"])}
	if v, err := strconv.ParseFloat(meta["trust"], 64); err == nil {
		d.TrustScore = v
	}
	if v, err := strconv.Atoi(meta["rides"]); err == nil {
		d.TotalRides = v
	}
	d.IsAvailable = meta["available"] == "true"
	return d
}
