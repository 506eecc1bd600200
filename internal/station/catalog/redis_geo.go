package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/station/locator"
)

const defaultGeoKey = "stations:geo"

// Store is a catalog that accepts writes.
type Store interface {
	domain.StationCatalog
	Upsert(ctx context.Context, s domain.Station) error
}

// GeoCatalog answers Nearby from a Redis GEO set and delegates everything
// else to the underlying catalog. Results come back nearest first.
type GeoCatalog struct {
	base   domain.StationCatalog
	client redis.Cmdable
	key    string
	logger *zap.Logger
}

// NewGeoCatalog decorates base with a Redis geo index stored under key.
func NewGeoCatalog(base domain.StationCatalog, client redis.Cmdable, key string, logger *zap.Logger) *GeoCatalog {
	if key == "" {
		key = defaultGeoKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoCatalog{base: base, client: client, key: key, logger: logger.Named("geo_catalog")}
}

// Index loads every station of the base catalog into the geo set.
func (g *GeoCatalog) Index(ctx context.Context) (int, error) {
	stations, err := g.base.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stations: %w", err)
	}
	if len(stations) == 0 {
		return 0, nil
	}
	locs := make([]*redis.GeoLocation, 0, len(stations))
	for _, s := range stations {
		locs = append(locs, &redis.GeoLocation{Name: s.ID, Longitude: s.Location.Lng, Latitude: s.Location.Lat})
	}
	if err := g.client.GeoAdd(ctx, g.key, locs...).Err(); err != nil {
		return 0, fmt.Errorf("redis geoadd: %w", err)
	}
	return len(stations), nil
}

// Upsert writes through to the base catalog and then the index.
func (g *GeoCatalog) Upsert(ctx context.Context, s domain.Station) error {
	store, ok := g.base.(Store)
	if !ok {
		return errors.New("underlying catalog is read-only")
	}
	if err := store.Upsert(ctx, s); err != nil {
		return err
	}
	loc := &redis.GeoLocation{Name: s.ID, Longitude: s.Location.Lng, Latitude: s.Location.Lat}
	if err := g.client.GeoAdd(ctx, g.key, loc).Err(); err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

func (g *GeoCatalog) Get(ctx context.Context, id string) (domain.Station, error) {
	return g.base.Get(ctx, id)
}

func (g *GeoCatalog) List(ctx context.Context) ([]domain.Station, error) {
	return g.base.List(ctx)
}

// geoRadiusPad widens the Redis query past radiusKM. Redis GEO measures on a
// 6372.797 km sphere, so its distances run slightly long against Haversine.
const geoRadiusPad = 1.01

// Nearby queries the geo set and falls back to the base catalog when Redis
// fails. Redis returns every candidate nearest first; stale members are
// dropped and the radius and limit are applied with Haversine so results match
// the other catalogs.
func (g *GeoCatalog) Nearby(ctx context.Context, origin domain.Coordinate, radiusKM float64, limit int) ([]domain.Station, error) {
	if radiusKM <= 0 {
		return g.base.Nearby(ctx, origin, radiusKM, limit)
	}
	query := &redis.GeoRadiusQuery{
		Radius: radiusKM * geoRadiusPad,
		Unit:   "km",
		Sort:   "ASC",
	}
	results, err := g.client.GeoRadius(ctx, g.key, origin.Lng, origin.Lat, query).Result()
	if err != nil {
		g.logger.Warn("geo index unavailable, using catalog scan", zap.Error(err))
		return g.base.Nearby(ctx, origin, radiusKM, limit)
	}

	stations := make([]domain.Station, 0, len(results))
	for _, res := range results {
		s, err := g.base.Get(ctx, res.Name)
		if errors.Is(err, domain.ErrNotFound) {
			g.logger.Debug("stale geo index entry", zap.String("station_id", res.Name))
			continue
		}
		if err != nil {
			return nil, err
		}
		stations = append(stations, s)
	}
	return locator.WithinRadius(origin, stations, radiusKM, limit), nil
}
