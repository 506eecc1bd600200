package catalog_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/station/catalog"
	"github.com/example/evreserve/internal/station/locator"
)

var (
	metrotown = domain.Station{
		ID: "metrotown", Name: "Metrotown Level P2", Address: "4700 Kingsway, Burnaby",
		Location: domain.Coordinate{Lat: 49.2276, Lng: -123.0076},
		Connectors: []domain.Connector{
			{Type: "CCS", PowerKW: 50, PricePerKWh: 0.35},
			{Type: "CCS", PowerKW: 50, PricePerKWh: 0.35},
			{Type: "J1772", PowerKW: 7.2, PricePerKWh: 0.2},
		},
	}
	brentwood = domain.Station{
		ID: "brentwood", Name: "Brentwood Town Centre", Address: "4567 Lougheed Hwy, Burnaby",
		Location:   domain.Coordinate{Lat: 49.2669, Lng: -123.0003},
		Connectors: []domain.Connector{{Type: "CHAdeMO", PowerKW: 50, PricePerKWh: 0.3}},
	}
	coquitlam = domain.Station{
		ID: "coquitlam", Name: "Coquitlam Centre", Address: "2929 Barnet Hwy, Coquitlam",
		Location:   domain.Coordinate{Lat: 49.2781, Lng: -122.8011},
		Connectors: []domain.Connector{{Type: "CCS", PowerKW: 150, PricePerKWh: 0.45}},
	}
	// Burnaby City Hall: 3.07 km from Metrotown, 2.47 km from Brentwood, 13.4 km from Coquitlam Centre.
	origin = domain.Coordinate{Lat: 49.2488, Lng: -122.9805}
)

func stores(t *testing.T) map[string]func(t *testing.T) catalog.Store {
	b := map[string]func(t *testing.T) catalog.Store{
		"memory": func(t *testing.T) catalog.Store { return catalog.NewMemoryCatalog() },
		"sqlite": func(t *testing.T) catalog.Store {
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "stations.db"))
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { db.Close() })
			c := catalog.NewSQLiteCatalog(db)
			require.NoError(t, c.Migrate(context.Background()))
			return c
		},
	}
	if dsn := os.Getenv("EVRESERVE_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) catalog.Store {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, dsn)
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			c := catalog.NewPostgresCatalog(pool)
			require.NoError(t, c.Migrate(ctx))
			_, err = pool.Exec(ctx, `TRUNCATE stations CASCADE`)
			require.NoError(t, err)
			return c
		}
	}
	return b
}

func TestCatalogContract(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := open(t)
			for _, s := range []domain.Station{metrotown, brentwood, coquitlam} {
				require.NoError(t, c.Upsert(ctx, s))
			}

			got, err := c.Get(ctx, "metrotown")
			require.NoError(t, err)
			require.Equal(t, metrotown, got)
			require.Equal(t, 2, got.ConnectorCount("CCS"))

			_, err = c.Get(ctx, "missing")
			require.ErrorIs(t, err, domain.ErrNotFound)

			all, err := c.List(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"metrotown", "brentwood", "coquitlam"}, stationIDs(all))

			near, err := c.Nearby(ctx, origin, 5, 10)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"metrotown", "brentwood"}, stationIDs(near))

			near, err = c.Nearby(ctx, origin, 50, 1)
			require.NoError(t, err)
			require.Len(t, near, 1)

			updated := brentwood
			updated.Name = "Brentwood Amazing Brentwood"
			updated.Connectors = append(updated.Connectors, domain.Connector{Type: "CCS", PowerKW: 100, PricePerKWh: 0.4})
			require.NoError(t, c.Upsert(ctx, updated))
			got, err = c.Get(ctx, "brentwood")
			require.NoError(t, err)
			require.Equal(t, updated, got)

			all, err = c.List(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"metrotown", "brentwood", "coquitlam"}, stationIDs(all))
		})
	}
}

func TestUpsertRejectsInvalidStation(t *testing.T) {
	c := catalog.NewMemoryCatalog()
	err := c.Upsert(context.Background(), domain.Station{ID: "x", Location: domain.Coordinate{Lat: 91}})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	err = c.Upsert(context.Background(), domain.Station{Name: "no id"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestMemoryCatalogReturnsCopies(t *testing.T) {
	c := catalog.NewMemoryCatalog(metrotown)
	got, err := c.Get(context.Background(), "metrotown")
	require.NoError(t, err)
	got.Connectors[0].Type = "mutated"

	again, err := c.Get(context.Background(), "metrotown")
	require.NoError(t, err)
	require.Equal(t, "CCS", again.Connectors[0].Type)
}

func TestGeoCatalogNearby(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	base := catalog.NewMemoryCatalog(coquitlam, brentwood, metrotown)
	geo := catalog.NewGeoCatalog(base, client, "", nil)
	n, err := geo.Index(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	near, err := geo.Nearby(ctx, origin, 5, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"brentwood", "metrotown"}, stationIDs(near))

	near, err = geo.Nearby(ctx, origin, 50, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"brentwood", "metrotown"}, stationIDs(near))

	near, err = geo.Nearby(ctx, origin, 3, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"brentwood"}, stationIDs(near))

	extra := domain.Station{ID: "city-hall", Name: "City Hall", Location: origin, Connectors: []domain.Connector{{Type: "CCS"}}}
	require.NoError(t, geo.Upsert(ctx, extra))
	near, err = geo.Nearby(ctx, origin, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"city-hall"}, stationIDs(near))
}

func TestGeoCatalogStaleEntriesDoNotShortenResults(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	geo := catalog.NewGeoCatalog(catalog.NewMemoryCatalog(coquitlam, brentwood, metrotown), client, "", nil)
	_, err := geo.Index(ctx)
	require.NoError(t, err)
	// A station removed from the catalog but still in the geo set, closer than any live one.
	require.NoError(t, client.GeoAdd(ctx, "stations:geo", &redis.GeoLocation{Name: "demolished", Longitude: origin.Lng, Latitude: origin.Lat}).Err())

	near, err := geo.Nearby(ctx, origin, 50, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"brentwood", "metrotown"}, stationIDs(near))
}

func TestGeoCatalogRadiusMatchesHaversine(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	base := catalog.NewMemoryCatalog(brentwood, metrotown)
	geo := catalog.NewGeoCatalog(base, client, "", nil)
	_, err := geo.Index(ctx)
	require.NoError(t, err)

	// Just past Brentwood by Haversine; Redis alone would measure Brentwood outside it.
	radius := locator.Haversine(origin, brentwood.Location) * 1.0001
	fromGeo, err := geo.Nearby(ctx, origin, radius, 10)
	require.NoError(t, err)
	fromBase, err := base.Nearby(ctx, origin, radius, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"brentwood"}, stationIDs(fromGeo))
	require.Equal(t, stationIDs(fromBase), stationIDs(fromGeo))
}

func TestGeoCatalogFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	geo := catalog.NewGeoCatalog(catalog.NewMemoryCatalog(metrotown, coquitlam), client, "", nil)
	mr.Close()

	near, err := geo.Nearby(context.Background(), origin, 5, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"metrotown"}, stationIDs(near))

	got, err := geo.Get(context.Background(), "coquitlam")
	require.NoError(t, err)
	require.Equal(t, "Coquitlam Centre", got.Name)
}

func stationIDs(stations []domain.Station) []string {
	ids := make([]string, 0, len(stations))
	for _, s := range stations {
		ids = append(ids, s.ID)
	}
	return ids
}
