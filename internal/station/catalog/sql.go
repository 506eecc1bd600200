package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/station/locator"
)

// PostgresSchema creates the station tables.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS stations (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	lat DOUBLE PRECISION NOT NULL,
	lng DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stations_lat_lng ON stations (lat, lng);
CREATE TABLE IF NOT EXISTS station_connectors (
	station_id TEXT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
	ordinal INT NOT NULL,
	type TEXT NOT NULL,
	power_kw DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_per_kwh DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (station_id, ordinal)
);
`

// SQLiteSchema creates the station tables. Catalog order follows rowid.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS stations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	lat REAL NOT NULL,
	lng REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stations_lat_lng ON stations (lat, lng);
CREATE TABLE IF NOT EXISTS station_connectors (
	station_id TEXT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	type TEXT NOT NULL,
	power_kw REAL NOT NULL DEFAULT 0,
	price_per_kwh REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (station_id, ordinal)
);
`

type sqlDialect struct {
	schema      string
	orderColumn string
	placeholder func(n int) string
}

var (
	postgresDialect = sqlDialect{
		schema:      PostgresSchema,
		orderColumn: "seq",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
	sqliteDialect = sqlDialect{
		schema:      SQLiteSchema,
		orderColumn: "rowid",
		placeholder: func(int) string { return "?" },
	}
)

// SQLCatalog stores stations in Postgres or SQLite through database/sql.
type SQLCatalog struct {
	db *sql.DB
	d  sqlDialect
}

// NewPostgresCatalog wraps a pgx pool.
func NewPostgresCatalog(pool *pgxpool.Pool) *SQLCatalog {
	return &SQLCatalog{db: stdlib.OpenDBFromPool(pool), d: postgresDialect}
}

// NewSQLiteCatalog uses an open modernc.org/sqlite handle.
func NewSQLiteCatalog(db *sql.DB) *SQLCatalog {
	return &SQLCatalog{db: db, d: sqliteDialect}
}

// Migrate creates the station tables when missing.
func (c *SQLCatalog) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, c.d.schema); err != nil {
		return fmt.Errorf("migrate stations: %w", err)
	}
	return nil
}

// ph rewrites ? markers into the dialect's placeholders.
func (c *SQLCatalog) ph(query string) string {
	if c.d.placeholder(1) == "?" {
		return query
	}
	n := 0
	var sb strings.Builder
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(c.d.placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Upsert replaces the station row and its connector list atomically.
func (c *SQLCatalog) Upsert(ctx context.Context, s domain.Station) error {
	if err := validateStation(s); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, c.ph(`
	INSERT INTO stations (id, name, address, lat, lng) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET name = excluded.name, address = excluded.address, lat = excluded.lat, lng = excluded.lng
	`), s.ID, s.Name, s.Address, s.Location.Lat, s.Location.Lng)
	if err != nil {
		return fmt.Errorf("upsert station: %w", err)
	}
	if _, err := tx.ExecContext(ctx, c.ph(`DELETE FROM station_connectors WHERE station_id = ?`), s.ID); err != nil {
		return fmt.Errorf("clear connectors: %w", err)
	}
	for i, conn := range s.Connectors {
		_, err := tx.ExecContext(ctx, c.ph(`
		INSERT INTO station_connectors (station_id, ordinal, type, power_kw, price_per_kwh) VALUES (?, ?, ?, ?, ?)
		`), s.ID, i, conn.Type, conn.PowerKW, conn.PricePerKWh)
		if err != nil {
			return fmt.Errorf("insert connector: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit station: %w", err)
	}
	return nil
}

// Get returns one station with its connectors.
func (c *SQLCatalog) Get(ctx context.Context, id string) (domain.Station, error) {
	stations, err := c.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return domain.Station{}, err
	}
	if len(stations) == 0 {
		return domain.Station{}, fmt.Errorf("station %s: %w", id, domain.ErrNotFound)
	}
	return stations[0], nil
}

// List returns every station in insertion order.
func (c *SQLCatalog) List(ctx context.Context) ([]domain.Station, error) {
	return c.query(ctx, "")
}

// Nearby narrows by bounding box in SQL and applies the exact radius in Go.
func (c *SQLCatalog) Nearby(ctx context.Context, origin domain.Coordinate, radiusKM float64, limit int) ([]domain.Station, error) {
	if radiusKM <= 0 {
		all, err := c.List(ctx)
		if err != nil {
			return nil, err
		}
		return locator.WithinRadius(origin, all, 0, limit), nil
	}
	b := boundingBox(origin, radiusKM)
	candidates, err := c.query(ctx, `WHERE lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?`,
		b.minLat, b.maxLat, b.minLng, b.maxLng)
	if err != nil {
		return nil, err
	}
	return locator.WithinRadius(origin, candidates, radiusKM, limit), nil
}

func (c *SQLCatalog) query(ctx context.Context, where string, args ...any) ([]domain.Station, error) {
	rows, err := c.db.QueryContext(ctx, c.ph(`SELECT id, name, address, lat, lng FROM stations `+where+` ORDER BY `+c.d.orderColumn), args...)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	var (
		stations []domain.Station
		index    = make(map[string]int)
	)
	for rows.Next() {
		var s domain.Station
		if err := rows.Scan(&s.ID, &s.Name, &s.Address, &s.Location.Lat, &s.Location.Lng); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan station: %w", err)
		}
		index[s.ID] = len(stations)
		stations = append(stations, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate stations: %w", err)
	}
	rows.Close()
	if len(stations) == 0 {
		return nil, nil
	}
	if err := c.loadConnectors(ctx, stations, index); err != nil {
		return nil, err
	}
	return stations, nil
}

func (c *SQLCatalog) loadConnectors(ctx context.Context, stations []domain.Station, index map[string]int) error {
	ids := make([]any, 0, len(stations))
	marks := make([]string, 0, len(stations))
	for _, s := range stations {
		ids = append(ids, s.ID)
		marks = append(marks, "?")
	}
	rows, err := c.db.QueryContext(ctx, c.ph(`
	SELECT station_id, type, power_kw, price_per_kwh FROM station_connectors
	WHERE station_id IN (`+strings.Join(marks, ", ")+`)
	ORDER BY station_id, ordinal
	`), ids...)
	if err != nil {
		return fmt.Errorf("query connectors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stationID string
			conn      domain.Connector
		)
		if err := rows.Scan(&stationID, &conn.Type, &conn.PowerKW, &conn.PricePerKWh); err != nil {
			return fmt.Errorf("scan connector: %w", err)
		}
		i, ok := index[stationID]
		if !ok {
			return errors.New("connector for unknown station")
		}
		stations[i].Connectors = append(stations[i].Connectors, conn)
	}
	return rows.Err()
}

type box struct {
	minLat, maxLat, minLng, maxLng float64
}

// boundingBox over-approximates the radius. Boxes crossing the antimeridian
// or a pole fall back to the full longitude range.
func boundingBox(origin domain.Coordinate, radiusKM float64) box {
	const earthRadiusKM = 6371.0
	angular := radiusKM / earthRadiusKM * 1.01
	dLat := angular * 180 / math.Pi
	b := box{minLat: origin.Lat - dLat, maxLat: origin.Lat + dLat, minLng: -180, maxLng: 180}
	cos := math.Cos(origin.Lat * math.Pi / 180)
	if b.minLat <= -90 || b.maxLat >= 90 || math.Sin(angular) >= cos {
		return b
	}
	dLng := math.Asin(math.Sin(angular)/cos) * 180 / math.Pi
	if origin.Lng-dLng < -180 || origin.Lng+dLng > 180 {
		return b
	}
	b.minLng, b.maxLng = origin.Lng-dLng, origin.Lng+dLng
	return b
}
