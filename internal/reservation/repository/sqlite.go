package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/example/evreserve/internal/reservation/domain"
)

// SQLiteSchema stores instants as unix nanoseconds so range predicates compare numerically.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	station_id TEXT NOT NULL,
	connector_type TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	status TEXT NOT NULL,
	vehicle TEXT,
	notes TEXT NOT NULL DEFAULT '',
	estimated_cost REAL NOT NULL DEFAULT 0,
	session TEXT,
	cancel_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	confirmed_at INTEGER,
	started_at INTEGER,
	completed_at INTEGER,
	cancelled_at INTEGER,
	version INTEGER NOT NULL DEFAULT 1,
	CHECK (start_time < end_time)
);
CREATE INDEX IF NOT EXISTS idx_reservations_slot ON reservations(station_id, connector_type, start_time);
CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id, start_time);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	event_type TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	published INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
`

// SQLiteRepository is a single-node store for local deployments and the admin CLI.
type SQLiteRepository struct {
	conn        *sql.DB
	outboxTopic string
}

// OpenSQLite opens (or creates) the database file and initialises the schema.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	conn.SetMaxOpenConns(1)

	repo := &SQLiteRepository{conn: conn}
	if _, err := conn.Exec(SQLiteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return repo, nil
}

// DB exposes the connection so other SQLite-backed stores can share it.
func (r *SQLiteRepository) DB() *sql.DB { return r.conn }

// WithOutbox makes every state change also append its event to the outbox
// table in the same transaction.
func (r *SQLiteRepository) WithOutbox(topic string) *SQLiteRepository {
	r.outboxTopic = topic
	return r
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error { return r.conn.Close() }

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UnixNano() },
	noLimit:     "LIMIT -1",
}

// Insert stores a new reservation.
func (r *SQLiteRepository) Insert(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	vehicle, session, err := encodeExtras(res)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.Version == 0 {
		res.Version = 1
	}
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
	INSERT INTO reservations (`+reservationColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.ID.String(), res.UserID, res.StationID, res.ConnectorType, res.StartTime.UnixNano(), res.EndTime.UnixNano(), string(res.Status),
		nullText(vehicle), res.Notes, res.EstimatedCost, nullText(session), res.CancelReason,
		res.CreatedAt.UnixNano(), nullNanos(res.ConfirmedAt), nullNanos(res.StartedAt), nullNanos(res.CompletedAt), nullNanos(res.CancelledAt), res.Version,
	)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("inserting reservation: %w", err)
	}
	if err := r.writeOutbox(ctx, tx, res); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit reservation: %w", err)
	}
	return res, nil
}

// Get retrieves a reservation.
func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id.String())
	res, err := scanSQLiteReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("querying reservation: %w", err)
	}
	return res, nil
}

// Overlapping returns non-terminal reservations of the group intersecting w.
func (r *SQLiteRepository) Overlapping(ctx context.Context, key domain.SlotKey, w domain.Window) ([]domain.Reservation, error) {
	ph := make([]string, len(occupyingStatuses))
	args := []any{key.StationID, key.ConnectorType, w.End.UnixNano(), w.Start.UnixNano()}
	for i, s := range occupyingStatuses {
		ph[i] = "?"
		args = append(args, string(s))
	}
	rows, err := r.conn.QueryContext(ctx, `
	SELECT `+reservationColumns+`
	FROM reservations
	WHERE station_id = ? AND connector_type = ? AND start_time < ? AND end_time > ?
	  AND status IN (`+strings.Join(ph, ", ")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying overlapping: %w", err)
	}
	return collectSQLiteReservations(rows)
}

// CompareAndSwap updates the mutable columns if the version still matches.
func (r *SQLiteRepository) CompareAndSwap(ctx context.Context, res domain.Reservation, expectedVersion int64) (domain.Reservation, error) {
	_, session, err := encodeExtras(res)
	if err != nil {
		return domain.Reservation{}, err
	}
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, `
	UPDATE reservations
	SET status = ?, session = ?, cancel_reason = ?,
	    confirmed_at = ?, started_at = ?, completed_at = ?, cancelled_at = ?,
	    version = version + 1
	WHERE id = ? AND version = ?
	`, string(res.Status), nullText(session), res.CancelReason,
		nullNanos(res.ConfirmedAt), nullNanos(res.StartedAt), nullNanos(res.CompletedAt), nullNanos(res.CancelledAt),
		res.ID.String(), expectedVersion,
	)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("updating reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Reservation{}, err
	}
	if affected == 0 {
		// The pool has a single connection, so the lookup must reuse tx.
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM reservations WHERE id = ?`, res.ID.String()).Scan(&exists); err != nil {
			return domain.Reservation{}, fmt.Errorf("checking reservation: %w", err)
		}
		if exists == 0 {
			return domain.Reservation{}, fmt.Errorf("reservation %s: %w", res.ID, domain.ErrNotFound)
		}
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s was modified concurrently", domain.ErrInvalidTransition, res.ID)
	}
	res.Version = expectedVersion + 1
	if err := r.writeOutbox(ctx, tx, res); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit reservation: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) writeOutbox(ctx context.Context, tx *sql.Tx, res domain.Reservation) error {
	if r.outboxTopic == "" {
		return nil
	}
	eventType, payload, err := outboxEntry(res)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		r.outboxTopic, eventType, payload, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// List filters and pages reservations, newest start time first.
func (r *SQLiteRepository) List(ctx context.Context, q domain.ListQuery) ([]domain.Reservation, error) {
	query, args := buildListQuery("reservations", q, sqliteDialect)
	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reservations: %w", err)
	}
	return collectSQLiteReservations(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReservation(row rowScanner) (domain.Reservation, error) {
	var (
		res                                      domain.Reservation
		id, status                               string
		start, end, created                      int64
		vehicle, session                         sql.NullString
		confirmed, started, completed, cancelled sql.NullInt64
	)
	err := row.Scan(
		&id, &res.UserID, &res.StationID, &res.ConnectorType, &start, &end, &status,
		&vehicle, &res.Notes, &res.EstimatedCost, &session, &res.CancelReason,
		&created, &confirmed, &started, &completed, &cancelled, &res.Version,
	)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.ID, err = uuid.Parse(id); err != nil {
		return domain.Reservation{}, fmt.Errorf("parse id: %w", err)
	}
	if res.Status, err = domain.ParseStatus(status); err != nil {
		return domain.Reservation{}, fmt.Errorf("reservation %s: stored status: %v", res.ID, err)
	}
	res.StartTime = fromNanos(start)
	res.EndTime = fromNanos(end)
	res.CreatedAt = fromNanos(created)
	res.ConfirmedAt = fromNullNanos(confirmed)
	res.StartedAt = fromNullNanos(started)
	res.CompletedAt = fromNullNanos(completed)
	res.CancelledAt = fromNullNanos(cancelled)
	if err := decodeExtras(&res, []byte(vehicle.String), []byte(session.String)); err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

func collectSQLiteReservations(rows *sql.Rows) ([]domain.Reservation, error) {
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		res, err := scanSQLiteReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reservations: %w", err)
	}
	return out, nil
}

func nullText(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
