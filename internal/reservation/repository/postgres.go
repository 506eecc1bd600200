package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/evreserve/internal/reservation/domain"
)

// PostgresSchema creates the reservation and outbox tables.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS reservations (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	station_id TEXT NOT NULL,
	connector_type TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	vehicle JSONB,
	notes TEXT NOT NULL DEFAULT '',
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	session JSONB,
	cancel_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	confirmed_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 1,
	CONSTRAINT reservations_window_check CHECK (start_time < end_time)
);
CREATE INDEX IF NOT EXISTS idx_reservations_slot
	ON reservations (station_id, connector_type, start_time, end_time)
	WHERE status IN ('pending', 'confirmed', 'active');
CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations (user_id, start_time DESC);

CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	event_type TEXT NOT NULL DEFAULT '',
	payload BYTEA NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (id) WHERE published = false;
`

// PostgresRepository stores reservations in Postgres. When an outbox topic is
// configured every state change also writes its domain event to the outbox
// table in the same transaction.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	outboxTopic string
}

// NewPostgresRepository constructs the repository. An empty outboxTopic disables the outbox.
func NewPostgresRepository(pool *pgxpool.Pool, outboxTopic string) *PostgresRepository {
	return &PostgresRepository{pool: pool, outboxTopic: outboxTopic}
}

// Migrate applies PostgresSchema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate reservations: %w", err)
	}
	return nil
}

var pgDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg:     func(t time.Time) any { return t },
}

// Insert stores a new reservation.
func (r *PostgresRepository) Insert(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	vehicle, session, err := encodeExtras(res)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.Version == 0 {
		res.Version = 1
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		res.ID, res.UserID, res.StationID, res.ConnectorType, res.StartTime, res.EndTime, string(res.Status),
		vehicle, res.Notes, res.EstimatedCost, session, res.CancelReason,
		res.CreatedAt, res.ConfirmedAt, res.StartedAt, res.CompletedAt, res.CancelledAt, res.Version,
	)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	if err := r.writeOutbox(ctx, tx, res); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit reservation: %w", err)
	}
	return res, nil
}

// Get retrieves a reservation.
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	res, err := scanPgReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

// Overlapping returns non-terminal reservations of the group intersecting w.
func (r *PostgresRepository) Overlapping(ctx context.Context, key domain.SlotKey, w domain.Window) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE station_id = $1 AND connector_type = $2
		  AND status IN ('pending', 'confirmed', 'active')
		  AND start_time < $4 AND end_time > $3
	`, key.StationID, key.ConnectorType, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("query overlapping: %w", err)
	}
	return collectPgReservations(rows)
}

// CompareAndSwap updates the mutable columns if the version still matches.
func (r *PostgresRepository) CompareAndSwap(ctx context.Context, res domain.Reservation, expectedVersion int64) (domain.Reservation, error) {
	_, session, err := encodeExtras(res)
	if err != nil {
		return domain.Reservation{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var version int64
	err = tx.QueryRow(ctx, `
		UPDATE reservations
		SET status = $2, session = $3, cancel_reason = $4,
		    confirmed_at = $5, started_at = $6, completed_at = $7, cancelled_at = $8,
		    version = version + 1
		WHERE id = $1 AND version = $9
		RETURNING version
	`, res.ID, string(res.Status), session, res.CancelReason,
		res.ConfirmedAt, res.StartedAt, res.CompletedAt, res.CancelledAt, expectedVersion,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, res.ID).Scan(&exists); err != nil {
			return domain.Reservation{}, fmt.Errorf("check reservation: %w", err)
		}
		if !exists {
			return domain.Reservation{}, fmt.Errorf("reservation %s: %w", res.ID, domain.ErrNotFound)
		}
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s was modified concurrently", domain.ErrInvalidTransition, res.ID)
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("update reservation: %w", err)
	}
	res.Version = version
	if err := r.writeOutbox(ctx, tx, res); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit reservation: %w", err)
	}
	return res, nil
}

// List filters and pages reservations, newest start time first.
func (r *PostgresRepository) List(ctx context.Context, q domain.ListQuery) ([]domain.Reservation, error) {
	query, args := buildListQuery("reservations", q, pgDialect)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return collectPgReservations(rows)
}

func (r *PostgresRepository) writeOutbox(ctx context.Context, tx pgx.Tx, res domain.Reservation) error {
	if r.outboxTopic == "" {
		return nil
	}
	eventType, payload, err := outboxEntry(res)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, event_type, payload) VALUES ($1, $2, $3)`, r.outboxTopic, eventType, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func scanPgReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		res              domain.Reservation
		status           string
		vehicle, session []byte
	)
	err := row.Scan(
		&res.ID, &res.UserID, &res.StationID, &res.ConnectorType, &res.StartTime, &res.EndTime, &status,
		&vehicle, &res.Notes, &res.EstimatedCost, &session, &res.CancelReason,
		&res.CreatedAt, &res.ConfirmedAt, &res.StartedAt, &res.CompletedAt, &res.CancelledAt, &res.Version,
	)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.Status, err = domain.ParseStatus(status); err != nil {
		return domain.Reservation{}, fmt.Errorf("reservation %s: stored status: %v", res.ID, err)
	}
	if err := decodeExtras(&res, vehicle, session); err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

func collectPgReservations(rows pgx.Rows) ([]domain.Reservation, error) {
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		res, err := scanPgReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}
