package repository_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/repository"
)

var base = time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)

func newReservation(user, station, connector string, start time.Time, d time.Duration, status domain.Status) domain.Reservation {
	return domain.Reservation{
		ID:            uuid.New(),
		UserID:        user,
		StationID:     station,
		ConnectorType: connector,
		StartTime:     start,
		EndTime:       start.Add(d),
		Status:        status,
		CreatedAt:     base.Add(-time.Hour),
	}
}

func backends(t *testing.T) map[string]func(t *testing.T) domain.Repository {
	t.Helper()
	b := map[string]func(t *testing.T) domain.Repository{
		"memory": func(t *testing.T) domain.Repository { return repository.NewMemoryRepository() },
		"sqlite": func(t *testing.T) domain.Repository {
			repo, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "reservations.db"))
			require.NoError(t, err)
			t.Cleanup(func() { repo.Close() })
			return repo.WithOutbox("reservations.events")
		},
	}
	if dsn := os.Getenv("EVRESERVE_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) domain.Repository {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, dsn)
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			repo := repository.NewPostgresRepository(pool, "reservations.events")
			require.NoError(t, repo.Migrate(ctx))
			_, err = pool.Exec(ctx, `TRUNCATE reservations, outbox`)
			require.NoError(t, err)
			return repo
		}
	}
	return b
}

func TestRepositoryContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("insert and get", func(t *testing.T) {
				repo := open(t)
				ctx := context.Background()
				energy := 42.5
				capacity := 75.0
				r := newReservation("u1", "s1", "CCS", base, time.Hour, domain.StatusPending)
				r.Vehicle = &domain.Vehicle{Make: "Polestar", Model: "2", BatteryCapacityKWh: &capacity}
				r.Session = &domain.SessionMetrics{EnergyKWh: &energy}
				r.Notes = "bay near entrance"
				r.EstimatedCost = 12.5

				stored, err := repo.Insert(ctx, r)
				require.NoError(t, err)
				require.Equal(t, int64(1), stored.Version)

				got, err := repo.Get(ctx, r.ID)
				require.NoError(t, err)
				require.Equal(t, r.ID, got.ID)
				require.True(t, got.StartTime.Equal(r.StartTime))
				require.True(t, got.EndTime.Equal(r.EndTime))
				require.Equal(t, domain.StatusPending, got.Status)
				require.Equal(t, "Polestar", got.Vehicle.Make)
				require.InDelta(t, 75.0, *got.Vehicle.BatteryCapacityKWh, 1e-9)
				require.Nil(t, got.Vehicle.CurrentChargePct)
				require.InDelta(t, 42.5, *got.Session.EnergyKWh, 1e-9)
				require.Equal(t, "bay near entrance", got.Notes)
				require.InDelta(t, 12.5, got.EstimatedCost, 1e-9)
				require.Nil(t, got.ConfirmedAt)
			})

			t.Run("get missing", func(t *testing.T) {
				repo := open(t)
				_, err := repo.Get(context.Background(), uuid.New())
				require.ErrorIs(t, err, domain.ErrNotFound)
			})

			t.Run("overlapping ignores terminal and adjacent", func(t *testing.T) {
				repo := open(t)
				ctx := context.Background()
				held := newReservation("u1", "s1", "CCS", base, time.Hour, domain.StatusConfirmed)
				adjacent := newReservation("u2", "s1", "CCS", base.Add(time.Hour), time.Hour, domain.StatusPending)
				cancelled := newReservation("u3", "s1", "CCS", base, time.Hour, domain.StatusCancelled)
				otherType := newReservation("u4", "s1", "Type2", base, time.Hour, domain.StatusActive)
				for _, r := range []domain.Reservation{held, adjacent, cancelled, otherType} {
					_, err := repo.Insert(ctx, r)
					require.NoError(t, err)
				}

				got, err := repo.Overlapping(ctx, domain.SlotKey{StationID: "s1", ConnectorType: "CCS"},
					domain.Window{Start: base.Add(30 * time.Minute), End: base.Add(time.Hour)})
				require.NoError(t, err)
				require.Len(t, got, 1)
				require.Equal(t, held.ID, got[0].ID)
			})

			t.Run("compare and swap", func(t *testing.T) {
				repo := open(t)
				ctx := context.Background()
				r, err := repo.Insert(ctx, newReservation("u1", "s1", "CCS", base, time.Hour, domain.StatusPending))
				require.NoError(t, err)

				now := base.Add(-10 * time.Minute)
				r.Status = domain.StatusConfirmed
				r.ConfirmedAt = &now
				updated, err := repo.CompareAndSwap(ctx, r, 1)
				require.NoError(t, err)
				require.Equal(t, int64(2), updated.Version)

				r.Status = domain.StatusCancelled
				_, err = repo.CompareAndSwap(ctx, r, 1)
				require.ErrorIs(t, err, domain.ErrInvalidTransition)

				got, err := repo.Get(ctx, r.ID)
				require.NoError(t, err)
				require.Equal(t, domain.StatusConfirmed, got.Status)
				require.NotNil(t, got.ConfirmedAt)
				require.True(t, got.ConfirmedAt.Equal(now))

				missing := newReservation("u1", "s1", "CCS", base, time.Hour, domain.StatusPending)
				_, err = repo.CompareAndSwap(ctx, missing, 1)
				require.ErrorIs(t, err, domain.ErrNotFound)
			})

			t.Run("list filters and orders", func(t *testing.T) {
				repo := open(t)
				ctx := context.Background()
				early := newReservation("u1", "s1", "CCS", base, time.Hour, domain.StatusPending)
				late := newReservation("u1", "s2", "CCS", base.Add(24*time.Hour), time.Hour, domain.StatusConfirmed)
				done := newReservation("u1", "s1", "CCS", base.Add(-24*time.Hour), time.Hour, domain.StatusCompleted)
				other := newReservation("u2", "s1", "CCS", base.Add(2*time.Hour), time.Hour, domain.StatusPending)
				for _, r := range []domain.Reservation{early, late, done, other} {
					_, err := repo.Insert(ctx, r)
					require.NoError(t, err)
				}

				got, err := repo.List(ctx, domain.ListQuery{UserID: "u1"})
				require.NoError(t, err)
				require.Equal(t, []uuid.UUID{late.ID, early.ID, done.ID}, ids(got))

				got, err = repo.List(ctx, domain.ListQuery{UserID: "u1", Statuses: []domain.Status{domain.StatusPending, domain.StatusConfirmed}})
				require.NoError(t, err)
				require.Equal(t, []uuid.UUID{late.ID, early.ID}, ids(got))

				got, err = repo.List(ctx, domain.ListQuery{StationID: "s1", From: base, To: base.Add(3 * time.Hour)})
				require.NoError(t, err)
				require.Equal(t, []uuid.UUID{other.ID, early.ID}, ids(got))

				got, err = repo.List(ctx, domain.ListQuery{UserID: "u1", Limit: 1, Offset: 1})
				require.NoError(t, err)
				require.Equal(t, []uuid.UUID{early.ID}, ids(got))

				got, err = repo.List(ctx, domain.ListQuery{UserID: "u1", Offset: 2})
				require.NoError(t, err)
				require.Equal(t, []uuid.UUID{done.ID}, ids(got))
			})
		})
	}
}

func TestMemoryRepositoryRejectsDuplicateID(t *testing.T) {
	repo := repository.NewMemoryRepository()
	r := newReservation("u1", "s1", "CCS", base, time.Hour, domain.StatusPending)
	_, err := repo.Insert(context.Background(), r)
	require.NoError(t, err)
	_, err = repo.Insert(context.Background(), r)
	require.Error(t, err)
}

func ids(rs []domain.Reservation) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestSQLiteOutboxRecordsEvents(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "reservations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	repo.WithOutbox("reservations.events")

	r, err := repo.Insert(ctx, newReservation("u1", "s1", "CCS", base, time.Hour, domain.StatusPending))
	require.NoError(t, err)
	r.Status = domain.StatusCancelled
	_, err = repo.CompareAndSwap(ctx, r, r.Version)
	require.NoError(t, err)
	_, err = repo.CompareAndSwap(ctx, r, r.Version)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	rows, err := repo.DB().QueryContext(ctx, `SELECT topic, event_type FROM outbox ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var types []string
	for rows.Next() {
		var topic, eventType string
		require.NoError(t, rows.Scan(&topic, &eventType))
		require.Equal(t, "reservations.events", topic)
		types = append(types, eventType)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{string(domain.EventReservationCreated), string(domain.EventReservationCancelled)}, types)
}

func TestSQLiteRejectsCorruptStatus(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "reservations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	r, err := repo.Insert(ctx, newReservation("u1", "s1", "CCS", base, time.Hour, domain.StatusPending))
	require.NoError(t, err)
	_, err = repo.DB().ExecContext(ctx, `UPDATE reservations SET status = 'teleported' WHERE id = ?`, r.ID.String())
	require.NoError(t, err)

	_, err = repo.Get(ctx, r.ID)
	require.ErrorContains(t, err, `unknown status "teleported"`)
	require.NotErrorIs(t, err, domain.ErrInvalidRequest)
	require.NotErrorIs(t, err, domain.ErrNotFound)
}
