package availability_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/evreserve/internal/reservation/availability"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/repository"
	"github.com/example/evreserve/internal/station/catalog"
)

func at(h, m int) time.Time { return time.Date(2030, 6, 1, h, m, 0, 0, time.UTC) }

func seed(t *testing.T, repo *repository.MemoryRepository, station, connector string, status domain.Status, start, end time.Time) {
	t.Helper()
	_, err := repo.Insert(context.Background(), domain.Reservation{
		ID:            uuid.New(),
		UserID:        "u",
		StationID:     station,
		ConnectorType: connector,
		StartTime:     start,
		EndTime:       end,
		Status:        status,
		Version:       1,
	})
	require.NoError(t, err)
}

func newChecker(t *testing.T) (*availability.Checker, *repository.MemoryRepository) {
	t.Helper()
	cat := catalog.NewMemoryCatalog(
		domain.Station{ID: "S", Connectors: []domain.Connector{{Type: "CCS"}, {Type: "Type2"}, {Type: "Type2"}}},
	)
	repo := repository.NewMemoryRepository()
	return availability.New(cat, repo), repo
}

func TestCheckOverlapAndBackToBack(t *testing.T) {
	checker, repo := newChecker(t)
	seed(t, repo, "S", "CCS", domain.StatusConfirmed, at(10, 0), at(11, 0))
	ctx := context.Background()

	res, err := checker.Check(ctx, "S", "CCS", domain.Window{Start: at(10, 30), End: at(11, 30)})
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, 1, res.TotalConnectors)
	require.Equal(t, 1, res.OccupiedConnectors)

	res, err = checker.Check(ctx, "S", "CCS", domain.Window{Start: at(11, 0), End: at(12, 0)})
	require.NoError(t, err)
	require.True(t, res.Available)
	require.Equal(t, 0, res.OccupiedConnectors)
}

func TestCheckIgnoresTerminalReservations(t *testing.T) {
	checker, repo := newChecker(t)
	seed(t, repo, "S", "CCS", domain.StatusCancelled, at(10, 0), at(11, 0))
	seed(t, repo, "S", "CCS", domain.StatusCompleted, at(10, 0), at(11, 0))

	res, err := checker.Check(context.Background(), "S", "CCS", domain.Window{Start: at(10, 0), End: at(11, 0)})
	require.NoError(t, err)
	require.True(t, res.Available)
}

func TestCheckCountsAgainstConnectorsOfType(t *testing.T) {
	checker, repo := newChecker(t)
	ctx := context.Background()
	w := domain.Window{Start: at(14, 0), End: at(15, 0)}

	seed(t, repo, "S", "Type2", domain.StatusPending, at(14, 0), at(15, 0))
	res, err := checker.Check(ctx, "S", "Type2", w)
	require.NoError(t, err)
	require.True(t, res.Available)
	require.Equal(t, 2, res.TotalConnectors)

	seed(t, repo, "S", "Type2", domain.StatusActive, at(14, 30), at(16, 0))
	res, err = checker.Check(ctx, "S", "Type2", w)
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, 2, res.OccupiedConnectors)

	// A CCS booking never affects Type2.
	res, err = checker.Check(ctx, "S", "CCS", w)
	require.NoError(t, err)
	require.True(t, res.Available)
}

func TestCheckUnknownConnectorAndStation(t *testing.T) {
	checker, _ := newChecker(t)
	ctx := context.Background()
	w := domain.Window{Start: at(9, 0), End: at(10, 0)}

	res, err := checker.Check(ctx, "S", "CHAdeMO", w)
	require.NoError(t, err)
	require.Equal(t, availability.Result{}, res)

	_, err = checker.Check(ctx, "missing", "CCS", w)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = checker.Check(ctx, "S", "CCS", domain.Window{Start: at(10, 0), End: at(9, 0)})
	require.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestOccupancyFiltersSuperset(t *testing.T) {
	key := domain.SlotKey{StationID: "S", ConnectorType: "CCS"}
	w := domain.Window{Start: at(10, 0), End: at(11, 0)}
	existing := []domain.Reservation{
		{StationID: "S", ConnectorType: "CCS", Status: domain.StatusPending, StartTime: at(10, 0), EndTime: at(10, 30)},
		{StationID: "S", ConnectorType: "CCS", Status: domain.StatusCancelled, StartTime: at(10, 0), EndTime: at(11, 0)},
		{StationID: "S", ConnectorType: "CCS", Status: domain.StatusConfirmed, StartTime: at(11, 0), EndTime: at(12, 0)},
		{StationID: "T", ConnectorType: "CCS", Status: domain.StatusActive, StartTime: at(10, 0), EndTime: at(11, 0)},
	}
	require.Equal(t, 1, availability.Occupancy(existing, key, w))
}
