package evclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/evreserve/internal/auth"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/handler"
	"github.com/example/evreserve/internal/reservation/repository"
	"github.com/example/evreserve/internal/reservation/service"
	"github.com/example/evreserve/internal/station/catalog"
	"github.com/example/evreserve/pkg/evclient"
)

const secret = "client-secret"

type movableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *movableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var now = time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)

func newServer(t *testing.T) (*httptest.Server, *movableClock) {
	t.Helper()
	cat := catalog.NewMemoryCatalog(
		domain.Station{ID: "metrotown", Name: "Metrotown", Location: domain.Coordinate{Lat: 49.2276, Lng: -123.0076},
			Connectors: []domain.Connector{{Type: "CCS", PowerKW: 50, PricePerKWh: 0.35}}},
		domain.Station{ID: "brentwood", Name: "Brentwood", Location: domain.Coordinate{Lat: 49.2669, Lng: -123.0003},
			Connectors: []domain.Connector{{Type: "CHAdeMO", PowerKW: 50, PricePerKWh: 0.30}}},
	)
	clock := &movableClock{t: now}
	svc := service.New(repository.NewMemoryRepository(), cat, nil, nil, clock, repository.NewMemoryIdempotencyRepo(clock, time.Hour), nil, service.Config{})
	srv := httptest.NewServer(handler.NewHTTP(svc, cat, handler.Options{JWTSecret: secret}, nil).Router())
	t.Cleanup(srv.Close)
	return srv, clock
}

func clientFor(t *testing.T, baseURL, user string) *evclient.Client {
	t.Helper()
	token, err := auth.IssueToken(secret, user, "driver", time.Hour)
	require.NoError(t, err)
	return evclient.New(baseURL, token)
}

func TestClientLifecycle(t *testing.T) {
	srv, clock := newServer(t)
	ctx := context.Background()
	c := clientFor(t, srv.URL, "user-1")
	start, end := now.Add(time.Hour), now.Add(2*time.Hour)

	avail, err := c.CheckAvailability(ctx, "metrotown", "CCS", domain.Window{Start: start, End: end})
	require.NoError(t, err)
	require.True(t, avail.Available)

	created, err := c.Create(ctx, "key-1", evclient.CreateRequest{StationID: "metrotown", ConnectorType: "CCS", StartTime: start, EndTime: end})
	require.NoError(t, err)
	again, err := c.Create(ctx, "key-1", evclient.CreateRequest{StationID: "metrotown", ConnectorType: "CCS", StartTime: start, EndTime: end})
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)

	_, err = clientFor(t, srv.URL, "user-2").Create(ctx, "", evclient.CreateRequest{StationID: "metrotown", ConnectorType: "CCS", StartTime: start, EndTime: end})
	require.ErrorIs(t, err, domain.ErrSlotConflict)

	_, err = c.Confirm(ctx, created.ID)
	require.NoError(t, err)
	_, err = c.Start(ctx, created.ID)
	require.ErrorIs(t, err, domain.ErrNotYetStartable)

	clock.Set(start.Add(5 * time.Minute))
	_, err = c.Start(ctx, created.ID)
	require.NoError(t, err)
	energy, cost := 40.0, 14.0
	done, err := c.Complete(ctx, created.ID, &domain.SessionMetrics{EnergyKWh: &energy, FinalCost: &cost})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.Equal(t, 40.0, *done.Session.EnergyKWh)

	_, err = c.Cancel(ctx, created.ID, "too late")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := c.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Version)

	list, err := c.List(ctx, evclient.ListOptions{Statuses: []domain.Status{domain.StatusCompleted}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)

	active, err := c.Active(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	analytics, err := c.Analytics(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, 14.0, analytics.FinalCost)

	schedule, err := c.StationSchedule(ctx, "metrotown", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Empty(t, schedule)

	_, err = c.Get(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientStations(t *testing.T) {
	srv, _ := newServer(t)
	c := evclient.New(srv.URL, "")
	ctx := context.Background()

	stations, err := c.Stations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 2)

	st, err := c.Station(ctx, "brentwood")
	require.NoError(t, err)
	require.Equal(t, "Brentwood", st.Name)

	ranked, err := c.Nearby(ctx, domain.Coordinate{Lat: 49.2488, Lng: -122.9805}, 0, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	require.Equal(t, "brentwood", ranked[0].ID)
	require.Equal(t, "1.5 mi", ranked[0].Distance.Display)

	_, err = c.Active(ctx)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestClientTransportErrors(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()
	_, err := evclient.New(slow.URL, "", evclient.WithTimeout(20*time.Millisecond)).Stations(context.Background())
	require.ErrorIs(t, err, domain.ErrTimeout)

	gone := httptest.NewServer(http.NotFoundHandler())
	url := gone.URL
	gone.Close()
	_, err = evclient.New(url, "").Stations(context.Background())
	require.ErrorIs(t, err, domain.ErrUnavailable)

	unavailable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer unavailable.Close()
	_, err = evclient.New(unavailable.URL, "").Stations(context.Background())
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestWithTimeoutLeavesCallerClientUntouched(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	shared := &http.Client{}
	cl := evclient.New(slow.URL, "", evclient.WithHTTPClient(shared), evclient.WithTimeout(20*time.Millisecond))
	_, err := cl.Stations(context.Background())
	require.ErrorIs(t, err, domain.ErrTimeout)
	require.Zero(t, shared.Timeout)

	evclient.New(slow.URL, "", evclient.WithHTTPClient(http.DefaultClient), evclient.WithTimeout(time.Second))
	require.Zero(t, http.DefaultClient.Timeout)
}
