package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/evreserve/internal/reservation/domain"
)

func TestStatusApplyLegalTransitions(t *testing.T) {
	legal := map[domain.Status]map[domain.Transition]domain.Status{
		domain.StatusPending:   {domain.TransitionConfirm: domain.StatusConfirmed, domain.TransitionCancel: domain.StatusCancelled},
		domain.StatusConfirmed: {domain.TransitionStart: domain.StatusActive, domain.TransitionCancel: domain.StatusCancelled},
		domain.StatusActive:    {domain.TransitionComplete: domain.StatusCompleted, domain.TransitionCancel: domain.StatusCancelled},
		domain.StatusCompleted: {},
		domain.StatusCancelled: {},
	}
	transitions := []domain.Transition{domain.TransitionConfirm, domain.TransitionStart, domain.TransitionComplete, domain.TransitionCancel}

	for from, allowed := range legal {
		for _, tr := range transitions {
			t.Run(fmt.Sprintf("%s_%s", from, tr), func(t *testing.T) {
				next, err := from.Apply(tr)
				if want, ok := allowed[tr]; ok {
					require.NoError(t, err)
					require.Equal(t, want, next)
					return
				}
				require.ErrorIs(t, err, domain.ErrInvalidTransition)
				require.Equal(t, from, next)
			})
		}
	}
}

func TestWindowOverlapHalfOpen(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2030, 1, 1, h, m, 0, 0, time.UTC) }
	booked := domain.Window{Start: at(10, 0), End: at(11, 0)}

	require.True(t, booked.Overlaps(domain.Window{Start: at(10, 30), End: at(11, 30)}))
	require.True(t, booked.Overlaps(domain.Window{Start: at(9, 0), End: at(12, 0)}))
	require.False(t, booked.Overlaps(domain.Window{Start: at(11, 0), End: at(12, 0)}))
	require.False(t, booked.Overlaps(domain.Window{Start: at(9, 0), End: at(10, 0)}))

	require.True(t, booked.Contains(at(10, 0)))
	require.False(t, booked.Contains(at(11, 0)))
}

func TestWindowValidate(t *testing.T) {
	now := time.Now()
	require.NoError(t, domain.Window{Start: now, End: now.Add(time.Minute)}.Validate())
	require.ErrorIs(t, domain.Window{Start: now, End: now}.Validate(), domain.ErrInvalidWindow)
	require.ErrorIs(t, domain.Window{Start: now, End: now.Add(-time.Minute)}.Validate(), domain.ErrInvalidWindow)
	require.ErrorIs(t, domain.Window{End: now}.Validate(), domain.ErrInvalidWindow)
}

func TestCodeRoundTrip(t *testing.T) {
	require.Equal(t, domain.CodeInvalidRequest, domain.Code(domain.ErrNoteTooLong))
	require.Equal(t, domain.CodeNotFound, domain.Code(domain.ErrUnknownConnector))
	require.Equal(t, domain.CodeSlotConflict, domain.Code(fmt.Errorf("create: %w", domain.ErrSlotConflict)))
	require.Equal(t, domain.CodeInternal, domain.Code(errors.New("boom")))
	require.Empty(t, domain.Code(nil))

	require.ErrorIs(t, domain.FromCode(domain.CodeWindowExpired), domain.ErrWindowExpired)
	require.Nil(t, domain.FromCode("nope"))

	require.True(t, domain.IsDomain(domain.ErrSlotConflict))
	require.False(t, domain.IsDomain(domain.ErrTimeout))
}

func TestStationConnectorCount(t *testing.T) {
	st := domain.Station{Connectors: []domain.Connector{{Type: "CCS"}, {Type: "CCS"}, {Type: "Type2"}}}
	require.Equal(t, 2, st.ConnectorCount("CCS"))
	require.Equal(t, 0, st.ConnectorCount("CHAdeMO"))
	_, ok := st.Connector("Type2")
	require.True(t, ok)
}

func TestCoordinateValid(t *testing.T) {
	require.True(t, domain.Coordinate{Lat: 49.2488, Lng: -122.9805}.Valid())
	require.True(t, domain.Coordinate{Lat: -90, Lng: 180}.Valid())
	require.False(t, domain.Coordinate{Lat: 90.1}.Valid())
	require.False(t, domain.Coordinate{Lng: -180.5}.Valid())
}
