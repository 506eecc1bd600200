// Package availability answers whether a connector group can take another
// reservation for a time window. It only reads state.
package availability

import (
	"context"
	"fmt"

	"github.com/example/evreserve/internal/reservation/domain"
)

// Result mirrors the availability payload consumed by the mobile client.
type Result struct {
	Available          bool `json:"available"`
	TotalConnectors    int  `json:"totalConnectors"`
	OccupiedConnectors int  `json:"occupiedConnectors"`
}

// OverlapFinder is the read side of domain.Repository the checker needs.
type OverlapFinder interface {
	Overlapping(ctx context.Context, key domain.SlotKey, w domain.Window) ([]domain.Reservation, error)
}

// Checker evaluates availability against the latest stored reservations.
// Nothing is cached between calls.
type Checker struct {
	catalog domain.StationCatalog
	finder  OverlapFinder
}

// New constructs a Checker.
func New(catalog domain.StationCatalog, finder OverlapFinder) *Checker {
	return &Checker{catalog: catalog, finder: finder}
}

// Check resolves the station and evaluates the window.
func (c *Checker) Check(ctx context.Context, stationID, connectorType string, w domain.Window) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}
	station, err := c.catalog.Get(ctx, stationID)
	if err != nil {
		return Result{}, err
	}
	return c.CheckStation(ctx, station, connectorType, w)
}

// CheckStation evaluates the window for an already resolved station. A
// connector type the station does not offer is reported as unavailable with
// zero connectors.
func (c *Checker) CheckStation(ctx context.Context, station domain.Station, connectorType string, w domain.Window) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}
	total := station.ConnectorCount(connectorType)
	if total == 0 {
		return Result{}, nil
	}
	key := domain.SlotKey{StationID: station.ID, ConnectorType: connectorType}
	existing, err := c.finder.Overlapping(ctx, key, w)
	if err != nil {
		return Result{}, fmt.Errorf("load overlapping reservations: %w", err)
	}
	occupied := Occupancy(existing, key, w)
	return Result{
		Available:          occupied < total,
		TotalConnectors:    total,
		OccupiedConnectors: occupied,
	}, nil
}

// Occupancy counts reservations on key that hold a connector and overlap w.
// Stores may return a superset; the filter is applied here again.
func Occupancy(existing []domain.Reservation, key domain.SlotKey, w domain.Window) int {
	n := 0
	for _, r := range existing {
		if r.Key() != key || !r.Status.Occupies() {
			continue
		}
		if r.Window().Overlaps(w) {
			n++
		}
	}
	return n
}
