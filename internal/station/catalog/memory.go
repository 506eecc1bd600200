package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/station/locator"
)

// MemoryCatalog keeps stations in insertion order.
type MemoryCatalog struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]domain.Station
}

// NewMemoryCatalog constructs a catalog seeded with stations.
func NewMemoryCatalog(stations ...domain.Station) *MemoryCatalog {
	c := &MemoryCatalog{byID: make(map[string]domain.Station, len(stations))}
	for _, s := range stations {
		c.put(s)
	}
	return c
}

func (c *MemoryCatalog) put(s domain.Station) {
	if _, ok := c.byID[s.ID]; !ok {
		c.order = append(c.order, s.ID)
	}
	c.byID[s.ID] = cloneStation(s)
}

// Upsert inserts or replaces a station, keeping its original position.
func (c *MemoryCatalog) Upsert(_ context.Context, s domain.Station) error {
	if err := validateStation(s); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(s)
	return nil
}

// Get returns one station.
func (c *MemoryCatalog) Get(_ context.Context, id string) (domain.Station, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	if !ok {
		return domain.Station{}, fmt.Errorf("station %s: %w", id, domain.ErrNotFound)
	}
	return cloneStation(s), nil
}

// List returns all stations in catalog order.
func (c *MemoryCatalog) List(_ context.Context) ([]domain.Station, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Station, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneStation(c.byID[id]))
	}
	return out, nil
}

// Nearby filters by great-circle distance and keeps catalog order.
func (c *MemoryCatalog) Nearby(ctx context.Context, origin domain.Coordinate, radiusKM float64, limit int) ([]domain.Station, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return locator.WithinRadius(origin, all, radiusKM, limit), nil
}

func cloneStation(s domain.Station) domain.Station {
	s.Connectors = append([]domain.Connector(nil), s.Connectors...)
	return s
}

func validateStation(s domain.Station) error {
	if s.ID == "" {
		return fmt.Errorf("%w: station id is required", domain.ErrInvalidRequest)
	}
	if !s.Location.Valid() {
		return fmt.Errorf("%w: station %s has invalid coordinates", domain.ErrInvalidRequest, s.ID)
	}
	for _, c := range s.Connectors {
		if c.Type == "" {
			return fmt.Errorf("%w: station %s has a connector without type", domain.ErrInvalidRequest, s.ID)
		}
	}
	return nil
}
