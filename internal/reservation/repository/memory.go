package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/evreserve/internal/reservation/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu           sync.RWMutex
	reservations map[uuid.UUID]domain.Reservation
	bySlot       map[domain.SlotKey][]uuid.UUID
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		reservations: make(map[uuid.UUID]domain.Reservation),
		bySlot:       make(map[domain.SlotKey][]uuid.UUID),
	}
}

// Insert stores a new reservation.
func (m *MemoryRepository) Insert(ctx context.Context, r domain.Reservation) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, err
	}
	if _, exists := m.reservations[r.ID]; exists {
		return domain.Reservation{}, fmt.Errorf("reservation %s already exists", r.ID)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	m.reservations[r.ID] = r
	m.bySlot[r.Key()] = append(m.bySlot[r.Key()], r.ID)
	return r, nil
}

// Get retrieves a reservation.
func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

// Overlapping scans the reservations of one connector group.
func (m *MemoryRepository) Overlapping(_ context.Context, key domain.SlotKey, w domain.Window) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Reservation
	for _, id := range m.bySlot[key] {
		r := m.reservations[id]
		if r.Status.Occupies() && r.Window().Overlaps(w) {
			res = append(res, r)
		}
	}
	return res, nil
}

// CompareAndSwap replaces the stored reservation, performing optimistic locking on version.
func (m *MemoryRepository) CompareAndSwap(ctx context.Context, r domain.Reservation, expectedVersion int64) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, err
	}
	existing, ok := m.reservations[r.ID]
	if !ok {
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", r.ID, domain.ErrNotFound)
	}
	if existing.Version != expectedVersion {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s was modified concurrently", domain.ErrInvalidTransition, r.ID)
	}
	r.Version = existing.Version + 1
	m.reservations[r.ID] = r
	return r, nil
}

// List filters and pages reservations, newest start time first.
func (m *MemoryRepository) List(_ context.Context, q domain.ListQuery) ([]domain.Reservation, error) {
	m.mu.RLock()
	var res []domain.Reservation
	for _, r := range m.reservations {
		if q.Matches(r) {
			res = append(res, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].StartTime.Equal(res[j].StartTime) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].StartTime.After(res[j].StartTime)
	})
	return page(res, q.Offset, q.Limit), nil
}

func page(res []domain.Reservation, offset, limit int) []domain.Reservation {
	if offset > 0 {
		if offset >= len(res) {
			return nil
		}
		res = res[offset:]
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}
