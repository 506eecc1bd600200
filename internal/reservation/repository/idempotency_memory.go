package repository

import (
	"context"
	"sync"
	"time"

	"github.com/example/evreserve/internal/reservation/domain"
)

type cachedResponse struct {
	payload []byte
	expires time.Time
}

// MemoryIdempotencyRepo stores create responses keyed by idempotency key
// until they expire.
type MemoryIdempotencyRepo struct {
	mu        sync.Mutex
	clock     domain.Clock
	ttl       time.Duration
	responses map[string]cachedResponse
}

// NewMemoryIdempotencyRepo constructs repository. A non-positive ttl keeps
// entries forever.
func NewMemoryIdempotencyRepo(clock domain.Clock, ttl time.Duration) *MemoryIdempotencyRepo {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryIdempotencyRepo{clock: clock, ttl: ttl, responses: make(map[string]cachedResponse)}
}

// GetResponse retrieves a cached response that has not expired.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.responses[key]
	if !ok {
		return nil, false, nil
	}
	if !value.expires.IsZero() && !m.clock.Now().Before(value.expires) {
		delete(m.responses, key)
		return nil, false, nil
	}
	return append([]byte(nil), value.payload...), true, nil
}

// PutResponse stores response payload.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := cachedResponse{payload: append([]byte(nil), payload...)}
	if m.ttl > 0 {
		entry.expires = m.clock.Now().Add(m.ttl)
	}
	m.responses[key] = entry
	return nil
}
