package locking

import (
	"context"
	"time"

	"github.com/example/evreserve/internal/reservation/domain"
)

// Bounded caps how long Acquire waits on the wrapped locker.
type Bounded struct {
	next    domain.SlotLocker
	timeout time.Duration
}

// WithTimeout wraps next. A non-positive timeout returns next unchanged.
func WithTimeout(next domain.SlotLocker, timeout time.Duration) domain.SlotLocker {
	if timeout <= 0 {
		return next
	}
	return &Bounded{next: next, timeout: timeout}
}

func (b *Bounded) Acquire(ctx context.Context, key domain.SlotKey) (domain.SlotLock, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.Acquire(waitCtx, key)
}
