package locking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/example/evreserve/internal/reservation/domain"
)

// sessionLock is held until released; it cannot lapse on its own.
type sessionLock struct {
	key      domain.SlotKey
	once     sync.Once
	released atomic.Bool
	release  func()
}

func newSessionLock(key domain.SlotKey, release func()) *sessionLock {
	return &sessionLock{key: key, release: release}
}

func (l *sessionLock) Fence(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if l.released.Load() {
		return nil, nil, fmt.Errorf("%w: lock %s already released", domain.ErrUnavailable, l.key)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: lock %s: %v", domain.ErrUnavailable, l.key, err)
	}
	fenced, cancel := context.WithCancel(ctx)
	return fenced, cancel, nil
}

func (l *sessionLock) Release() {
	l.once.Do(func() {
		l.released.Store(true)
		l.release()
	})
}
