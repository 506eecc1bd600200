// Package locking serialises reservation writers per connector group.
package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/evreserve/internal/reservation/domain"
)

// KeyedMutex is an in-process SlotLocker. Each key owns a one-slot channel so
// waiters can give up when their context ends.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[domain.SlotKey]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

// NewKeyedMutex constructs an empty lock table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[domain.SlotKey]*slot)}
}

// Acquire blocks until key is free or ctx is done.
func (k *KeyedMutex) Acquire(ctx context.Context, key domain.SlotKey) (domain.SlotLock, error) {
	started := time.Now()
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.waiters++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.forget(key, s)
		observe("memory", "timeout", started)
		return nil, fmt.Errorf("%w: lock %s: %v", domain.ErrUnavailable, key, ctx.Err())
	}
	observe("memory", "acquired", started)

	return newSessionLock(key, func() {
		<-s.ch
		k.forget(key, s)
	}), nil
}

// forget drops the slot once nobody holds or waits for it.
func (k *KeyedMutex) forget(key domain.SlotKey, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(k.slots, key)
	}
}

func observe(backend, result string, started time.Time) {
	lockWait.WithLabelValues(backend, result).Observe(time.Since(started).Seconds())
	lockAttempts.WithLabelValues(backend, result).Inc()
}
