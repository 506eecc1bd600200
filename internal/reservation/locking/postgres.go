package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/reservation/domain"
)

// AdvisoryLocker holds a Postgres session advisory lock per connector group on
// a dedicated pooled connection until release.
type AdvisoryLocker struct {
	pool    *pgxpool.Pool
	backoff time.Duration
	logger  *zap.Logger
}

// NewAdvisoryLocker constructs the locker.
func NewAdvisoryLocker(pool *pgxpool.Pool, backoff time.Duration, logger *zap.Logger) *AdvisoryLocker {
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisoryLocker{pool: pool, backoff: backoff, logger: logger.Named("advisory_locker")}
}

// Acquire polls pg_try_advisory_lock so a cancelled context never leaves a
// blocked query on the connection.
func (a *AdvisoryLocker) Acquire(ctx context.Context, key domain.SlotKey) (domain.SlotLock, error) {
	started := time.Now()
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		observe("postgres", "error", started)
		return nil, fmt.Errorf("%w: acquire connection: %v", domain.ErrUnavailable, err)
	}

	backoff := a.backoff
	for {
		var locked bool
		err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key.String()).Scan(&locked)
		if err != nil {
			conn.Release()
			observe("postgres", "error", started)
			return nil, fmt.Errorf("%w: advisory lock: %v", domain.ErrUnavailable, err)
		}
		if locked {
			observe("postgres", "acquired", started)
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			conn.Release()
			observe("postgres", "timeout", started)
			return nil, fmt.Errorf("%w: lock %s: %v", domain.ErrUnavailable, key, ctx.Err())
		}
		if backoff *= 2; backoff > 200*time.Millisecond {
			backoff = 200 * time.Millisecond
		}
	}

	return newSessionLock(key, func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := conn.Exec(releaseCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key.String()); err != nil {
			// A session that cannot unlock must not return to the pool still holding the lock.
			a.logger.Warn("advisory unlock failed, closing connection", zap.String("key", key.String()), zap.Error(err))
			_ = conn.Conn().Close(releaseCtx)
		}
		conn.Release()
	}), nil
}
