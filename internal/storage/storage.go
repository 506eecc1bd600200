// Package storage opens the persistence backend named by the configuration.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/config"
	outboxworker "github.com/example/evreserve/internal/outbox"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/locking"
	"github.com/example/evreserve/internal/reservation/repository"
	"github.com/example/evreserve/internal/station/catalog"
)

type Kind string

const (
	Postgres Kind = "postgres"
	SQLite   Kind = "sqlite"
	Memory   Kind = "memory"
)

// Backend bundles the stores that share one database.
type Backend struct {
	Kind    Kind
	Repo    domain.Repository
	Catalog catalog.Store
	Locker  domain.SlotLocker
	// OutboxDB is set when reservation writes also fill the outbox table.
	OutboxDB *sql.DB
	Dialect  outboxworker.Dialect

	close func()
}

func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open picks Postgres when a DSN is configured, then SQLite, then memory.
// Schemas are created when missing. Outbox rows go to cfg.NATS.Subject.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case cfg.Postgres.DSN != "":
		return openPostgres(ctx, cfg, logger)
	case cfg.SQLite.Path != "":
		return openSQLite(ctx, cfg, logger)
	}
	logger.Warn("no database configured, reservations are kept in memory")
	return &Backend{
		Kind:    Memory,
		Repo:    repository.NewMemoryRepository(),
		Catalog: catalog.NewMemoryCatalog(),
		Locker:  locking.NewKeyedMutex(),
	}, nil
}

func openPostgres(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.Postgres.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Postgres.MaxConns
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	repo := repository.NewPostgresRepository(pool, cfg.NATS.Subject)
	cat := catalog.NewPostgresCatalog(pool)
	if err := migrate(ctx, repo, cat); err != nil {
		pool.Close()
		return nil, err
	}
	db := stdlib.OpenDBFromPool(pool)
	logger.Info("using postgres storage")
	return &Backend{
		Kind:     Postgres,
		Repo:     repo,
		Catalog:  cat,
		Locker:   locking.NewAdvisoryLocker(pool, cfg.Locking.Backoff, logger),
		OutboxDB: db,
		Dialect:  outboxworker.Postgres,
		close: func() {
			db.Close()
			pool.Close()
		},
	}, nil
}

func openSQLite(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, error) {
	repo, err := repository.OpenSQLite(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	repo.WithOutbox(cfg.NATS.Subject)
	cat := catalog.NewSQLiteCatalog(repo.DB())
	if err := cat.Migrate(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	logger.Info("using sqlite storage", zap.String("path", cfg.SQLite.Path))
	return &Backend{
		Kind:     SQLite,
		Repo:     repo,
		Catalog:  cat,
		Locker:   locking.NewKeyedMutex(),
		OutboxDB: repo.DB(),
		Dialect:  outboxworker.SQLite,
		close:    func() { repo.Close() },
	}, nil
}

func migrate(ctx context.Context, repo *repository.PostgresRepository, cat *catalog.SQLCatalog) error {
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	return cat.Migrate(ctx)
}
