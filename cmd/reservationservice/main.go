package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/evreserve/internal/auth"
	"github.com/example/evreserve/internal/config"
	"github.com/example/evreserve/internal/grpcapi"
	"github.com/example/evreserve/internal/notify"
	outboxworker "github.com/example/evreserve/internal/outbox"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/handler"
	"github.com/example/evreserve/internal/reservation/locking"
	"github.com/example/evreserve/internal/reservation/repository"
	"github.com/example/evreserve/internal/reservation/service"
	"github.com/example/evreserve/internal/station/catalog"
	"github.com/example/evreserve/internal/storage"
	"github.com/example/evreserve/pkg/observability"
	outboxpkg "github.com/example/evreserve/pkg/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		observability.SetupLogger("reservation-service").Fatal("load config", zap.Error(err))
	}

	logger, err := observability.NewLogger("reservation-service", cfg.LogLevel)
	if err != nil {
		logger = observability.SetupLogger("reservation-service")
		logger.Warn("invalid log level, using LOG_LEVEL", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "reservation-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer store.Close()

	if cfg.Stations.SeedFile != "" {
		stations, err := catalog.LoadSeedFile(cfg.Stations.SeedFile)
		if err != nil {
			logger.Fatal("read station seed", zap.Error(err))
		}
		n, err := catalog.Seed(ctx, store.Catalog, stations)
		if err != nil {
			logger.Fatal("seed stations", zap.Error(err))
		}
		logger.Info("stations seeded", zap.Int("count", n), zap.String("file", cfg.Stations.SeedFile))
	}

	var stations domain.StationCatalog = store.Catalog
	var idem domain.IdempotencyRepository = repository.NewMemoryIdempotencyRepo(domain.SystemClock{}, cfg.Reservations.IdempotencyTTL)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()

		if store.Kind == storage.Postgres {
			logger.Info("keeping postgres advisory locks for connector groups")
		} else {
			store.Locker = locking.NewRedisLocker(redisClient, locking.RedisLockerConfig{
				TTL:        cfg.Locking.TTL,
				Backoff:    cfg.Locking.Backoff,
				MaxBackoff: cfg.Locking.MaxBackoff,
			}, logger)
		}
		idem = repository.NewRedisIdempotencyRepo(redisClient, "", cfg.Reservations.IdempotencyTTL)

		geo := catalog.NewGeoCatalog(store.Catalog, redisClient, cfg.Stations.GeoKey, logger)
		if n, err := geo.Index(ctx); err != nil {
			logger.Warn("geo index build failed, nearby falls back to the catalog", zap.Error(err))
		} else {
			logger.Info("geo index built", zap.Int("stations", n))
		}
		stations = geo
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		if conn, err := nats.Connect(cfg.NATS.URL, nats.Name("reservationservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var events outboxpkg.Fanout
	if store.OutboxDB != nil && natsConn != nil {
		worker := outboxworker.NewWorker(store.OutboxDB, natsConn, logger, outboxworker.WorkerConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			RetryMax:     cfg.Outbox.RetryMax,
			Dialect:      store.Dialect,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("outbox", store.OutboxDB != nil), zap.Bool("nats", natsConn != nil))
		if natsConn != nil {
			events = append(events, outboxpkg.NewPublisher(natsConn, cfg.NATS.Subject))
		}
	}

	if cfg.MQTT.Broker != "" {
		notifier, err := notify.Connect(notify.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			PublishTimeout: cfg.MQTT.PublishTimeout,
		}, logger)
		if err != nil {
			logger.Warn("mqtt connection failed", zap.Error(err))
		} else {
			defer notifier.Close()
			events = append(events, notifier)
		}
	}

	var publisher domain.EventPublisher
	if len(events) > 0 {
		publisher = events
	}

	svc := service.New(
		store.Repo,
		stations,
		locking.WithTimeout(store.Locker, cfg.Locking.Timeout),
		publisher,
		domain.SystemClock{},
		idem,
		logger,
		service.Config{MaxNoteLength: cfg.Reservations.MaxNoteLength},
	)

	api := handler.NewHTTP(svc, stations, handler.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		NearbyRadiusKM: cfg.Stations.NearbyRadiusKM,
		NearbyLimit:    cfg.Stations.NearbyLimit,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}, logger)

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter())
	r.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor(cfg.Auth.JWTSecret)))
	grpcapi.RegisterReservationsServer(grpcServer, grpcapi.NewServer(svc, stations, cfg.Stations.NearbyRadiusKM, cfg.Stations.NearbyLimit, logger))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("reservation service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
}
