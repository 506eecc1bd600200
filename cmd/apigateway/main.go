package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/auth"
	"github.com/example/evreserve/internal/config"
	ratelimitmw "github.com/example/evreserve/internal/http/middleware"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		observability.SetupLogger("api-gateway").Fatal("load config", zap.Error(err))
	}

	logger, err := observability.NewLogger("api-gateway", cfg.LogLevel)
	if err != nil {
		logger = observability.SetupLogger("api-gateway")
	}
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	redisClient := newRedisClient(ctx, cfg.Redis, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	var limiter *ratelimitmw.RateLimiter
	if redisClient != nil {
		limiter = ratelimitmw.NewRateLimiter(redisClient,
			ratelimitmw.RateConfig{Rate: cfg.Gateway.ReadRPS, Burst: cfg.Gateway.ReadBurst},
			ratelimitmw.RateConfig{Rate: cfg.Gateway.WriteRPS, Burst: cfg.Gateway.WriteBurst},
			logger)
	} else {
		logger.Warn("rate limiting disabled, no redis configured")
	}

	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           newRouter(cfg, limiter, &http.Client{Timeout: cfg.HTTP.RequestTimeout}, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("upstream", cfg.Gateway.UpstreamURL))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newRouter(cfg config.Config, limiter *ratelimitmw.RateLimiter, client *http.Client, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter())

	upstream := strings.TrimSuffix(cfg.Gateway.UpstreamURL, "/")
	r.Group(func(r chi.Router) {
		if cfg.Auth.JWTSecret != "" {
			r.Use(auth.Identify(cfg.Auth.JWTSecret))
		}
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Handle("/v1/*", proxy(upstream, client, logger))
	})
	return r
}

func proxy(upstream string, client *http.Client, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := upstream + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
		if err != nil {
			writeUpstreamError(w, http.StatusBadGateway, domain.CodeUnavailable, "bad upstream request")
			return
		}
		req.Header = r.Header.Clone()
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			req.Header.Set("X-Request-ID", id)
		}
		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
			if r.Context().Err() != nil || isTimeout(err) {
				writeUpstreamError(w, http.StatusGatewayTimeout, domain.CodeTimeout, "upstream timed out")
				return
			}
			writeUpstreamError(w, http.StatusBadGateway, domain.CodeUnavailable, "upstream unavailable")
			return
		}
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeUpstreamError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		vv := make([]string, len(v))
		copy(vv, v)
		dst[k] = vv
	}
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
