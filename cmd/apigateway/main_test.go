package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/auth"
	"github.com/example/evreserve/internal/config"
	ratelimitmw "github.com/example/evreserve/internal/http/middleware"
)

func gatewayConfig(upstream string) config.Config {
	cfg := config.Default()
	cfg.Gateway.UpstreamURL = upstream + "/"
	cfg.Auth.JWTSecret = "gw-secret"
	return cfg
}

func TestProxyForwardsPathQueryAndHeaders(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotReqID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		gotAuth, gotReqID = r.Header.Get("Authorization"), r.Header.Get("X-Request-ID")
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	h := newRouter(gatewayConfig(upstream.URL), nil, upstream.Client(), zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/v1/reservations?dry=1", strings.NewReader(`{"stationId":"metrotown"}`))
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	require.JSONEq(t, `{"stationId":"metrotown"}`, rec.Body.String())
	require.Equal(t, "/v1/reservations", gotPath)
	require.Equal(t, "dry=1", gotQuery)
	require.Equal(t, "Bearer abc", gotAuth)
	require.NotEmpty(t, gotReqID)
}

func TestProxyUpstreamFailures(t *testing.T) {
	gone := httptest.NewServer(http.NotFoundHandler())
	url := gone.URL
	gone.Close()

	h := newRouter(gatewayConfig(url), nil, http.DefaultClient, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stations", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.JSONEq(t, `{"error":"unavailable","message":"upstream unavailable"}`, rec.Body.String())

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()
	h = newRouter(gatewayConfig(slow.URL), nil, &http.Client{Timeout: 20 * time.Millisecond}, zap.NewNop())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stations", nil))
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestGatewayRateLimitsPerUser(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimitmw.NewRateLimiter(client,
		ratelimitmw.RateConfig{Rate: 1, Burst: 1},
		ratelimitmw.RateConfig{Rate: 1, Burst: 1},
		nil)

	cfg := gatewayConfig(upstream.URL)
	h := newRouter(cfg, limiter, upstream.Client(), zap.NewNop())

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/stations", nil)
		token, err := auth.IssueToken(cfg.Auth.JWTSecret, user, "", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusNoContent, call("user-1"))
	require.Equal(t, http.StatusTooManyRequests, call("user-1"))
	require.Equal(t, http.StatusNoContent, call("user-2"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/observability/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
