package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/evreserve/internal/auth"
)

func newLimiter(t *testing.T, read, write RateConfig) (*RateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRateLimiter(client, read, write, nil)
	now := time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, mr, &now
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func doRequest(h http.Handler, method, clientID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/reservations", nil)
	req.Header.Set("X-Client-ID", clientID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterWriteBudget(t *testing.T) {
	l, _, now := newLimiter(t, RateConfig{Rate: 10, Burst: 10}, RateConfig{Rate: 0.5, Burst: 2})
	h := l.Middleware(okHandler())

	require.Equal(t, http.StatusNoContent, doRequest(h, http.MethodPost, "app-1").Code)
	require.Equal(t, http.StatusNoContent, doRequest(h, http.MethodPost, "app-1").Code)

	rec := doRequest(h, http.MethodPost, "app-1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"rate_limited","message":"Too Many Requests"}`, rec.Body.String())

	// Reads and other clients draw from separate buckets.
	require.Equal(t, http.StatusNoContent, doRequest(h, http.MethodGet, "app-1").Code)
	require.Equal(t, http.StatusNoContent, doRequest(h, http.MethodPost, "app-2").Code)

	*now = now.Add(2 * time.Second)
	require.Equal(t, http.StatusNoContent, doRequest(h, http.MethodPost, "app-1").Code)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	l, mr, _ := newLimiter(t, RateConfig{Rate: 1, Burst: 1}, RateConfig{Rate: 1, Burst: 1})
	h := l.Middleware(okHandler())
	mr.Close()

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusNoContent, doRequest(h, http.MethodPost, "app-1").Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	var l *RateLimiter
	h := l.Middleware(okHandler())
	require.Equal(t, http.StatusNoContent, doRequest(h, http.MethodPost, "app-1").Code)
	require.Nil(t, NewRateLimiter(nil, RateConfig{}, RateConfig{}, nil))
}

func TestClientIdentifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	require.Equal(t, "10.0.0.7", clientIdentifier(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIdentifier(req))

	req.Header.Set("X-Client-ID", "app-3")
	require.Equal(t, "app-3", clientIdentifier(req))

	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{}))
	require.Equal(t, "app-3", clientIdentifier(req))

	claims := &auth.Claims{}
	claims.Subject = "user-1"
	req = req.WithContext(auth.WithClaims(req.Context(), claims))
	require.Equal(t, "user:user-1", clientIdentifier(req))
}
