package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(defaultConfigPathEnv, "")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 500, cfg.Reservations.MaxNoteLength)
	require.Equal(t, 5.0, cfg.Stations.NearbyRadiusKM)
	require.Equal(t, 10, cfg.Stations.NearbyLimit)
	require.Greater(t, cfg.Locking.TTL, cfg.HTTP.RequestTimeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	t.Setenv("TEST_JWT", "from-file-expansion")
	path := writeFile(t, "config.yaml", `
log_level: debug
postgres:
  dsn: postgres://localhost/evreserve
redis:
  addr: localhost:6379
auth:
  jwt_secret: ${TEST_JWT}
http:
  request_timeout: 6s
locking:
  ttl: 8s
reservations:
  max_note_length: 280
stations:
  nearby_limit: 25
`)
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("LOCK_BACKOFF", "25ms")
	t.Setenv("MQTT_QOS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "postgres://localhost/evreserve", cfg.Postgres.DSN)
	require.Equal(t, "redis:6380", cfg.Redis.Addr)
	require.Equal(t, "from-file-expansion", cfg.Auth.JWTSecret)
	require.Equal(t, 6*time.Second, cfg.HTTP.RequestTimeout)
	require.Equal(t, 8*time.Second, cfg.Locking.TTL)
	require.Equal(t, 25*time.Millisecond, cfg.Locking.Backoff)
	require.Equal(t, 280, cfg.Reservations.MaxNoteLength)
	require.Equal(t, 25, cfg.Stations.NearbyLimit)
	require.Equal(t, 5.0, cfg.Stations.NearbyRadiusKM)
	require.Equal(t, uint8(2), cfg.MQTT.QoS)
}

func TestLoadUsesConfigFileEnv(t *testing.T) {
	t.Setenv(defaultConfigPathEnv, writeFile(t, "c.yaml", "grpc:\n  addr: \":9999\"\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.GRPC.Addr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv(defaultConfigPathEnv, "")

	t.Setenv("LOCK_TTL", "soon")
	_, err := Load("")
	require.ErrorContains(t, err, "LOCK_TTL")

	t.Setenv("LOCK_TTL", "0s")
	_, err = Load("")
	require.ErrorContains(t, err, "locking.ttl")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsLockTTLWithinRequestTimeout(t *testing.T) {
	cfg := Default()
	cfg.HTTP.RequestTimeout = 10 * time.Second
	cfg.Locking.TTL = 5 * time.Second
	require.ErrorContains(t, cfg.Validate(), "must exceed http.request_timeout")

	cfg.Locking.TTL = 10 * time.Second
	require.ErrorContains(t, cfg.Validate(), "must exceed http.request_timeout")

	cfg.Locking.TTL = 11 * time.Second
	require.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "absent.env")))

	t.Setenv("NATS_SUBJECT", "")
	os.Unsetenv("NATS_SUBJECT")
	path := writeFile(t, ".env", "NATS_SUBJECT=custom.events\n")
	require.NoError(t, loadDotEnv(path))

	cfg := Default()
	require.NoError(t, populateFromEnv(reflect.ValueOf(&cfg).Elem(), ""))
	require.Equal(t, "custom.events", cfg.NATS.Subject)
}
